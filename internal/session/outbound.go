package session

import (
	"time"

	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	routingtablepkg "github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// Declare implements routingtable.Sink.
func (s *Session) Declare(d routingtablepkg.Declaration) error {
	return s.sendControl(&wire.Declare{
		Decl:     declKind(d.Kind),
		Key:      wire.KeyRef{Suffix: d.Key.String()},
		Reliable: d.Reliability == routingtablepkg.Reliable,
	})
}

// Undeclare implements routingtable.Sink.
func (s *Session) Undeclare(d routingtablepkg.Declaration) error {
	return s.sendControl(&wire.Declare{
		Decl:      declKind(d.Kind),
		Undeclare: true,
		Key:       wire.KeyRef{Suffix: d.Key.String()},
	})
}

// Push implements routingtable.Sink. Reliable samples use a key alias.
func (s *Session) Push(sample *routingtablepkg.Sample) error {
	reliable := sample.Reliability == routingtablepkg.Reliable

	s.txMu.Lock()
	defer s.txMu.Unlock()
	ref, err := s.keyRefLocked(sample.Key, reliable)
	if err != nil {
		return err
	}
	m := &wire.Push{
		Key:        ref,
		SampleKind: sample.Kind,
		Encoding:   string(sample.Encoding),
		Payload:    sample.Payload,
		Source:     sample.Source,
		SourceSN:   sample.SourceSN,
		Timestamp:  unixNano(sample.Timestamp),
		Attachment: sample.Attachment,
		Drop:       sample.Congestion == routingtablepkg.Drop,
	}
	return s.link.Send(s.ctx, m, sample.Reliability, sample.Congestion)
}

// Query implements routingtable.Sink.
func (s *Session) Query(q *routingtablepkg.Query) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	ref, err := s.keyRefLocked(q.Selector.Key, true)
	if err != nil {
		return err
	}
	return s.link.Send(s.ctx, &wire.Query{
		ID:            q.ID,
		Key:           ref,
		Parameters:    q.Selector.Parameters,
		Consolidation: q.Consolidation,
		Timeout:       q.Timeout,
		Value:         q.Value,
		Attachment:    q.Attachment,
		Source:        q.Source,
		SourceSN:      q.SourceSN,
	}, routingtablepkg.Reliable, routingtablepkg.Block)
}

// Reply implements routingtable.Sink.
func (s *Session) Reply(r *routingtablepkg.Reply) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	m := &wire.Reply{QueryID: r.QueryID, Final: r.Final, TimedOut: r.TimedOut, Err: r.Err}
	if r.Sample != nil {
		ref, err := s.keyRefLocked(r.Sample.Key, true)
		if err != nil {
			return err
		}
		m.Body = &wire.ReplyBody{
			Key:        ref,
			SampleKind: r.Sample.Kind,
			Encoding:   string(r.Sample.Encoding),
			Payload:    r.Sample.Payload,
			Timestamp:  unixNano(r.Sample.Timestamp),
			Attachment: r.Sample.Attachment,
		}
	}
	return s.link.Send(s.ctx, m, routingtablepkg.Reliable, routingtablepkg.Block)
}

// SendLinkState forwards a link-state advertisement to the remote side.
func (s *Session) SendLinkState(ls *wire.LinkState) error {
	return s.sendControl(ls)
}

func (s *Session) sendControl(m wire.Message) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.link.Send(s.ctx, m, routingtablepkg.Reliable, routingtablepkg.Block)
}

// keyRefLocked returns the wire form of key. Aliases are declared on the
// reliable channel and only messages on that channel are ordered after the
// declaration, so best-effort messages always carry the full key.
func (s *Session) keyRefLocked(key keyexpr.KeyExpr, reliable bool) (wire.KeyRef, error) {
	k := key.String()
	if !reliable || s.aliases == nil {
		return wire.KeyRef{Suffix: k}, nil
	}
	if id, ok := s.aliases.Get(k); ok {
		return wire.KeyRef{Alias: id}, nil
	}

	s.nextAlias++
	id := s.nextAlias
	err := s.link.Send(s.ctx, &wire.Declare{Decl: wire.DeclKeyExpr, ID: id, Key: wire.KeyRef{Suffix: k}},
		routingtablepkg.Reliable, routingtablepkg.Block)
	if err != nil {
		return wire.KeyRef{}, err
	}
	s.aliases.Add(k, id)
	for _, old := range s.evicted {
		err := s.link.Send(s.ctx, &wire.Declare{Decl: wire.DeclKeyExpr, Undeclare: true, ID: old},
			routingtablepkg.Reliable, routingtablepkg.Block)
		if err != nil {
			s.logger.Debug("alias withdrawal not sent", zap.Uint64("alias", old), zap.Error(err))
		}
	}
	s.evicted = s.evicted[:0]
	return wire.KeyRef{Alias: id}, nil
}

func declKind(k routingtablepkg.DeclKind) wire.DeclKind {
	if k == routingtablepkg.DeclQueryable {
		return wire.DeclQueryable
	}
	return wire.DeclSubscriber
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
