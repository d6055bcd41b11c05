package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/rmacdonaldsmith/keymesh-go/internal/routingtable"
	"github.com/rmacdonaldsmith/keymesh-go/internal/wire"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	routingtablepkg "github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// HandleMessage implements peerlink.Handler. It runs on the link's
// dispatcher goroutine. A message that cannot be applied is dropped and
// charged to the link's error budget.
func (s *Session) HandleMessage(m wire.Message) {
	<-s.ready
	if s.face == 0 {
		return
	}

	var err error
	switch m := m.(type) {
	case *wire.Declare:
		err = s.onDeclare(m)
	case *wire.Push:
		err = s.onPush(m)
	case *wire.Query:
		err = s.onQuery(m)
	case *wire.Reply:
		err = s.onReply(m)
	case *wire.LinkState:
		if s.cfg.OnLinkState != nil {
			s.cfg.OnLinkState(s.remote.ID, m)
		}
	default:
		err = fmt.Errorf("%w: unexpected %s", wire.ErrMalformedMessage, m.Kind())
	}
	if err != nil && !errors.Is(err, routingtable.ErrClosed) {
		s.link.ReportError(err)
	}
}

func (s *Session) resolve(ref wire.KeyRef) (keyexpr.KeyExpr, error) {
	str, err := s.inAliases.Resolve(ref)
	if err != nil {
		return keyexpr.KeyExpr{}, err
	}
	return keyexpr.Canonicalize(str)
}

func (s *Session) onDeclare(m *wire.Declare) error {
	if m.Decl == wire.DeclKeyExpr {
		if m.Undeclare {
			return s.inAliases.Undeclare(m.ID)
		}
		key, err := s.resolve(m.Key)
		if err != nil {
			return err
		}
		return s.inAliases.Declare(m.ID, key.String())
	}

	key, err := s.resolve(m.Key)
	if err != nil {
		return err
	}
	k := key.String()

	switch m.Decl {
	case wire.DeclSubscriber:
		old, declared := s.subs[k]
		if m.Undeclare {
			if !declared {
				return nil
			}
			delete(s.subs, k)
			return s.tables.UndeclareSubscriber(s.face, key, old)
		}
		rel := routingtablepkg.BestEffort
		if m.Reliable {
			rel = routingtablepkg.Reliable
		}
		if declared && old == rel {
			return nil
		}
		// A repeated declaration changes the reliability. Add the new one
		// before dropping the old so the key never looks unused.
		if err := s.tables.DeclareSubscriber(s.face, key, rel); err != nil {
			return err
		}
		s.subs[k] = rel
		if declared {
			return s.tables.UndeclareSubscriber(s.face, key, old)
		}
		return nil

	case wire.DeclQueryable:
		_, declared := s.qabls[k]
		if m.Undeclare {
			if !declared {
				return nil
			}
			delete(s.qabls, k)
			return s.tables.UndeclareQueryable(s.face, key)
		}
		if declared {
			return nil
		}
		s.qabls[k] = struct{}{}
		return s.tables.DeclareQueryable(s.face, key)

	default:
		return fmt.Errorf("%w: declaration kind %d", wire.ErrMalformedMessage, m.Decl)
	}
}

func (s *Session) onPush(m *wire.Push) error {
	key, err := s.resolve(m.Key)
	if err != nil {
		return err
	}
	sample := &routingtablepkg.Sample{
		Key:        key,
		Payload:    m.Payload,
		Encoding:   routingtablepkg.Encoding(m.Encoding),
		Kind:       m.SampleKind,
		Timestamp:  fromUnixNano(m.Timestamp),
		Attachment: m.Attachment,
		Source:     m.Source,
		SourceSN:   m.SourceSN,
	}
	if m.Drop {
		sample.Congestion = routingtablepkg.Drop
	}
	return s.tables.Publish(s.face, sample)
}

func (s *Session) onQuery(m *wire.Query) error {
	key, err := s.resolve(m.Key)
	if err != nil {
		return err
	}
	return s.tables.Query(s.face, &routingtablepkg.Query{
		ID:            m.ID,
		Selector:      keyexpr.Selector{Key: key, Parameters: m.Parameters},
		Consolidation: m.Consolidation,
		Timeout:       m.Timeout,
		Value:         m.Value,
		Attachment:    m.Attachment,
		Source:        m.Source,
		SourceSN:      m.SourceSN,
	})
}

func (s *Session) onReply(m *wire.Reply) error {
	r := &routingtablepkg.Reply{QueryID: m.QueryID, Final: m.Final, TimedOut: m.TimedOut, Err: m.Err}
	if m.Body != nil {
		key, err := s.resolve(m.Body.Key)
		if err != nil {
			return err
		}
		r.Sample = &routingtablepkg.Sample{
			Key:        key,
			Payload:    m.Body.Payload,
			Encoding:   routingtablepkg.Encoding(m.Body.Encoding),
			Kind:       m.Body.SampleKind,
			Timestamp:  fromUnixNano(m.Body.Timestamp),
			Attachment: m.Body.Attachment,
		}
	}
	return s.tables.Reply(s.face, r)
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}
