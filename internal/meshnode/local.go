package meshnode

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/rmacdonaldsmith/keymesh-go/internal/routingtable"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/meshnode"
	routingtablepkg "github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

// LocalSession is an application session living in the runtime's process.
// It is a local face of the routing tables: samples and queries reach its
// handlers through the Sink methods, on the goroutine that routed them.
type LocalSession struct {
	tables *routingtable.Tables
	clock  clock.Clock
	logger *zap.Logger
	face   routingtablepkg.FaceID
	// onClose lets the runtime forget the session.
	onClose func(*LocalSession)

	mu        sync.Mutex
	closed    bool
	nextDecl  uint64
	subs      map[uint64]*subscriber
	qabls     map[uint64]*queryable
	nextQuery uint64
	// streams holds the queries this session sent, by query id.
	streams map[uint64]*replyStream
	// incoming holds the queries this session is answering, by the id the
	// tables gave them on this face.
	incoming map[uint64]*incomingQuery
}

func newLocalSession(tables *routingtable.Tables, clk clock.Clock, logger *zap.Logger, onClose func(*LocalSession)) (*LocalSession, error) {
	s := &LocalSession{
		tables:   tables,
		clock:    clk,
		onClose:  onClose,
		subs:     make(map[uint64]*subscriber),
		qabls:    make(map[uint64]*queryable),
		streams:  make(map[uint64]*replyStream),
		incoming: make(map[uint64]*incomingQuery),
	}
	face, err := tables.AddFace(routingtablepkg.FaceInfo{Local: true}, localSink{s})
	if err != nil {
		return nil, fmt.Errorf("failed to add local face: %w", err)
	}
	s.face = face
	s.logger = logger.Named("local").With(zap.Uint64("face", uint64(face)))
	return s, nil
}

// Face returns the session's face id in the routing tables
func (s *LocalSession) Face() routingtablepkg.FaceID {
	return s.face
}

// DeclareSubscriber registers handler for every sample intersecting key.
func (s *LocalSession) DeclareSubscriber(ctx context.Context, key string, handler func(*routingtablepkg.Sample), opts meshnode.SubscriberOptions) (meshnode.Subscriber, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := keyexpr.Canonicalize(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, meshnode.ErrSessionClosed
	}
	s.nextDecl++
	sub := &subscriber{s: s, id: s.nextDecl, key: k, rel: opts.Reliability, handler: handler}
	s.subs[sub.id] = sub
	s.mu.Unlock()

	if err := s.tables.DeclareSubscriber(s.face, k, opts.Reliability); err != nil {
		s.forgetSubscriber(sub.id)
		return nil, fmt.Errorf("failed to declare subscriber: %w", err)
	}
	s.logger.Debug("subscriber declared", zap.String("key", k.String()), zap.Stringer("reliability", opts.Reliability))
	return sub, nil
}

// DeclareQueryable registers handler for every query intersecting key.
func (s *LocalSession) DeclareQueryable(ctx context.Context, key string, handler func(meshnode.Query), opts meshnode.QueryableOptions) (meshnode.Queryable, error) {
	if handler == nil {
		return nil, errors.New("handler cannot be nil")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	k, err := keyexpr.Canonicalize(key)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, meshnode.ErrSessionClosed
	}
	s.nextDecl++
	q := &queryable{s: s, id: s.nextDecl, key: k, handler: handler}
	s.qabls[q.id] = q
	s.mu.Unlock()

	if err := s.tables.DeclareQueryable(s.face, k); err != nil {
		s.mu.Lock()
		delete(s.qabls, q.id)
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to declare queryable: %w", err)
	}
	s.logger.Debug("queryable declared", zap.String("key", k.String()))
	return q, nil
}

// Publish routes a put sample.
func (s *LocalSession) Publish(ctx context.Context, key string, payload []byte, opts meshnode.PublishOptions) error {
	return s.publish(ctx, key, payload, opts)
}

// Delete routes a delete sample.
func (s *LocalSession) Delete(ctx context.Context, key string, opts meshnode.PublishOptions) error {
	opts.Kind = routingtablepkg.Delete
	return s.publish(ctx, key, nil, opts)
}

func (s *LocalSession) publish(ctx context.Context, key string, payload []byte, opts meshnode.PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	k, err := keyexpr.Canonicalize(key)
	if err != nil {
		return err
	}
	if s.isClosed() {
		return meshnode.ErrSessionClosed
	}
	return s.tables.Publish(s.face, &routingtablepkg.Sample{
		Key:         k,
		Payload:     payload,
		Encoding:    encodingOr(opts.Encoding),
		Kind:        opts.Kind,
		Timestamp:   s.stamp(opts.Timestamp),
		Attachment:  opts.Attachment,
		Reliability: opts.Reliability,
		Congestion:  opts.Congestion,
	})
}

// Query sends a query and returns the stream of its replies.
func (s *LocalSession) Query(ctx context.Context, selector string, opts meshnode.QueryOptions) (meshnode.ReplyStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sel, err := keyexpr.ParseSelector(selector)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, meshnode.ErrSessionClosed
	}
	s.nextQuery++
	id := s.nextQuery
	stream := newReplyStream()
	s.streams[id] = stream
	s.mu.Unlock()

	err = s.tables.Query(s.face, &routingtablepkg.Query{
		ID:            id,
		Selector:      sel,
		Consolidation: opts.Consolidation,
		Timeout:       opts.Timeout,
		Value:         opts.Value,
		Attachment:    opts.Attachment,
	})
	if err != nil {
		s.mu.Lock()
		delete(s.streams, id)
		s.mu.Unlock()
		return nil, fmt.Errorf("failed to send query: %w", err)
	}
	return stream, nil
}

// Reply answers an incoming query by id.
func (s *LocalSession) Reply(queryID uint64, key string, payload []byte, opts meshnode.ReplyOptions) error {
	iq, err := s.incomingQuery(queryID)
	if err != nil {
		return err
	}
	return iq.reply(key, payload, routingtablepkg.Put, opts)
}

// Finalize completes an incoming query by id, for every queryable it
// reached.
func (s *LocalSession) Finalize(queryID uint64) error {
	iq, err := s.incomingQuery(queryID)
	if err != nil {
		return err
	}
	return iq.finish()
}

func (s *LocalSession) incomingQuery(id uint64) (*incomingQuery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	iq, ok := s.incoming[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", meshnode.ErrQueryFinalized, id)
	}
	return iq, nil
}

// Close withdraws every declaration and ends the session's open queries.
func (s *LocalSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	streams := s.streams
	s.streams = make(map[uint64]*replyStream)
	s.incoming = make(map[uint64]*incomingQuery)
	s.mu.Unlock()

	err := s.tables.RemoveFace(s.face)
	if errors.Is(err, routingtable.ErrClosed) {
		err = nil
	}
	for _, st := range streams {
		st.finish(false)
	}
	if s.onClose != nil {
		s.onClose(s)
	}
	s.logger.Debug("session closed")
	return err
}

func (s *LocalSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *LocalSession) stamp(ts time.Time) time.Time {
	if ts.IsZero() {
		return s.clock.Now()
	}
	return ts
}

func (s *LocalSession) forgetSubscriber(id uint64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

// localSink is the routing tables' view of a LocalSession.
type localSink struct {
	s *LocalSession
}

// Declare implements routingtable.Sink. Local faces are never sent
// declarations.
func (localSink) Declare(routingtablepkg.Declaration) error { return nil }

// Undeclare implements routingtable.Sink.
func (localSink) Undeclare(routingtablepkg.Declaration) error { return nil }

// Push implements routingtable.Sink. The sample goes to every subscriber of
// the session whose key intersects it.
func (k localSink) Push(sample *routingtablepkg.Sample) error {
	s := k.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	var matched []*subscriber
	for _, sub := range s.subs {
		if sub.key.Intersects(sample.Key) {
			matched = append(matched, sub)
		}
	}
	s.mu.Unlock()

	sortByID(matched)
	for _, sub := range matched {
		if !sub.undeclared.Load() {
			sub.handler(sample)
		}
	}
	return nil
}

// Query implements routingtable.Sink. Every queryable of the session whose
// key intersects the query gets a handle; the tables see a single final
// reply once all of them finalized.
func (k localSink) Query(q *routingtablepkg.Query) error {
	s := k.s
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return meshnode.ErrSessionClosed
	}
	var matched []*queryable
	for _, qa := range s.qabls {
		if qa.key.Intersects(q.Selector.Key) {
			matched = append(matched, qa)
		}
	}
	iq := &incomingQuery{s: s, q: q, holds: len(matched)}
	if len(matched) > 0 {
		s.incoming[q.ID] = iq
	}
	s.mu.Unlock()

	if len(matched) == 0 {
		return s.tables.Reply(s.face, &routingtablepkg.Reply{QueryID: q.ID, Final: true})
	}
	sortByID(matched)
	for _, qa := range matched {
		h := &queryHandle{iq: iq}
		qa.handler(h)
		if !h.detached.Load() {
			if err := h.Finalize(); err != nil && !errors.Is(err, meshnode.ErrQueryFinalized) {
				s.logger.Debug("finalize failed", zap.Uint64("query", q.ID), zap.Error(err))
			}
		}
	}
	return nil
}

// Reply implements routingtable.Sink, feeding the stream of a query this
// session sent.
func (k localSink) Reply(r *routingtablepkg.Reply) error {
	s := k.s
	s.mu.Lock()
	st, ok := s.streams[r.QueryID]
	if ok && r.Final {
		delete(s.streams, r.QueryID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if r.Final {
		st.finish(r.TimedOut)
		return nil
	}
	st.push(r)
	return nil
}
