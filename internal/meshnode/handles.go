package meshnode

import (
	"cmp"
	"context"
	"errors"
	"io"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/rmacdonaldsmith/keymesh-go/pkg/keyexpr"
	"github.com/rmacdonaldsmith/keymesh-go/pkg/meshnode"
	routingtablepkg "github.com/rmacdonaldsmith/keymesh-go/pkg/routingtable"
)

type subscriber struct {
	s          *LocalSession
	id         uint64
	key        keyexpr.KeyExpr
	rel        routingtablepkg.Reliability
	handler    func(*routingtablepkg.Sample)
	undeclared atomic.Bool
}

func (sub *subscriber) declID() uint64       { return sub.id }
func (sub *subscriber) Key() keyexpr.KeyExpr { return sub.key }

// Undeclare withdraws the subscription. Samples already being delivered may
// still reach the handler.
func (sub *subscriber) Undeclare() error {
	if !sub.undeclared.CompareAndSwap(false, true) {
		return nil
	}
	sub.s.forgetSubscriber(sub.id)
	if sub.s.isClosed() {
		return nil
	}
	return sub.s.tables.UndeclareSubscriber(sub.s.face, sub.key, sub.rel)
}

type queryable struct {
	s          *LocalSession
	id         uint64
	key        keyexpr.KeyExpr
	handler    func(meshnode.Query)
	undeclared atomic.Bool
}

func (q *queryable) declID() uint64       { return q.id }
func (q *queryable) Key() keyexpr.KeyExpr { return q.key }

func (q *queryable) Undeclare() error {
	if !q.undeclared.CompareAndSwap(false, true) {
		return nil
	}
	q.s.mu.Lock()
	delete(q.s.qabls, q.id)
	closed := q.s.closed
	q.s.mu.Unlock()
	if closed {
		return nil
	}
	return q.s.tables.UndeclareQueryable(q.s.face, q.key)
}

func sortByID[T interface{ declID() uint64 }](xs []T) {
	slices.SortFunc(xs, func(a, b T) int { return cmp.Compare(a.declID(), b.declID()) })
}

func encodingOr(e routingtablepkg.Encoding) routingtablepkg.Encoding {
	if e == "" {
		return routingtablepkg.DefaultEncoding
	}
	return e
}

// incomingQuery is a query routed to this session. It holds one count per
// queryable that received it and completes when the last one finalizes.
type incomingQuery struct {
	s *LocalSession
	q *routingtablepkg.Query

	mu    sync.Mutex
	holds int
	done  bool
}

func (iq *incomingQuery) reply(key string, payload []byte, kind routingtablepkg.SampleKind, opts meshnode.ReplyOptions) error {
	k, err := keyexpr.Canonicalize(key)
	if err != nil {
		return err
	}
	if !k.Intersects(iq.q.Selector.Key) {
		return meshnode.ErrKeyOutsideQuery
	}
	return iq.send(&routingtablepkg.Reply{
		QueryID: iq.q.ID,
		Sample: &routingtablepkg.Sample{
			Key:        k,
			Payload:    payload,
			Encoding:   encodingOr(opts.Encoding),
			Kind:       kind,
			Timestamp:  iq.s.stamp(opts.Timestamp),
			Attachment: opts.Attachment,
		},
	})
}

func (iq *incomingQuery) replyErr(payload []byte, opts meshnode.ReplyOptions) error {
	return iq.send(&routingtablepkg.Reply{
		QueryID: iq.q.ID,
		Err:     true,
		Sample: &routingtablepkg.Sample{
			Key:        iq.q.Selector.Key,
			Payload:    payload,
			Encoding:   encodingOr(opts.Encoding),
			Timestamp:  iq.s.stamp(opts.Timestamp),
			Attachment: opts.Attachment,
		},
	})
}

func (iq *incomingQuery) send(r *routingtablepkg.Reply) error {
	iq.mu.Lock()
	done := iq.done
	iq.mu.Unlock()
	if done {
		return meshnode.ErrQueryFinalized
	}
	return iq.s.tables.Reply(iq.s.face, r)
}

// release drops one queryable's hold.
func (iq *incomingQuery) release() error {
	iq.mu.Lock()
	if iq.done {
		iq.mu.Unlock()
		return meshnode.ErrQueryFinalized
	}
	iq.holds--
	if iq.holds > 0 {
		iq.mu.Unlock()
		return nil
	}
	iq.done = true
	iq.mu.Unlock()
	return iq.complete()
}

// finish completes the query regardless of outstanding holds.
func (iq *incomingQuery) finish() error {
	iq.mu.Lock()
	if iq.done {
		iq.mu.Unlock()
		return meshnode.ErrQueryFinalized
	}
	iq.done = true
	iq.mu.Unlock()
	return iq.complete()
}

func (iq *incomingQuery) complete() error {
	iq.s.mu.Lock()
	if iq.s.incoming[iq.q.ID] == iq {
		delete(iq.s.incoming, iq.q.ID)
	}
	iq.s.mu.Unlock()
	return iq.s.tables.Reply(iq.s.face, &routingtablepkg.Reply{QueryID: iq.q.ID, Final: true})
}

// queryHandle is one queryable's view of an incoming query.
type queryHandle struct {
	iq        *incomingQuery
	finalized atomic.Bool
	detached  atomic.Bool
}

func (h *queryHandle) ID() uint64                             { return h.iq.q.ID }
func (h *queryHandle) Selector() keyexpr.Selector             { return h.iq.q.Selector }
func (h *queryHandle) Parameters() map[string]string          { return h.iq.q.Selector.Params() }
func (h *queryHandle) Value() *routingtablepkg.Value          { return h.iq.q.Value }
func (h *queryHandle) Attachment() routingtablepkg.Attachment { return h.iq.q.Attachment }

func (h *queryHandle) Reply(key string, payload []byte, opts meshnode.ReplyOptions) error {
	if h.finalized.Load() {
		return meshnode.ErrQueryFinalized
	}
	return h.iq.reply(key, payload, routingtablepkg.Put, opts)
}

func (h *queryHandle) ReplyDelete(key string, opts meshnode.ReplyOptions) error {
	if h.finalized.Load() {
		return meshnode.ErrQueryFinalized
	}
	return h.iq.reply(key, nil, routingtablepkg.Delete, opts)
}

func (h *queryHandle) ReplyErr(payload []byte, opts meshnode.ReplyOptions) error {
	if h.finalized.Load() {
		return meshnode.ErrQueryFinalized
	}
	return h.iq.replyErr(payload, opts)
}

func (h *queryHandle) Detach() {
	h.detached.Store(true)
}

func (h *queryHandle) Finalize() error {
	if !h.finalized.CompareAndSwap(false, true) {
		return meshnode.ErrQueryFinalized
	}
	return h.iq.release()
}

// replyStream buffers the replies of one query without bound, since the
// routing tables deliver them while holding the query's lock.
type replyStream struct {
	mu       sync.Mutex
	items    []*routingtablepkg.Reply
	finished bool
	timedOut bool
	notify   chan struct{}
	done     chan struct{}
}

func newReplyStream() *replyStream {
	return &replyStream{notify: make(chan struct{}, 1), done: make(chan struct{})}
}

func (st *replyStream) push(r *routingtablepkg.Reply) {
	st.mu.Lock()
	if !st.finished {
		st.items = append(st.items, r)
	}
	st.mu.Unlock()
	st.signal()
}

func (st *replyStream) finish(timedOut bool) {
	st.mu.Lock()
	if st.finished {
		st.mu.Unlock()
		return
	}
	st.finished = true
	st.timedOut = timedOut
	close(st.done)
	st.mu.Unlock()
}

func (st *replyStream) signal() {
	select {
	case st.notify <- struct{}{}:
	default:
	}
}

func (st *replyStream) Next(ctx context.Context) (*routingtablepkg.Reply, error) {
	for {
		st.mu.Lock()
		if len(st.items) > 0 {
			r := st.items[0]
			st.items[0] = nil
			st.items = st.items[1:]
			st.mu.Unlock()
			return r, nil
		}
		finished := st.finished
		st.mu.Unlock()
		if finished {
			return nil, io.EOF
		}

		select {
		case <-st.notify:
		case <-st.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (st *replyStream) Done() <-chan struct{} {
	return st.done
}

func (st *replyStream) TimedOut() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.timedOut
}

// Collect reads a stream to its end.
func Collect(ctx context.Context, st meshnode.ReplyStream) ([]*routingtablepkg.Reply, error) {
	var out []*routingtablepkg.Reply
	for {
		r, err := st.Next(ctx)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, r)
	}
}
