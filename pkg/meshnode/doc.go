// Package meshnode provides the application-facing interfaces of a keymesh
// runtime.
//
// This package defines the abstractions an application programs against:
//   - Runtime: one process's attachment to the mesh, owning the routing
//     tables, the links to other runtimes and the local sessions
//   - Session: declarations, publications and queries of one application;
//     closing it withdraws everything it declared
//   - Subscriber, Queryable: handles of live declarations
//   - Query, ReplyStream: both ends of a query
//   - HealthStatus: health monitoring and status reporting
//
// A runtime runs in one of three modes. A client keeps a single link and
// never forwards. A peer links directly with other peers and forwards only
// on behalf of its clients. A router forwards between any of its links and
// builds a spanning tree with the other routers.
//
// Handlers run on the goroutine that delivers the sample or query: the
// publisher's for local traffic, the link's dispatcher for remote traffic.
// They must not block for long.
//
// Example usage:
//
//	rt, err := meshnode.New(meshnode.NewConfig(peerlink.ModePeer).
//		WithListen("tcp/0.0.0.0:7447"))
//	if err != nil {
//		return err
//	}
//	if err := rt.Start(ctx); err != nil {
//		return err
//	}
//	defer rt.Close()
//
//	sub, err := rt.DeclareSubscriber(ctx, "sensor/**", func(s *routingtable.Sample) {
//		fmt.Printf("%s: %s\n", s.Key, s.Payload)
//	}, meshnode.SubscriberOptions{})
//	if err != nil {
//		return err
//	}
//	defer sub.Undeclare()
//
//	err = rt.Publish(ctx, "sensor/temp/room1", []byte("21.5"), meshnode.PublishOptions{})
//
//	replies, err := rt.Query(ctx, "sensor/*?unit=c", meshnode.QueryOptions{})
//	for {
//		r, err := replies.Next(ctx)
//		if err == io.EOF {
//			break
//		}
//		...
//	}
//
// A query completes when every matching queryable finalized or when its
// timeout passes; a timeout is a normal completion reported by
// ReplyStream.TimedOut, possibly with zero replies.
package meshnode
