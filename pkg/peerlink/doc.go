// Package peerlink provides the public vocabulary for links between mesh
// processes.
//
// This package defines:
//   - PeerID: the identity every runtime announces during the handshake
//   - Mode: the operating mode (client, peer, router) that decides which
//     links a runtime opens and which traffic it forwards
//   - LinkState: the lifecycle of one transport link
//   - PeerInfo: what discovery knows about a reachable runtime
//   - the link-level error taxonomy (version mismatch, handshake failure,
//     link failure)
//
// A link moves through its states in one direction only:
//
//	Connecting -> Handshaking -> Open -> Closing -> Closed
//	                              |
//	                              +----> Failed
//
// Failed is entered on an I/O error, a keep-alive timeout, a reliable
// channel gap that never fills, or a send window that stays full past the
// configured send timeout. Failure is never retried by the link itself;
// reconnecting is the business of whoever owns discovery.
//
// Example usage:
//
//	id := peerlink.NewPeerID()
//	mode, err := peerlink.ParseMode("router")
//	if err != nil {
//		return err
//	}
//	if mode.Forwards() {
//		log.Printf("%s forwards traffic for others", peerlink.Short(id))
//	}
package peerlink
