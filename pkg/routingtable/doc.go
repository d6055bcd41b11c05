// Package routingtable provides the public types of the routing tables.
//
// This package defines the vocabulary shared by the tables, the sessions
// that feed them and the applications that consume them:
//   - FaceID and FaceInfo: the tables' view of one session, local or remote
//   - Sink: what the tables call to emit declarations, data, queries and
//     replies toward a face
//   - Sample, Query and Reply: the units of data moved through the mesh
//   - Reliability, CongestionControl, Consolidation, SampleKind: per-message
//     delivery options
//
// The tables never own a face. They hold its FaceID and a non-owning Sink
// and forget both when the face is removed, at which point every
// declaration the face made is retracted.
//
// Example usage:
//
//	face := tables.AddFace(routingtable.FaceInfo{Local: true}, sink)
//	err := tables.DeclareSubscriber(face, keyexpr.MustCanonicalize("sensor/**"), routingtable.Reliable)
//	if err != nil {
//		return err
//	}
//	defer tables.RemoveFace(face)
//
// Delivery to one face keeps the order in which the publishing face emitted
// its samples. The order of fan-out across faces is unspecified.
package routingtable
