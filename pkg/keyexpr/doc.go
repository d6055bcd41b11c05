// Package keyexpr implements hierarchical, wildcard-capable key expressions.
//
// A key expression is a '/'-separated list of chunks. Each chunk is either a
// literal, the single-chunk wildcard "*", or the multi-chunk wildcard "**"
// which matches zero or more chunks:
//
//	sensor/room1/temp   a single concrete key
//	sensor/*/temp       the temperature of every room
//	sensor/**           everything below sensor, sensor itself included
//
// Expressions are canonicalized once by Canonicalize and are immutable from
// then on. Matching (Intersects, Includes) is pure and allocation-light: it
// runs a bottom-up table over the two chunk lists in O(len(a) x len(b)) time
// and never enumerates concrete keys, so it is safe to call concurrently
// from any goroutine without synchronization.
//
// Example usage:
//
//	sub, err := keyexpr.Canonicalize("sensor/**")
//	if err != nil {
//		return err
//	}
//	pub := keyexpr.MustCanonicalize("sensor/room1/temp")
//	if sub.Intersects(pub) {
//		deliver(sample)
//	}
//
// Selectors extend a key expression with a parameter string, as in
// "sensor/**?unit=celsius;limit=10", and are parsed by ParseSelector.
package keyexpr
