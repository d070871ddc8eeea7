// Package livestream builds snapshot+tail streams on top of the change bus:
// one synthetic created event per entity currently matching an optional
// predicate, followed by every subsequent live event on the entity's topic.
//
// The stream is an explicit two-phase iterator rather than an opaque
// generator, so cancellation and the guaranteed unsubscribe are independently
// testable. Closing the stream, from any phase, removes the subscription from
// the bus exactly once.
package livestream
