// Copyright 2026 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package futurebridge adapts between two asynchrony models sharing one
// event loop goroutine: the loop's own promise model, where completed
// operations push results to continuations, and a poll-based future model,
// where a driver repeatedly asks a computation for progress and the
// computation signals readiness through a waker.
//
// The bridge is bidirectional:
//
//   - [AwaitFuture] drives a [Future] on a [Loop], exposing its completion
//     as a [Promise]. Wakes coalesce into at most one scheduled poll, and
//     between polls the future sits parked at zero cost.
//   - [FutureFromPromise] adapts a [Promise] into a [Future] that embedded
//     poll-driven code can compose and poll like any other, including with
//     its own wakers.
//
// Both directions nest: a future may poll promises which await futures
// which poll promises, arbitrarily deep, all multiplexed onto the one loop
// goroutine. When a promise is polled through an awaiter on its own loop,
// settlement arms the awaiter directly, skipping the waker machinery
// entirely.
//
// Thread affinity is load-bearing throughout: futures are polled and
// dropped only on the loop goroutine, and [Guarded] enforces the same
// discipline for any state the bridge hands across. Wakers are the
// explicitly thread-safe escape hatch; clones may travel to and fire from
// any goroutine.
package futurebridge
