// Package ratelimit holds the local pacing primitives shared by the REST
// handler and the gateway shards.
//
// TokenBucket counts sends per fixed window and keeps a reserved allowance
// for priority work. SequentialBucket follows the limits a server advertises
// for one route and runs one request at a time. GlobalThrottle parks work
// while the server reports a limit that spans every route. LatencyRef
// carries the observed round trip all of them use to pace admissions.
package ratelimit
