// Package relaynet is the network core of a bot client library: a REST
// executor that honors per-route and global rate limits, and a sharded
// gateway connection that keeps sessions alive across disconnects.
//
// This package holds the shared types. The client package wires them
// together.
//
// # Architecture
//
// REST calls go through a bucket chosen by normalizing the request path into
// a route key. Each bucket runs one request at a time and learns its limit
// from the x-ratelimit-* response headers. A 429 holds the bucket for the
// advertised delay and re-queues the request at the front; a global 429
// parks every authenticated request until the window passes. 502 responses
// are retried up to four attempts in total.
//
// Each gateway shard is one websocket session. It heartbeats on the interval
// from HELLO, identifies or resumes, tracks the dispatch sequence and
// reconnects with exponential backoff when the socket drops. Outbound
// commands are paced by a 120 per minute token bucket with a small reserve
// for priority commands such as heartbeats.
//
// The shard manager starts shards one rate key (shard id % concurrency) at a
// time, with five seconds between identifies on the same key, and emits a
// client-level ready event once every shard is ready.
//
// # Quick Start
//
//	import (
//	    "github.com/luciancaetano/relaynet"
//	    "github.com/luciancaetano/relaynet/client"
//	)
//
//	cfg, err := client.LoadConfig("relaynet.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	c, err := client.New(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer c.Close()
//
//	events, cancel := c.Subscribe(256)
//	defer cancel()
//
//	if err := c.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	for ev := range events {
//	    if ev.Type == relaynet.EventRawDispatch {
//	        log.Printf("shard %d: %s", ev.ShardID, ev.Dispatch.Name)
//	    }
//	}
//
// # Events
//
// Every notification is an Event delivered to subscribers without blocking
// the sender. Shard lifecycle events carry the shard id; events that do not
// come from a shard use NoShard. Diagnostics (debug, warn, error) are also
// written to the configured zerolog logger.
//
// # Errors
//
// Non-2xx responses are returned as *HTTPError, or *APIError when the body
// carries a structured error; use errors.As to inspect them. Gateway closes
// are reported as *CloseError on error and disconnect events.
//
// # Important
//
//   - Subscribers with a full buffer miss events; size buffers for bursts
//   - Send returns once a command is queued, not once it is written
//   - Authentication failures and invalid shard or intent settings are fatal:
//     the shard stays disconnected
package relaynet
