package relaynet

import "time"

// EventType identifies the kind of an upward notification.
type EventType string

const (
	// Shard lifecycle
	EventConnect    EventType = "connect"
	EventHello      EventType = "hello"
	EventReady      EventType = "ready"
	EventResume     EventType = "resume"
	EventDisconnect EventType = "disconnect"

	// Manager-level readiness gate
	EventShardReady      EventType = "shardReady"
	EventShardResume     EventType = "shardResume"
	EventShardDisconnect EventType = "shardDisconnect"

	// Diagnostics
	EventDebug EventType = "debug"
	EventWarn  EventType = "warn"
	EventError EventType = "error"

	// Passthrough
	EventRawDispatch EventType = "rawDispatch"
	EventRequest     EventType = "request"
)

// NoShard is the ShardID of events that do not originate from a shard.
const NoShard = -1

// Event is a single notification emitted by the REST handler, a shard,
// or the shard manager.
type Event struct {
	Type    EventType
	ShardID int
	Time    time.Time

	// Message is a human-readable description, set on diagnostics.
	Message string

	// Err is set on error and disconnect events.
	Err error

	// Dispatch is set on rawDispatch events.
	Dispatch *Dispatch

	// Request is set on request events.
	Request *RequestInfo
}

// Dispatch is a decoded DISPATCH frame passed upward untouched.
type Dispatch struct {
	Name     string
	Sequence int64
	Data     []byte
}

// RequestInfo describes one outgoing REST attempt.
type RequestInfo struct {
	ID     string
	Method string
	Path   string
	Route  string
	Body   []byte
}
