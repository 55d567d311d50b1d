package gateway

// Status is the connection state of a shard.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusHandshaking
	StatusIdentifying
	StatusResuming
	StatusReady
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusIdentifying:
		return "identifying"
	case StatusResuming:
		return "resuming"
	case StatusReady:
		return "ready"
	default:
		return "unknown"
	}
}

// connecting reports whether a shard holds its connect slot: it has started
// a connection that has not reached ready yet.
func (s Status) connecting() bool {
	return s != StatusDisconnected && s != StatusReady
}
