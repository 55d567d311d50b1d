package gateway

import (
	"github.com/gorilla/websocket"

	"github.com/luciancaetano/relaynet"
)

// closeAction is what a shard does after the server closes its socket.
type closeAction struct {
	// Reconnect is false for fatal codes; the shard is hard reset instead.
	Reconnect bool

	// ClearSession forces a fresh IDENTIFY on the next connection.
	ClearSession bool

	// ResetSequence keeps the session but resumes from sequence 0.
	ResetSequence bool

	// Quiet closes are logged but not reported as errors.
	Quiet bool

	Reason string
}

func classifyClose(code int) closeAction {
	switch code {
	case websocket.CloseNormalClosure:
		return closeAction{Reconnect: true, Quiet: true}
	case websocket.CloseGoingAway, websocket.CloseAbnormalClosure:
		return closeAction{Reconnect: true, Quiet: true, Reason: "connection reset by peer"}

	case relaynet.CloseAuthenticationFailed:
		return closeAction{ClearSession: true, Reason: "invalid token"}
	case relaynet.CloseInvalidShard:
		return closeAction{ClearSession: true, Reason: "invalid shard key"}
	case relaynet.CloseShardingRequired:
		return closeAction{ClearSession: true, Reason: "shard would handle too many guilds (>2500 each)"}
	case relaynet.CloseInvalidAPIVersion:
		return closeAction{ClearSession: true, Reason: "invalid API version"}
	case relaynet.CloseInvalidIntents:
		return closeAction{ClearSession: true, Reason: "invalid intents"}
	case relaynet.CloseDisallowedIntents:
		return closeAction{ClearSession: true, Reason: "disallowed intents, enable them in the developer portal"}

	case relaynet.CloseNotAuthenticated:
		return closeAction{Reconnect: true, ClearSession: true, Reason: "not authenticated"}
	case relaynet.CloseSessionNoLongerValid:
		return closeAction{Reconnect: true, ClearSession: true, Reason: "invalid session"}
	case relaynet.CloseSessionTimedOut:
		return closeAction{Reconnect: true, ClearSession: true, Reason: "session timed out"}

	case relaynet.CloseInvalidSeq:
		return closeAction{Reconnect: true, ResetSequence: true, Reason: "invalid sequence number"}

	case relaynet.CloseUnknownOpcode:
		return closeAction{Reconnect: true, Reason: "gateway received an invalid opcode"}
	case relaynet.CloseDecodeError:
		return closeAction{Reconnect: true, Reason: "gateway received an invalid message"}
	case relaynet.CloseAlreadyAuthenticated:
		return closeAction{Reconnect: true, Reason: "already authenticated"}
	case relaynet.CloseRateLimited:
		return closeAction{Reconnect: true, Reason: "gateway connection was ratelimited"}
	default:
		return closeAction{Reconnect: true}
	}
}

// fatal reports whether the code ends the shard for good.
func (a closeAction) fatal() bool {
	return !a.Reconnect
}
