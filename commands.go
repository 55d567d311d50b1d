package relaynet

// Gateway opcodes.
const (
	OpDispatch            = 0
	OpHeartbeat           = 1
	OpIdentify            = 2
	OpPresenceUpdate      = 3
	OpVoiceStateUpdate    = 4
	OpResume              = 6
	OpReconnect           = 7
	OpRequestGuildMembers = 8
	OpInvalidSession      = 9
	OpHello               = 10
	OpHeartbeatAck        = 11
)

// Gateway close codes sent by the server.
const (
	CloseUnknownError         = 4000
	CloseUnknownOpcode        = 4001
	CloseDecodeError          = 4002
	CloseNotAuthenticated     = 4003
	CloseAuthenticationFailed = 4004
	CloseAlreadyAuthenticated = 4005
	CloseSessionNoLongerValid = 4006
	CloseInvalidSeq           = 4007
	CloseRateLimited          = 4008
	CloseSessionTimedOut      = 4009
	CloseInvalidShard         = 4010
	CloseShardingRequired     = 4011
	CloseInvalidAPIVersion    = 4012
	CloseInvalidIntents       = 4013
	CloseDisallowedIntents    = 4014
)

// Close codes sent by this library.
const (
	// CloseReconnect is used when the socket is closed with the intent to resume.
	CloseReconnect = 4901
)

// GatewayVersion is the gateway protocol version requested on connect.
const GatewayVersion = 10

// Version is the library version reported in the default user agent.
const Version = "0.1.0"

// Standard error messages
const (
	// Request errors
	ErrInvalidMethod   = "invalid HTTP method"
	ErrMissingPath     = "request path is required"
	ErrTimeoutMessage  = "request timed out"
	ErrHandlerClosed   = "request handler is closed"
	ErrEncodeBody      = "failed to encode request body"
	ErrReadResponse    = "failed to read response body"
	ErrMissingRLHeader = "missing ratelimit headers"

	// Gateway errors
	ErrExistingConnection = "existing connection detected"
	ErrTokenNotSpecified  = "token not specified"
	ErrConnectionTimeout  = "connection timeout"
	ErrNoHeartbeatAck     = "server didn't acknowledge previous heartbeat, possible lost connection"
	ErrShardNotConnected  = "shard is not connected"
	ErrFailedToEncode     = "failed to encode message"
	ErrFailedToDecode     = "failed to decode message"
	ErrUnknownShard       = "unknown shard"
)
