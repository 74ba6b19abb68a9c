package connectivity

// CommandType names a control command.
type CommandType string

// Control commands accepted by a connection client.
const (
	CommandCreate          CommandType = "create-connection"
	CommandOpen            CommandType = "open-connection"
	CommandClose           CommandType = "close-connection"
	CommandDelete          CommandType = "delete-connection"
	CommandTest            CommandType = "test-connection"
	CommandRetrieveMetrics CommandType = "retrieve-connection-metrics"
)

// Command is a control command addressed to one connection.
type Command struct {
	Type          CommandType
	ConnectionID  string
	CorrelationID string

	// Connection is carried by create and test commands.
	Connection *Connection
}

// ReplyKind distinguishes the three reply shapes.
type ReplyKind string

// Reply kinds.
const (
	ReplySuccess ReplyKind = "success"
	ReplyFailure ReplyKind = "failure"
	ReplyMetrics ReplyKind = "metrics"
)

// Reply answers exactly one command.
type Reply struct {
	Kind         ReplyKind
	ConnectionID string

	// State is the state the success refers to, e.g. CONNECTED after open.
	State   ClientState
	Message string
	Err     error
	Metrics *ConnectionMetrics
}

// Success builds a success reply for state.
func Success(connectionID string, state ClientState) Reply {
	return Reply{Kind: ReplySuccess, ConnectionID: connectionID, State: state, Message: state.String()}
}

// SuccessMessage builds a success reply carrying a message.
func SuccessMessage(connectionID, msg string) Reply {
	return Reply{Kind: ReplySuccess, ConnectionID: connectionID, Message: msg}
}

// Failure builds a failure reply for err.
func Failure(connectionID string, err error) Reply {
	return Reply{Kind: ReplyFailure, ConnectionID: connectionID, Message: err.Error(), Err: err}
}

// IsSuccess reports whether the reply is a success.
func (r Reply) IsSuccess() bool {
	return r.Kind == ReplySuccess
}

// Origin receives the reply to a command. It is an opaque handle: the
// client only ever calls Tell and never blocks on it.
type Origin interface {
	Tell(Reply)
}

// OriginFunc adapts a function to Origin.
type OriginFunc func(Reply)

// Tell calls f.
func (f OriginFunc) Tell(r Reply) { f(r) }

// Origins fans one reply out to several waiting origins, e.g. when a
// second open arrives while the first is still connecting.
type Origins []Origin

// Tell forwards r to every origin.
func (o Origins) Tell(r Reply) {
	for _, origin := range o {
		if origin != nil {
			origin.Tell(r)
		}
	}
}

// JoinOrigins combines a and b, dropping nils.
func JoinOrigins(a, b Origin) Origin {
	switch {
	case a == nil:
		return b
	case b == nil:
		return a
	}
	return Origins{a, b}
}

// ReplyChannel is an Origin backed by a buffered channel of size one.
type ReplyChannel chan Reply

// NewReplyChannel creates a ReplyChannel.
func NewReplyChannel() ReplyChannel {
	return make(ReplyChannel, 1)
}

// Tell delivers r without blocking; a second reply is dropped.
func (c ReplyChannel) Tell(r Reply) {
	select {
	case c <- r:
	default:
	}
}
