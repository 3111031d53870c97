package relay

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/oneline-chat/pkg/agents"
	"github.com/go-go-golems/oneline-chat/pkg/persistence/chatstore"
	"github.com/go-go-golems/oneline-chat/pkg/provider"
)

// State is the lifecycle of one relayed request.
//
//	Idle -> AgentResolved -> Streaming -> Finalizing -> Committed
//	AgentResolved|Streaming -> Failed -> Committed
type State int

const (
	StateIdle State = iota
	StateAgentResolved
	StateStreaming
	StateFinalizing
	StateFailed
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAgentResolved:
		return "agent_resolved"
	case StateStreaming:
		return "streaming"
	case StateFinalizing:
		return "finalizing"
	case StateFailed:
		return "failed"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Kind is the wire name of an error class.
type Kind string

const (
	KindNone              Kind = ""
	KindUpstreamError     Kind = "upstream_error"
	KindStreamInterrupted Kind = "stream_interrupted"
	KindAgentUnavailable  Kind = "agent_unavailable"
	KindAgentNotFound     Kind = "agent_not_found"
	KindChatNotFound      Kind = "chat_not_found"
	KindStoreWriteFailed  Kind = "store_write_failed"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindInvalidRequest    Kind = "invalid_request"
	KindInternal          Kind = "internal_error"
)

var (
	// ErrStoreWriteFailed wraps the single failed commit attempt of a request.
	ErrStoreWriteFailed = errors.New("store write failed")
	ErrInvalidRequest   = errors.New("invalid request")
	ErrIdleTimeout      = errors.New("no delta received within idle timeout")
	ErrRequestTimeout   = errors.New("request exceeded overall timeout")
)

// KindOf classifies an error into the taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrStoreWriteFailed):
		return KindStoreWriteFailed
	case errors.Is(err, agents.ErrAgentNotFound):
		return KindAgentNotFound
	case errors.Is(err, agents.ErrAgentUnavailable):
		return KindAgentUnavailable
	case errors.Is(err, chatstore.ErrChatNotFound):
		return KindChatNotFound
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrIdleTimeout), errors.Is(err, ErrRequestTimeout), errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case provider.IsStreamInterrupted(err):
		return KindStreamInterrupted
	case provider.IsUpstreamError(err):
		return KindUpstreamError
	default:
		return KindInternal
	}
}
