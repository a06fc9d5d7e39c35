package oauth

import (
	"time"

	"github.com/google/uuid"
)

// FlowState is the lifecycle state of an AuthorizationClient.
type FlowState int

const (
	StateUninitialized FlowState = iota
	StateConnecting
	StateConnected
	StateAwaitingAuthorization
	StateFailed
)

func (s FlowState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAwaitingAuthorization:
		return "awaiting_authorization"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// flowContext ties together the log lines of one authorization attempt.
type flowContext struct {
	CorrelationID string
	StartTime     time.Time
}

func newFlowContext() *flowContext {
	return &flowContext{
		CorrelationID: uuid.NewString(),
		StartTime:     time.Now(),
	}
}
