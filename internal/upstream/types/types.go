package types

import (
	"fmt"
	"sync"
	"time"
)

// ConnectionState represents the state of one server slot in a session
type ConnectionState int

const (
	// StateDisconnected indicates no connection exists for the slot
	StateDisconnected ConnectionState = iota
	// StateConnecting indicates a connection attempt is in flight
	StateConnecting
	// StatePendingAuth indicates the server demands OAuth and the user has not completed it
	StatePendingAuth
	// StateReady indicates the slot holds a live connection and its tool catalog
	StateReady
	// StateError indicates the last attempt failed
	StateError
)

// String returns the string representation of the connection state
func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "Disconnected"
	case StateConnecting:
		return "Connecting"
	case StatePendingAuth:
		return "Pending Auth"
	case StateReady:
		return "Ready"
	case StateError:
		return "Error"
	default:
		return "Unknown"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(text []byte) error {
	for c := StateDisconnected; c <= StateError; c++ {
		if c.String() == string(text) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", text)
}

// ConnectionInfo is a snapshot of a slot's state
type ConnectionInfo struct {
	State       ConnectionState `json:"state"`
	LastError   string          `json:"last_error,omitempty"`
	ToolCount   int             `json:"tool_count"`
	RetryCount  int             `json:"retry_count"`
	LastAttempt time.Time       `json:"last_attempt,omitempty"`
	ConnectedAt time.Time       `json:"connected_at,omitempty"`
}

// StateManager tracks the state transitions of one server slot
type StateManager struct {
	mu          sync.RWMutex
	state       ConnectionState
	lastError   string
	toolCount   int
	retryCount  int
	lastAttempt time.Time
	connectedAt time.Time

	onStateChange func(oldState, newState ConnectionState, info ConnectionInfo)
}

// NewStateManager creates a new state manager
func NewStateManager() *StateManager {
	return &StateManager{state: StateDisconnected}
}

// SetStateChangeCallback sets a callback invoked after every accepted transition
func (sm *StateManager) SetStateChangeCallback(callback func(oldState, newState ConnectionState, info ConnectionInfo)) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.onStateChange = callback
}

// GetState returns the current connection state
func (sm *StateManager) GetState() ConnectionState {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// GetConnectionInfo returns detailed connection information
func (sm *StateManager) GetConnectionInfo() ConnectionInfo {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.infoLocked()
}

func (sm *StateManager) infoLocked() ConnectionInfo {
	return ConnectionInfo{
		State:       sm.state,
		LastError:   sm.lastError,
		ToolCount:   sm.toolCount,
		RetryCount:  sm.retryCount,
		LastAttempt: sm.lastAttempt,
		ConnectedAt: sm.connectedAt,
	}
}

// TransitionTo moves to newState, rejecting transitions ValidateTransition disallows
func (sm *StateManager) TransitionTo(newState ConnectionState) error {
	return sm.apply(newState, func() {
		if newState == StateConnecting {
			sm.lastAttempt = time.Now()
		}
	})
}

// SetReady records a successful connection with its tool count
func (sm *StateManager) SetReady(toolCount int) error {
	return sm.apply(StateReady, func() {
		sm.toolCount = toolCount
		sm.lastError = ""
		sm.retryCount = 0
		sm.connectedAt = time.Now()
	})
}

// SetPendingAuth records that the server requires authorization
func (sm *StateManager) SetPendingAuth() error {
	return sm.apply(StatePendingAuth, func() {
		sm.toolCount = 0
		sm.lastError = ""
	})
}

// SetError records a failed attempt
func (sm *StateManager) SetError(err error) error {
	return sm.apply(StateError, func() {
		sm.toolCount = 0
		sm.retryCount++
		if err != nil {
			sm.lastError = err.Error()
		}
	})
}

// Reset returns the slot to Disconnected from any state
func (sm *StateManager) Reset() {
	sm.mu.Lock()
	oldState := sm.state
	sm.state = StateDisconnected
	sm.lastError = ""
	sm.toolCount = 0
	sm.retryCount = 0
	sm.connectedAt = time.Time{}
	info := sm.infoLocked()
	callback := sm.onStateChange
	sm.mu.Unlock()

	if callback != nil && oldState != StateDisconnected {
		callback(oldState, StateDisconnected, info)
	}
}

func (sm *StateManager) apply(newState ConnectionState, mutate func()) error {
	sm.mu.Lock()
	oldState := sm.state
	if err := ValidateTransition(oldState, newState); err != nil {
		sm.mu.Unlock()
		return err
	}
	sm.state = newState
	mutate()
	info := sm.infoLocked()
	callback := sm.onStateChange
	sm.mu.Unlock()

	// Call the callback outside the lock to avoid deadlocks
	if callback != nil {
		callback(oldState, newState, info)
	}
	return nil
}

var validTransitions = map[ConnectionState][]ConnectionState{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StatePendingAuth, StateReady, StateError, StateDisconnected},
	StatePendingAuth:  {StateConnecting, StateDisconnected},
	StateReady:        {StateConnecting, StateError, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

// ValidateTransition validates if a state transition is allowed
func ValidateTransition(from, to ConnectionState) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("invalid source state: %s", from)
	}
	for _, validTo := range allowed {
		if validTo == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}
