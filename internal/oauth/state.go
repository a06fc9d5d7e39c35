package oauth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
)

// State is the payload carried through the provider in the OAuth state parameter.
type State struct {
	SessionID string `json:"sessionId"`
	ServerURL string `json:"serverUrl"`
	Nonce     string `json:"nonce,omitempty"`
}

// EncodeState serializes s as unpadded base64url JSON. An empty nonce is
// replaced with a random one so two flows never share a state value.
func EncodeState(s State) (string, error) {
	if s.Nonce == "" {
		nonce, err := client.GenerateState()
		if err != nil {
			return "", fmt.Errorf("failed to generate state nonce: %w", err)
		}
		s.Nonce = nonce
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("failed to encode state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// DecodeState parses a state produced by EncodeState. Any failure, including a
// missing session id or server url, is ErrInvalidState.
func DecodeState(encoded string) (State, error) {
	var s State
	if encoded == "" {
		return s, fmt.Errorf("%w: empty", ErrInvalidState)
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if err := json.Unmarshal(raw, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	if s.SessionID == "" || s.ServerURL == "" {
		return s, fmt.Errorf("%w: missing session or server", ErrInvalidState)
	}
	return s, nil
}
