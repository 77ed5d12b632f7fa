package connection

import (
	"errors"
	"strings"
)

// State is the lifecycle state of the channel connection.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateErrored      State = "errored"
)

var (
	// ErrNotConnected is returned when a frame is emitted while the channel is down.
	ErrNotConnected = errors.New("connection: channel not connected")
	// ErrUnauthenticated is returned when no authorized identity is established.
	ErrUnauthenticated = errors.New("connection: session not authenticated")
	// ErrIdentityUnavailable indicates that no identity could be obtained.
	ErrIdentityUnavailable = errors.New("connection: identity unavailable")
	// ErrIdentityRejected indicates that the allow-list refused the identity.
	ErrIdentityRejected = errors.New("connection: identity not authorized")
)

// Status is a point-in-time view of the connection.
type Status struct {
	State         State  `json:"state"`
	Identity      string `json:"identity,omitempty"`
	Authenticated bool   `json:"authenticated"`
	LastError     string `json:"lastError,omitempty"`
}

// Authorizer decides whether an identity may use the channel.
type Authorizer func(identity string) bool

// AllowList returns an Authorizer accepting the listed identities, compared
// case-insensitively. An empty list accepts any non-blank identity.
func AllowList(identities []string) Authorizer {
	allowed := make(map[string]struct{}, len(identities))
	for _, identity := range identities {
		normalized := strings.ToLower(strings.TrimSpace(identity))
		if normalized != "" {
			allowed[normalized] = struct{}{}
		}
	}
	return func(identity string) bool {
		normalized := strings.ToLower(strings.TrimSpace(identity))
		if normalized == "" {
			return false
		}
		if len(allowed) == 0 {
			return true
		}
		_, ok := allowed[normalized]
		return ok
	}
}
