// Package adapter defines the polymorphic boundary between the relay and
// agent backends. A forward adapter dials the backend itself; an inverted
// adapter spawns a subprocess that dials back into the relay's transport
// hub and has its socket delivered here.
package adapter

import (
	"context"
	"errors"

	"github.com/agentrelay/agentrelay/internal/message"
)

// Backend availability.
const (
	AvailabilityLocal  = "local"
	AvailabilityRemote = "remote"
)

// Capabilities describes what a backend supports.
type Capabilities struct {
	Streaming     bool   `json:"streaming"`
	Permissions   bool   `json:"permissions"`
	SlashCommands bool   `json:"slashCommands"`
	Availability  string `json:"availability"` // local or remote
	Teams         bool   `json:"teams"`
}

// Sentinel errors returned by Connect and session operations. Match with
// errors.Is; adapters wrap them with context.
var (
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrAuthRequired       = errors.New("backend authentication required")
	ErrTimeout            = errors.New("backend timed out")
	ErrUnsupported        = errors.New("operation not supported by this adapter")
	ErrSessionClosed      = errors.New("session closed")
)

// PermissionOptions carries the correlation data of a tool-use permission
// request.
type PermissionOptions struct {
	ToolUseID   string
	AgentID     string
	BlockedPath string
	Suggestions []map[string]any
}

// PermissionDecision is the resolved outcome of a permission request.
type PermissionDecision struct {
	Behavior           string // allow or deny
	UpdatedInput       map[string]any
	UpdatedPermissions []map[string]any
	Message            string // deny reason, surfaced to the model
}

// PermissionGate answers tool-use permission requests. The relay's
// permission bridge implements it; CanUseTool blocks until a consumer
// responds, the request times out, or the session closes.
type PermissionGate interface {
	CanUseTool(ctx context.Context, sessionID, toolName string, input map[string]any, opts PermissionOptions) PermissionDecision
}

// ConnectOptions parameterizes a backend connection attempt.
type ConnectOptions struct {
	Cwd             string
	Model           string
	PermissionMode  string
	ResumeSessionID string // backend-native session id to resume, when known
	Permissions     PermissionGate
	Extra           map[string]string
}

// Adapter is one agent backend plug-in.
type Adapter interface {
	Name() string
	Capabilities() Capabilities

	// Connect attaches a backend session. Forward adapters dial or spawn
	// here; inverted adapters register the session id and wait for a
	// socket delivery.
	Connect(ctx context.Context, sessionID string, opts ConnectOptions) (BackendSession, error)

	// Shutdown closes every live session and releases adapter resources.
	Shutdown(ctx context.Context) error
}

// Socket is a bidirectional frame pipe handed to an inverted adapter when
// its subprocess dials back in. SetHandler replays any frames buffered
// before delivery.
type Socket interface {
	WriteFrame(data []byte) error
	SetHandler(fn func(data []byte))
	Close() error
}

// InvertedAdapter is implemented by adapters whose backend connects to us.
type InvertedAdapter interface {
	Adapter

	// DeliverSocket hands the dialed-back socket to a session awaiting
	// one. Returns false when no matching connection attempt is pending.
	DeliverSocket(sessionID string, sock Socket) bool

	// CancelPending abandons a pending connection attempt.
	CancelPending(sessionID string)
}

// BackendSession is one live backend conversation.
type BackendSession interface {
	SessionID() string

	// Send enqueues a unified message toward the backend without
	// blocking. Returns ErrSessionClosed after Close.
	Send(msg *message.Message) error

	// SendRaw writes a backend-native line unchanged. Adapters without a
	// raw channel return ErrUnsupported.
	SendRaw(data string) error

	// Messages yields backend traffic in production order. The channel is
	// closed when the backend terminates.
	Messages() <-chan *message.Message

	// Close is idempotent: aborts in-flight streams and kills any owned
	// subprocess.
	Close() error
}

// SlashExecutor is implemented by adapters exposing a native command
// channel. Execute returns claimed=false when the adapter does not own
// the command and the next resolution tier should run.
type SlashExecutor interface {
	ExecuteSlash(ctx context.Context, sessionID, command string) (result string, claimed bool, err error)
}
