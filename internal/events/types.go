// Package events defines the typed signal names carried over the relay
// event bus, plus subject builders for per-session routing.
package events

// Backend lifecycle signals emitted by bridges and observed by the manager.
const (
	BackendSessionID      = "backend.session_id"      // Backend announced its native session id
	BackendConnected      = "backend.connected"       // Backend connection attached
	BackendDisconnected   = "backend.disconnected"    // Backend connection lost
	BackendRelaunchNeeded = "backend.relaunch_needed" // A consumer joined a session with no live backend
)

// Session signals.
const (
	SessionCreated            = "session.created"
	SessionUpdated            = "session.updated"
	SessionClosed             = "session.closed"
	SessionFirstTurnCompleted = "session.first_turn_completed" // First successful turn finished, carries the opening user message
)

// Consumer presence signals.
const (
	ConsumerJoined = "consumer.joined"
	ConsumerLeft   = "consumer.left"
)

// Capability handshake signals.
const (
	CapabilitiesReady   = "capabilities.ready"
	CapabilitiesTimeout = "capabilities.timeout"
)

// Permission signals.
const (
	PermissionRequested = "permission.requested"
	PermissionResolved  = "permission.resolved"
)

// Process I/O signals for launcher-owned backend subprocesses.
const (
	ProcessStdout       = "process.stdout"
	ProcessStderr       = "process.stderr"
	ProcessExited       = "process.exited"
	ProcessResumeFailed = "process.resume_failed" // Resume attempt failed, session should relaunch fresh
)

// Authentication status surfaced by backends.
const (
	AuthStatusChanged = "auth.status"
)

// BuildBackendSessionIDSubject creates a backend session id subject for a specific session
func BuildBackendSessionIDSubject(sessionID string) string {
	return BackendSessionID + "." + sessionID
}

// BuildBackendSessionIDWildcardSubject creates a wildcard subscription for all backend session id events
func BuildBackendSessionIDWildcardSubject() string {
	return BackendSessionID + ".*"
}

// BuildBackendConnectedSubject creates a backend connected subject for a specific session
func BuildBackendConnectedSubject(sessionID string) string {
	return BackendConnected + "." + sessionID
}

// BuildBackendConnectedWildcardSubject creates a wildcard subscription for all backend connected events
func BuildBackendConnectedWildcardSubject() string {
	return BackendConnected + ".*"
}

// BuildBackendDisconnectedSubject creates a backend disconnected subject for a specific session
func BuildBackendDisconnectedSubject(sessionID string) string {
	return BackendDisconnected + "." + sessionID
}

// BuildBackendDisconnectedWildcardSubject creates a wildcard subscription for all backend disconnected events
func BuildBackendDisconnectedWildcardSubject() string {
	return BackendDisconnected + ".*"
}

// BuildRelaunchNeededSubject creates a relaunch needed subject for a specific session
func BuildRelaunchNeededSubject(sessionID string) string {
	return BackendRelaunchNeeded + "." + sessionID
}

// BuildRelaunchNeededWildcardSubject creates a wildcard subscription for all relaunch needed events
func BuildRelaunchNeededWildcardSubject() string {
	return BackendRelaunchNeeded + ".*"
}

// BuildFirstTurnCompletedSubject creates a first turn completed subject for a specific session
func BuildFirstTurnCompletedSubject(sessionID string) string {
	return SessionFirstTurnCompleted + "." + sessionID
}

// BuildFirstTurnCompletedWildcardSubject creates a wildcard subscription for all first turn completed events
func BuildFirstTurnCompletedWildcardSubject() string {
	return SessionFirstTurnCompleted + ".*"
}

// BuildSessionClosedSubject creates a session closed subject for a specific session
func BuildSessionClosedSubject(sessionID string) string {
	return SessionClosed + "." + sessionID
}

// BuildSessionClosedWildcardSubject creates a wildcard subscription for all session closed events
func BuildSessionClosedWildcardSubject() string {
	return SessionClosed + ".*"
}

// BuildProcessStdoutSubject creates a process stdout subject for a specific session
func BuildProcessStdoutSubject(sessionID string) string {
	return ProcessStdout + "." + sessionID
}

// BuildProcessStdoutWildcardSubject creates a wildcard subscription for all process stdout events
func BuildProcessStdoutWildcardSubject() string {
	return ProcessStdout + ".*"
}

// BuildProcessStderrSubject creates a process stderr subject for a specific session
func BuildProcessStderrSubject(sessionID string) string {
	return ProcessStderr + "." + sessionID
}

// BuildProcessStderrWildcardSubject creates a wildcard subscription for all process stderr events
func BuildProcessStderrWildcardSubject() string {
	return ProcessStderr + ".*"
}

// BuildProcessExitedSubject creates a process exited subject for a specific session
func BuildProcessExitedSubject(sessionID string) string {
	return ProcessExited + "." + sessionID
}

// BuildProcessExitedWildcardSubject creates a wildcard subscription for all process exited events
func BuildProcessExitedWildcardSubject() string {
	return ProcessExited + ".*"
}

// BuildResumeFailedSubject creates a resume failed subject for a specific session
func BuildResumeFailedSubject(sessionID string) string {
	return ProcessResumeFailed + "." + sessionID
}

// BuildResumeFailedWildcardSubject creates a wildcard subscription for all resume failed events
func BuildResumeFailedWildcardSubject() string {
	return ProcessResumeFailed + ".*"
}

// BuildPermissionRequestedSubject creates a permission requested subject for a specific session
func BuildPermissionRequestedSubject(sessionID string) string {
	return PermissionRequested + "." + sessionID
}

// BuildPermissionRequestedWildcardSubject creates a wildcard subscription for all permission requested events
func BuildPermissionRequestedWildcardSubject() string {
	return PermissionRequested + ".*"
}

// BuildCapabilitiesReadySubject creates a capabilities ready subject for a specific session
func BuildCapabilitiesReadySubject(sessionID string) string {
	return CapabilitiesReady + "." + sessionID
}

// BuildCapabilitiesReadyWildcardSubject creates a wildcard subscription for all capabilities ready events
func BuildCapabilitiesReadyWildcardSubject() string {
	return CapabilitiesReady + ".*"
}

// BuildAuthStatusSubject creates an auth status subject for a specific session
func BuildAuthStatusSubject(sessionID string) string {
	return AuthStatusChanged + "." + sessionID
}

// BuildAuthStatusWildcardSubject creates a wildcard subscription for all auth status events
func BuildAuthStatusWildcardSubject() string {
	return AuthStatusChanged + ".*"
}
