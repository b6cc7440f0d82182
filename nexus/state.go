// Package nexus implements the session state machine and transport
// reinstatement spec.md §3/§4.5 describe: a Nexus aggregates one or more
// transport.Transport connections between the same (client,server) pair
// within a service into a single logical, recoverable session, hosting
// the fore/back channel pair commands flow over.
package nexus

import "fmt"

// State is a session's lifecycle stage (spec.md §3, "Session State
// (client)"). Server-side sessions use the same five states; only the
// FREE→ACTIVE transition differs (a server never initiates connect).
type State uint8

const (
	StateFree State = iota
	StateActive
	StateLoggedIn
	StateFailed
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "FREE"
	case StateActive:
		return "ACTIVE"
	case StateLoggedIn:
		return "LOGGED_IN"
	case StateFailed:
		return "FAILED"
	case StateZombie:
		return "ZOMBIE"
	default:
		return fmt.Sprintf("STATE(%d)", s)
	}
}

// CloseStatus explains why a Nexus reached StateZombie.
type CloseStatus uint8

const (
	// CloseNormal covers an ordinary session-wide logout.
	CloseNormal CloseStatus = iota
	// CloseReset means a newer Nexus with the same (client,server,service)
	// key reinstated this one (spec.md §4.5: "prior nexus transitions to
	// ZOMBIE with RESET status, pending exchanges abort with NexusReset").
	CloseReset
	// CloseRecoveryTimeout means StateFailed outlasted RecoveryTimeout
	// without a transport reattaching.
	CloseRecoveryTimeout
	// CloseAllAttemptsFailed means a session never reached StateLoggedIn
	// before its last connect attempt's transport closed.
	CloseAllAttemptsFailed
)

func (s CloseStatus) String() string {
	switch s {
	case CloseNormal:
		return "NORMAL"
	case CloseReset:
		return "RESET"
	case CloseRecoveryTimeout:
		return "RECOVERY_TIMEOUT"
	case CloseAllAttemptsFailed:
		return "ALL_ATTEMPTS_FAILED"
	default:
		return fmt.Sprintf("STATUS(%d)", s)
	}
}
