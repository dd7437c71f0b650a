// Package syncer coordinates local-first writes with the durable tier.
//
// Writes made while signed out or offline are kept in a local SQLite buffer
// and replayed, oldest first, once the user is authenticated and online.
// The coordinator is an explicit state machine:
//
//	Anonymous -> Authenticated -> Migrating -> Synced
//	                                 ^           |
//	                                 +-----------+  (reconnect / re-drain)
//
// SignOut returns to Anonymous from any state.
package syncer

import "fmt"

// State is the coordinator's position in the sync lifecycle.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticated
	StateMigrating
	StateSynced
)

func (s State) String() string {
	switch s {
	case StateAnonymous:
		return "anonymous"
	case StateAuthenticated:
		return "authenticated"
	case StateMigrating:
		return "migrating"
	case StateSynced:
		return "synced"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON output.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name produced by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for st := StateAnonymous; st <= StateSynced; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown sync state %q", text)
}

// canTransition lists the forward edges of the state machine. SignOut is
// handled separately since it is legal from every state.
func canTransition(from, to State) bool {
	switch from {
	case StateAnonymous:
		return to == StateAuthenticated
	case StateAuthenticated:
		return to == StateMigrating
	case StateMigrating:
		return to == StateSynced
	case StateSynced:
		return to == StateMigrating
	}
	return false
}
