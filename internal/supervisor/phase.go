package supervisor

import "fmt"

// Phase is the supervisor state machine position
type Phase string

const (
	PhaseSearching    Phase = "searching"     // Polling the process table for the target
	PhaseInjecting    Phase = "injecting"     // Loading the payload into the target
	PhaseTailing      Phase = "tailing"       // Forwarding payload log lines
	PhaseErrorBackoff Phase = "error_backoff" // Waiting before a full restart
)

// validTransitions maps from-phase to allowed to-phases. Every cycle
// starts over in Searching, so each phase may also go back there.
var validTransitions = map[Phase]map[Phase]bool{
	PhaseSearching: {
		PhaseSearching:    true, // Searching → Searching (new cycle)
		PhaseInjecting:    true, // Searching → Injecting (target found)
		PhaseErrorBackoff: true, // Searching → ErrorBackoff (unexpected failure)
	},
	PhaseInjecting: {
		PhaseSearching:    true,
		PhaseTailing:      true, // Injecting → Tailing (loaded, or best-effort policy)
		PhaseErrorBackoff: true, // Injecting → ErrorBackoff (injection failed)
	},
	PhaseTailing: {
		PhaseSearching:    true,
		PhaseErrorBackoff: true, // Tailing → ErrorBackoff (tail ended or target exited)
	},
	PhaseErrorBackoff: {
		PhaseSearching: true, // ErrorBackoff → Searching (full restart)
	},
}

// ValidateTransition checks if a phase transition is valid
func ValidateTransition(from, to Phase) error {
	allowed, exists := validTransitions[from]
	if !exists {
		return fmt.Errorf("unknown source phase: %s", from)
	}
	if !allowed[to] {
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	return nil
}
