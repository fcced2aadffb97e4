package lifecycle

import "sync/atomic"

// Phase is the process lifecycle phase reported by the health endpoint.
type Phase int32

const (
	PhaseStarting Phase = iota
	PhaseRunning
	PhaseDraining
)

func (p Phase) String() string {
	switch p {
	case PhaseRunning:
		return "running"
	case PhaseDraining:
		return "shutting-down"
	default:
		return "starting"
	}
}

var phase atomic.Int32

// SetPhase records the current phase.
func SetPhase(p Phase) {
	phase.Store(int32(p))
}

// CurrentPhase returns the current phase. Starting until SetPhase is called.
func CurrentPhase() Phase {
	return Phase(phase.Load())
}

// SetShuttingDown sets the shutdown flag. Call when SIGTERM/SIGINT received.
// Health handler returns 503 with status shutting-down while true.
func SetShuttingDown(v bool) {
	if v {
		SetPhase(PhaseDraining)
		return
	}
	SetPhase(PhaseRunning)
}

// IsShuttingDown returns true if the process is draining and should not receive new traffic.
func IsShuttingDown() bool {
	return CurrentPhase() == PhaseDraining
}

// IsReady returns true once startup has finished and until draining begins.
func IsReady() bool {
	return CurrentPhase() == PhaseRunning
}
