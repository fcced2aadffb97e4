package lifecycle

import "testing"

func TestPhase_Transitions(t *testing.T) {
	defer SetPhase(PhaseStarting)

	tests := []struct {
		set          Phase
		wantReady    bool
		wantDraining bool
		wantString   string
	}{
		{PhaseStarting, false, false, "starting"},
		{PhaseRunning, true, false, "running"},
		{PhaseDraining, false, true, "shutting-down"},
	}
	for _, tt := range tests {
		SetPhase(tt.set)
		if got := CurrentPhase(); got != tt.set {
			t.Errorf("CurrentPhase() = %v, want %v", got, tt.set)
		}
		if IsReady() != tt.wantReady {
			t.Errorf("%v: IsReady() = %v, want %v", tt.set, IsReady(), tt.wantReady)
		}
		if IsShuttingDown() != tt.wantDraining {
			t.Errorf("%v: IsShuttingDown() = %v, want %v", tt.set, IsShuttingDown(), tt.wantDraining)
		}
		if tt.set.String() != tt.wantString {
			t.Errorf("String() = %q, want %q", tt.set.String(), tt.wantString)
		}
	}
}

func TestSetShuttingDown(t *testing.T) {
	defer SetPhase(PhaseStarting)

	SetShuttingDown(true)
	if !IsShuttingDown() {
		t.Error("IsShuttingDown() = false after SetShuttingDown(true), want true")
	}
	SetShuttingDown(false)
	if IsShuttingDown() || !IsReady() {
		t.Error("SetShuttingDown(false) should return to running")
	}
}
