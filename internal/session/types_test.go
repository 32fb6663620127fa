package session

import (
	"slices"
	"testing"
)

func TestStateIsTerminal(t *testing.T) {
	tests := []struct {
		state State
		want  bool
	}{
		{StateUninitialized, false},
		{StateRunning, false},
		{StateFailed, true},
		{StateEnded, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestStateNames(t *testing.T) {
	want := []string{"uninitialized", "running", "failed", "ended"}
	if got := stateNames(); !slices.Equal(got, want) {
		t.Errorf("stateNames() = %v, want %v", got, want)
	}
}
