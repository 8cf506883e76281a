package models

import (
	"testing"
	"time"
)

func TestIsValidEscrowTransition(t *testing.T) {
	tests := []struct {
		from     string
		to       string
		expected bool
	}{
		// Happy path
		{EscrowStateCreated, EscrowStateFunded, true},
		{EscrowStateFunded, EscrowStateCompleted, true},
		{EscrowStateCompleted, EscrowStateReleased, true},

		// Dispute paths
		{EscrowStateFunded, EscrowStateDisputed, true},
		{EscrowStateDisputed, EscrowStateReleased, true},
		{EscrowStateDisputed, EscrowStateRefunded, true},

		// Refund and cancellation
		{EscrowStateFunded, EscrowStateRefunded, true},
		{EscrowStateCreated, EscrowStateCancelled, true},

		// Invalid transitions
		{EscrowStateCreated, EscrowStateCompleted, false},
		{EscrowStateCreated, EscrowStateReleased, false},
		{EscrowStateFunded, EscrowStateCreated, false},
		{EscrowStateFunded, EscrowStateCancelled, false},
		{EscrowStateCompleted, EscrowStateDisputed, false},
		{EscrowStateCompleted, EscrowStateRefunded, false},
		{EscrowStateReleased, EscrowStateRefunded, false},
		{EscrowStateRefunded, EscrowStateFunded, false},
		{EscrowStateCancelled, EscrowStateFunded, false},
		{"nonexistent", EscrowStateFunded, false},
		{EscrowStateCreated, "nonexistent", false},
	}

	for _, tt := range tests {
		t.Run(tt.from+"->"+tt.to, func(t *testing.T) {
			result := IsValidEscrowTransition(tt.from, tt.to)
			if result != tt.expected {
				t.Errorf("IsValidEscrowTransition(%q, %q) = %v, want %v", tt.from, tt.to, result, tt.expected)
			}
		})
	}
}

func TestTerminalEscrowStatesHaveNoTransitions(t *testing.T) {
	terminal := []string{EscrowStateReleased, EscrowStateRefunded, EscrowStateCancelled}
	for _, state := range terminal {
		if !IsTerminalEscrowState(state) {
			t.Errorf("state %q should be terminal", state)
		}
		if transitions := ValidEscrowTransitions[state]; len(transitions) != 0 {
			t.Errorf("terminal state %q should have no transitions, got %v", state, transitions)
		}
	}
	for _, state := range []string{EscrowStateCreated, EscrowStateFunded, EscrowStateCompleted, EscrowStateDisputed} {
		if IsTerminalEscrowState(state) {
			t.Errorf("state %q should not be terminal", state)
		}
	}
}

func TestEscrowIsExpired(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	e := &EscrowRecord{CreatedAt: created, DurationSeconds: 3600}

	tests := []struct {
		name     string
		now      time.Time
		expected bool
	}{
		{"just created", created, false},
		{"one second before", created.Add(3599 * time.Second), false},
		{"exactly at duration", created.Add(3600 * time.Second), false},
		{"one second after", created.Add(3601 * time.Second), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.IsExpired(tt.now); got != tt.expected {
				t.Errorf("IsExpired(%v) = %v, want %v", tt.now, got, tt.expected)
			}
		})
	}
}

func TestEscrowDeadlineStatus(t *testing.T) {
	deadline := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	e := &EscrowRecord{Deadline: deadline}

	tests := []struct {
		name     string
		now      time.Time
		expected string
	}{
		{"past deadline", deadline.Add(time.Minute), "expired"},
		{"30 minutes left", deadline.Add(-30 * time.Minute), "30 minutes"},
		{"5 hours left", deadline.Add(-5 * time.Hour), "5 hours"},
		{"3 days left", deadline.Add(-72 * time.Hour), "3 days"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.DeadlineStatus(tt.now); got != tt.expected {
				t.Errorf("DeadlineStatus(%v) = %q, want %q", tt.now, got, tt.expected)
			}
		})
	}
}
