package retry

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

var errWrongPassword = errors.New("wrong password")

// clock is a manually advanced time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func lockout(max int, d time.Duration) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:  max,
		ResetTimeout: d,
		Now:          c.now,
	}), c
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := lockout(3, time.Minute)

	for i := 0; i < 2; i++ {
		cb.Record(errWrongPassword)
	}
	if err := cb.Allow(); err != nil {
		t.Fatalf("open after 2 of 3 failures: %v", err)
	}
	cb.Record(errWrongPassword)

	err := cb.Allow()
	if !errors.Is(err, ErrOpen) {
		t.Fatalf("Allow() = %v, want ErrOpen", err)
	}
	if !strings.Contains(err.Error(), "3 consecutive failures, retry in 1m0s") {
		t.Errorf("message %q", err)
	}
	if cb.CurrentState() != StateOpen || cb.Failures() != 3 {
		t.Errorf("state=%s failures=%d", cb.CurrentState(), cb.Failures())
	}
}

func TestCircuitBreaker_Remaining(t *testing.T) {
	cb, c := lockout(1, 30*time.Second)
	if cb.Remaining() != 0 {
		t.Fatal("closed circuit reports a lockout")
	}
	cb.Record(errWrongPassword)
	c.advance(10 * time.Second)
	if got := cb.Remaining(); got != 20*time.Second {
		t.Errorf("Remaining = %v, want 20s", got)
	}
	c.advance(time.Minute)
	if got := cb.Remaining(); got != 0 {
		t.Errorf("Remaining after cool-down = %v", got)
	}
}

func TestCircuitBreaker_CoolDown(t *testing.T) {
	tests := []struct {
		name      string
		trial     error
		wantState State
	}{
		{"correct password closes", nil, StateClosed},
		{"wrong password reopens", errWrongPassword, StateOpen},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, c := lockout(2, time.Minute)
			cb.Record(errWrongPassword)
			cb.Record(errWrongPassword)

			c.advance(59 * time.Second)
			if err := cb.Allow(); err == nil {
				t.Fatal("allowed before the cool-down ended")
			}
			c.advance(time.Second)
			if err := cb.Allow(); err != nil {
				t.Fatalf("Allow after cool-down: %v", err)
			}
			if cb.CurrentState() != StateHalfOpen {
				t.Fatalf("state = %s, want half-open", cb.CurrentState())
			}
			cb.Record(tt.trial)
			if cb.CurrentState() != tt.wantState {
				t.Errorf("state = %s, want %s", cb.CurrentState(), tt.wantState)
			}
		})
	}
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := lockout(3, time.Minute)
	cb.Record(errWrongPassword)
	cb.Record(errWrongPassword)
	cb.Record(nil)
	if cb.Failures() != 0 || cb.CurrentState() != StateClosed {
		t.Errorf("failures=%d state=%s", cb.Failures(), cb.CurrentState())
	}
}

func TestCircuitBreaker_StateChange(t *testing.T) {
	var transitions []string
	c := &clock{t: time.Unix(0, 0)}
	cb := NewCircuitBreaker(&CircuitBreakerConfig{
		MaxFailures:  1,
		ResetTimeout: time.Second,
		Now:          c.now,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, fmt.Sprintf("%s->%s", from, to))
		},
	})

	cb.Record(errWrongPassword)
	c.advance(time.Second)
	if err := cb.Allow(); err != nil {
		t.Fatal(err)
	}
	cb.Record(nil)

	want := []string{"closed->open", "open->half-open", "half-open->closed"}
	if fmt.Sprint(transitions) != fmt.Sprint(want) {
		t.Errorf("transitions = %v, want %v", transitions, want)
	}
}

func TestState_String(t *testing.T) {
	for state, want := range map[State]string{
		StateClosed:   "closed",
		StateOpen:     "open",
		StateHalfOpen: "half-open",
		State(99):     "unknown",
	} {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(nil)
	if cb.cfg.MaxFailures != 5 || cb.cfg.ResetTimeout != 30*time.Second || cb.cfg.HalfOpenMax != 1 {
		t.Errorf("defaults = %+v", cb.cfg)
	}
	for i := 0; i < 4; i++ {
		cb.Record(errWrongPassword)
	}
	if err := cb.Allow(); err != nil {
		t.Errorf("open after 4 failures: %v", err)
	}
}
