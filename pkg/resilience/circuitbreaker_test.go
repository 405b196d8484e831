package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(maxFailures int, coolDown time.Duration) (*CircuitBreaker, *fakeClock, *[]string) {
	clock := &fakeClock{t: time.Unix(0, 0)}
	var transitions []string
	cb := NewCircuitBreaker(BreakerConfig{
		Name:        "redis",
		MaxFailures: maxFailures,
		CoolDown:    coolDown,
		OnStateChange: func(name string, from, to State) {
			transitions = append(transitions, name+":"+from.String()+"->"+to.String())
		},
	})
	cb.now = clock.now
	return cb, clock, &transitions
}

var errBoom = errors.New("boom")

func fail() error    { return errBoom }
func succeed() error { return nil }

func TestCircuitBreaker_Lifecycle(t *testing.T) {
	cb, clock, transitions := newTestBreaker(2, time.Second)

	if err := cb.Execute(fail); !errors.Is(err, errBoom) {
		t.Fatalf("Execute() = %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after one failure = %s", cb.State())
	}
	_ = cb.Execute(fail)
	if cb.State() != StateOpen {
		t.Fatalf("state after max failures = %s", cb.State())
	}

	called := false
	if err := cb.Execute(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitBreakerOpen) || called {
		t.Fatalf("open breaker ran call: err=%v called=%v", err, called)
	}

	clock.advance(time.Second)
	if err := cb.Execute(succeed); err != nil {
		t.Fatalf("probe error = %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("state after successful probe = %s", cb.State())
	}

	want := []string{"redis:closed->open", "redis:open->half-open", "redis:half-open->closed"}
	if len(*transitions) != len(want) {
		t.Fatalf("transitions = %v", *transitions)
	}
	for i := range want {
		if (*transitions)[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", *transitions, want)
		}
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock, _ := newTestBreaker(1, time.Second)
	_ = cb.Execute(fail)
	clock.advance(2 * time.Second)

	if err := cb.Execute(fail); !errors.Is(err, errBoom) {
		t.Fatalf("probe error = %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("state = %s, want open", cb.State())
	}
	if err := cb.Execute(succeed); !errors.Is(err, ErrCircuitBreakerOpen) {
		t.Fatalf("expected cool-down to restart, got %v", err)
	}
}

func TestCircuitBreaker_SingleProbeWhileHalfOpen(t *testing.T) {
	cb, clock, _ := newTestBreaker(1, time.Second)
	_ = cb.Execute(fail)
	clock.advance(time.Second)

	err := cb.Execute(func() error {
		if inner := cb.Execute(succeed); !errors.Is(inner, ErrCircuitBreakerOpen) {
			t.Errorf("concurrent call during probe = %v, want rejection", inner)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("probe error = %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _, _ := newTestBreaker(2, time.Second)
	_ = cb.Execute(fail)
	_ = cb.Execute(succeed)
	_ = cb.Execute(fail)
	if cb.State() != StateClosed {
		t.Fatalf("non-consecutive failures opened the circuit")
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb, _, transitions := newTestBreaker(1, time.Hour)
	_ = cb.Execute(fail)
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state after Reset = %s", cb.State())
	}
	if last := (*transitions)[len(*transitions)-1]; last != "redis:open->closed" {
		t.Fatalf("last transition = %s", last)
	}
}

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(BreakerConfig{})
	if cb.cfg.MaxFailures != 5 || cb.cfg.CoolDown != 30*time.Second {
		t.Fatalf("defaults = %+v", cb.cfg)
	}
}

func TestProperty_OpensAfterExactlyMaxFailures(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("closed below threshold, open at threshold", prop.ForAll(
		func(maxFailures int) bool {
			cb, _, _ := newTestBreaker(maxFailures, time.Minute)
			for i := 0; i < maxFailures-1; i++ {
				_ = cb.Execute(fail)
				if cb.State() != StateClosed {
					return false
				}
			}
			_ = cb.Execute(fail)
			return cb.State() == StateOpen && errors.Is(cb.Execute(succeed), ErrCircuitBreakerOpen)
		},
		gen.IntRange(1, 20),
	))

	properties.TestingRun(t)
}

func TestState_String(t *testing.T) {
	for s, want := range map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half-open", State(9): "unknown"} {
		if s.String() != want {
			t.Errorf("String() = %q, want %q", s.String(), want)
		}
	}
}
