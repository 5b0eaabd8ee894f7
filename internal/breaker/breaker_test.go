package breaker

import (
	"sync"
	"testing"
	"time"
)

func TestOpensAfterConsecutiveFailures(t *testing.T) {
	b := New(WithFailureThreshold(3))

	b.Record("llm", false, 0)
	b.Record("llm", false, 0)
	if !b.IsAvailable("llm") {
		t.Fatal("two failures must not open the circuit")
	}
	b.Record("llm", false, 0)
	if b.IsAvailable("llm") {
		t.Fatal("three consecutive failures must open the circuit")
	}
}

func TestSuccessBreaksFailureRun(t *testing.T) {
	b := New(WithFailureThreshold(3))

	b.Record("llm", false, 0)
	b.Record("llm", false, 0)
	b.Record("llm", true, 0)
	b.Record("llm", false, 0)
	b.Record("llm", false, 0)
	if !b.IsAvailable("llm") {
		t.Error("failures interrupted by a success must not open the circuit")
	}
}

func TestAutoResetAfterOpenDuration(t *testing.T) {
	current := time.Unix(1000, 0)
	b := New(
		WithFailureThreshold(2),
		WithOpenDuration(300*time.Second),
		WithNow(func() time.Time { return current }),
	)

	b.Record("calendar", false, 0)
	b.Record("calendar", false, 0)
	if b.IsAvailable("calendar") {
		t.Fatal("circuit should be open")
	}

	current = current.Add(299 * time.Second)
	if b.IsAvailable("calendar") {
		t.Error("circuit should still be open before the window passes")
	}

	current = current.Add(2 * time.Second)
	if !b.IsAvailable("calendar") {
		t.Error("circuit should auto-reset after the open window")
	}
}

func TestResetClearsState(t *testing.T) {
	b := New(WithFailureThreshold(2))
	b.Record("email", false, 0)
	b.Record("email", false, 0)
	if b.IsAvailable("email") {
		t.Fatal("circuit should be open")
	}

	b.Reset("email")
	if !b.IsAvailable("email") {
		t.Error("reset should close the circuit")
	}
	if len(b.Outcomes("email")) != 0 {
		t.Error("reset should clear recorded outcomes")
	}
}

func TestWindowIsBounded(t *testing.T) {
	b := New(WithWindowSize(5))
	for i := 0; i < 20; i++ {
		b.Record("svc", true, 0)
	}
	if got := len(b.Outcomes("svc")); got != 5 {
		t.Errorf("window size = %d, want 5", got)
	}
}

func TestServicesAreIndependent(t *testing.T) {
	b := New(WithFailureThreshold(2))
	b.Record("a", false, 0)
	b.Record("a", false, 0)
	b.Record("b", false, 0)

	if b.IsAvailable("a") {
		t.Error("service a should be open")
	}
	if !b.IsAvailable("b") {
		t.Error("service b should be available")
	}
}

func TestConcurrentRecord(t *testing.T) {
	b := New()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Record("svc", n%2 == 0, time.Millisecond)
				b.IsAvailable("svc")
			}
		}(i)
	}
	wg.Wait()
}
