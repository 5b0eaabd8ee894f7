package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestQueueOrdersByPriorityThenFIFO(t *testing.T) {
	q := newQueue(10)
	base := time.Now()

	mk := func(id string, p Priority, offset time.Duration) *Event {
		return &Event{ID: id, Priority: p, CreatedAt: base.Add(offset)}
	}
	q.push(mk("low", PriorityLow, 0))
	q.push(mk("normal-1", PriorityNormal, time.Millisecond))
	q.push(mk("high", PriorityHigh, 2*time.Millisecond))
	q.push(mk("normal-2", PriorityNormal, 3*time.Millisecond))

	want := []string{"high", "normal-1", "normal-2", "low"}
	for _, id := range want {
		if got := q.pop(); got.ID != id {
			t.Fatalf("pop = %s, want %s", got.ID, id)
		}
	}
}

func TestQueueRejectsWhenFull(t *testing.T) {
	q := newQueue(2)
	if !q.push(&Event{ID: "a"}) || !q.push(&Event{ID: "b"}) {
		t.Fatal("pushes under capacity should succeed")
	}
	if q.push(&Event{ID: "c"}) {
		t.Error("push over capacity should fail")
	}
	// Sentinels bypass the bound so shutdown always lands.
	if !q.push(&Event{ID: "stop", sentinel: true}) {
		t.Error("sentinel push should bypass capacity")
	}
}

func TestHighPriorityPreemptsQueuedBackground(t *testing.T) {
	release := make(chan struct{})
	var mu sync.Mutex
	var order []string

	g := NewGateway(func(_ context.Context, e *Event) (string, error) {
		if e.ID == "first" {
			<-release
		}
		mu.Lock()
		order = append(order, e.ID)
		mu.Unlock()
		return "ok", nil
	})
	g.Start(context.Background())

	// Occupy the consumer, then queue a heartbeat before a user message.
	first := New(SourceMessage, "hold")
	first.ID = "first"
	if err := g.Submit(first); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	hb := NewHeartbeat("tick", "wake")
	hb.ID = "heartbeat"
	if err := g.Submit(hb); err != nil {
		t.Fatal(err)
	}
	msg := New(SourceMessage, "urgent")
	msg.ID = "urgent"
	if err := g.Submit(msg); err != nil {
		t.Fatal(err)
	}

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"first", "urgent", "heartbeat"}
	if len(order) != len(want) {
		t.Fatalf("processed %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("processed %v, want %v", order, want)
		}
	}
}

func TestSubmitWaitResolvesReply(t *testing.T) {
	g := NewGateway(func(_ context.Context, e *Event) (string, error) {
		return "echo: " + e.Message, nil
	})
	g.Start(context.Background())
	defer g.Stop(context.Background())

	got, err := g.SubmitWait(context.Background(), NewMessage("hello"))
	if err != nil {
		t.Fatal(err)
	}
	if got != "echo: hello" {
		t.Errorf("response = %q", got)
	}
}

func TestSubmitWaitPropagatesHandlerError(t *testing.T) {
	g := NewGateway(func(context.Context, *Event) (string, error) {
		return "", errors.New("oracle unavailable")
	})
	g.Start(context.Background())
	defer g.Stop(context.Background())

	_, err := g.SubmitWait(context.Background(), NewMessage("hello"))
	if err == nil || err.Error() != "oracle unavailable" {
		t.Errorf("err = %v, want oracle unavailable", err)
	}
}

func TestScheduledEventRetriesOnceThenDeadLetters(t *testing.T) {
	var calls int
	var mu sync.Mutex
	g := NewGateway(func(_ context.Context, e *Event) (string, error) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		return "", fmt.Errorf("failure %d", n)
	})
	g.Start(context.Background())

	if err := g.Submit(NewScheduled("job-1", "run report")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Errorf("handler called %d times, want 2 (attempt + one retry)", calls)
	}
	dl := g.DeadLetters()
	if len(dl) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dl))
	}
	if dl[0].FirstError != "failure 1" || dl[0].RetryError != "failure 2" {
		t.Errorf("dead letter errors = %q / %q", dl[0].FirstError, dl[0].RetryError)
	}
}

func TestClearDeadLetters(t *testing.T) {
	g := NewGateway(func(context.Context, *Event) (string, error) {
		return "", errors.New("always fails")
	})
	g.Start(context.Background())

	if err := g.Submit(NewScheduled("job-1", "run report")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	if len(g.DeadLetters()) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(g.DeadLetters()))
	}
	g.ClearDeadLetters()
	if len(g.DeadLetters()) != 0 {
		t.Errorf("dead letters = %d after clear, want 0", len(g.DeadLetters()))
	}
}

func TestScheduledEventRetrySucceeds(t *testing.T) {
	var calls int
	g := NewGateway(func(context.Context, *Event) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("transient")
		}
		return "done", nil
	})
	g.Start(context.Background())

	if err := g.Submit(NewScheduled("job-1", "run report")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Errorf("handler called %d times, want 2", calls)
	}
	if len(g.DeadLetters()) != 0 {
		t.Error("successful retry should not dead-letter")
	}
}

func TestResponseRouting(t *testing.T) {
	g := NewGateway(func(context.Context, *Event) (string, error) {
		return "response", nil
	})

	var mu sync.Mutex
	routed := make(map[string]string)
	g.OnResponse(func(_ context.Context, e *Event, resp string) {
		mu.Lock()
		routed["scheduled"] = resp
		mu.Unlock()
	}, SourceScheduled)
	g.OnResponse(func(_ context.Context, e *Event, resp string) {
		mu.Lock()
		routed["default"] = resp
		mu.Unlock()
	})

	g.Start(context.Background())
	if err := g.Submit(NewScheduled("job-1", "report")); err != nil {
		t.Fatal(err)
	}
	if err := g.Submit(NewHeartbeat("tick", "wake")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if routed["scheduled"] != "response" {
		t.Error("scheduled response not routed to its handler")
	}
	if routed["default"] != "response" {
		t.Error("heartbeat response not routed to default handler")
	}
}

func TestSubmitDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	g := NewGateway(func(context.Context, *Event) (string, error) {
		<-block
		return "", nil
	}, WithCapacity(1))
	g.Start(context.Background())
	defer func() {
		close(block)
		g.Stop(context.Background())
	}()

	// First event is picked up by the consumer; second fills the queue.
	if err := g.Submit(New(SourceBoot, "a")); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := g.Submit(New(SourceBoot, "b")); err != nil {
		t.Fatal(err)
	}
	if err := g.Submit(New(SourceBoot, "c")); err == nil {
		t.Error("expected overflow drop")
	}
}

func TestStopDrainsQueuedEvents(t *testing.T) {
	var processed int
	var mu sync.Mutex
	g := NewGateway(func(context.Context, *Event) (string, error) {
		mu.Lock()
		processed++
		mu.Unlock()
		return "", nil
	})

	for i := 0; i < 5; i++ {
		if err := g.Submit(New(SourceBoot, "warm")); err != nil {
			t.Fatal(err)
		}
	}
	g.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if processed != 5 {
		t.Errorf("processed %d events before stopping, want 5", processed)
	}
}
