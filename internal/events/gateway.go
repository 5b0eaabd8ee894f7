package events

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/roshni-ai/roshni/internal/observability"
)

const defaultCapacity = 100

// Handler processes one event and returns the assistant's response text.
type Handler func(ctx context.Context, e *Event) (string, error)

// ResponseHandler delivers the response of a fire-and-forget event back to
// its channel.
type ResponseHandler func(ctx context.Context, e *Event, response string)

// DeadLetter records a background event that failed its attempt and its
// single retry.
type DeadLetter struct {
	Event      *Event
	FirstError string
	RetryError string
	FailedAt   time.Time
}

// Gateway serializes all inbound events through a bounded priority queue
// with exactly one consumer, so the agent never handles two events
// concurrently.
type Gateway struct {
	handler  Handler
	queue    *queue
	capacity int

	mu          sync.Mutex
	responders  map[Source]ResponseHandler
	defaultResp ResponseHandler
	deadLetters []DeadLetter

	done     chan struct{}
	started  bool
	stopOnce sync.Once

	metrics *observability.Metrics
	logger  *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithCapacity bounds the queue; the default is 100.
func WithCapacity(n int) GatewayOption {
	return func(g *Gateway) {
		if n > 0 {
			g.capacity = n
		}
	}
}

// WithGatewayMetrics wires queue depth and event counters.
func WithGatewayMetrics(m *observability.Metrics) GatewayOption {
	return func(g *Gateway) { g.metrics = m }
}

// WithGatewayLogger sets the gateway logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger.With("component", "gateway")
		}
	}
}

// NewGateway creates a gateway dispatching to the handler.
func NewGateway(handler Handler, opts ...GatewayOption) *Gateway {
	g := &Gateway{
		handler:    handler,
		capacity:   defaultCapacity,
		responders: make(map[Source]ResponseHandler),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "gateway"),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.queue = newQueue(g.capacity)
	return g
}

// OnResponse registers a response handler for fire-and-forget events from
// the given sources. With no sources it becomes the default handler.
func (g *Gateway) OnResponse(h ResponseHandler, sources ...Source) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(sources) == 0 {
		g.defaultResp = h
		return
	}
	for _, s := range sources {
		g.responders[s] = h
	}
}

// Submit enqueues a fire-and-forget event. When the queue is full the
// event is dropped with a warning.
func (g *Gateway) Submit(e *Event) error {
	if !g.queue.push(e) {
		g.countEvent(e, "dropped")
		g.logger.Warn("queue full, dropping event",
			"event_id", e.ID, "source", e.Source, "priority", int(e.Priority))
		return fmt.Errorf("queue full, dropped event %s", e.ID)
	}
	g.countEvent(e, "queued")
	g.gaugeDepth()
	return nil
}

// SubmitWait enqueues a request/response event and blocks until the
// consumer resolves it or the context ends. A full queue rejects
// immediately.
func (g *Gateway) SubmitWait(ctx context.Context, e *Event) (string, error) {
	if e.reply == nil {
		e.reply = make(chan Result, 1)
	}
	if !g.queue.push(e) {
		g.countEvent(e, "rejected")
		return "", fmt.Errorf("queue full, event %s rejected", e.ID)
	}
	g.countEvent(e, "queued")
	g.gaugeDepth()

	select {
	case res := <-e.reply:
		return res.Text, res.Err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Start launches the single consumer goroutine.
func (g *Gateway) Start(ctx context.Context) {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	go g.consume(ctx)
}

// Stop drains the queue and waits for the consumer to exit. The sentinel
// sorts after every real priority, so queued events finish first.
func (g *Gateway) Stop(ctx context.Context) error {
	g.stopOnce.Do(func() {
		g.queue.push(&Event{ID: "shutdown", Priority: Priority(math.MaxInt32), sentinel: true})
	})
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// DeadLetters returns a copy of the dead-letter list.
func (g *Gateway) DeadLetters() []DeadLetter {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]DeadLetter, len(g.deadLetters))
	copy(out, g.deadLetters)
	return out
}

// ClearDeadLetters empties the dead-letter list.
func (g *Gateway) ClearDeadLetters() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.deadLetters = nil
}

// QueueDepth reports the number of queued events.
func (g *Gateway) QueueDepth() int { return g.queue.len() }

func (g *Gateway) consume(ctx context.Context) {
	defer close(g.done)
	for {
		e := g.queue.pop()
		g.gaugeDepth()
		if e.sentinel {
			g.logger.Info("gateway consumer stopping")
			return
		}
		g.process(ctx, e)
	}
}

func (g *Gateway) process(ctx context.Context, e *Event) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("event handler panicked", "event_id", e.ID, "panic", r)
			e.resolve(Result{Err: fmt.Errorf("handler panic: %v", r)})
		}
	}()

	ctx = context.WithValue(ctx, observability.EventIDKey, e.ID)
	ctx = context.WithValue(ctx, observability.ChannelKey, e.Channel)

	response, err := g.handler(ctx, e)

	if e.reply != nil {
		e.resolve(Result{Text: response, Err: err})
		g.countEvent(e, outcome(err))
		return
	}

	// Background events get exactly one retry before dead-lettering.
	if err != nil && retryable(e.Source) {
		firstErr := err
		g.logger.Warn("event failed, retrying once",
			"event_id", e.ID, "source", e.Source, "error", err)
		response, err = g.handler(ctx, e)
		if err != nil {
			g.deadLetter(e, firstErr, err)
			g.countEvent(e, "dead_letter")
			return
		}
	}
	if err != nil {
		g.logger.Error("event failed", "event_id", e.ID, "source", e.Source, "error", err)
		g.countEvent(e, "error")
		return
	}

	g.countEvent(e, "success")
	if response != "" {
		g.route(ctx, e, response)
	}
}

func (g *Gateway) route(ctx context.Context, e *Event, response string) {
	g.mu.Lock()
	h, ok := g.responders[e.Source]
	if !ok {
		h = g.defaultResp
	}
	g.mu.Unlock()
	if h == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("response handler panicked", "event_id", e.ID, "panic", r)
		}
	}()
	h(ctx, e, response)
}

func (g *Gateway) deadLetter(e *Event, first, retry error) {
	g.mu.Lock()
	g.deadLetters = append(g.deadLetters, DeadLetter{
		Event:      e,
		FirstError: first.Error(),
		RetryError: retry.Error(),
		FailedAt:   time.Now(),
	})
	g.mu.Unlock()
	g.logger.Error("event dead-lettered",
		"event_id", e.ID, "source", e.Source,
		"first_error", first, "retry_error", retry)
}

func retryable(s Source) bool {
	return s == SourceScheduled || s == SourceHeartbeat
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (g *Gateway) countEvent(e *Event, status string) {
	if g.metrics != nil {
		g.metrics.EventCounter.WithLabelValues(string(e.Source), status).Inc()
	}
}

func (g *Gateway) gaugeDepth() {
	if g.metrics != nil {
		g.metrics.QueueDepth.Set(float64(g.queue.len()))
	}
}
