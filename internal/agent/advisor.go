package agent

import "context"

// Advisor contributes read-only context to the system prompt, consulted on
// every chat. Advisor failures are logged and skipped; one failing advisor
// never blocks another or the chat itself.
type Advisor interface {
	Name() string
	Advise(ctx context.Context, message, channel string) (string, error)
}

// AdvisorFunc adapts a function to the Advisor interface.
type AdvisorFunc struct {
	AdvisorName string
	Fn          func(ctx context.Context, message, channel string) (string, error)
}

func (a AdvisorFunc) Name() string { return a.AdvisorName }

func (a AdvisorFunc) Advise(ctx context.Context, message, channel string) (string, error) {
	return a.Fn(ctx, message, channel)
}
