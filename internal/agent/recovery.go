package agent

import (
	"context"
	"strings"
	"time"

	"github.com/roshni-ai/roshni/internal/llm"
)

// User-visible failure text is always one of these class-routed strings.
// Raw provider errors never reach the user.
const (
	friendlyBudget = "I've hit my usage budget for now, so I'm pausing to keep costs in check. Let's pick this up a little later."

	friendlyBusy = "I'm having trouble reaching my language model right now. Give me a few minutes and try again."

	friendlyFormat = "I couldn't get the model to accept that request. Could you rephrase and try again?"

	friendlyUnexpected = "Something unexpected went wrong on my end. Please try that again."
)

// complete wraps one oracle call with the recovery policy: auth-profile
// rotation on transient failures, catalog resolution on unknown models,
// parameter and history repair on bad requests, then the fallback model,
// then a friendly message. A non-empty friendly return ends the chat with
// that text.
func (a *Agent) complete(ctx context.Context, req *llm.Request) (*llm.Response, string, error) {
	var lastErr error
	for i, client := range a.clients {
		resp, err := a.call(ctx, client, req)
		if err == nil {
			return resp, "", nil
		}
		lastErr = err

		reason := llm.ReasonOf(err)
		switch {
		case reason.IsRetryable():
			a.logger.Warn("oracle call failed, rotating auth profile",
				"profile", i, "reason", string(reason), "error", err)
			continue

		case reason == llm.ReasonNotFound:
			return a.recoverNotFound(ctx, client, req, err)

		case reason == llm.ReasonBadRequest:
			return a.recoverBadRequest(ctx, client, req, err)

		default:
			a.logger.Error("oracle call failed", "error", err)
			return nil, friendlyUnexpected, nil
		}
	}

	a.logger.Warn("auth profiles exhausted, trying fallback model",
		"fallback", a.fallback, "error", lastErr)
	if resp, ok := a.tryFallback(ctx, req); ok {
		return resp, "", nil
	}
	return nil, friendlyBusy, nil
}

// recoverNotFound tries a catalog-resolved alternate for the unknown
// model, then the fallback model, then propagates the error.
func (a *Agent) recoverNotFound(ctx context.Context, client llm.Client, req *llm.Request, cause error) (*llm.Response, string, error) {
	if a.catalog != nil && req.Model != "" {
		if alt, ok := a.catalog.Alternate(req.Model); ok && alt != req.Model {
			a.logger.Warn("model not found, trying catalog alternate",
				"model", req.Model, "alternate", alt)
			retry := *req
			retry.Model = alt
			if resp, err := a.call(ctx, client, &retry); err == nil {
				return resp, "", nil
			}
		}
	}
	if resp, ok := a.tryFallback(ctx, req); ok {
		return resp, "", nil
	}
	return nil, "", cause
}

// recoverBadRequest repairs what it can: drop an unsupported temperature,
// re-sanitize a history the provider rejected, and as a last resort try
// the fallback model before giving the friendly format message.
func (a *Agent) recoverBadRequest(ctx context.Context, client llm.Client, req *llm.Request, cause error) (*llm.Response, string, error) {
	detail := strings.ToLower(cause.Error())

	if strings.Contains(detail, "temperature") && req.Temperature != nil {
		a.logger.Warn("provider rejected temperature, retrying without it")
		retry := *req
		retry.Temperature = nil
		if resp, err := a.call(ctx, client, &retry); err == nil {
			return resp, "", nil
		}
	}

	if strings.Contains(detail, "tool_call_id") ||
		strings.Contains(detail, "tool_calls") ||
		strings.Contains(detail, "must be followed by") {
		a.logger.Warn("provider rejected history shape, repairing and retrying")
		a.history = Sanitize(a.history)
		retry := *req
		retry.Messages = append([]llm.Message{req.Messages[0]}, a.history...)
		if resp, err := a.call(ctx, client, &retry); err == nil {
			return resp, "", nil
		}
	}

	if resp, ok := a.tryFallback(ctx, req); ok {
		return resp, "", nil
	}
	return nil, friendlyFormat, nil
}

func (a *Agent) tryFallback(ctx context.Context, req *llm.Request) (*llm.Response, bool) {
	if a.fallback == "" || req.Model == a.fallback {
		return nil, false
	}
	retry := *req
	retry.Model = a.fallback
	retry.ThinkingBudget = 0
	resp, err := a.call(ctx, a.clients[0], &retry)
	if err != nil {
		a.logger.Error("fallback model failed", "fallback", a.fallback, "error", err)
		return nil, false
	}
	return resp, true
}

// call performs one oracle request with metrics.
func (a *Agent) call(ctx context.Context, client llm.Client, req *llm.Request) (*llm.Response, error) {
	start := time.Now()
	resp, err := client.Complete(ctx, req)
	a.record(client.Name(), req.Model, time.Since(start), resp, err)
	return resp, err
}

func (a *Agent) record(provider, model string, elapsed time.Duration, resp *llm.Response, err error) {
	if a.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	a.metrics.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	a.metrics.LLMRequestDuration.WithLabelValues(provider, model).Observe(elapsed.Seconds())
	if resp != nil {
		a.metrics.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(resp.Usage.PromptTokens))
		a.metrics.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(resp.Usage.CompletionTokens))
	}
}
