// Package oracle turns language-model output into schema-validated
// structured decisions. Transport failures are retried with backoff inside
// the oracle, the way the platform client retries its own calls. Every
// response is parsed and validated before use; a response that fails
// validation is retried with the error appended to the prompt, a bounded
// number of times, then surfaced as a failure for that one call.
package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/moltlab/moltagent/pkg/types"
)

// Generator is the language-model backend.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// validationRetries is the number of re-prompts after an invalid response.
const validationRetries = 3

// transientAttempts and transientBaseDelay bound the retry of backend
// transport failures, with the delay doubling per attempt. This mirrors the
// platform client's retry policy: callers see each oracle call either
// succeed or fail once, and never retry it themselves.
const (
	transientAttempts  = 3
	transientBaseDelay = 500 * time.Millisecond
)

// Oracle asks the model for structured decisions.
type Oracle struct {
	gen        Generator
	persona    string
	logger     *slog.Logger
	retryDelay time.Duration
}

// New creates an oracle with the given backend and persona description.
func New(gen Generator, persona string, logger *slog.Logger) *Oracle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Oracle{gen: gen, persona: persona, logger: logger, retryDelay: transientBaseDelay}
}

// Decide asks for an action decision on one content item.
func (o *Oracle) Decide(ctx context.Context, dctx types.DecisionContext) (*types.Decision, error) {
	prompt, err := buildDecidePrompt(o.persona, dctx)
	if err != nil {
		return nil, err
	}
	return generate(ctx, o, prompt, (*types.Decision).Validate)
}

// ChooseSubmolts asks which of the given communities the agent should
// subscribe to.
func (o *Oracle) ChooseSubmolts(ctx context.Context, all []types.Submolt) ([]string, error) {
	choice, err := generate(ctx, o, buildChooseSubmoltsPrompt(o.persona, all), (*submoltChoice).validate)
	if err != nil {
		return nil, err
	}
	return choice.Submolts, nil
}

// ChooseFeeds asks which subscribed communities' feeds to fetch this tick.
// Callers treat a failure or an empty answer as "fetch all".
func (o *Oracle) ChooseFeeds(ctx context.Context, subscribed []types.Submolt) ([]string, error) {
	choice, err := generate(ctx, o, buildChooseFeedsPrompt(o.persona, subscribed), (*submoltChoice).validate)
	if err != nil {
		return nil, err
	}
	return choice.Submolts, nil
}

// ProactivePost asks whether to start a new thread in the given submolt.
func (o *Oracle) ProactivePost(ctx context.Context, submolt types.Submolt) (*types.ProactiveDecision, error) {
	return generate(ctx, o, buildProactivePrompt(o.persona, submolt), (*types.ProactiveDecision).Validate)
}

// DecideExplore asks what to do when a tick discovered no new content.
func (o *Oracle) DecideExplore(ctx context.Context, mem types.AgentMemory) (*types.ExploreDecision, error) {
	prompt, err := buildExplorePrompt(o.persona, mem)
	if err != nil {
		return nil, err
	}
	return generate(ctx, o, prompt, (*types.ExploreDecision).Validate)
}

// SimplifyQuery asks for a simpler search query after one yielded nothing.
func (o *Oracle) SimplifyQuery(ctx context.Context, query string) (string, error) {
	simplified, err := generate(ctx, o, buildSimplifyPrompt(query), (*queryRewrite).validate)
	if err != nil {
		return "", err
	}
	return simplified.Query, nil
}

type submoltChoice struct {
	Submolts []string `json:"submolts"`
}

func (c *submoltChoice) validate() error {
	return nil
}

type queryRewrite struct {
	Query string `json:"query"`
}

func (q *queryRewrite) validate() error {
	if strings.TrimSpace(q.Query) == "" {
		return fmt.Errorf("query rewrite schema: query must not be empty")
	}
	return nil
}

// generate runs one prompt through the model, parsing and validating the
// response, re-prompting with the validation error up to validationRetries
// times.
func generate[T any](ctx context.Context, o *Oracle, prompt string, validate func(*T) error) (*T, error) {
	feedback := ""
	for attempt := 0; attempt <= validationRetries; attempt++ {
		p := prompt
		if feedback != "" {
			p = prompt + "\n\nYour previous reply was invalid: " + feedback + "\nReply again with valid JSON only."
		}

		raw, err := o.generateRaw(ctx, p)
		if err != nil {
			return nil, err
		}

		var v T
		if err := json.Unmarshal([]byte(extractJSON(raw)), &v); err != nil {
			feedback = "invalid JSON: " + err.Error()
			o.logger.Warn("oracle response failed to parse", "attempt", attempt+1, "error", err)
			continue
		}
		if err := validate(&v); err != nil {
			feedback = err.Error()
			o.logger.Warn("oracle response failed validation", "attempt", attempt+1, "error", err)
			continue
		}
		return &v, nil
	}
	return nil, fmt.Errorf("oracle: response still invalid after %d attempts: %s", validationRetries+1, feedback)
}

// generateRaw runs one prompt through the backend, absorbing transient
// transport failures with doubling backoff. The backend does not classify
// its errors, so every failure is treated as transient up to the attempt
// cap, then surfaced.
func (o *Oracle) generateRaw(ctx context.Context, prompt string) (string, error) {
	delay := o.retryDelay
	var lastErr error
	for attempt := 0; attempt < transientAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("oracle generate: %w", ctx.Err())
			case <-time.After(delay):
			}
			delay *= 2
		}
		raw, err := o.gen.Generate(ctx, prompt)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		o.logger.Warn("oracle backend call failed", "attempt", attempt+1, "error", err)
	}
	return "", fmt.Errorf("oracle generate: %w", lastErr)
}

// extractJSON strips markdown code fences and surrounding prose, keeping
// the outermost JSON object.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if i := strings.LastIndex(s, "```"); i >= 0 {
			s = s[:i]
		}
		s = strings.TrimSpace(s)
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start >= 0 && end > start {
		return s[start : end+1]
	}
	return s
}
