// Package policy implements the final safety gate over oracle decisions.
//
// The policy is an explicitly constructed, explicitly owned state object:
// it holds rolling counters for the current process lifetime only and is
// never persisted. The per-thread comment counters therefore reset on
// restart; the cap is enforced within one process lifetime, which matches
// the existing behavior of the system this replaces.
package policy

import (
	"time"
	"unicode/utf8"

	"github.com/moltlab/moltagent/pkg/fingerprint"
	"github.com/moltlab/moltagent/pkg/types"
)

// Config holds the policy limits.
type Config struct {
	ConfidenceThreshold  float64
	MaxPostsPerHour      int
	MaxContentLength     int
	MaxCommentsPerThread int
	SubmoltCooldown      time.Duration
	FingerprintHistory   int

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns the default policy limits.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:  0.6,
		MaxPostsPerHour:      5,
		MaxContentLength:     2000,
		MaxCommentsPerThread: 3,
		SubmoltCooldown:      10 * time.Minute,
		FingerprintHistory:   50,
	}
}

// Verdict is the result of validating a decision.
type Verdict struct {
	Allowed bool
	Reason  string
}

func allow() Verdict             { return Verdict{Allowed: true} }
func deny(reason string) Verdict { return Verdict{Allowed: false, Reason: reason} }

// ActionContext carries the identifiers a validation or record needs.
type ActionContext struct {
	Submolt  string
	ThreadID string
	Content  string
}

// Policy tracks side-effecting actions and vetoes unsafe ones. It holds no
// I/O: every call returns a definite verdict and cannot fail.
type Policy struct {
	cfg Config
	now func() time.Time

	postTimes         []time.Time
	commentsPerThread map[string]int
	lastPostBySubmolt map[string]time.Time
	recent            *fingerprint.History
}

// New creates a policy with the given limits.
func New(cfg Config) *Policy {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	history := cfg.FingerprintHistory
	if history <= 0 {
		history = DefaultConfig().FingerprintHistory
	}
	return &Policy{
		cfg:               cfg,
		now:               now,
		postTimes:         make([]time.Time, 0, cfg.MaxPostsPerHour),
		commentsPerThread: make(map[string]int),
		lastPostBySubmolt: make(map[string]time.Time),
		recent:            fingerprint.NewHistory(history),
	}
}

// Validate returns whether the decision may execute. The first failing rule
// is reported; rules are independent guards.
func (p *Policy) Validate(d *types.Decision, ctx ActionContext) Verdict {
	if d.Action == types.ActionIgnore {
		return allow()
	}
	if d.Confidence < p.cfg.ConfidenceThreshold {
		return deny("confidence below threshold")
	}

	switch d.Action {
	case types.ActionPost:
		return p.validatePost(d, ctx)
	case types.ActionComment:
		return p.validateComment(d, ctx)
	case types.ActionVote:
		if d.TargetID == "" || d.VoteDirection == "" {
			return deny("vote requires targetId and voteDirection")
		}
		return allow()
	}
	return allow()
}

func (p *Policy) validatePost(d *types.Decision, ctx ActionContext) Verdict {
	p.prunePostWindow()
	if len(p.postTimes) >= p.cfg.MaxPostsPerHour {
		return deny("max posts per hour exceeded")
	}
	if utf8.RuneCountInString(d.Content) > p.cfg.MaxContentLength {
		return deny("content exceeds max length")
	}
	if p.recent.Contains(d.Content) {
		return deny("repetition detected")
	}
	if ctx.Submolt != "" {
		if last, ok := p.lastPostBySubmolt[ctx.Submolt]; ok {
			if p.now().Sub(last) < p.cfg.SubmoltCooldown {
				return deny("submolt cooldown active")
			}
		}
	}
	return allow()
}

func (p *Policy) validateComment(d *types.Decision, ctx ActionContext) Verdict {
	// The counter is keyed by thread, and RecordAction always records under
	// the thread ID. A decision may target a comment inside the thread, and
	// keying validation on the target would let replies dodge the per-thread
	// cap, so the caller-supplied thread wins and the target is only a
	// fallback for callers that gave none.
	thread := ctx.ThreadID
	if thread == "" {
		thread = d.TargetID
	}
	if thread != "" && p.commentsPerThread[thread] >= p.cfg.MaxCommentsPerThread {
		return deny("max comments per thread exceeded")
	}
	if utf8.RuneCountInString(d.Content) > p.cfg.MaxContentLength {
		return deny("content exceeds max length")
	}
	if p.recent.Contains(d.Content) {
		return deny("repetition detected")
	}
	return allow()
}

// RecordAction updates the rolling counters after a real execution succeeds.
// It must be called exactly once per executed action and never for blocked,
// skipped or dry-run actions.
func (p *Policy) RecordAction(action types.ActionType, ctx ActionContext) {
	switch action {
	case types.ActionPost:
		p.prunePostWindow()
		p.postTimes = append(p.postTimes, p.now())
		if ctx.Submolt != "" {
			p.lastPostBySubmolt[ctx.Submolt] = p.now()
		}
		if ctx.Content != "" {
			p.recent.Add(ctx.Content)
		}
	case types.ActionComment:
		if ctx.ThreadID != "" {
			p.commentsPerThread[ctx.ThreadID]++
		}
		if ctx.Content != "" {
			p.recent.Add(ctx.Content)
		}
	}
}

// prunePostWindow drops post timestamps older than one hour.
func (p *Policy) prunePostWindow() {
	cutoff := p.now().Add(-time.Hour)
	kept := p.postTimes[:0]
	for _, t := range p.postTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	p.postTimes = kept
}
