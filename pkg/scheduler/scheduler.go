// Package scheduler implements the tick engine: on a fixed cadence it
// discovers unseen content, asks the oracle for a decision per item, gates
// every side effect through the safety policy, executes at most one action
// per decision, and records everything in durable memory.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/moltlab/moltagent/pkg/memory"
	"github.com/moltlab/moltagent/pkg/policy"
	"github.com/moltlab/moltagent/pkg/types"
)

// Platform is the remote platform capability the scheduler consumes. The
// implementation retries transient failures internally; the scheduler never
// retries these calls.
type Platform interface {
	ListSubmolts(ctx context.Context) ([]types.Submolt, error)
	ListSubscribed(ctx context.Context) ([]types.Submolt, error)
	ListPosts(ctx context.Context, submolt, sort string, limit int) ([]types.Post, error)
	Feed(ctx context.Context, sort string, limit int) ([]types.Post, error)
	ListComments(ctx context.Context, postID string) ([]types.Comment, error)
	CreatePost(ctx context.Context, submolt, title, content string) (*types.Post, error)
	CreateComment(ctx context.Context, postID, content, parentID string) (*types.Comment, error)
	Vote(ctx context.Context, targetID string, direction types.VoteDirection, target types.TargetType) error
	Subscribe(ctx context.Context, name string) error
	Search(ctx context.Context, query, typ string, limit int) ([]types.SearchResult, error)
	CheckDMs(ctx context.Context) (*types.DMActivity, error)
}

// Oracle is the decision capability the scheduler consumes. Responses are
// already schema-validated.
type Oracle interface {
	Decide(ctx context.Context, dctx types.DecisionContext) (*types.Decision, error)
	ChooseSubmolts(ctx context.Context, all []types.Submolt) ([]string, error)
	ChooseFeeds(ctx context.Context, subscribed []types.Submolt) ([]string, error)
	ProactivePost(ctx context.Context, submolt types.Submolt) (*types.ProactiveDecision, error)
	DecideExplore(ctx context.Context, mem types.AgentMemory) (*types.ExploreDecision, error)
	SimplifyQuery(ctx context.Context, query string) (string, error)
}

// Config holds scheduler configuration.
type Config struct {
	TickInterval   time.Duration
	PostInterval   time.Duration // platform hard rate limit between posts
	CallTimeout    time.Duration // per external call
	FeedMode       string        // "personalized" or "submolts"
	DefaultSubmolt string
	DryRun         bool

	FeedLimit     int // posts fetched per feed/submolt
	CommentWindow int // comments included in a decision context
	HistoryWindow int // recent decisions included in a decision context

	// Now overrides the clock, for tests. Nil means time.Now.
	Now func() time.Time
}

// DefaultConfig returns a default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:   30 * time.Minute,
		PostInterval:   30 * time.Minute,
		CallTimeout:    60 * time.Second,
		FeedMode:       "submolts",
		DefaultSubmolt: "general",
		FeedLimit:      25,
		CommentWindow:  20,
		HistoryWindow:  10,
	}
}

// Scheduler drives the recurring tick cycle.
type Scheduler struct {
	cfg      Config
	platform Platform
	oracle   Oracle
	mem      *memory.Store
	policy   *policy.Policy
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}

	// tickMu is the in-flight guard: the periodic timer is independent of
	// tick duration, so a slow tick must not overlap the next one.
	tickMu sync.Mutex

	subscribeFallbackDone bool
}

// New creates a scheduler.
func New(cfg Config, pf Platform, or Oracle, mem *memory.Store, pol *policy.Policy, logger *slog.Logger) *Scheduler {
	if cfg.TickInterval < time.Minute {
		cfg.TickInterval = time.Minute
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.FeedLimit <= 0 {
		cfg.FeedLimit = DefaultConfig().FeedLimit
	}
	if cfg.CommentWindow <= 0 {
		cfg.CommentWindow = DefaultConfig().CommentWindow
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		platform: pf,
		oracle:   or,
		mem:      mem,
		policy:   pol,
		logger:   logger,
		now:      now,
	}
}

// Start begins ticking: one tick immediately, then on the fixed period.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

// Stop halts future ticks and waits for an in-flight tick to finish. The
// in-flight tick is allowed to run to completion.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler not running")
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	defer close(s.done)

	// Ticks run on a context that survives Stop, so an in-flight tick
	// completes instead of being cut mid-call.
	tickCtx := context.WithoutCancel(ctx)

	s.Tick(tickCtx)

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(tickCtx)
		}
	}
}

// Tick runs one full cycle. If a previous tick is still in flight the call
// is skipped. Nothing escapes the tick boundary: panics are logged and the
// next tick is unaffected.
func (s *Scheduler) Tick(ctx context.Context) {
	if !s.tickMu.TryLock() {
		s.logger.Warn("previous tick still in flight, skipping")
		return
	}
	defer s.tickMu.Unlock()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("tick panicked", "panic", r)
		}
	}()

	s.runTick(ctx)
}

func (s *Scheduler) runTick(ctx context.Context) {
	tickID := uuid.NewString()[:8]
	log := s.logger.With("tick", tickID)
	start := s.now()

	if err := s.mem.Load(); err != nil {
		log.Error("memory reload failed, aborting tick", "error", err)
		return
	}
	if !s.mem.IsClaimed() {
		log.Warn("agent identity not claimed, skipping tick")
		return
	}

	summary := types.TickSummary{TickID: tickID}

	// DM activity is observability-only; a failure never drives actions
	// and never aborts the tick.
	if dm, err := s.checkDMs(ctx); err != nil {
		log.Warn("dm check failed", "error", err)
	} else if dm != nil {
		summary.DMUnread = dm.UnreadCount
		if dm.UnreadCount > 0 {
			log.Info("unread direct messages", "count", dm.UnreadCount)
		}
	}

	s.maybeFirstPost(ctx, log)

	switch s.cfg.FeedMode {
	case "personalized":
		if !s.tickPersonalized(ctx, log, &summary) {
			return
		}
	default:
		if !s.tickSubmolts(ctx, log, &summary) {
			return
		}
	}

	if summary.NewPosts == 0 {
		s.explore(ctx, log, &summary)
	}

	summary.FinishedAt = s.now()
	s.mem.SetLastTick(summary)
	if err := s.mem.Save(); err != nil {
		log.Warn("memory save failed, will retry next save", "error", err)
	}

	log.Info("tick finished",
		"source", summary.Source,
		"duration", s.now().Sub(start).Round(time.Millisecond),
		"posts_seen", summary.PostsSeen,
		"new_posts", summary.NewPosts,
		"new_comments", summary.NewComments,
		"executed", summary.Executed,
		"blocked", summary.Blocked,
		"skipped", summary.Skipped,
	)
}

// tickPersonalized discovers content through the merged personalized feed.
// A feed failure aborts the tick.
func (s *Scheduler) tickPersonalized(ctx context.Context, log *slog.Logger, summary *types.TickSummary) bool {
	summary.Source = "feed"

	posts, err := s.fetchFeed(ctx)
	if err != nil {
		log.Error("feed fetch failed, aborting tick", "error", err)
		return false
	}
	summary.PostsSeen += len(posts)
	s.processPosts(ctx, log, posts, summary)
	return true
}

// tickSubmolts discovers content community by community. A subscription
// list failure aborts the tick; per-community failures skip that community.
func (s *Scheduler) tickSubmolts(ctx context.Context, log *slog.Logger, summary *types.TickSummary) bool {
	summary.Source = "submolts"

	subscribed, err := s.fetchSubscribed(ctx)
	if err != nil {
		log.Error("subscription list fetch failed, aborting tick", "error", err)
		return false
	}

	if len(subscribed) == 0 {
		s.subscribeFallback(ctx, log, summary)
		return true
	}

	targets := s.chooseFeeds(ctx, log, subscribed)
	summary.Submolts = len(targets)

	for _, submolt := range targets {
		posts, err := s.fetchPosts(ctx, submolt.Name)
		if err != nil {
			log.Warn("post fetch failed, skipping submolt", "submolt", submolt.Name, "error", err)
			continue
		}
		summary.PostsSeen += len(posts)

		newInSubmolt := s.processPosts(ctx, log, posts, summary)
		if newInSubmolt == 0 {
			s.proactivePost(ctx, log, submolt, summary)
		}
	}
	return true
}

// subscribeFallback handles the empty-subscription cold start: subscribe to
// oracle-chosen communities once, then fetch the global feed this tick.
func (s *Scheduler) subscribeFallback(ctx context.Context, log *slog.Logger, summary *types.TickSummary) {
	if !s.subscribeFallbackDone {
		s.subscribeFallbackDone = true
		s.refreshSubscriptions(ctx, log)
	}

	posts, err := s.fetchPosts(ctx, "")
	if err != nil {
		log.Warn("global post fetch failed", "error", err)
		return
	}
	summary.PostsSeen += len(posts)
	s.processPosts(ctx, log, posts, summary)
}

// chooseFeeds asks the oracle which subscribed feeds to check this tick.
// An oracle failure or an empty answer falls back to all of them, never
// zero.
func (s *Scheduler) chooseFeeds(ctx context.Context, log *slog.Logger, subscribed []types.Submolt) []types.Submolt {
	callCtx, cancel := s.callContext(ctx)
	names, err := s.oracle.ChooseFeeds(callCtx, subscribed)
	cancel()
	if err != nil {
		log.Warn("feed choice failed, checking all submolts", "error", err)
		return subscribed
	}

	byName := make(map[string]types.Submolt, len(subscribed))
	for _, sm := range subscribed {
		byName[sm.Name] = sm
	}
	var chosen []types.Submolt
	for _, name := range names {
		if sm, ok := byName[name]; ok {
			chosen = append(chosen, sm)
		}
	}
	if len(chosen) == 0 {
		return subscribed
	}
	return chosen
}

func (s *Scheduler) checkDMs(ctx context.Context) (*types.DMActivity, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	return s.platform.CheckDMs(callCtx)
}

func (s *Scheduler) fetchFeed(ctx context.Context) ([]types.Post, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	return s.platform.Feed(callCtx, "new", s.cfg.FeedLimit)
}

func (s *Scheduler) fetchSubscribed(ctx context.Context) ([]types.Submolt, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	return s.platform.ListSubscribed(callCtx)
}

func (s *Scheduler) fetchPosts(ctx context.Context, submolt string) ([]types.Post, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	return s.platform.ListPosts(callCtx, submolt, "new", s.cfg.FeedLimit)
}

func (s *Scheduler) fetchComments(ctx context.Context, postID string) ([]types.Comment, error) {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()
	return s.platform.ListComments(callCtx, postID)
}

// callContext bounds one external call; a deadline error is treated the
// same as any other network failure.
func (s *Scheduler) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}
