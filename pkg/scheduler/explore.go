package scheduler

import (
	"context"
	"log/slog"

	"github.com/moltlab/moltagent/pkg/policy"
	"github.com/moltlab/moltagent/pkg/types"
)

// searchRetries is the number of query simplifications after an empty
// search, on top of the initial attempt.
const searchRetries = 3

// maybeFirstPost fires the one-shot introduction post on the first tick
// after the identity is claimed. The latch is set and persisted before the
// network call: a crash mid-attempt must never cause a second first post,
// even at the cost of missing it entirely.
func (s *Scheduler) maybeFirstPost(ctx context.Context, log *slog.Logger) {
	if s.mem.HasAttemptedFirstPost() {
		return
	}

	s.mem.SetFirstPostAttempted()
	if err := s.mem.Save(); err != nil {
		log.Warn("persisting first-post latch failed", "error", err)
	}

	target := types.Submolt{Name: s.cfg.DefaultSubmolt}
	if subscribed, err := s.fetchSubscribed(ctx); err == nil && len(subscribed) > 0 {
		target = subscribed[0]
	}

	log.Info("attempting one-shot first post", "submolt", target.Name)
	s.proactivePost(ctx, log, target, nil)
}

// proactivePost runs the oracle-gated posting path: no policy validation
// and no confidence threshold, but the duplicate and rate-limit gates and
// dry-run still apply.
func (s *Scheduler) proactivePost(ctx context.Context, log *slog.Logger, submolt types.Submolt, summary *types.TickSummary) {
	callCtx, cancel := s.callContext(ctx)
	decision, err := s.oracle.ProactivePost(callCtx, submolt)
	cancel()
	if err != nil {
		log.Warn("proactive post decision failed", "submolt", submolt.Name, "hint", failureHint(err), "error", err)
		return
	}
	if !decision.Post {
		return
	}

	if reason, ok := s.postGates(decision.Title, decision.Content); !ok {
		log.Info("proactive post blocked", "submolt", submolt.Name, "reason", reason)
		if summary != nil {
			summary.Blocked++
		}
		return
	}

	if s.cfg.DryRun {
		log.Info("dry run, not posting", "submolt", submolt.Name, "title", decision.Title)
		if summary != nil {
			summary.Skipped++
		}
		return
	}

	execCtx, cancel := s.callContext(ctx)
	created, err := s.platform.CreatePost(execCtx, submolt.Name, decision.Title, decision.Content)
	cancel()
	if err != nil {
		log.Warn("proactive post failed", "submolt", submolt.Name, "error", err)
		if summary != nil {
			summary.Blocked++
		}
		return
	}

	s.mem.AddAgentPostID(created.ID)
	s.mem.AddAgentPostContent(decision.Title, decision.Content)
	s.mem.SetLastPostAt(s.now())
	s.policy.RecordAction(types.ActionPost, policy.ActionContext{
		Submolt: submolt.Name,
		Content: decision.Content,
	})
	log.Info("proactive post created", "submolt", submolt.Name, "post", created.ID)
	if summary != nil {
		summary.Executed++
	}
}

// explore runs the no-new-content fallback: the oracle chooses between
// refreshing subscriptions, searching, or doing nothing.
func (s *Scheduler) explore(ctx context.Context, log *slog.Logger, summary *types.TickSummary) {
	callCtx, cancel := s.callContext(ctx)
	decision, err := s.oracle.DecideExplore(callCtx, s.mem.Context(s.cfg.HistoryWindow))
	cancel()
	if err != nil {
		log.Warn("explore decision failed", "hint", failureHint(err), "error", err)
		return
	}

	switch decision.Action {
	case types.ExploreRefresh:
		log.Info("explore: refreshing subscriptions")
		summary.Source = "explore"
		s.refreshSubscriptions(ctx, log)
	case types.ExploreSearch:
		log.Info("explore: searching", "query", decision.Query)
		summary.Source = "explore"
		s.exploreSearch(ctx, log, decision.Query, summary)
	case types.ExploreSkip:
		log.Info("explore: skipping")
	}
}

// refreshSubscriptions fetches all communities, asks the oracle which to
// subscribe to, and subscribes best-effort: per-community failures are
// logged and never abort the batch.
func (s *Scheduler) refreshSubscriptions(ctx context.Context, log *slog.Logger) {
	listCtx, cancel := s.callContext(ctx)
	all, err := s.platform.ListSubmolts(listCtx)
	cancel()
	if err != nil {
		log.Warn("community list fetch failed", "error", err)
		return
	}

	chooseCtx, cancel := s.callContext(ctx)
	names, err := s.oracle.ChooseSubmolts(chooseCtx, all)
	cancel()
	if err != nil {
		log.Warn("subscription choice failed", "error", err)
		return
	}

	for _, name := range names {
		subCtx, cancel := s.callContext(ctx)
		err := s.platform.Subscribe(subCtx, name)
		cancel()
		if err != nil {
			log.Warn("subscribe failed", "submolt", name, "error", err)
			continue
		}
		log.Info("subscribed", "submolt", name)
	}
}

// exploreSearch runs a semantic search and routes post-type results
// through the regular decision pipeline. An empty result asks the oracle
// to simplify the query, up to searchRetries extra attempts.
func (s *Scheduler) exploreSearch(ctx context.Context, log *slog.Logger, query string, summary *types.TickSummary) {
	for attempt := 0; attempt <= searchRetries; attempt++ {
		searchCtx, cancel := s.callContext(ctx)
		results, err := s.platform.Search(searchCtx, query, "post", s.cfg.FeedLimit)
		cancel()
		if err != nil {
			log.Warn("search failed", "query", query, "error", err)
			return
		}

		posts := postsFromResults(results)
		if len(posts) > 0 {
			summary.PostsSeen += len(posts)
			s.processPosts(ctx, log, posts, summary)
			return
		}

		if attempt == searchRetries {
			break
		}
		simplifyCtx, cancel := s.callContext(ctx)
		simpler, err := s.oracle.SimplifyQuery(simplifyCtx, query)
		cancel()
		if err != nil {
			log.Warn("query simplification failed", "error", err)
			return
		}
		log.Info("search empty, retrying with simpler query", "query", simpler)
		query = simpler
	}
	log.Info("search exhausted without results", "query", query)
}

func postsFromResults(results []types.SearchResult) []types.Post {
	var posts []types.Post
	for _, r := range results {
		if r.Type != "post" {
			continue
		}
		posts = append(posts, types.Post{
			ID:      r.ID,
			Submolt: r.Submolt,
			Title:   r.Title,
			Content: r.Content,
		})
	}
	return posts
}
