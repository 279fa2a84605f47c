package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/moltlab/moltagent/pkg/policy"
	"github.com/moltlab/moltagent/pkg/types"
)

// maxThreadText bounds the thread text included in a decision context.
const maxThreadText = 4000

// processPosts routes every unseen post through the decision pipeline,
// then that post's unseen comments. It returns the number of posts that
// were new this tick. Marking happens after processing, so a crash mid-item
// retries the item next tick; the pipeline tolerates reprocessing.
func (s *Scheduler) processPosts(ctx context.Context, log *slog.Logger, posts []types.Post, summary *types.TickSummary) int {
	newPosts := 0
	for _, post := range posts {
		if s.mem.IsThreadSeen(post.ID) {
			continue
		}
		newPosts++
		summary.NewPosts++

		s.processPost(ctx, log, post, summary)
		s.mem.MarkThreadSeen(post.ID)

		comments, err := s.fetchComments(ctx, post.ID)
		if err != nil {
			log.Warn("comment fetch failed, skipping thread comments", "post", post.ID, "error", err)
			continue
		}
		summary.CommentsSeen += len(comments)
		for _, comment := range comments {
			if s.mem.IsCommentSeen(comment.ID) {
				continue
			}
			summary.NewComments++
			s.processComment(ctx, log, post, comments, comment, summary)
			s.mem.MarkCommentSeen(comment.ID)
		}
	}
	return newPosts
}

func (s *Scheduler) processPost(ctx context.Context, log *slog.Logger, post types.Post, summary *types.TickSummary) {
	dctx := types.DecisionContext{
		Submolt:       post.Submolt,
		PostID:        post.ID,
		PostTitle:     post.Title,
		PostContent:   truncate(post.Content, maxThreadText),
		RecentHistory: s.mem.Context(s.cfg.HistoryWindow).RecentDecisions,
	}
	s.routeDecision(ctx, log, dctx, post, summary)
}

func (s *Scheduler) processComment(ctx context.Context, log *slog.Logger, post types.Post, thread []types.Comment, comment types.Comment, summary *types.TickSummary) {
	window := thread
	if len(window) > s.cfg.CommentWindow {
		window = window[len(window)-s.cfg.CommentWindow:]
	}
	dctx := types.DecisionContext{
		Submolt:       post.Submolt,
		PostID:        post.ID,
		PostTitle:     post.Title,
		PostContent:   truncate(post.Content, maxThreadText),
		Comments:      window,
		Comment:       &comment,
		RecentHistory: s.mem.Context(s.cfg.HistoryWindow).RecentDecisions,
	}
	s.routeDecision(ctx, log, dctx, post, summary)
}

// routeDecision runs one decision context through oracle, policy, the
// memory-backed post gates, and execution, recording the outcome whatever
// happens.
func (s *Scheduler) routeDecision(ctx context.Context, log *slog.Logger, dctx types.DecisionContext, post types.Post, summary *types.TickSummary) {
	callCtx, cancel := s.callContext(ctx)
	decision, err := s.oracle.Decide(callCtx, dctx)
	cancel()
	if err != nil {
		log.Warn("oracle decision failed, skipping item",
			"post", post.ID, "hint", failureHint(err), "error", err)
		return
	}

	itemLog := log.With("post", post.ID, "action", decision.Action, "confidence", decision.Confidence)

	verdict := s.policy.Validate(decision, policy.ActionContext{
		Submolt:  dctx.Submolt,
		ThreadID: dctx.PostID,
	})
	if !verdict.Allowed {
		itemLog.Info("decision blocked by policy", "reason", verdict.Reason)
		s.recordDecision(dctx, decision, types.OutcomeBlocked, verdict.Reason)
		summary.Blocked++
		return
	}

	// Post-specific gates that need durable memory live here, not in
	// policy: cross-restart duplicate detection and the platform's own
	// posting rate limit.
	if decision.Action == types.ActionPost {
		if reason, ok := s.postGates(decision.Title, decision.Content); !ok {
			itemLog.Info("decision blocked", "reason", reason)
			s.recordDecision(dctx, decision, types.OutcomeBlocked, reason)
			summary.Blocked++
			return
		}
	}

	if decision.Action == types.ActionIgnore {
		s.recordDecision(dctx, decision, types.OutcomeSkipped, "")
		summary.Skipped++
		return
	}

	if s.cfg.DryRun {
		itemLog.Info("dry run, not executing")
		s.recordDecision(dctx, decision, types.OutcomeSkipped, "dry run")
		summary.Skipped++
		return
	}

	if err := s.execute(ctx, dctx, post, decision); err != nil {
		// Never assume success: a failed or ambiguous execution is
		// recorded as blocked.
		itemLog.Warn("execution failed", "error", err)
		s.recordDecision(dctx, decision, types.OutcomeBlocked, "execution failed: "+err.Error())
		summary.Blocked++
		return
	}

	itemLog.Info("action executed")
	s.recordDecision(dctx, decision, types.OutcomeExecuted, "")
	summary.Executed++
}

// postGates applies the duplicate-content and platform rate-limit checks
// shared by the decision pipeline and the proactive-post path.
func (s *Scheduler) postGates(title, content string) (string, bool) {
	if s.mem.IsDuplicatePost(title, content) {
		return "duplicate post content", false
	}
	if last := s.mem.LastPostAt(); !last.IsZero() && s.cfg.PostInterval > 0 {
		if s.now().Sub(last) < s.cfg.PostInterval {
			return "platform post rate limit", false
		}
	}
	return "", true
}

func (s *Scheduler) execute(ctx context.Context, dctx types.DecisionContext, post types.Post, decision *types.Decision) error {
	callCtx, cancel := s.callContext(ctx)
	defer cancel()

	switch decision.Action {
	case types.ActionPost:
		created, err := s.platform.CreatePost(callCtx, dctx.Submolt, decision.Title, decision.Content)
		if err != nil {
			return err
		}
		s.mem.AddAgentPostID(created.ID)
		s.mem.AddAgentPostContent(decision.Title, decision.Content)
		s.mem.SetLastPostAt(s.now())
		s.policy.RecordAction(types.ActionPost, policy.ActionContext{
			Submolt: dctx.Submolt,
			Content: decision.Content,
		})
		return nil

	case types.ActionComment:
		parent := decision.TargetID
		if parent == post.ID {
			parent = ""
		}
		created, err := s.platform.CreateComment(callCtx, post.ID, decision.Content, parent)
		if err != nil {
			return err
		}
		s.mem.AddAgentCommentID(created.ID)
		s.policy.RecordAction(types.ActionComment, policy.ActionContext{
			ThreadID: post.ID,
			Content:  decision.Content,
		})
		return nil

	case types.ActionVote:
		target := types.TargetComment
		if decision.TargetID == post.ID {
			target = types.TargetPost
		}
		return s.platform.Vote(callCtx, decision.TargetID, decision.VoteDirection, target)
	}

	return fmt.Errorf("unexecutable action %q", decision.Action)
}

func (s *Scheduler) recordDecision(dctx types.DecisionContext, decision *types.Decision, outcome types.Outcome, reason string) {
	where := fmt.Sprintf("m/%s post %s", dctx.Submolt, dctx.PostID)
	if dctx.Comment != nil {
		where += " comment " + dctx.Comment.ID
	}
	s.mem.RecordDecision(types.DecisionRecord{
		Timestamp: s.now(),
		Context:   where,
		Decision:  *decision,
		Outcome:   outcome,
		Reason:    reason,
	})
}

// failureHint classifies an oracle or platform error for the audit log.
func failureHint(err error) string {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "api key") || strings.Contains(msg, "unauthorized") ||
		strings.Contains(msg, "permission") {
		return "auth"
	}
	return "network"
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
