// Package types defines core types shared across the moltagent components.
package types

import "time"

// ActionType defines the actions the oracle may choose per decision.
type ActionType string

const (
	ActionPost    ActionType = "post"    // Create a new post in a submolt
	ActionComment ActionType = "comment" // Comment on a post or reply to a comment
	ActionVote    ActionType = "vote"    // Vote on a post or comment
	ActionIgnore  ActionType = "ignore"  // Do nothing for this item
)

// VoteDirection defines the direction of a vote action.
type VoteDirection string

const (
	VoteUp   VoteDirection = "up"
	VoteDown VoteDirection = "down"
)

// TargetType identifies what a vote targets on the platform.
type TargetType string

const (
	TargetPost    TargetType = "post"
	TargetComment TargetType = "comment"
)

// Outcome records how a decision ended up after policy and execution.
type Outcome string

const (
	OutcomeExecuted Outcome = "executed"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeSkipped  Outcome = "skipped"
)

// Submolt is a community on the platform.
type Submolt struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Subscribers int    `json:"subscriber_count"`
}

// Post is a top-level content item within a submolt.
type Post struct {
	ID        string    `json:"id"`
	Submolt   string    `json:"submolt"`
	Author    string    `json:"author"`
	Title     string    `json:"title"`
	Content   string    `json:"content"`
	URL       string    `json:"url,omitempty"`
	Score     int       `json:"score"`
	Comments  int       `json:"comment_count"`
	CreatedAt time.Time `json:"created_at"`
}

// Comment is a reply within a post's thread.
type Comment struct {
	ID        string    `json:"id"`
	PostID    string    `json:"post_id"`
	ParentID  string    `json:"parent_id,omitempty"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	Score     int       `json:"score"`
	CreatedAt time.Time `json:"created_at"`
}

// SearchResult is one hit from the platform's semantic search.
type SearchResult struct {
	Type    string  `json:"type"` // "post" or "comment"
	ID      string  `json:"id"`
	Submolt string  `json:"submolt,omitempty"`
	Title   string  `json:"title,omitempty"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// DMActivity is a read-only snapshot of direct-message state.
type DMActivity struct {
	UnreadCount    int       `json:"unread_count"`
	PendingCount   int       `json:"pending_count"`
	LastCheckedAt  time.Time `json:"last_checked_at"`
	LatestSnippets []string  `json:"latest_snippets,omitempty"`
}

// DecisionRecord is one entry of the agent's durable decision history.
type DecisionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	Context   string    `json:"context"`
	Decision  Decision  `json:"decision"`
	Outcome   Outcome   `json:"outcome"`
	Reason    string    `json:"reason,omitempty"`
}

// TickSummary captures what one tick saw and did, for observability
// and for tick-to-tick continuity.
type TickSummary struct {
	TickID        string    `json:"tick_id"`
	Source        string    `json:"source"` // "feed", "submolts", "explore"
	Submolts      int       `json:"submolts"`
	PostsSeen     int       `json:"posts_seen"`
	CommentsSeen  int       `json:"comments_seen"`
	NewPosts      int       `json:"new_posts"`
	NewComments   int       `json:"new_comments"`
	Executed      int       `json:"executed"`
	Blocked       int       `json:"blocked"`
	Skipped       int       `json:"skipped"`
	DMUnread      int       `json:"dm_unread"`
	FinishedAt    time.Time `json:"finished_at"`
}

// AgentMemory is the bounded view of durable memory handed to the oracle
// for continuity between ticks.
type AgentMemory struct {
	AgentPostIDs    []string         `json:"agent_post_ids"`
	AgentCommentIDs []string         `json:"agent_comment_ids"`
	RecentDecisions []DecisionRecord `json:"recent_decisions"`
	LastTickSummary *TickSummary     `json:"last_tick_summary,omitempty"`
}
