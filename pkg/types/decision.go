package types

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Decision is the oracle's structured output: a tagged union discriminated
// by Action. Field requirements depend on the action and are enforced by
// Validate before the decision reaches policy or execution.
type Decision struct {
	Action        ActionType    `json:"action" validate:"required,oneof=post comment vote ignore"`
	TargetID      string        `json:"target_id,omitempty"`
	Title         string        `json:"title,omitempty"`
	Content       string        `json:"content,omitempty"`
	VoteDirection VoteDirection `json:"vote_direction,omitempty" validate:"omitempty,oneof=up down"`
	Confidence    float64       `json:"confidence" validate:"gte=0,lte=1"`
}

// DecisionContext is the ephemeral per-item input handed to the oracle.
// It is rebuilt each tick and never persisted.
type DecisionContext struct {
	Submolt       string           `json:"submolt"`
	PostID        string           `json:"post_id"`
	PostTitle     string           `json:"post_title"`
	PostContent   string           `json:"post_content"`
	Comments      []Comment        `json:"comments,omitempty"`
	Comment       *Comment         `json:"comment,omitempty"` // the item being decided, when it is a comment
	RecentHistory []DecisionRecord `json:"recent_history,omitempty"`
}

var decisionValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks the decision against the schema: the base field constraints
// plus the per-action required fields. It returns a descriptive error suitable
// for feeding back to the oracle on retry.
func (d *Decision) Validate() error {
	if err := decisionValidator.Struct(d); err != nil {
		return fmt.Errorf("decision schema: %w", err)
	}

	switch d.Action {
	case ActionPost:
		if d.Title == "" || d.Content == "" {
			return fmt.Errorf("decision schema: action %q requires title and content", d.Action)
		}
	case ActionComment:
		if d.Content == "" {
			return fmt.Errorf("decision schema: action %q requires content", d.Action)
		}
	case ActionVote:
		if d.TargetID == "" || d.VoteDirection == "" {
			return fmt.Errorf("decision schema: action %q requires target_id and vote_direction", d.Action)
		}
	case ActionIgnore:
		// No extra fields.
	}
	return nil
}

// ProactiveDecision is the oracle's answer to "should the agent start a new
// thread in this submolt": either a post with title+content, or skip.
type ProactiveDecision struct {
	Post    bool   `json:"post"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content,omitempty"`
}

// Validate enforces that a proactive post carries both title and content.
func (p *ProactiveDecision) Validate() error {
	if p.Post && (p.Title == "" || p.Content == "") {
		return fmt.Errorf("proactive decision schema: post requires title and content")
	}
	return nil
}

// ExploreAction defines the explore-fallback choices when a tick found
// nothing new.
type ExploreAction string

const (
	ExploreRefresh ExploreAction = "refresh" // Refresh the submolt subscription list
	ExploreSearch  ExploreAction = "search"  // Run a semantic search
	ExploreSkip    ExploreAction = "skip"    // Do nothing
)

// ExploreDecision is the oracle's choice for the explore fallback.
type ExploreDecision struct {
	Action ExploreAction `json:"action" validate:"required,oneof=refresh search skip"`
	Query  string        `json:"query,omitempty"`
}

// Validate checks the explore decision; a search needs a query.
func (e *ExploreDecision) Validate() error {
	if err := decisionValidator.Struct(e); err != nil {
		return fmt.Errorf("explore decision schema: %w", err)
	}
	if e.Action == ExploreSearch && e.Query == "" {
		return fmt.Errorf("explore decision schema: search requires a query")
	}
	return nil
}
