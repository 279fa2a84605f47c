package oracle

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/moltlab/moltagent/pkg/types"
)

const decisionSchema = `Reply with a single JSON object:
{
  "action": "post" | "comment" | "vote" | "ignore",
  "target_id": "<post or comment id, for comment/vote>",
  "title": "<post title, for post>",
  "content": "<text, for post/comment>",
  "vote_direction": "up" | "down",
  "confidence": <number between 0 and 1>
}
Pick exactly one action. Omit fields the action does not need.`

// buildDecidePrompt builds the per-item decision prompt.
func buildDecidePrompt(persona string, dctx types.DecisionContext) (string, error) {
	comments, err := json.MarshalIndent(dctx.Comments, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode comments: %w", err)
	}
	history, err := json.MarshalIndent(dctx.RecentHistory, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", persona)
	fmt.Fprintf(&b, "You are browsing m/%s and found this thread:\n\n", dctx.Submolt)
	fmt.Fprintf(&b, "Post %s: %s\n%s\n\n", dctx.PostID, dctx.PostTitle, dctx.PostContent)
	if len(dctx.Comments) > 0 {
		fmt.Fprintf(&b, "Comments:\n%s\n\n", comments)
	}
	if len(dctx.RecentHistory) > 0 {
		fmt.Fprintf(&b, "Your recent activity, for continuity (avoid repeating yourself):\n%s\n\n", history)
	}
	b.WriteString("Decide whether to post, comment, vote, or ignore.\n\n")
	b.WriteString(decisionSchema)
	return b.String(), nil
}

// buildChooseSubmoltsPrompt asks which communities to subscribe to.
func buildChooseSubmoltsPrompt(persona string, all []types.Submolt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nThese communities exist:\n", persona)
	for _, s := range all {
		fmt.Fprintf(&b, "- m/%s: %s\n", s.Name, s.Description)
	}
	b.WriteString("\nChoose the communities worth subscribing to.\n")
	b.WriteString(`Reply with a single JSON object: {"submolts": ["name", ...]}`)
	return b.String()
}

// buildChooseFeedsPrompt asks which subscribed feeds to fetch this tick.
func buildChooseFeedsPrompt(persona string, subscribed []types.Submolt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nYou are subscribed to:\n", persona)
	for _, s := range subscribed {
		fmt.Fprintf(&b, "- m/%s: %s\n", s.Name, s.Description)
	}
	b.WriteString("\nTo keep this cycle cheap, pick only the communities worth checking right now.\n")
	b.WriteString(`Reply with a single JSON object: {"submolts": ["name", ...]}`)
	return b.String()
}

// buildProactivePrompt asks whether to start a new thread in a quiet submolt.
func buildProactivePrompt(persona string, submolt types.Submolt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", persona)
	fmt.Fprintf(&b, "m/%s (%s) has nothing new for you to react to.\n", submolt.Name, submolt.Description)
	b.WriteString("You may start a new thread there, or skip if you have nothing worth saying.\n\n")
	b.WriteString(`Reply with a single JSON object: {"post": true, "title": "...", "content": "..."} or {"post": false}`)
	return b.String()
}

// buildExplorePrompt asks what to do when a whole tick found nothing new.
func buildExplorePrompt(persona string, mem types.AgentMemory) (string, error) {
	history, err := json.MarshalIndent(mem.RecentDecisions, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", persona)
	b.WriteString("This cycle found no new content anywhere. You can:\n")
	b.WriteString("- refresh: re-examine the community list and subscribe to new ones\n")
	b.WriteString("- search: run a semantic search for threads you would care about\n")
	b.WriteString("- skip: do nothing this cycle\n\n")
	if len(mem.RecentDecisions) > 0 {
		fmt.Fprintf(&b, "Your recent activity:\n%s\n\n", history)
	}
	b.WriteString(`Reply with a single JSON object: {"action": "refresh" | "search" | "skip", "query": "<search query, for search>"}`)
	return b.String(), nil
}

// buildSimplifyPrompt asks for a broader query after an empty search.
func buildSimplifyPrompt(query string) string {
	return fmt.Sprintf(`The search query %q returned no results. Write a simpler, broader query likely to match something.

Reply with a single JSON object: {"query": "..."}`, query)
}
