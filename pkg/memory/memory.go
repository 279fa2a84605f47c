// Package memory implements the agent's durable memory: the single source
// of truth for what the agent has already seen and done, crash-consistent
// across restarts.
//
// The whole state is one JSON document at a configurable path. Loading an
// absent file yields the empty state; loading a corrupted file is an error
// and must not be swallowed. Missing fields default, so the schema may grow
// without breaking old state files.
package memory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/moltlab/moltagent/pkg/fingerprint"
	"github.com/moltlab/moltagent/pkg/types"
)

const (
	seenCap         = 500
	agentContentCap = 200
	decisionCap     = 100
	postHashCap     = 100
)

// State is the persisted document.
type State struct {
	AgentID   string     `json:"agent_id,omitempty"`
	ClaimedAt *time.Time `json:"claimed_at,omitempty"`

	LastSeenThreadIDs  []string `json:"last_seen_thread_ids,omitempty"`
	LastSeenCommentIDs []string `json:"last_seen_comment_ids,omitempty"`

	AgentPostIDs    []string `json:"agent_post_ids,omitempty"`
	AgentCommentIDs []string `json:"agent_comment_ids,omitempty"`

	RecentDecisions         []types.DecisionRecord `json:"recent_decisions,omitempty"`
	RecentPostContentHashes []string               `json:"recent_post_content_hashes,omitempty"`

	FirstPostAttempted bool `json:"first_post_attempted,omitempty"`

	LastTickAt      *time.Time         `json:"last_tick_at,omitempty"`
	LastTickSummary *types.TickSummary `json:"last_tick_summary,omitempty"`
	LastPostAt      *time.Time         `json:"last_post_at,omitempty"`
}

// Store owns the state and its persistence. It is mutated only by the
// scheduler's single execution path; the mutex guards against readers on
// other goroutines (signal handlers, shutdown).
type Store struct {
	mu    sync.RWMutex
	path  string
	state State
	dirty bool

	threadSeen  map[string]bool
	commentSeen map[string]bool
	postHashes  map[string]bool
}

// NewStore creates an empty store backed by the given file path.
func NewStore(path string) *Store {
	return &Store{
		path:        path,
		threadSeen:  make(map[string]bool),
		commentSeen: make(map[string]bool),
		postHashes:  make(map[string]bool),
	}
}

// Load hydrates the store from disk. An absent file is not an error; a
// malformed one is.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Unsaved in-memory changes are newer than the file. Keep them so a
	// failed save is retried on the next save instead of silently lost.
	if s.dirty {
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read memory file: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("parse memory file %s: %w", s.path, err)
	}

	s.state = state
	s.threadSeen = toSet(state.LastSeenThreadIDs)
	s.commentSeen = toSet(state.LastSeenCommentIDs)
	s.postHashes = toSet(state.RecentPostContentHashes)
	s.dirty = false
	return nil
}

// Save writes the state to disk if it changed since the last save. The
// write is atomic: a temp file in the same directory renamed over the
// target. Parent directories are created as needed.
func (s *Store) Save() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.dirty {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create memory dir: %w", err)
		}
	}

	data, err := json.MarshalIndent(&s.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal memory: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write memory file: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace memory file: %w", err)
	}

	s.dirty = false
	return nil
}

// IsThreadSeen reports whether a thread id has been decided before.
func (s *Store) IsThreadSeen(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threadSeen[id]
}

// MarkThreadSeen records a thread id, evicting the oldest once the cap is
// exceeded. Marking an already-seen id is a no-op.
func (s *Store) MarkThreadSeen(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadSeen[id] {
		return
	}
	s.state.LastSeenThreadIDs = appendCapped(s.state.LastSeenThreadIDs, id, seenCap, s.threadSeen)
	s.threadSeen[id] = true
	s.dirty = true
}

// IsCommentSeen reports whether a comment id has been decided before.
func (s *Store) IsCommentSeen(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.commentSeen[id]
}

// MarkCommentSeen records a comment id with the same semantics as
// MarkThreadSeen.
func (s *Store) MarkCommentSeen(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commentSeen[id] {
		return
	}
	s.state.LastSeenCommentIDs = appendCapped(s.state.LastSeenCommentIDs, id, seenCap, s.commentSeen)
	s.commentSeen[id] = true
	s.dirty = true
}

// AddAgentPostID records a post the agent created.
func (s *Store) AddAgentPostID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AgentPostIDs = appendCapped(s.state.AgentPostIDs, id, agentContentCap, nil)
	s.dirty = true
}

// AddAgentCommentID records a comment the agent created.
func (s *Store) AddAgentCommentID(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.AgentCommentIDs = appendCapped(s.state.AgentCommentIDs, id, agentContentCap, nil)
	s.dirty = true
}

// AddAgentPostContent records the fingerprint of a post the agent created,
// for duplicate detection across restarts.
func (s *Store) AddAgentPostContent(title, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fp := postFingerprint(title, content)
	s.state.RecentPostContentHashes = appendCapped(s.state.RecentPostContentHashes, fp, postHashCap, s.postHashes)
	s.postHashes[fp] = true
	s.dirty = true
}

// IsDuplicatePost reports whether the agent already posted content with the
// same normalized fingerprint.
func (s *Store) IsDuplicatePost(title, content string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.postHashes[postFingerprint(title, content)]
}

// RecordDecision appends one entry to the bounded decision history.
func (s *Store) RecordDecision(rec types.DecisionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RecentDecisions = append(s.state.RecentDecisions, rec)
	if len(s.state.RecentDecisions) > decisionCap {
		s.state.RecentDecisions = s.state.RecentDecisions[len(s.state.RecentDecisions)-decisionCap:]
	}
	s.dirty = true
}

// Claim sets the agent identity. It is a one-way latch: once claimed the
// identity is never cleared or replaced.
func (s *Store) Claim(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.AgentID != "" {
		return
	}
	now := time.Now()
	s.state.AgentID = agentID
	s.state.ClaimedAt = &now
	s.dirty = true
}

// IsClaimed reports whether an agent identity has been set.
func (s *Store) IsClaimed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AgentID != ""
}

// AgentID returns the claimed identity, empty if unclaimed.
func (s *Store) AgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.AgentID
}

// HasAttemptedFirstPost reports whether the one-shot first-post attempt has
// been made.
func (s *Store) HasAttemptedFirstPost() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.FirstPostAttempted
}

// SetFirstPostAttempted latches the first-post flag. Callers must set and
// persist it before the network call so a crash mid-attempt never causes a
// second first post.
func (s *Store) SetFirstPostAttempted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.FirstPostAttempted {
		return
	}
	s.state.FirstPostAttempted = true
	s.dirty = true
}

// SetLastTick records the tick summary and timestamp.
func (s *Store) SetLastTick(summary types.TickSummary) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := summary.FinishedAt
	if now.IsZero() {
		now = time.Now()
	}
	s.state.LastTickAt = &now
	s.state.LastTickSummary = &summary
	s.dirty = true
}

// LastTickAt returns the end time of the last completed tick, zero if none.
func (s *Store) LastTickAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.LastTickAt == nil {
		return time.Time{}
	}
	return *s.state.LastTickAt
}

// SetLastPostAt records the timestamp of the last successful post. This is
// the authoritative cross-restart input to the platform rate-limit gate.
func (s *Store) SetLastPostAt(t time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.LastPostAt = &t
	s.dirty = true
}

// LastPostAt returns the last successful post time, zero if none.
func (s *Store) LastPostAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state.LastPostAt == nil {
		return time.Time{}
	}
	return *s.state.LastPostAt
}

// Context returns the bounded memory view handed to the oracle, with at
// most limit recent decisions (0 means all retained).
func (s *Store) Context(limit int) types.AgentMemory {
	s.mu.RLock()
	defer s.mu.RUnlock()

	decisions := s.state.RecentDecisions
	if limit > 0 && len(decisions) > limit {
		decisions = decisions[len(decisions)-limit:]
	}

	return types.AgentMemory{
		AgentPostIDs:    append([]string(nil), s.state.AgentPostIDs...),
		AgentCommentIDs: append([]string(nil), s.state.AgentCommentIDs...),
		RecentDecisions: append([]types.DecisionRecord(nil), decisions...),
		LastTickSummary: s.state.LastTickSummary,
	}
}

// postFingerprint combines title and content into one fingerprint, shared
// conceptually with the policy's repetition hash but independently stored.
func postFingerprint(title, content string) string {
	return fingerprint.Hash(title + " " + content)
}

// appendCapped appends v and evicts the oldest entries past the cap. When
// a membership set is given, evicted entries are removed from it too.
func appendCapped(list []string, v string, limit int, set map[string]bool) []string {
	list = append(list, v)
	for len(list) > limit {
		if set != nil {
			delete(set, list[0])
		}
		list = list[1:]
	}
	return list
}

func toSet(list []string) map[string]bool {
	set := make(map[string]bool, len(list))
	for _, v := range list {
		set[v] = true
	}
	return set
}
