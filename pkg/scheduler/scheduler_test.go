package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltlab/moltagent/pkg/memory"
	"github.com/moltlab/moltagent/pkg/policy"
	"github.com/moltlab/moltagent/pkg/types"
)

// fakePlatform is an in-memory Platform with call recording.
type fakePlatform struct {
	mu sync.Mutex

	all        []types.Submolt
	subscribed []types.Submolt
	posts      map[string][]types.Post // key "" is the global listing
	feed       []types.Post
	comments   map[string][]types.Comment
	search     []types.SearchResult
	dm         types.DMActivity

	subscribedErr error
	feedErr       error
	createErr     error

	createdPosts    []types.Post
	createdComments []types.Comment
	votes           []string
	subs            []string
	searchQueries   []string

	dmCalls         atomic.Int32
	subscribedCalls atomic.Int32
	subscribedBlock chan struct{}
}

func (f *fakePlatform) ListSubmolts(context.Context) ([]types.Submolt, error) {
	return f.all, nil
}

func (f *fakePlatform) ListSubscribed(context.Context) ([]types.Submolt, error) {
	f.subscribedCalls.Add(1)
	if f.subscribedBlock != nil {
		<-f.subscribedBlock
	}
	if f.subscribedErr != nil {
		return nil, f.subscribedErr
	}
	return f.subscribed, nil
}

func (f *fakePlatform) ListPosts(_ context.Context, submolt, _ string, _ int) ([]types.Post, error) {
	return f.posts[submolt], nil
}

func (f *fakePlatform) Feed(context.Context, string, int) ([]types.Post, error) {
	if f.feedErr != nil {
		return nil, f.feedErr
	}
	return f.feed, nil
}

func (f *fakePlatform) ListComments(_ context.Context, postID string) ([]types.Comment, error) {
	return f.comments[postID], nil
}

func (f *fakePlatform) CreatePost(_ context.Context, submolt, title, content string) (*types.Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	post := types.Post{
		ID:      fmt.Sprintf("created-p%d", len(f.createdPosts)+1),
		Submolt: submolt,
		Title:   title,
		Content: content,
	}
	f.createdPosts = append(f.createdPosts, post)
	return &post, nil
}

func (f *fakePlatform) CreateComment(_ context.Context, postID, content, parentID string) (*types.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	comment := types.Comment{
		ID:       fmt.Sprintf("created-c%d", len(f.createdComments)+1),
		PostID:   postID,
		ParentID: parentID,
		Content:  content,
	}
	f.createdComments = append(f.createdComments, comment)
	return &comment, nil
}

func (f *fakePlatform) Vote(_ context.Context, targetID string, direction types.VoteDirection, target types.TargetType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.votes = append(f.votes, fmt.Sprintf("%s:%s:%s", targetID, direction, target))
	return nil
}

func (f *fakePlatform) Subscribe(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs = append(f.subs, name)
	return nil
}

func (f *fakePlatform) Search(_ context.Context, query, _ string, _ int) ([]types.SearchResult, error) {
	f.mu.Lock()
	f.searchQueries = append(f.searchQueries, query)
	f.mu.Unlock()
	return f.search, nil
}

func (f *fakePlatform) CheckDMs(context.Context) (*types.DMActivity, error) {
	f.dmCalls.Add(1)
	dm := f.dm
	return &dm, nil
}

// fakeOracle answers from optional function fields, defaulting to the most
// passive choice.
type fakeOracle struct {
	mu          sync.Mutex
	decideFn    func(types.DecisionContext) (*types.Decision, error)
	proactiveFn func(types.Submolt) (*types.ProactiveDecision, error)
	exploreFn   func() (*types.ExploreDecision, error)
	feedsFn     func([]types.Submolt) ([]string, error)
	submoltsFn  func([]types.Submolt) ([]string, error)
	simplifyFn  func(string) (string, error)

	decideCalls []types.DecisionContext
}

func (f *fakeOracle) Decide(_ context.Context, dctx types.DecisionContext) (*types.Decision, error) {
	f.mu.Lock()
	f.decideCalls = append(f.decideCalls, dctx)
	f.mu.Unlock()
	if f.decideFn != nil {
		return f.decideFn(dctx)
	}
	return &types.Decision{Action: types.ActionIgnore, Confidence: 0.9}, nil
}

func (f *fakeOracle) ChooseSubmolts(_ context.Context, all []types.Submolt) ([]string, error) {
	if f.submoltsFn != nil {
		return f.submoltsFn(all)
	}
	return nil, nil
}

func (f *fakeOracle) ChooseFeeds(_ context.Context, subscribed []types.Submolt) ([]string, error) {
	if f.feedsFn != nil {
		return f.feedsFn(subscribed)
	}
	return nil, nil
}

func (f *fakeOracle) ProactivePost(_ context.Context, submolt types.Submolt) (*types.ProactiveDecision, error) {
	if f.proactiveFn != nil {
		return f.proactiveFn(submolt)
	}
	return &types.ProactiveDecision{Post: false}, nil
}

func (f *fakeOracle) DecideExplore(context.Context, types.AgentMemory) (*types.ExploreDecision, error) {
	if f.exploreFn != nil {
		return f.exploreFn()
	}
	return &types.ExploreDecision{Action: types.ExploreSkip}, nil
}

func (f *fakeOracle) SimplifyQuery(_ context.Context, query string) (string, error) {
	if f.simplifyFn != nil {
		return f.simplifyFn(query)
	}
	return query, nil
}

func (f *fakeOracle) decideCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.decideCalls)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestScheduler(t *testing.T, pf *fakePlatform, or *fakeOracle, mutate func(*Config)) (*Scheduler, *memory.Store) {
	t.Helper()

	mem := memory.NewStore(filepath.Join(t.TempDir(), "memory.json"))
	mem.Claim("test-agent")
	mem.SetFirstPostAttempted()

	cfg := DefaultConfig()
	cfg.CallTimeout = 5 * time.Second
	cfg.PostInterval = 0
	if mutate != nil {
		mutate(&cfg)
	}

	pol := policy.New(policy.DefaultConfig())
	return New(cfg, pf, or, mem, pol, quietLogger()), mem
}

func onePostPlatform() *fakePlatform {
	return &fakePlatform{
		subscribed: []types.Submolt{{Name: "general"}},
		posts: map[string][]types.Post{
			"general": {{ID: "p1", Submolt: "general", Title: "hello", Content: "a thread"}},
		},
		comments: map[string][]types.Comment{},
	}
}

func TestTick_ExecutesComment(t *testing.T) {
	pf := onePostPlatform()
	or := &fakeOracle{
		decideFn: func(types.DecisionContext) (*types.Decision, error) {
			return &types.Decision{Action: types.ActionComment, TargetID: "p1", Content: "interesting", Confidence: 0.9}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	require.Len(t, pf.createdComments, 1)
	assert.Equal(t, "p1", pf.createdComments[0].PostID)
	assert.Equal(t, "", pf.createdComments[0].ParentID, "commenting on the post itself has no parent")
	assert.True(t, mem.IsThreadSeen("p1"))

	records := mem.Context(0).RecentDecisions
	require.Len(t, records, 1)
	assert.Equal(t, types.OutcomeExecuted, records[0].Outcome)

	summary := mem.Context(0).LastTickSummary
	require.NotNil(t, summary)
	assert.Equal(t, 1, summary.Executed)
	assert.Equal(t, 1, summary.NewPosts)
}

func TestTick_VoteTargetDisambiguation(t *testing.T) {
	pf := onePostPlatform()
	pf.comments["p1"] = []types.Comment{{ID: "c1", PostID: "p1", Content: "first"}}
	or := &fakeOracle{
		decideFn: func(dctx types.DecisionContext) (*types.Decision, error) {
			if dctx.Comment != nil {
				return &types.Decision{Action: types.ActionVote, TargetID: "c1", VoteDirection: types.VoteDown, Confidence: 0.9}, nil
			}
			return &types.Decision{Action: types.ActionVote, TargetID: "p1", VoteDirection: types.VoteUp, Confidence: 0.9}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	require.Len(t, pf.votes, 2)
	assert.Equal(t, "p1:up:post", pf.votes[0])
	assert.Equal(t, "c1:down:comment", pf.votes[1])
	assert.True(t, mem.IsCommentSeen("c1"))
}

func TestTick_NotClaimedIsNoOp(t *testing.T) {
	pf := onePostPlatform()
	or := &fakeOracle{}

	mem := memory.NewStore(filepath.Join(t.TempDir(), "memory.json"))
	pol := policy.New(policy.DefaultConfig())
	s := New(DefaultConfig(), pf, or, mem, pol, quietLogger())

	s.Tick(context.Background())

	assert.Equal(t, int32(0), pf.dmCalls.Load())
	assert.Equal(t, 0, or.decideCount())
}

func TestTick_MemoryLoadFailureAborts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	require.NoError(t, os.WriteFile(path, []byte("{corrupt"), 0644))

	pf := onePostPlatform()
	or := &fakeOracle{}
	mem := memory.NewStore(path)
	pol := policy.New(policy.DefaultConfig())
	s := New(DefaultConfig(), pf, or, mem, pol, quietLogger())

	s.Tick(context.Background())

	assert.Equal(t, int32(0), pf.dmCalls.Load())
}

func TestTick_SeenPostsNotReprocessed(t *testing.T) {
	pf := onePostPlatform()
	or := &fakeOracle{}
	s, _ := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())
	s.Tick(context.Background())

	assert.Equal(t, 1, or.decideCount(), "a seen post must not be re-decided")
}

func TestTick_PolicyBlocksLowConfidence(t *testing.T) {
	pf := onePostPlatform()
	or := &fakeOracle{
		decideFn: func(types.DecisionContext) (*types.Decision, error) {
			return &types.Decision{Action: types.ActionComment, TargetID: "p1", Content: "meh", Confidence: 0.2}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	assert.Empty(t, pf.createdComments)
	records := mem.Context(0).RecentDecisions
	require.Len(t, records, 1)
	assert.Equal(t, types.OutcomeBlocked, records[0].Outcome)
	assert.Equal(t, "confidence below threshold", records[0].Reason)
}

func TestTick_DryRunSkipsExecution(t *testing.T) {
	pf := onePostPlatform()
	or := &fakeOracle{
		decideFn: func(types.DecisionContext) (*types.Decision, error) {
			return &types.Decision{Action: types.ActionComment, TargetID: "p1", Content: "would say this", Confidence: 0.9}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, func(cfg *Config) {
		cfg.DryRun = true
	})

	s.Tick(context.Background())

	assert.Empty(t, pf.createdComments)
	records := mem.Context(0).RecentDecisions
	require.Len(t, records, 1)
	assert.Equal(t, types.OutcomeSkipped, records[0].Outcome)
}

func TestTick_DuplicatePostBlocked(t *testing.T) {
	pf := onePostPlatform()
	or := &fakeOracle{
		decideFn: func(types.DecisionContext) (*types.Decision, error) {
			return &types.Decision{Action: types.ActionPost, Title: "My Take", Content: "crabs are great", Confidence: 0.9}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)
	mem.AddAgentPostContent("My Take", "crabs are great")

	s.Tick(context.Background())

	assert.Empty(t, pf.createdPosts)
	records := mem.Context(0).RecentDecisions
	require.Len(t, records, 1)
	assert.Equal(t, types.OutcomeBlocked, records[0].Outcome)
	assert.Equal(t, "duplicate post content", records[0].Reason)
}

func TestTick_PlatformPostRateLimit(t *testing.T) {
	pf := onePostPlatform()
	or := &fakeOracle{
		decideFn: func(types.DecisionContext) (*types.Decision, error) {
			return &types.Decision{Action: types.ActionPost, Title: "Fresh", Content: "fresh take", Confidence: 0.9}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, func(cfg *Config) {
		cfg.PostInterval = 30 * time.Minute
	})
	mem.SetLastPostAt(time.Now().Add(-time.Minute))

	s.Tick(context.Background())

	assert.Empty(t, pf.createdPosts)
	records := mem.Context(0).RecentDecisions
	require.Len(t, records, 1)
	assert.Equal(t, "platform post rate limit", records[0].Reason)
}

func TestTick_ExecutionFailureRecordedAsBlocked(t *testing.T) {
	pf := onePostPlatform()
	pf.createErr = errors.New("boom")
	or := &fakeOracle{
		decideFn: func(types.DecisionContext) (*types.Decision, error) {
			return &types.Decision{Action: types.ActionComment, TargetID: "p1", Content: "hi", Confidence: 0.9}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	records := mem.Context(0).RecentDecisions
	require.Len(t, records, 1)
	assert.Equal(t, types.OutcomeBlocked, records[0].Outcome)
	assert.Contains(t, records[0].Reason, "execution failed")
}

func TestTick_OracleFailureSkipsItemOnly(t *testing.T) {
	pf := onePostPlatform()
	pf.posts["general"] = append(pf.posts["general"], types.Post{ID: "p2", Submolt: "general", Title: "second"})
	var calls atomic.Int32
	or := &fakeOracle{
		decideFn: func(types.DecisionContext) (*types.Decision, error) {
			if calls.Add(1) == 1 {
				return nil, errors.New("status 500")
			}
			return &types.Decision{Action: types.ActionIgnore, Confidence: 0.9}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	assert.Equal(t, int32(2), calls.Load(), "second item still processed")
	// Failed item is marked seen after processing and will not be retried
	// within this process; the successful one is recorded.
	assert.Len(t, mem.Context(0).RecentDecisions, 1)
}

func TestTick_PersonalizedFeedMode(t *testing.T) {
	pf := onePostPlatform()
	pf.feed = []types.Post{{ID: "f1", Submolt: "crabs", Title: "from feed"}}
	or := &fakeOracle{}
	s, mem := newTestScheduler(t, pf, or, func(cfg *Config) {
		cfg.FeedMode = "personalized"
	})

	s.Tick(context.Background())

	assert.Equal(t, 1, or.decideCount())
	assert.True(t, mem.IsThreadSeen("f1"))
	assert.Equal(t, "feed", mem.Context(0).LastTickSummary.Source)
}

func TestTick_FeedFailureAbortsTick(t *testing.T) {
	pf := onePostPlatform()
	pf.feedErr = errors.New("down")
	or := &fakeOracle{}
	s, mem := newTestScheduler(t, pf, or, func(cfg *Config) {
		cfg.FeedMode = "personalized"
	})

	s.Tick(context.Background())

	assert.Nil(t, mem.Context(0).LastTickSummary, "aborted tick records no summary")
}

func TestTick_ChooseFeedsFallsBackToAll(t *testing.T) {
	pf := &fakePlatform{
		subscribed: []types.Submolt{{Name: "a"}, {Name: "b"}},
		posts: map[string][]types.Post{
			"a": {{ID: "pa", Submolt: "a"}},
			"b": {{ID: "pb", Submolt: "b"}},
		},
		comments: map[string][]types.Comment{},
	}
	or := &fakeOracle{
		feedsFn: func([]types.Submolt) ([]string, error) {
			return nil, errors.New("oracle down")
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	assert.True(t, mem.IsThreadSeen("pa"))
	assert.True(t, mem.IsThreadSeen("pb"), "oracle failure must fetch all feeds, never zero")
}

func TestTick_ProactivePostInQuietSubmolt(t *testing.T) {
	pf := &fakePlatform{
		subscribed: []types.Submolt{{Name: "quiet"}},
		posts:      map[string][]types.Post{},
		comments:   map[string][]types.Comment{},
	}
	or := &fakeOracle{
		proactiveFn: func(sm types.Submolt) (*types.ProactiveDecision, error) {
			return &types.ProactiveDecision{Post: true, Title: "Waking up", Content: "anyone here?"}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	require.Len(t, pf.createdPosts, 1)
	assert.Equal(t, "quiet", pf.createdPosts[0].Submolt)
	assert.False(t, mem.LastPostAt().IsZero())
	assert.True(t, mem.IsDuplicatePost("Waking up", "anyone here?"))
}

func TestTick_ExploreSearchRoutesResults(t *testing.T) {
	pf := &fakePlatform{
		subscribed: []types.Submolt{{Name: "quiet"}},
		posts:      map[string][]types.Post{},
		comments:   map[string][]types.Comment{},
		search:     []types.SearchResult{{Type: "post", ID: "s1", Submolt: "found", Title: "hit"}},
	}
	or := &fakeOracle{
		exploreFn: func() (*types.ExploreDecision, error) {
			return &types.ExploreDecision{Action: types.ExploreSearch, Query: "crabs"}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	assert.Equal(t, 1, or.decideCount(), "search result routed through the pipeline")
	assert.True(t, mem.IsThreadSeen("s1"))
}

func TestTick_ExploreSearchSimplifiesEmptyResults(t *testing.T) {
	pf := &fakePlatform{
		subscribed: []types.Submolt{{Name: "quiet"}},
		posts:      map[string][]types.Post{},
		comments:   map[string][]types.Comment{},
	}
	var simplifies int
	or := &fakeOracle{
		exploreFn: func() (*types.ExploreDecision, error) {
			return &types.ExploreDecision{Action: types.ExploreSearch, Query: "rare deep sea crustacean migration"}, nil
		},
		simplifyFn: func(string) (string, error) {
			simplifies++
			return fmt.Sprintf("simpler %d", simplifies), nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	require.Len(t, pf.searchQueries, 4, "initial query plus three simplifications")
	assert.Equal(t, "rare deep sea crustacean migration", pf.searchQueries[0])
	assert.Equal(t, "simpler 3", pf.searchQueries[3])
	assert.Equal(t, 3, simplifies)
	assert.Equal(t, 0, or.decideCount(), "nothing found, nothing decided")
	assert.Equal(t, "explore", mem.Context(0).LastTickSummary.Source)
}

func TestTick_EmptySubscriptionsColdStart(t *testing.T) {
	pf := &fakePlatform{
		all: []types.Submolt{{Name: "crabs"}, {Name: "ships"}},
		posts: map[string][]types.Post{
			"": {{ID: "g1", Submolt: "crabs", Title: "global listing post"}},
		},
		comments: map[string][]types.Comment{},
	}
	or := &fakeOracle{
		submoltsFn: func([]types.Submolt) ([]string, error) {
			return []string{"crabs"}, nil
		},
	}
	s, mem := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	assert.Equal(t, []string{"crabs"}, pf.subs)
	assert.True(t, mem.IsThreadSeen("g1"), "global listing still processed this tick")
	assert.Equal(t, 1, or.decideCount())

	// Subscribing runs once; later ticks with an empty subscription list go
	// straight to the global listing.
	s.Tick(context.Background())
	assert.Equal(t, []string{"crabs"}, pf.subs)
}

func TestTick_ExploreRefreshSubscribes(t *testing.T) {
	pf := &fakePlatform{
		subscribed: []types.Submolt{{Name: "quiet"}},
		all:        []types.Submolt{{Name: "quiet"}, {Name: "crabs"}, {Name: "ships"}},
		posts:      map[string][]types.Post{},
		comments:   map[string][]types.Comment{},
	}
	or := &fakeOracle{
		exploreFn: func() (*types.ExploreDecision, error) {
			return &types.ExploreDecision{Action: types.ExploreRefresh}, nil
		},
		submoltsFn: func([]types.Submolt) ([]string, error) {
			return []string{"crabs", "ships"}, nil
		},
	}
	s, _ := newTestScheduler(t, pf, or, nil)

	s.Tick(context.Background())

	assert.Equal(t, []string{"crabs", "ships"}, pf.subs)
}

func TestTick_FirstPostLatch(t *testing.T) {
	pf := &fakePlatform{
		subscribed: []types.Submolt{{Name: "general"}},
		posts:      map[string][]types.Post{},
		comments:   map[string][]types.Comment{},
	}
	proactiveCalls := 0
	or := &fakeOracle{
		proactiveFn: func(sm types.Submolt) (*types.ProactiveDecision, error) {
			proactiveCalls++
			if proactiveCalls == 1 {
				return &types.ProactiveDecision{Post: true, Title: "Hello", Content: "I am new here"}, nil
			}
			return &types.ProactiveDecision{Post: false}, nil
		},
	}

	mem := memory.NewStore(filepath.Join(t.TempDir(), "memory.json"))
	mem.Claim("test-agent")
	cfg := DefaultConfig()
	cfg.PostInterval = 0
	pol := policy.New(policy.DefaultConfig())
	s := New(cfg, pf, or, mem, pol, quietLogger())

	s.Tick(context.Background())

	assert.True(t, mem.HasAttemptedFirstPost())
	require.NotEmpty(t, pf.createdPosts)
	assert.Equal(t, "Hello", pf.createdPosts[0].Title)

	// The latch holds on the next tick.
	s.Tick(context.Background())
	assert.Len(t, pf.createdPosts, 1)
}

func TestTick_NonOverlapping(t *testing.T) {
	pf := onePostPlatform()
	pf.subscribedBlock = make(chan struct{})
	or := &fakeOracle{}
	s, _ := newTestScheduler(t, pf, or, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.Tick(context.Background())
	}()

	// Wait until the first tick is inside the blocking platform call.
	require.Eventually(t, func() bool {
		return pf.subscribedCalls.Load() == 1
	}, time.Second, 5*time.Millisecond)

	// A second tick while the first is in flight must be skipped, not run.
	s.Tick(context.Background())
	assert.Equal(t, int32(1), pf.subscribedCalls.Load())

	close(pf.subscribedBlock)
	wg.Wait()
}

func TestStartStop(t *testing.T) {
	pf := onePostPlatform()
	or := &fakeOracle{}
	s, mem := newTestScheduler(t, pf, or, nil)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()), "double start must fail")

	// The immediate tick runs to completion before Stop returns.
	require.NoError(t, s.Stop())
	assert.NotNil(t, mem.Context(0).LastTickSummary)

	assert.Error(t, s.Stop(), "double stop must fail")
}
