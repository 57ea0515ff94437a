package filter

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkmd/internal/llm"
	"pkmd/internal/memory"
	"pkmd/internal/store"
	"pkmd/internal/visit"
)

const knowledgeVerdict = `{"page_type":"knowledge","confidence":0.9,"reasoning":"technical article","should_process":true}`

func testDeps(t *testing.T) (*store.Store, *memory.Episodic, *memory.Procedural) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "pkmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, memory.NewEpisodic(s, nil, nil), memory.NewProcedural(s, nil)
}

func pageVisit(url string) visit.Visit {
	return visit.Visit{
		ID:  "v-" + url,
		URL: url,
		RawContent: `<html><head><title>Go Concurrency</title></head><body>
			<article><h1>Go Concurrency</h1>
			<p>Goroutines and channels compose into pipelines.</p>
			<pre><code>ch := make(chan int)</code></pre></article></body></html>`,
	}
}

func TestAcceptsKnowledgeAboveThreshold(t *testing.T) {
	_, episodic, procedural := testDeps(t)
	mock := llm.NewMock()
	mock.Default = knowledgeVerdict

	f := New(mock, episodic, procedural, DefaultPolicy(), nil)
	verdict, err := f.Classify(context.Background(), pageVisit("https://go.dev/blog/pipelines"))
	require.NoError(t, err)

	assert.True(t, verdict.FinalDecision)
	assert.Equal(t, visit.PageTypeKnowledge, verdict.PageType)
	assert.NotEmpty(t, verdict.EpisodeID)
}

func TestRejectsDisallowedType(t *testing.T) {
	_, episodic, procedural := testDeps(t)
	mock := llm.NewMock()
	mock.Default = `{"page_type":"leisure","confidence":0.95,"reasoning":"entertainment","should_process":true}`

	f := New(mock, episodic, procedural, DefaultPolicy(), nil)
	verdict, err := f.Classify(context.Background(), pageVisit("https://videos.example/cats"))
	require.NoError(t, err)

	assert.False(t, verdict.FinalDecision)
	assert.Contains(t, verdict.DecisionReason, "not in allowed set")
}

func TestRejectsBelowThreshold(t *testing.T) {
	_, episodic, procedural := testDeps(t)
	mock := llm.NewMock()
	mock.Default = `{"page_type":"knowledge","confidence":0.5,"reasoning":"maybe useful","should_process":true}`

	f := New(mock, episodic, procedural, DefaultPolicy(), nil)
	verdict, err := f.Classify(context.Background(), pageVisit("https://blog.example/thin"))
	require.NoError(t, err)

	assert.False(t, verdict.FinalDecision)
	assert.Contains(t, verdict.DecisionReason, "below threshold")
}

func TestRespectsShouldProcessFlag(t *testing.T) {
	_, episodic, procedural := testDeps(t)
	mock := llm.NewMock()
	mock.Default = `{"page_type":"knowledge","confidence":0.9,"reasoning":"stub page","should_process":false}`

	f := New(mock, episodic, procedural, DefaultPolicy(), nil)
	verdict, err := f.Classify(context.Background(), pageVisit("https://docs.example/stub"))
	require.NoError(t, err)
	assert.False(t, verdict.FinalDecision)
}

func TestMalformedVerdictIsPermanentError(t *testing.T) {
	_, episodic, procedural := testDeps(t)
	mock := llm.NewMock()
	mock.Default = `{"page_type":"blog_post","confidence":0.9,"reasoning":"x","should_process":true}`

	f := New(mock, episodic, procedural, DefaultPolicy(), nil)
	_, err := f.Classify(context.Background(), pageVisit("https://x/a"))
	require.Error(t, err)
}

func TestDisabledPolicyAcceptsEverything(t *testing.T) {
	_, episodic, procedural := testDeps(t)
	mock := llm.NewMock() // no responses registered; must not be called

	policy := DefaultPolicy()
	policy.Enabled = false
	f := New(mock, episodic, procedural, policy, nil)

	verdict, err := f.Classify(context.Background(), pageVisit("https://anything.example/x"))
	require.NoError(t, err)
	assert.True(t, verdict.FinalDecision)
	assert.Empty(t, mock.Calls)
}

func TestProceduralRejectWinsOverAccept(t *testing.T) {
	s, episodic, procedural := testDeps(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRule(ctx, &store.Rule{
		Name: "block-social", Type: "domain",
		ConditionJSON: `{"field":"url","comparator":"contains","value":"facebook.com"}`,
		Action:        "reject", Priority: 100, Enabled: true}))
	require.NoError(t, s.UpsertRule(ctx, &store.Rule{
		Name: "keep-everything", Type: "custom",
		ConditionJSON: `{"field":"url","comparator":"starts_with","value":"https://"}`,
		Action:        "accept", Priority: 10, Enabled: true}))

	mock := llm.NewMock()
	mock.Default = knowledgeVerdict
	f := New(mock, episodic, procedural, DefaultPolicy(), nil)

	verdict, err := f.Classify(ctx, pageVisit("https://facebook.com/feed"))
	require.NoError(t, err)
	assert.False(t, verdict.FinalDecision)
	assert.Contains(t, verdict.DecisionReason, "block-social")
	assert.Contains(t, verdict.AppliedRules, "block-social")
}

func TestProceduralAcceptOverridesThreshold(t *testing.T) {
	s, episodic, procedural := testDeps(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRule(ctx, &store.Rule{
		Name: "always-keep-docs", Type: "domain",
		ConditionJSON: `{"field":"domain","comparator":"equals","value":"docs.example.com"}`,
		Action:        "accept", Priority: 50, Enabled: true}))

	mock := llm.NewMock()
	mock.Default = `{"page_type":"other","confidence":0.1,"reasoning":"unclear","should_process":false}`
	f := New(mock, episodic, procedural, DefaultPolicy(), nil)

	verdict, err := f.Classify(ctx, pageVisit("https://docs.example.com/page"))
	require.NoError(t, err)
	assert.True(t, verdict.FinalDecision)
	assert.Contains(t, verdict.DecisionReason, "always-keep-docs")
}

func TestPriorityBoostLiftsOverThreshold(t *testing.T) {
	s, episodic, procedural := testDeps(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRule(ctx, &store.Rule{
		Name: "boost-go-blog", Type: "domain",
		ConditionJSON: `{"field":"url","comparator":"contains","value":"go.dev"}`,
		Action:        "priority_boost", Priority: 10, Enabled: true}))

	mock := llm.NewMock()
	mock.Default = `{"page_type":"knowledge","confidence":0.65,"reasoning":"short article","should_process":true}`
	f := New(mock, episodic, procedural, DefaultPolicy(), nil)

	// 0.65 + 0.1 = 0.75 >= 0.7
	verdict, err := f.Classify(ctx, pageVisit("https://go.dev/blog/short"))
	require.NoError(t, err)
	assert.True(t, verdict.FinalDecision)
}

func TestTagActionCollectsTags(t *testing.T) {
	s, episodic, procedural := testDeps(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRule(ctx, &store.Rule{
		Name: "tag-golang", Type: "content_pattern",
		ConditionJSON: `{"field":"content.sample","comparator":"contains","value":"goroutines"}`,
		Action:        "tag", ActionValue: "golang", Priority: 5, Enabled: true}))

	mock := llm.NewMock()
	mock.Default = knowledgeVerdict
	f := New(mock, episodic, procedural, DefaultPolicy(), nil)

	verdict, err := f.Classify(ctx, pageVisit("https://go.dev/blog/pipelines"))
	require.NoError(t, err)
	assert.True(t, verdict.FinalDecision)
	assert.Equal(t, []string{"golang"}, verdict.Tags)
}

func TestDomainCorrectionsFlipDecision(t *testing.T) {
	_, episodic, procedural := testDeps(t)
	ctx := context.Background()

	// Three past accepts on the domain, each corrected to reject.
	for i := 0; i < 3; i++ {
		id, err := episodic.StoreEpisode(ctx, store.Episode{
			URL: fmt.Sprintf("https://python-news.example/item%d", i), Domain: "python-news.example",
			PageType: "knowledge", Confidence: 0.9, OriginalDecision: true, Reasoning: "looked like docs"})
		require.NoError(t, err)
		require.NoError(t, episodic.AddUserCorrection(ctx, id, store.Correction{
			Decision: false, PageType: "aggregator", Explanation: "news feed"}))
	}

	mock := llm.NewMock()
	mock.Default = knowledgeVerdict
	f := New(mock, episodic, procedural, DefaultPolicy(), nil)

	verdict, err := f.Classify(ctx, pageVisit("https://python-news.example/today"))
	require.NoError(t, err)
	assert.False(t, verdict.FinalDecision)
	assert.Contains(t, verdict.DecisionReason, "domain pattern")
	assert.InDelta(t, -0.2, verdict.EpisodicConfidenceBoost, 1e-9)
}

func TestRuleRejectionNamesRuleInEpisode(t *testing.T) {
	s, episodic, procedural := testDeps(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertRule(ctx, &store.Rule{
		Name: "block-facebook", Type: "domain",
		ConditionJSON: `{"field":"url","comparator":"contains","value":"facebook.com"}`,
		Action:        "reject", Priority: 100, Enabled: true}))

	mock := llm.NewMock()
	mock.Default = knowledgeVerdict
	f := New(mock, episodic, procedural, DefaultPolicy(), nil)

	verdict, err := f.Classify(ctx, pageVisit("https://facebook.com/x"))
	require.NoError(t, err)
	require.False(t, verdict.FinalDecision)
	require.NotEmpty(t, verdict.EpisodeID)

	ep, ok, err := s.GetEpisode(ctx, verdict.EpisodeID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.False(t, ep.OriginalDecision)
	assert.Contains(t, ep.Reasoning, "block-facebook")
}

func TestThresholdVerdictKeepsModelReasoning(t *testing.T) {
	s, episodic, procedural := testDeps(t)
	mock := llm.NewMock()
	mock.Default = knowledgeVerdict

	f := New(mock, episodic, procedural, DefaultPolicy(), nil)
	verdict, err := f.Classify(context.Background(), pageVisit("https://go.dev/blog/pipelines"))
	require.NoError(t, err)

	ep, ok, err := s.GetEpisode(context.Background(), verdict.EpisodeID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "technical article", ep.Reasoning)
}

func TestEveryVerdictRecordsEpisode(t *testing.T) {
	_, episodic, procedural := testDeps(t)
	mock := llm.NewMock()
	mock.Default = `{"page_type":"leisure","confidence":0.9,"reasoning":"fun","should_process":true}`

	f := New(mock, episodic, procedural, DefaultPolicy(), nil)
	verdict, err := f.Classify(context.Background(), pageVisit("https://videos.example/cats"))
	require.NoError(t, err)
	require.False(t, verdict.FinalDecision)

	stats, err := episodic.Statistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestFeatures(t *testing.T) {
	f := Features(pageVisit("https://x/a").RawContent)
	assert.Equal(t, "Go Concurrency", f.Title)
	assert.True(t, f.HasCodeBlocks)
	assert.Greater(t, f.WordCount, 5)
	assert.NotEmpty(t, f.ContentSample)
}
