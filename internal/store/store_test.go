package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkmd/internal/visit"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "pkmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func mkVisit(url, loadedAt string) visit.Visit {
	ts, _ := time.Parse(time.RFC3339, loadedAt)
	return visit.Visit{ID: visit.ID(url, loadedAt), URL: url, PageLoadedAt: ts}
}

func TestUpsertVisitIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := mkVisit("https://docs.example.com/intro", "2024-01-15T10:00:00Z")
	require.NoError(t, s.UpsertVisit(ctx, v))
	require.NoError(t, s.UpsertVisit(ctx, v))

	n, err := s.CountVisits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok, err := s.GetVisit(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, v.URL, got.URL)
	assert.True(t, got.PageLoadedAt.Equal(v.PageLoadedAt))
}

func TestSetVisitReferrerOnlyFillsEmpty(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := mkVisit("https://child.example.com", "2024-01-15T10:00:00Z")
	require.NoError(t, s.UpsertVisit(ctx, v))
	require.NoError(t, s.SetVisitReferrer(ctx, v.ID, "https://parent.example.com", v.PageLoadedAt))

	got, _, err := s.GetVisit(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://parent.example.com", got.Referrer)

	// A second resolution must not clobber the first.
	require.NoError(t, s.SetVisitReferrer(ctx, v.ID, "https://other.example.com", v.PageLoadedAt))
	got, _, err = s.GetVisit(ctx, v.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://parent.example.com", got.Referrer)
}

func TestAnalysisWrittenOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v := mkVisit("https://docs.example.com/intro", "2024-01-15T10:00:00Z")
	require.NoError(t, s.UpsertVisit(ctx, v))

	first := visit.PageAnalysis{VisitID: v.ID, Title: "Intro", Summary: "An intro.", Intentions: []string{"learn"}}
	require.NoError(t, s.UpsertAnalysis(ctx, first))
	require.NoError(t, s.UpsertAnalysis(ctx, visit.PageAnalysis{VisitID: v.ID, Title: "Clobbered"}))

	got, ok, err := s.GetAnalysis(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Intro", got.Title)
	assert.Equal(t, []string{"learn"}, got.Intentions)
}

func TestTreeMembersOrderedByLoadTime(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := mkVisit("https://x/1", "2024-01-15T10:00:00Z")
	b := mkVisit("https://x/2", "2024-01-15T10:00:10Z")
	c := mkVisit("https://x/3", "2024-01-15T10:00:20Z")
	for _, v := range []visit.Visit{c, a, b} { // insert out of order
		require.NoError(t, s.UpsertVisit(ctx, v))
	}
	require.NoError(t, s.EnsureTree(ctx, "t1", a.ID))
	for _, v := range []visit.Visit{c, a, b} {
		require.NoError(t, s.AddTreeMember(ctx, "t1", v.ID))
		require.NoError(t, s.AttachTree(ctx, v.ID, "t1"))
	}

	members, err := s.TreeMembers(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, members, 3)
	assert.Equal(t, "https://x/1", members[0].Visit.URL)
	assert.Equal(t, "https://x/3", members[2].Visit.URL)
}

func TestFindTreeForVisitByReferrer(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent := mkVisit("https://docs.example.com/intro", "2024-01-15T10:00:00Z")
	require.NoError(t, s.UpsertVisit(ctx, parent))
	require.NoError(t, s.EnsureTree(ctx, "t1", parent.ID))
	require.NoError(t, s.AttachTree(ctx, parent.ID, "t1"))

	child := mkVisit("https://docs.example.com/next", "2024-01-15T10:01:00Z")
	child.Referrer = "https://docs.example.com/intro"

	treeID, err := s.FindTreeForVisit(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, "t1", treeID)
}

func TestFindTreeForVisitByHostProximity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := mkVisit("https://docs.example.com/a", "2024-01-15T10:00:00Z")
	require.NoError(t, s.UpsertVisit(ctx, a))
	require.NoError(t, s.EnsureTree(ctx, "t1", a.ID))
	require.NoError(t, s.AttachTree(ctx, a.ID, "t1"))

	near := mkVisit("https://docs.example.com/b", "2024-01-15T10:10:00Z")
	treeID, err := s.FindTreeForVisit(ctx, near)
	require.NoError(t, err)
	assert.Equal(t, "t1", treeID)

	far := mkVisit("https://docs.example.com/c", "2024-01-15T11:00:00Z")
	treeID, err = s.FindTreeForVisit(ctx, far)
	require.NoError(t, err)
	assert.Equal(t, "", treeID)

	other := mkVisit("https://elsewhere.example.org/x", "2024-01-15T10:05:00Z")
	treeID, err = s.FindTreeForVisit(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, "", treeID)
}

func TestTreeIntentionsRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a := mkVisit("https://x/1", "2024-01-15T10:00:00Z")
	require.NoError(t, s.UpsertVisit(ctx, a))
	require.NoError(t, s.EnsureTree(ctx, "t1", a.ID))

	want := map[int][]string{0: {"compare frameworks"}, 1: {"check benchmarks", "find docs"}}
	require.NoError(t, s.ReplaceTreeIntentions(ctx, "t1", want))

	got, err := s.TreeIntentions(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, want, got)

	// Rewrite replaces, not merges.
	require.NoError(t, s.ReplaceTreeIntentions(ctx, "t1", map[int][]string{0: {"new intent"}}))
	got, err = s.TreeIntentions(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, map[int][]string{0: {"new intent"}}, got)
}

func TestRuleOrderingAndAudit(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	low := &Rule{Name: "low", Type: "domain", ConditionJSON: `{}`, Action: "tag", Priority: 1, Enabled: true}
	high := &Rule{Name: "high", Type: "domain", ConditionJSON: `{}`, Action: "reject", Priority: 100, Enabled: true}
	off := &Rule{Name: "off", Type: "domain", ConditionJSON: `{}`, Action: "accept", Priority: 50, Enabled: false}
	for _, r := range []*Rule{low, high, off} {
		require.NoError(t, s.UpsertRule(ctx, r))
	}

	rules, err := s.ListRules(ctx, true)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	assert.Equal(t, "high", rules[0].Name)
	assert.Equal(t, "low", rules[1].Name)

	require.NoError(t, s.RecordRuleExecution(ctx, high.ID, "https://facebook.com/x", "reject"))
	n, err := s.RuleExecutionCount(ctx, high.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rules, err = s.ListRules(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 1, rules[0].UsageCount)
	assert.False(t, rules[0].LastUsed.IsZero())
}

func TestCorrectionDoesNotTouchOriginal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ep := Episode{
		ID: "ep1", URL: "https://python-news.example/a", Domain: "python-news.example",
		PageType: "knowledge", Confidence: 0.9, OriginalDecision: true, Reasoning: "looks like docs",
		Features: ContentFeatures{WordCount: 800},
	}
	require.NoError(t, s.InsertEpisode(ctx, ep))
	require.NoError(t, s.AddCorrection(ctx, "ep1", Correction{Decision: false, PageType: "aggregator", Explanation: "news feed"}))

	got, ok, err := s.GetEpisode(ctx, "ep1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.OriginalDecision)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.Equal(t, "looks like docs", got.Reasoning)
	require.NotNil(t, got.Correction)
	assert.False(t, got.Correction.Decision)
	assert.Equal(t, "aggregator", got.Correction.PageType)
}

func TestEpisodeStatistics(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	eps := []Episode{
		{ID: "e1", URL: "https://a/1", Domain: "a", PageType: "knowledge", Confidence: 0.9, OriginalDecision: true, Reasoning: "r"},
		{ID: "e2", URL: "https://a/2", Domain: "a", PageType: "leisure", Confidence: 0.4, OriginalDecision: false, Reasoning: "r"},
		{ID: "e3", URL: "https://b/1", Domain: "b", PageType: "knowledge", Confidence: 0.8, OriginalDecision: true, Reasoning: "r"},
	}
	for _, ep := range eps {
		require.NoError(t, s.InsertEpisode(ctx, ep))
	}
	require.NoError(t, s.AddCorrection(ctx, "e1", Correction{Decision: false, PageType: "aggregator"}))
	require.NoError(t, s.AddCorrection(ctx, "e2", Correction{Decision: true, PageType: "knowledge"}))

	stats, err := s.EpisodeStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.Corrections)
	assert.Equal(t, 1, stats.FalsePositives)
	assert.Equal(t, 1, stats.FalseNegatives)
	assert.Equal(t, map[string]int{"aggregator": 1, "knowledge": 1}, stats.CorrectionsByType)
}

func TestSimilarDecisionsUsesEffectiveDecision(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.InsertEpisode(ctx, Episode{
		ID: "e1", URL: "https://a/1", Domain: "a", PageType: "knowledge",
		Confidence: 0.9, OriginalDecision: true, Reasoning: "r"}))
	require.NoError(t, s.AddCorrection(ctx, "e1", Correction{Decision: false, PageType: "leisure"}))

	rejected, err := s.SimilarDecisions(ctx, "a", "knowledge", false, 10)
	require.NoError(t, err)
	assert.Len(t, rejected, 1)

	accepted, err := s.SimilarDecisions(ctx, "a", "knowledge", true, 10)
	require.NoError(t, err)
	assert.Empty(t, accepted)
}
