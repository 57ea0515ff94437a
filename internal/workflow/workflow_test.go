package workflow

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pkmd/internal/extract"
	"pkmd/internal/filter"
	"pkmd/internal/llm"
	"pkmd/internal/mdindex"
	"pkmd/internal/memory"
	"pkmd/internal/store"
	"pkmd/internal/vector"
	"pkmd/internal/visit"
)

type fixture struct {
	workflow *Workflow
	store    *store.Store
	vectors  *vector.Store
	index    *mdindex.Index
	mock     *llm.Mock
	episodic *memory.Episodic
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	s, err := store.Open(filepath.Join(dir, "pkmd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	v, err := vector.Open("", llm.HashEmbedder{Dims: 64}, nil)
	require.NoError(t, err)

	idx := mdindex.New(filepath.Join(dir, "knowledge.md"), nil)

	mock := llm.NewMock()
	mock.Respond("classify web pages", `{"page_type":"knowledge","confidence":0.9,"reasoning":"docs","should_process":true}`)
	mock.Respond("convert web page HTML", "# Converted\n\nThe page as markdown.")
	mock.Respond("summarise web pages", `{"title":"Go Concurrency Patterns","summary":"Pipelines and cancellation with goroutines.","intentions":["learn go concurrency"]}`)
	mock.Respond("browsing session", `{"pages":[{"index":0,"intentions":["research go concurrency"]},{"index":1,"intentions":["compare approaches"]}]}`)

	episodic := memory.NewEpisodic(s, v, nil)
	procedural := memory.NewProcedural(s, nil)
	f := filter.New(mock, episodic, procedural, filter.DefaultPolicy(), nil)

	return &fixture{
		workflow: New(s, v, idx, f, extract.New(mock, nil), mock, nil),
		store:    s,
		vectors:  v,
		index:    idx,
		mock:     mock,
		episodic: episodic,
	}
}

func mkVisit(url, loadedAt string) visit.Visit {
	ts, _ := time.Parse(time.RFC3339, loadedAt)
	return visit.Visit{
		ID:           visit.ID(url, loadedAt),
		URL:          url,
		PageLoadedAt: ts,
		RawContent: `<html><head><title>Go Concurrency Patterns</title></head><body>
			<article><p>Goroutines and channels compose into pipelines.</p></article></body></html>`,
	}
}

func TestAcceptedVisitEndToEnd(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	v := mkVisit("https://go.dev/blog/pipelines", "2024-01-15T10:00:00Z")

	require.NoError(t, fx.workflow.Analyze(ctx, v))

	analysis, ok, err := fx.store.GetAnalysis(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Go Concurrency Patterns", analysis.Title)
	assert.Equal(t, []string{"learn go concurrency"}, analysis.Intentions)

	assert.Equal(t, 1, fx.vectors.Count(vector.CollectionWebpageContent))
	assert.Equal(t, 1, fx.vectors.Count(vector.CollectionNoteDescriptions))

	raw, err := os.ReadFile(fx.index.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "- [Go Concurrency Patterns](https://go.dev/blog/pipelines) [2024-01-15 10:00]")
	assert.Contains(t, string(raw), "- Summary: Pipelines and cancellation with goroutines.")

	got, ok, err := fx.store.GetVisit(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, got.TreeID)
}

func TestRejectedVisitRecordsEpisodeOnly(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.mock.Respond("classify web pages", `{"page_type":"leisure","confidence":0.9,"reasoning":"entertainment","should_process":true}`)
	v := mkVisit("https://videos.example/cats", "2024-01-15T10:00:00Z")

	require.NoError(t, fx.workflow.Analyze(ctx, v))

	_, ok, err := fx.store.GetAnalysis(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, fx.vectors.Count(vector.CollectionWebpageContent))
	_, err = os.Stat(fx.index.Path())
	assert.True(t, os.IsNotExist(err))

	stats, err := fx.episodic.Statistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestAnalyzeIsIdempotent(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	v := mkVisit("https://go.dev/blog/pipelines", "2024-01-15T10:00:00Z")

	require.NoError(t, fx.workflow.Analyze(ctx, v))
	first, err := os.ReadFile(fx.index.Path())
	require.NoError(t, err)
	callsAfterFirst := len(fx.mock.Calls)

	require.NoError(t, fx.workflow.Analyze(ctx, v))
	second, err := os.ReadFile(fx.index.Path())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, fx.vectors.Count(vector.CollectionWebpageContent))
	n, err := fx.store.CountVisits(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	// The second run reuses the stored analysis instead of re-asking the model.
	assert.Equal(t, callsAfterFirst, len(fx.mock.Calls))
}

func TestOverlongSummaryIsClamped(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	long := strings.TrimSpace(strings.Repeat("word ", 80))
	fx.mock.Respond("summarise web pages",
		`{"title":"Verbose Page","summary":"`+long+`","intentions":["skim"]}`)
	v := mkVisit("https://verbose.example/page", "2024-01-15T10:00:00Z")

	require.NoError(t, fx.workflow.Analyze(ctx, v))

	analysis, ok, err := fx.store.GetAnalysis(ctx, v.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, strings.Fields(analysis.Summary), summaryWordLimit)
}

func TestLinkedVisitsShareATree(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()

	first := mkVisit("https://go.dev/blog/pipelines", "2024-01-15T10:00:00Z")
	require.NoError(t, fx.workflow.Analyze(ctx, first))

	second := mkVisit("https://go.dev/blog/context", "2024-01-15T10:02:00Z")
	second.Referrer = "https://go.dev/blog/pipelines"
	second.ReferrerTimestamp = second.PageLoadedAt
	require.NoError(t, fx.workflow.Analyze(ctx, second))

	a, _, err := fx.store.GetVisit(ctx, first.ID)
	require.NoError(t, err)
	b, _, err := fx.store.GetVisit(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, a.TreeID, b.TreeID)

	members, err := fx.store.TreeMembers(ctx, a.TreeID)
	require.NoError(t, err)
	require.Len(t, members, 2)
	// The sequence view rewrote both members' intentions.
	assert.Equal(t, []string{"research go concurrency"}, members[0].Intentions)
	assert.Equal(t, []string{"compare approaches"}, members[1].Intentions)

	// One markdown entry with the child nested under the head.
	raw, err := os.ReadFile(fx.index.Path())
	require.NoError(t, err)
	content := string(raw)
	assert.Contains(t, content, "\n  - [Go Concurrency Patterns](https://go.dev/blog/context)")
	assert.Contains(t, content, "- Intentions: research go concurrency")
}

func TestExtractionFailureLeavesVisitUnanalysed(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	fx.mock.Respond("convert web page HTML", "")
	v := mkVisit("https://go.dev/blog/pipelines", "2024-01-15T10:00:00Z")

	err := fx.workflow.Analyze(ctx, v)
	require.Error(t, err)

	// The visit row survives for a later retry; nothing else was written.
	_, ok, err := fx.store.GetVisit(ctx, v.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	_, analysed, err := fx.store.GetAnalysis(ctx, v.ID)
	require.NoError(t, err)
	assert.False(t, analysed)
	_, err = os.Stat(fx.index.Path())
	assert.True(t, os.IsNotExist(err))
}
