// Package workflow runs the per-visit reconciliation pipeline: filter,
// extract, analyse, persist, reattach to a tree, and rewrite the markdown
// index. The queue consumer invokes it serially, one visit at a time.
package workflow

import (
	"context"
	"fmt"
	"strings"

	"github.com/segmentio/ksuid"

	"pkmd/internal/extract"
	"pkmd/internal/filter"
	"pkmd/internal/llm"
	"pkmd/internal/logging"
	"pkmd/internal/mdindex"
	"pkmd/internal/store"
	"pkmd/internal/tree"
	"pkmd/internal/vector"
	"pkmd/internal/visit"
)

const analysisSystemPrompt = `You summarise web pages for a personal
knowledge base. Given a URL and the page as markdown, respond with JSON
only:
{
  "title": the page's title,
  "summary": at most 50 words,
  "intentions": up to three short phrases guessing why the user read this
}`

const treeIntentionsSystemPrompt = `You are given a browsing session: pages
in the order they were loaded, each with an index, url, title, and summary.
Infer what the user was trying to achieve at each step, considering the
whole sequence. Respond with JSON only:
{"pages": [{"index": 0, "intentions": ["short phrase", ...]}, ...]}
Include every index exactly once.`

// Workflow implements queue.Analyzer over the full store stack.
type Workflow struct {
	store     *store.Store
	vectors   *vector.Store
	index     *mdindex.Index
	filter    *filter.Filter
	extractor *extract.Extractor
	client    llm.Client
	logger    logging.Logger
}

// New wires the workflow.
func New(s *store.Store, v *vector.Store, idx *mdindex.Index, f *filter.Filter,
	e *extract.Extractor, client llm.Client, logger logging.Logger) *Workflow {
	return &Workflow{
		store:     s,
		vectors:   v,
		index:     idx,
		filter:    f,
		extractor: e,
		client:    client,
		logger:    logging.OrNop(logger),
	}
}

// pageAnalysisResponse is the structured output of the analysis prompt.
type pageAnalysisResponse struct {
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Intentions []string `json:"intentions"`
}

// Analyze runs the pipeline for one visit. Each step fails fast, leaving
// persisted state as it was before the step; a re-run resumes cleanly
// because every write is keyed by visit id.
func (w *Workflow) Analyze(ctx context.Context, v visit.Visit) error {
	if err := w.store.UpsertVisit(ctx, v); err != nil {
		return fmt.Errorf("persist visit: %w", err)
	}

	analysis, analysed, err := w.store.GetAnalysis(ctx, v.ID)
	if err != nil {
		return fmt.Errorf("load analysis: %w", err)
	}
	if !analysed {
		verdict, err := w.filter.Classify(ctx, v)
		if err != nil {
			return fmt.Errorf("filter: %w", err)
		}
		if !verdict.FinalDecision {
			w.logger.Debug("Workflow: skipping %s: %s", v.URL, verdict.DecisionReason)
			return nil
		}

		markdown, err := w.extractor.Markdown(ctx, v.URL, v.RawContent)
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}

		analysis, err = w.analysePage(ctx, v, markdown)
		if err != nil {
			return fmt.Errorf("analyse: %w", err)
		}

		if err := w.store.UpsertAnalysis(ctx, analysis); err != nil {
			return fmt.Errorf("persist analysis: %w", err)
		}
		err = w.vectors.Add(ctx, vector.CollectionWebpageContent, vector.Document{
			ID:       v.ID,
			Sections: []string{analysis.Title, analysis.Summary, markdown},
			Metadata: map[string]string{"url": v.URL, "visit_id": v.ID},
		})
		if err != nil {
			return fmt.Errorf("persist content embedding: %w", err)
		}
	}

	built, err := w.reconcileTree(ctx, v)
	if err != nil {
		return fmt.Errorf("reconcile tree: %w", err)
	}

	if err := w.indexTree(ctx, built, analysis); err != nil {
		return fmt.Errorf("index tree: %w", err)
	}
	return nil
}

func (w *Workflow) analysePage(ctx context.Context, v visit.Visit, markdown string) (visit.PageAnalysis, error) {
	var resp pageAnalysisResponse
	err := w.client.CompleteJSON(ctx, llm.Request{
		System: analysisSystemPrompt,
		Prompt: fmt.Sprintf("URL: %s\n\nPage:\n%s", v.URL, markdown),
	}, &resp)
	if err != nil {
		return visit.PageAnalysis{}, err
	}
	if resp.Title == "" {
		resp.Title = extract.Title(v.RawContent)
	}
	if resp.Title == "" {
		resp.Title = v.URL
	}
	return visit.PageAnalysis{
		VisitID:    v.ID,
		Title:      resp.Title,
		Summary:    clampWords(strings.TrimSpace(resp.Summary), summaryWordLimit),
		Intentions: resp.Intentions,
	}, nil
}

// summaryWordLimit bounds the stored summary; the prompt asks for it but the
// model is not trusted to comply.
const summaryWordLimit = 50

func clampWords(s string, limit int) string {
	words := strings.Fields(s)
	if len(words) <= limit {
		return s
	}
	return strings.Join(words[:limit], " ")
}

// reconcileTree attaches the visit to a tree (existing or fresh), refreshes
// the collective intentions when the tree has grown beyond one member, and
// rebuilds the structure.
func (w *Workflow) reconcileTree(ctx context.Context, v visit.Visit) (*tree.Tree, error) {
	treeID := v.TreeID
	if treeID == "" {
		found, err := w.store.FindTreeForVisit(ctx, v)
		if err != nil {
			return nil, err
		}
		treeID = found
	}
	if treeID == "" {
		treeID = ksuid.New().String()
		w.logger.Debug("Workflow: new tree %s rooted at %s", treeID, v.URL)
	}

	if err := w.store.EnsureTree(ctx, treeID, v.ID); err != nil {
		return nil, err
	}
	if err := w.store.AddTreeMember(ctx, treeID, v.ID); err != nil {
		return nil, err
	}
	if err := w.store.AttachTree(ctx, v.ID, treeID); err != nil {
		return nil, err
	}

	members, err := w.store.TreeMembers(ctx, treeID)
	if err != nil {
		return nil, err
	}
	if len(members) > 1 {
		if err := w.refreshTreeIntentions(ctx, treeID, members); err != nil {
			return nil, err
		}
		// Reload so members carry the rewritten intentions.
		members, err = w.store.TreeMembers(ctx, treeID)
		if err != nil {
			return nil, err
		}
	}

	built := tree.Build(treeID, members)
	if built.Head != nil {
		if err := w.store.EnsureTree(ctx, treeID, built.Head.Member.Visit.ID); err != nil {
			return nil, err
		}
	}
	return built, nil
}

// treeIntentionsResponse is the structured output of the sequence prompt.
type treeIntentionsResponse struct {
	Pages []struct {
		Index      int      `json:"index"`
		Intentions []string `json:"intentions"`
	} `json:"pages"`
}

// refreshTreeIntentions asks the model to reinterpret every member's intent
// in light of the whole sequence, then replaces the stored mapping.
func (w *Workflow) refreshTreeIntentions(ctx context.Context, treeID string, members []store.Member) error {
	var b strings.Builder
	for i, m := range members {
		title, summary := m.Visit.URL, ""
		if m.Analysis != nil {
			title, summary = m.Analysis.Title, m.Analysis.Summary
		}
		fmt.Fprintf(&b, "%d. [%s] %s (%s)\n   %s\n", i,
			m.Visit.PageLoadedAt.UTC().Format("15:04:05"), title, m.Visit.URL, summary)
	}

	var resp treeIntentionsResponse
	err := w.client.CompleteJSON(ctx, llm.Request{
		System: treeIntentionsSystemPrompt,
		Prompt: "Browsing sequence:\n" + b.String(),
	}, &resp)
	if err != nil {
		return fmt.Errorf("tree intentions: %w", err)
	}

	byIndex := make(map[int][]string)
	for _, p := range resp.Pages {
		if p.Index >= 0 && p.Index < len(members) && len(p.Intentions) > 0 {
			byIndex[p.Index] = p.Intentions
		}
	}
	if len(byIndex) == 0 {
		return nil
	}
	return w.store.ReplaceTreeIntentions(ctx, treeID, byIndex)
}

// indexTree rewrites the markdown entry and refreshes the tree's searchable
// description.
func (w *Workflow) indexTree(ctx context.Context, built *tree.Tree, analysis visit.PageAnalysis) error {
	if built == nil || built.Head == nil {
		return nil
	}
	if err := w.index.Upsert(built); err != nil {
		return err
	}

	head := built.Head.Member
	title, summary := head.Visit.URL, analysis.Summary
	if head.Analysis != nil {
		title, summary = head.Analysis.Title, head.Analysis.Summary
	}
	err := w.vectors.Add(ctx, vector.CollectionNoteDescriptions, vector.Document{
		ID:       built.ID,
		Sections: []string{title, summary},
		Metadata: map[string]string{"url": head.Visit.URL, "tree_id": built.ID},
	})
	if err != nil {
		// The markdown entry is already written; the description index can
		// catch up on the next growth of this tree.
		w.logger.Warn("Workflow: describe tree %s: %v", built.ID, err)
	}
	return nil
}
