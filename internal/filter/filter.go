// Package filter decides whether a captured page belongs in the knowledge
// base. The verdict combines the model's classification with episodic
// memory (past decisions and corrections) and procedural memory (user
// rules).
package filter

import (
	"context"
	"fmt"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	pkmderrors "pkmd/internal/errors"
	"pkmd/internal/extract"
	"pkmd/internal/llm"
	"pkmd/internal/logging"
	"pkmd/internal/memory"
	"pkmd/internal/store"
	"pkmd/internal/visit"
)

// classifySampleLen bounds the content sent with the classification prompt.
const classifySampleLen = 2000

// priorityBoost is the confidence bump contributed by each matched
// priority_boost rule.
const priorityBoost = 0.1

var decisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pkmd",
	Subsystem: "filter",
	Name:      "decisions_total",
	Help:      "Filter verdicts by outcome.",
}, []string{"outcome"})

// Policy is the configurable filtering policy.
type Policy struct {
	Enabled       bool
	AllowedTypes  []visit.PageType
	MinConfidence float64
	LogDecisions  bool
}

// DefaultPolicy keeps knowledge pages at 0.7 confidence.
func DefaultPolicy() Policy {
	return Policy{
		Enabled:       true,
		AllowedTypes:  []visit.PageType{visit.PageTypeKnowledge},
		MinConfidence: 0.7,
		LogDecisions:  true,
	}
}

// PolicyFromConfig converts the config shape, falling back to defaults for
// missing values.
func PolicyFromConfig(enabled bool, allowedTypes []string, minConfidence float64, logDecisions bool) Policy {
	p := Policy{Enabled: enabled, MinConfidence: minConfidence, LogDecisions: logDecisions}
	for _, t := range allowedTypes {
		p.AllowedTypes = append(p.AllowedTypes, visit.PageType(t))
	}
	if len(p.AllowedTypes) == 0 {
		p.AllowedTypes = []visit.PageType{visit.PageTypeKnowledge}
	}
	if p.MinConfidence <= 0 {
		p.MinConfidence = 0.7
	}
	return p
}

func (p Policy) allows(t visit.PageType) bool {
	for _, allowed := range p.AllowedTypes {
		if allowed == t {
			return true
		}
	}
	return false
}

// Verdict is the outcome of filtering one visit.
type Verdict struct {
	visit.EnhancedClassification
	EpisodeID string
}

// Filter runs the decision pipeline for one visit.
type Filter struct {
	client     llm.Client
	episodic   *memory.Episodic
	procedural *memory.Procedural
	policy     Policy
	logger     logging.Logger
}

// New builds a filter. episodic and procedural may be nil, which disables
// the corresponding adjustment.
func New(client llm.Client, episodic *memory.Episodic, procedural *memory.Procedural, policy Policy, logger logging.Logger) *Filter {
	return &Filter{
		client:     client,
		episodic:   episodic,
		procedural: procedural,
		policy:     policy,
		logger:     logging.OrNop(logger),
	}
}

// Classify runs the pipeline: base LLM classification, episodic boost,
// procedural actions, decision composition, episode recording.
func (f *Filter) Classify(ctx context.Context, v visit.Visit) (Verdict, error) {
	if !f.policy.Enabled {
		return Verdict{EnhancedClassification: visit.EnhancedClassification{
			Classification: visit.Classification{PageType: visit.PageTypeOther, ShouldProcess: true},
			FinalDecision:  true,
			DecisionReason: "filtering disabled",
		}}, nil
	}

	base, err := f.classify(ctx, v)
	if err != nil {
		return Verdict{}, err
	}

	enhanced := visit.EnhancedClassification{Classification: base}

	// Base decision before memory weighs in; episodic overrides are defined
	// as contradicting this.
	baseDecision := f.policy.allows(base.PageType) && base.Confidence >= f.policy.MinConfidence && base.ShouldProcess

	var advice memory.Advice
	if f.episodic != nil {
		advice, err = f.episodic.Advise(ctx, v.URL, string(base.PageType), baseDecision)
		if err != nil {
			f.logger.Warn("Filter: episodic advice for %s: %v", v.URL, err)
			advice = memory.Advice{}
		}
		enhanced.EpisodicConfidenceBoost = advice.Boost
	}

	var actions []memory.Action
	if f.procedural != nil {
		actions, err = f.procedural.Evaluate(ctx, v.URL, evaluationContext(v, enhanced))
		if err != nil {
			f.logger.Warn("Filter: procedural evaluation for %s: %v", v.URL, err)
		}
	}
	for _, a := range actions {
		enhanced.ProceduralActions = append(enhanced.ProceduralActions, a.Action)
		enhanced.AppliedRules = append(enhanced.AppliedRules, a.RuleName)
		if a.Action == "tag" && a.Value != "" {
			enhanced.Tags = append(enhanced.Tags, a.Value)
		}
	}

	f.compose(&enhanced, advice, actions)

	verdict := Verdict{EnhancedClassification: enhanced}
	if f.episodic != nil {
		episodeID, err := f.episodic.StoreEpisode(ctx, store.Episode{
			URL:              v.URL,
			Domain:           visit.Domain(v.URL),
			PageType:         string(base.PageType),
			Confidence:       base.Confidence,
			OriginalDecision: enhanced.FinalDecision,
			Reasoning:        episodeReasoning(base, enhanced, advice, actions),
			Features:         Features(v.RawContent),
		})
		if err != nil {
			return Verdict{}, fmt.Errorf("record episode for %s: %w", v.URL, err)
		}
		verdict.EpisodeID = episodeID
	}

	outcome := "reject"
	if enhanced.FinalDecision {
		outcome = "accept"
	}
	decisionsTotal.WithLabelValues(outcome).Inc()
	if f.policy.LogDecisions {
		f.logger.Info("Filter: %s %s (type=%s conf=%.2f boost=%+.2f): %s",
			outcome, v.URL, base.PageType, base.Confidence, enhanced.EpisodicConfidenceBoost, enhanced.DecisionReason)
	}
	return verdict, nil
}

// classify asks the model for the base verdict and validates the schema.
func (f *Filter) classify(ctx context.Context, v visit.Visit) (visit.Classification, error) {
	text := extract.Text(v.RawContent)
	runes := []rune(text)
	if len(runes) > classifySampleLen {
		text = string(runes[:classifySampleLen])
	}

	var c visit.Classification
	err := f.client.CompleteJSON(ctx, llm.Request{
		System: classificationSystemPrompt,
		Prompt: fmt.Sprintf("URL: %s\n\nContent:\n%s", v.URL, text),
	}, &c)
	if err != nil {
		return visit.Classification{}, fmt.Errorf("classify %s: %w", v.URL, err)
	}
	if err := c.Validate(); err != nil {
		return visit.Classification{}, pkmderrors.Permanent(err, "classification does not conform")
	}
	return c, nil
}

// compose applies the decision precedence: procedural reject, procedural
// accept, episodic override, then the confidence threshold path.
func (f *Filter) compose(e *visit.EnhancedClassification, advice memory.Advice, actions []memory.Action) {
	for _, a := range actions {
		if a.Action == "reject" {
			e.FinalDecision = false
			e.DecisionReason = "rejected by rule " + a.RuleName
			return
		}
	}
	for _, a := range actions {
		if a.Action == "accept" {
			e.FinalDecision = true
			e.DecisionReason = "accepted by rule " + a.RuleName
			return
		}
	}
	if advice.Override != nil {
		e.FinalDecision = *advice.Override
		e.DecisionReason = advice.Reason
		return
	}

	adjusted := e.AdjustedConfidence()
	for _, a := range actions {
		if a.Action == "priority_boost" {
			adjusted += priorityBoost
		}
	}
	if adjusted > 1 {
		adjusted = 1
	}

	switch {
	case !f.policy.allows(e.PageType):
		e.FinalDecision = false
		e.DecisionReason = fmt.Sprintf("page type %s not in allowed set", e.PageType)
	case adjusted < f.policy.MinConfidence:
		e.FinalDecision = false
		e.DecisionReason = fmt.Sprintf("confidence %.2f below threshold %.2f", adjusted, f.policy.MinConfidence)
	case !e.ShouldProcess:
		e.FinalDecision = false
		e.DecisionReason = "model advised against processing"
	default:
		e.FinalDecision = true
		e.DecisionReason = fmt.Sprintf("%s page at confidence %.2f", e.PageType, adjusted)
	}
}

// episodeReasoning picks what the episode remembers. A verdict decided by a
// rule or an episodic override stores the composed reason, which names the
// rule or pattern; otherwise the model's own reasoning stands.
func episodeReasoning(base visit.Classification, e visit.EnhancedClassification,
	advice memory.Advice, actions []memory.Action) string {
	for _, a := range actions {
		if a.Action == "reject" || a.Action == "accept" {
			return e.DecisionReason
		}
	}
	if advice.Override != nil {
		return e.DecisionReason
	}
	return base.Reasoning
}

// evaluationContext builds the dotted-path context procedural rules match
// against.
func evaluationContext(v visit.Visit, e visit.EnhancedClassification) map[string]any {
	features := Features(v.RawContent)
	return map[string]any{
		"url":        v.URL,
		"domain":     visit.Domain(v.URL),
		"page_type":  string(e.PageType),
		"confidence": e.AdjustedConfidence(),
		"reasoning":  e.Reasoning,
		"title":      features.Title,
		"content": map[string]any{
			"sample":           features.ContentSample,
			"word_count":       features.WordCount,
			"has_code_blocks":  features.HasCodeBlocks,
			"link_density":     features.LinkDensity,
			"meta_description": features.MetaDescription,
		},
		"tags": strings.Join(e.Tags, ","),
	}
}
