// Package visit holds the domain types shared across the capture pipeline:
// observed page loads, their LLM-produced analyses, and filter verdicts.
package visit

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// PageType classifies what kind of page a visit landed on.
type PageType string

const (
	PageTypeKnowledge      PageType = "knowledge"
	PageTypeInteractiveApp PageType = "interactive_app"
	PageTypeAggregator     PageType = "aggregator"
	PageTypeLeisure        PageType = "leisure"
	PageTypeNavigation     PageType = "navigation"
	PageTypeOther          PageType = "other"
)

// ValidPageType reports whether t is a known page type.
func ValidPageType(t PageType) bool {
	switch t {
	case PageTypeKnowledge, PageTypeInteractiveApp, PageTypeAggregator,
		PageTypeLeisure, PageTypeNavigation, PageTypeOther:
		return true
	}
	return false
}

// Visit is one observed page load. The (URL, PageLoadedAt) pair uniquely
// determines ID; rows are created on intake and mutated only to attach a
// tree id.
type Visit struct {
	ID                string
	URL               string
	PageLoadedAt      time.Time
	Referrer          string
	ReferrerTimestamp time.Time // zero when unknown
	OpenerTabID       int       // transient; <= 0 means none
	TabID             int       // transient; <= 0 means unknown
	RawContent        string    // decompressed HTML, never persisted relationally
	TreeID            string
}

// ID derives the deterministic visit id from the url and the page load
// timestamp exactly as submitted by the browser companion.
func ID(url, pageLoadedAt string) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%s:%s", url, pageLoadedAt)))
	return hex.EncodeToString(sum[:])
}

// Domain extracts the lowercased host of a URL, or "" when unparseable.
func Domain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Host)
}

// PageAnalysis is the LLM-produced metadata for a visit. Written once when
// the workflow accepts the page; never mutated in place.
type PageAnalysis struct {
	VisitID    string
	Title      string
	Summary    string
	Intentions []string
}

// Classification is the base filter verdict returned by the LLM.
type Classification struct {
	PageType      PageType `json:"page_type"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
	ShouldProcess bool     `json:"should_process"`
}

// Validate checks the structured LLM output against the schema.
func (c Classification) Validate() error {
	if !ValidPageType(c.PageType) {
		return fmt.Errorf("unknown page_type %q", c.PageType)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %v outside [0,1]", c.Confidence)
	}
	return nil
}

// EnhancedClassification combines the LLM verdict with episodic and
// procedural adjustments into the final decision. Built inside a single
// workflow invocation, then persisted as an episode and discarded.
type EnhancedClassification struct {
	Classification

	EpisodicConfidenceBoost float64
	ProceduralActions       []string
	AppliedRules            []string
	Tags                    []string
	FinalDecision           bool
	DecisionReason          string
}

// AdjustedConfidence returns the base confidence with the episodic boost
// applied, clamped to [0, 1].
func (c EnhancedClassification) AdjustedConfidence() float64 {
	v := c.Confidence + c.EpisodicConfidenceBoost
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
