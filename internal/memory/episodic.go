// Package memory holds the two learning stores that bias classification:
// episodic memory (past decisions and user corrections) and procedural
// memory (user-defined rules).
package memory

import (
	"context"
	"fmt"

	"github.com/segmentio/ksuid"

	"pkmd/internal/logging"
	"pkmd/internal/store"
	"pkmd/internal/vector"
	"pkmd/internal/visit"
)

// boostWeight scales the accept/reject balance of similar past decisions.
const boostWeight = 0.2

// domainOverrideMinCorrections is the correction count at which a domain
// pattern can override a decision outright.
const domainOverrideMinCorrections = 3

// Episodic records classification outcomes and answers similarity and
// domain lookups against them. The relational store is the source of truth;
// the vector collection is an index that degrades to domain search.
type Episodic struct {
	store   *store.Store
	vectors *vector.Store
	logger  logging.Logger
}

// NewEpisodic builds the episodic memory over both stores.
func NewEpisodic(s *store.Store, v *vector.Store, logger logging.Logger) *Episodic {
	return &Episodic{store: s, vectors: v, logger: logging.OrNop(logger)}
}

// StoreEpisode persists one decision and indexes it for similarity search.
// Returns the episode id.
func (m *Episodic) StoreEpisode(ctx context.Context, ep store.Episode) (string, error) {
	if ep.ID == "" {
		ep.ID = ksuid.New().String()
	}
	if ep.Domain == "" {
		ep.Domain = visit.Domain(ep.URL)
	}
	if err := m.store.InsertEpisode(ctx, ep); err != nil {
		return "", err
	}

	if m.vectors != nil {
		err := m.vectors.Add(ctx, vector.CollectionEpisodes, vector.Document{
			ID:       ep.ID,
			Sections: []string{ep.URL, ep.PageType, ep.Reasoning, ep.Features.Title, ep.Features.ContentSample},
			Metadata: map[string]string{
				"domain":    ep.Domain,
				"page_type": ep.PageType,
				"decision":  fmt.Sprintf("%t", ep.OriginalDecision),
			},
		})
		if err != nil {
			// Domain fallback still works without the embedding.
			m.logger.Warn("Episodic: index episode %s: %v", ep.ID, err)
		}
	}
	return ep.ID, nil
}

// AddUserCorrection attaches a correction to a stored episode. The original
// verdict stays untouched.
func (m *Episodic) AddUserCorrection(ctx context.Context, episodeID string, c store.Correction) error {
	return m.store.AddCorrection(ctx, episodeID, c)
}

// FindSimilar returns episodes semantically close to the given page. When
// the vector index is empty or failing it falls back to same-domain search.
func (m *Episodic) FindSimilar(ctx context.Context, url, content string, limit int) ([]store.Episode, error) {
	if limit <= 0 {
		limit = 5
	}
	if m.vectors != nil {
		hits, err := m.vectors.Query(ctx, vector.CollectionEpisodes, url+" "+content, limit, nil)
		if err != nil {
			m.logger.Warn("Episodic: similarity query failed, falling back to domain: %v", err)
		} else if len(hits) > 0 {
			ids := make([]string, len(hits))
			for i, h := range hits {
				ids[i] = h.ID
			}
			return m.store.EpisodesByIDs(ctx, ids)
		}
	}
	return m.store.EpisodesByDomain(ctx, visit.Domain(url), limit)
}

// GetByDomain returns recent episodes for a domain, newest first.
func (m *Episodic) GetByDomain(ctx context.Context, domain string, limit int) ([]store.Episode, error) {
	return m.store.EpisodesByDomain(ctx, domain, limit)
}

// GetSimilarDecisions returns past episodes on the url's domain with the
// given page type whose effective decision matches accepted.
func (m *Episodic) GetSimilarDecisions(ctx context.Context, url, pageType string, accepted bool) ([]store.Episode, error) {
	return m.store.SimilarDecisions(ctx, visit.Domain(url), pageType, accepted, 20)
}

// Statistics summarizes the episodic table.
func (m *Episodic) Statistics(ctx context.Context) (store.EpisodeStats, error) {
	return m.store.EpisodeStatistics(ctx)
}

// Advice is episodic memory's contribution to one classification.
type Advice struct {
	Boost    float64 // added to base confidence before clamping
	Override *bool   // non-nil forces the final decision
	Reason   string
}

// Advise computes the confidence boost and any decision override for a page
// about to be classified. baseDecision is what the classifier would decide
// without memory.
func (m *Episodic) Advise(ctx context.Context, url, pageType string, baseDecision bool) (Advice, error) {
	domain := visit.Domain(url)

	accepted, err := m.store.SimilarDecisions(ctx, domain, pageType, true, 20)
	if err != nil {
		return Advice{}, err
	}
	rejected, err := m.store.SimilarDecisions(ctx, domain, pageType, false, 20)
	if err != nil {
		return Advice{}, err
	}

	var advice Advice
	a, r := len(accepted), len(rejected)
	if t := a + r; t > 0 {
		advice.Boost = float64(a-r) / float64(t) * boostWeight
		advice.Reason = fmt.Sprintf("%d of %d similar past decisions accepted", a, t)
	}

	// Corrections among the similar episodes that contradict the base
	// decision: two that agree are enough to override it.
	contra := 0
	for _, ep := range append(accepted, rejected...) {
		if ep.Correction != nil && ep.Correction.Decision != baseDecision {
			contra++
		}
	}
	if contra >= 2 {
		flipped := !baseDecision
		advice.Override = &flipped
		advice.Reason = fmt.Sprintf("%d similar user corrections contradict the %s decision", contra, decisionWord(baseDecision))
	}

	// Domain-level pattern: a strong correction trend on the whole domain
	// outweighs the per-type signal.
	if domain != "" {
		if domAdvice, ok, err := m.domainPattern(ctx, domain); err != nil {
			return Advice{}, err
		} else if ok {
			advice = domAdvice
		}
	}
	return advice, nil
}

// domainPattern checks for >= 3 corrections on the domain with a ratio
// above 2:1 in one direction. When it fires the boost is a fixed +/- 0.2
// and the decision is forced.
func (m *Episodic) domainPattern(ctx context.Context, domain string) (Advice, bool, error) {
	episodes, err := m.store.EpisodesByDomain(ctx, domain, 50)
	if err != nil {
		return Advice{}, false, err
	}
	towardAccept, towardReject := 0, 0
	for _, ep := range episodes {
		if ep.Correction == nil {
			continue
		}
		if ep.Correction.Decision {
			towardAccept++
		} else {
			towardReject++
		}
	}
	total := towardAccept + towardReject
	if total < domainOverrideMinCorrections {
		return Advice{}, false, nil
	}

	var decision bool
	var count int
	switch {
	case towardAccept > 2*towardReject:
		decision, count = true, towardAccept
	case towardReject > 2*towardAccept:
		decision, count = false, towardReject
	default:
		return Advice{}, false, nil
	}

	boost := boostWeight
	if !decision {
		boost = -boostWeight
	}
	return Advice{
		Boost:    boost,
		Override: &decision,
		Reason:   fmt.Sprintf("domain pattern: %d corrections toward %s on %s", count, decisionWord(decision), domain),
	}, true, nil
}

func decisionWord(accepted bool) string {
	if accepted {
		return "accept"
	}
	return "reject"
}
