// Package vector is the semantic half of the persistence layer. Payloads are
// stored as delimited sections so a retrieved document can be split back into
// its fields without a second lookup.
package vector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"pkmd/internal/llm"
	"pkmd/internal/logging"
)

// Collection names. Each holds one kind of payload.
const (
	CollectionNoteDescriptions = "note_descriptions"
	CollectionWebpageContent   = "webpage_content"
	CollectionEpisodes         = "episodic_memory"
)

// SectionSeparator joins payload sections into a single embedded document.
const SectionSeparator = "|||"

// Document is a payload to be embedded and stored.
type Document struct {
	ID       string
	Sections []string
	Metadata map[string]string
}

// Result is one similarity hit.
type Result struct {
	ID         string
	Content    string
	Metadata   map[string]string
	Similarity float32
}

// Sections splits a result's content back into the sections it was stored
// with.
func (r Result) Sections() []string {
	return strings.Split(r.Content, SectionSeparator)
}

// Store wraps a chromem database with lazily created collections.
type Store struct {
	db       *chromem.DB
	embedder llm.Embedder
	logger   logging.Logger

	mu          sync.Mutex
	collections map[string]*chromem.Collection
}

// Open creates or opens a store persisted under dir. An empty dir gives an
// in-memory store, used by tests.
func Open(dir string, embedder llm.Embedder, logger logging.Logger) (*Store, error) {
	var db *chromem.DB
	var err error
	if dir != "" {
		db, err = chromem.NewPersistentDB(dir, false)
		if err != nil {
			return nil, fmt.Errorf("open vector store: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}
	return &Store{
		db:          db,
		embedder:    embedder,
		logger:      logging.OrNop(logger),
		collections: make(map[string]*chromem.Collection),
	}, nil
}

func (s *Store) collection(name string) (*chromem.Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.collections[name]; ok {
		return c, nil
	}
	embedFn := func(ctx context.Context, text string) ([]float32, error) {
		return s.embedder.Embed(ctx, text)
	}
	c, err := s.db.GetOrCreateCollection(name, nil, embedFn)
	if err != nil {
		return nil, fmt.Errorf("collection %s: %w", name, err)
	}
	s.collections[name] = c
	return c, nil
}

// Add embeds and stores one document. Re-adding an ID overwrites the previous
// payload.
func (s *Store) Add(ctx context.Context, collection string, doc Document) error {
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	err = c.AddDocument(ctx, chromem.Document{
		ID:       doc.ID,
		Content:  strings.Join(doc.Sections, SectionSeparator),
		Metadata: doc.Metadata,
	})
	if err != nil {
		return fmt.Errorf("add document %s to %s: %w", doc.ID, collection, err)
	}
	return nil
}

// Query returns up to topK documents similar to text, optionally filtered by
// metadata equality.
func (s *Store) Query(ctx context.Context, collection, text string, topK int, where map[string]string) ([]Result, error) {
	c, err := s.collection(collection)
	if err != nil {
		return nil, err
	}
	// chromem rejects queries asking for more results than stored documents.
	n := c.Count()
	if n == 0 {
		return nil, nil
	}
	if topK <= 0 || topK > n {
		topK = n
	}

	hits, err := c.Query(ctx, text, topK, where, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", collection, err)
	}
	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			ID:         h.ID,
			Content:    h.Content,
			Metadata:   h.Metadata,
			Similarity: h.Similarity,
		})
	}
	return results, nil
}

// Delete removes documents by ID.
func (s *Store) Delete(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	c, err := s.collection(collection)
	if err != nil {
		return err
	}
	if err := c.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("delete from %s: %w", collection, err)
	}
	return nil
}

// Count returns the number of documents in a collection.
func (s *Store) Count(collection string) int {
	c, err := s.collection(collection)
	if err != nil {
		s.logger.Warn("Store: count %s: %v", collection, err)
		return 0
	}
	return c.Count()
}
