// Package rag defines the retrieval collaborator consumed by the control
// plane. Chunking, embedding and ranking live behind Retriever.
package rag

import (
	"context"
	"sort"
	"strings"
	"sync"
)

type Document struct {
	ID          string         `json:"id"`
	Content     string         `json:"content"`
	Score       float64        `json:"score"`
	DocName     string         `json:"docName,omitempty"`
	KnowledgeID string         `json:"knowledgeId,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

type Result struct {
	Query     string     `json:"query"`
	Documents []Document `json:"documents"`
	Summary   string     `json:"summary,omitempty"`
}

func (r Result) Count() int { return len(r.Documents) }

func (r Result) Empty() bool { return len(r.Documents) == 0 }

// Retriever finds documents for query within the given knowledge sources.
type Retriever interface {
	Retrieve(ctx context.Context, query string, sources []string, cfg Config) (Result, error)
}

type RetrieverFunc func(ctx context.Context, query string, sources []string, cfg Config) (Result, error)

func (f RetrieverFunc) Retrieve(ctx context.Context, query string, sources []string, cfg Config) (Result, error) {
	return f(ctx, query, sources, cfg)
}

// Source describes one knowledge base.
type Source struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Catalog resolves knowledge source metadata in one batch. Unknown ids are
// omitted from the result.
type Catalog interface {
	LookupSources(ctx context.Context, ids []string) (map[string]Source, error)
}

// StaticCatalog is a fixed, in-memory Catalog.
type StaticCatalog map[string]Source

func (c StaticCatalog) LookupSources(_ context.Context, ids []string) (map[string]Source, error) {
	out := make(map[string]Source, len(ids))
	for _, id := range ids {
		if src, ok := c[id]; ok {
			out[id] = src
		}
	}
	return out, nil
}

// KeywordRetriever scores stored documents by the share of query terms they
// contain. It is a dependency-free stand-in for a real vector retriever.
type KeywordRetriever struct {
	mu   sync.RWMutex
	docs map[string][]Document // knowledge id -> documents
}

func NewKeywordRetriever() *KeywordRetriever {
	return &KeywordRetriever{docs: map[string][]Document{}}
}

func (k *KeywordRetriever) Add(knowledgeID string, docs ...Document) {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, d := range docs {
		d.KnowledgeID = knowledgeID
		k.docs[knowledgeID] = append(k.docs[knowledgeID], d)
	}
}

func (k *KeywordRetriever) Retrieve(ctx context.Context, query string, sources []string, cfg Config) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	terms := strings.Fields(strings.ToLower(query))
	out := Result{Query: query}
	if len(terms) == 0 {
		return out, nil
	}

	k.mu.RLock()
	defer k.mu.RUnlock()
	for _, src := range sources {
		for _, d := range k.docs[src] {
			content := strings.ToLower(d.Content)
			hits := 0
			for _, t := range terms {
				if strings.Contains(content, t) {
					hits++
				}
			}
			if hits == 0 {
				continue
			}
			d.Score = float64(hits) / float64(len(terms))
			out.Documents = append(out.Documents, d)
		}
	}
	sort.SliceStable(out.Documents, func(i, j int) bool { return out.Documents[i].Score > out.Documents[j].Score })
	return ApplyLimits(out, cfg), nil
}
