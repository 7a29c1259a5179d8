// Package knowledge is the embedded vector knowledge base used to ground
// agent prompts. Documents live in a chromem-go collection, optionally
// persisted to disk; recent search results are served from an LRU cache.
package knowledge

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	chromem "github.com/philippgille/chromem-go"
	openai "github.com/sashabaranov/go-openai"

	"github.com/tutu-network/devpilot/internal/domain"
	"github.com/tutu-network/devpilot/internal/infra/metrics"
)

// PersistSubdir is the chromem-go directory under Config.PersistDir.
const PersistSubdir = "knowledge"

const (
	defaultCollection = "devpilot"
	defaultTopK       = 5
	defaultCacheSize  = 512
)

// Config configures a Store.
type Config struct {
	PersistDir string // empty keeps the collection in memory
	Collection string
	Embed      chromem.EmbeddingFunc
	CacheSize  int
	Logger     *slog.Logger
}

// Store implements domain.KnowledgeBase.
type Store struct {
	db     *chromem.DB
	coll   *chromem.Collection
	cache  *lru.Cache[string, []domain.KnowledgeHit]
	logger *slog.Logger
}

var _ domain.KnowledgeBase = (*Store)(nil)

// Open creates or loads the collection.
func Open(cfg Config) (*Store, error) {
	if cfg.Embed == nil {
		return nil, fmt.Errorf("knowledge: embedding function required")
	}
	if cfg.Collection == "" {
		cfg.Collection = defaultCollection
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = defaultCacheSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	db := chromem.NewDB()
	if cfg.PersistDir != "" {
		var err error
		db, err = chromem.NewPersistentDB(filepath.Join(cfg.PersistDir, PersistSubdir), false)
		if err != nil {
			return nil, fmt.Errorf("open persistent knowledge db: %w", err)
		}
	}
	coll, err := db.GetOrCreateCollection(cfg.Collection, nil, cfg.Embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	cache, err := lru.New[string, []domain.KnowledgeHit](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Store{db: db, coll: coll, cache: cache, logger: cfg.Logger.With("component", "knowledge")}, nil
}

// OpenAIEmbedding returns an embedding function backed by an
// OpenAI-compatible embeddings endpoint.
func OpenAIEmbedding(baseURL, apiKey, model string) chromem.EmbeddingFunc {
	oc := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		oc.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	client := openai.NewClientWithConfig(oc)
	return func(ctx context.Context, text string) ([]float32, error) {
		resp, err := client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
			Input: []string{text},
			Model: openai.EmbeddingModel(model),
		})
		if err != nil {
			return nil, fmt.Errorf("create embedding: %w", err)
		}
		if len(resp.Data) == 0 {
			return nil, fmt.Errorf("create embedding: empty response")
		}
		return resp.Data[0].Embedding, nil
	}
}

// Add stores (or replaces) one document.
func (s *Store) Add(ctx context.Context, id, content string, meta domain.KnowledgeMetadata) error {
	if meta.UpdatedAt.IsZero() {
		meta.UpdatedAt = time.Now().UTC()
	}
	err := s.coll.AddDocument(ctx, chromem.Document{
		ID:       id,
		Content:  content,
		Metadata: encodeMetadata(meta),
	})
	if err != nil {
		return fmt.Errorf("add document %s: %w", id, err)
	}
	s.cache.Purge()
	return nil
}

// Count returns the number of stored documents.
func (s *Store) Count() int {
	return s.coll.Count()
}

// Search returns the topK most similar documents. An empty collection
// yields no hits; topK is clamped to the collection size.
func (s *Store) Search(ctx context.Context, query string, topK int) ([]domain.KnowledgeHit, error) {
	if topK <= 0 {
		topK = defaultTopK
	}
	n := s.coll.Count()
	if n == 0 || strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if topK > n {
		topK = n
	}

	key := fmt.Sprintf("%d\x00%s", topK, query)
	if hits, ok := s.cache.Get(key); ok {
		return append([]domain.KnowledgeHit(nil), hits...), nil
	}

	results, err := s.coll.Query(ctx, query, topK, nil, nil)
	if err != nil {
		metrics.KnowledgeSearchErrors.Inc()
		return nil, fmt.Errorf("query knowledge base: %w", err)
	}
	hits := make([]domain.KnowledgeHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, domain.KnowledgeHit{
			ID:       r.ID,
			Content:  r.Content,
			Metadata: decodeMetadata(r.Metadata),
			Score:    r.Similarity,
		})
	}
	s.cache.Add(key, hits)
	return append([]domain.KnowledgeHit(nil), hits...), nil
}

// ─── Metadata ───────────────────────────────────────────────────────────────

func encodeMetadata(m domain.KnowledgeMetadata) map[string]string {
	return map[string]string{
		"filename":   m.Filename,
		"category":   m.Category,
		"title":      m.Title,
		"tags":       strings.Join(m.Tags, ","),
		"updated_at": m.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func decodeMetadata(raw map[string]string) domain.KnowledgeMetadata {
	m := domain.KnowledgeMetadata{
		Filename: raw["filename"],
		Category: raw["category"],
		Title:    raw["title"],
	}
	if tags := raw["tags"]; tags != "" {
		m.Tags = strings.Split(tags, ",")
	}
	if t, err := time.Parse(time.RFC3339, raw["updated_at"]); err == nil {
		m.UpdatedAt = t
	}
	return m
}
