package search

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/andseven/blog/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	primary  Engine
	fallback Searcher
	records  RecordLoader
	logger   zerolog.Logger
}

// NewService creates a search service. primary may be nil if Meilisearch is
// not configured; records may be nil when reindexing is not needed.
func NewService(primary Engine, fallback Searcher, records RecordLoader, logger zerolog.Logger) *Service {
	s := &Service{fallback: fallback, records: records, logger: logger}
	// A typed nil *Meili must not end up as a non-nil interface.
	if m, ok := primary.(*Meili); !ok || m != nil {
		s.primary = primary
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(ctx context.Context, q Query) Response {
	q = normalizeQuery(q)
	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "meilisearch"}
		}
		s.logger.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error().Err(err).Msg("pgfts error")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text, Engine: "postgres"}
}

// IndexArticle indexes an article (fire-and-forget to Meilisearch).
func (s *Service) IndexArticle(a store.Article) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	record := RecordFromArticle(a)
	go func() {
		if err := s.primary.IndexArticles([]ArticleRecord{record}); err != nil {
			s.logger.Warn().Err(err).Str("article_id", record.ID).Msg("index article")
		}
	}()
}

// ReindexAllFromPG pushes every article from PostgreSQL into Meilisearch and
// reports how many were sent.
func (s *Service) ReindexAllFromPG(ctx context.Context) (int, error) {
	if s.primary == nil || !s.primary.Healthy() || s.records == nil {
		return 0, nil
	}
	records, err := s.records.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("reindex load failed")
		return 0, err
	}
	if err := s.primary.IndexArticles(records); err != nil {
		s.logger.Error().Err(err).Msg("reindex articles")
		return 0, err
	}
	s.logger.Info().Int("articles", len(records)).Msg("reindexed articles")
	return len(records), nil
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
