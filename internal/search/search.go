package search

import (
	"context"
	"time"

	"github.com/andseven/blog/internal/store"
)

// Result is a single search hit returned to the caller.
type Result struct {
	ID      string    `json:"id"`
	Title   string    `json:"title"`
	Snippet string    `json:"snippet"`
	Author  string    `json:"author"`
	Date    time.Time `json:"date"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
	Engine  string   `json:"engine,omitempty"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Engine is a searcher that also accepts index writes.
type Engine interface {
	Searcher
	IndexArticles(records []ArticleRecord) error
}

// RecordLoader reads every indexable article.
type RecordLoader interface {
	LoadAllRecords(ctx context.Context) ([]ArticleRecord, error)
}

// ArticleRecord is the data we index for an article.
type ArticleRecord struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Author  string `json:"author"`
	// Date is unix seconds so the index can sort on it.
	Date int64 `json:"date"`
}

func RecordFromArticle(a store.Article) ArticleRecord {
	return ArticleRecord{
		ID:      a.ID,
		Title:   a.Title,
		Summary: a.Summary,
		Author:  a.Author,
		Date:    a.Date.Unix(),
	}
}

func normalizeQuery(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = 20
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
