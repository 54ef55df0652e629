package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

const ftsQuery = "plainto_tsquery('simple', $1)"

// buildSearchSQL returns the count and page queries over articles.fts.
// Both take the search text as $1.
func buildSearchSQL(q Query) (countSQL, dataSQL string) {
	countSQL = "SELECT count(*) FROM articles a WHERE a.fts @@ " + ftsQuery
	dataSQL = fmt.Sprintf(`SELECT a.id, a.title,
			ts_headline('simple', coalesce(a.summary, ''), %s, 'MaxFragments=1,MaxWords=30,StartSel=<mark>,StopSel=</mark>') AS snippet,
			a.author, a.date
		FROM articles a
		WHERE a.fts @@ %s
		ORDER BY ts_rank(a.fts, %s) DESC, a.date DESC
		LIMIT %d OFFSET %d`, ftsQuery, ftsQuery, ftsQuery, q.Limit, q.Offset)
	return countSQL, dataSQL
}

// Search ranks articles by ts_rank and highlights the summary with
// ts_headline.
func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalizeQuery(q)
	countSQL, dataSQL := buildSearchSQL(q)

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var (
			r    Result
			date time.Time
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.Snippet, &r.Author, &date); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Date = date.UTC()
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ArticleRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, summary, author, date
		FROM articles
		ORDER BY date DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("load articles: %w", err)
	}
	defer rows.Close()

	records := make([]ArticleRecord, 0)
	for rows.Next() {
		var (
			r    ArticleRecord
			date time.Time
		)
		if err := rows.Scan(&r.ID, &r.Title, &r.Summary, &r.Author, &date); err != nil {
			return nil, fmt.Errorf("scan article: %w", err)
		}
		r.Date = date.Unix()
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return records, nil
}
