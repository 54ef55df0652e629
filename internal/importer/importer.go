// Package importer loads articles in bulk: Markdown files split on "### "
// headings, and JSON seed files.
package importer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/andseven/blog/internal/store"
	"github.com/andseven/blog/internal/util"
)

const (
	// Author is recorded on every article created from a Markdown import.
	Author = "batch import"

	headingPrefix = "### "
	summaryRunes  = 100
)

var ErrNoArticles = errors.New("no articles found: each article must start with a line beginning with '### '")

type Store interface {
	ListTitles(ctx context.Context, offset, limit int) ([]string, error)
	AddArticle(ctx context.Context, item store.Article) (string, error)
}

// Draft is one article parsed from a Markdown file.
type Draft struct {
	Title   string
	Content string
	Summary string
}

type Report struct {
	Parsed   int `json:"parsed"`
	Inserted int `json:"inserted"`
	Skipped  int `json:"skipped"`
}

type Options struct {
	// OnInsert is called after each article is stored, e.g. to index it.
	OnInsert func(store.Article)
	Logger   zerolog.Logger
	Now      func() time.Time
}

type Importer struct {
	store    Store
	onInsert func(store.Article)
	logger   zerolog.Logger
	now      func() time.Time
}

func New(s Store, opts Options) *Importer {
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.OnInsert == nil {
		opts.OnInsert = func(store.Article) {}
	}
	return &Importer{store: s, onInsert: opts.OnInsert, logger: opts.Logger, now: opts.Now}
}

// Parse splits content into articles. Text before the first heading is
// ignored. The title is the rest of the heading line; the content keeps the
// heading.
func Parse(content string) ([]Draft, error) {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	if strings.HasPrefix(content, headingPrefix) {
		content = "\n" + content
	}
	chunks := strings.Split(content, "\n"+headingPrefix)
	if len(chunks) < 2 {
		return nil, ErrNoArticles
	}

	drafts := make([]Draft, 0, len(chunks)-1)
	for _, chunk := range chunks[1:] {
		title := chunk
		if i := strings.IndexByte(chunk, '\n'); i >= 0 {
			title = chunk[:i]
		}
		body := headingPrefix + strings.TrimSpace(chunk)
		drafts = append(drafts, Draft{
			Title:   strings.TrimSpace(title),
			Content: body,
			Summary: Summarize(body),
		})
	}
	return drafts, nil
}

// Summarize returns the first 100 characters of content with runs of
// whitespace collapsed, followed by "...".
func Summarize(content string) string {
	runes := []rune(content)
	if len(runes) > summaryRunes {
		runes = runes[:summaryRunes]
	}
	return strings.Join(strings.Fields(string(runes)), " ") + "..."
}

// ExistingTitles pages through every stored title.
func (im *Importer) ExistingTitles(ctx context.Context) (map[string]struct{}, error) {
	titles := make(map[string]struct{})
	offset := 0
	for {
		page, err := im.store.ListTitles(ctx, offset, store.MaxTitleScan)
		if err != nil {
			return nil, fmt.Errorf("list titles at %d: %w", offset, err)
		}
		for _, title := range page {
			titles[title] = struct{}{}
		}
		offset += len(page)
		if len(page) < store.MaxTitleScan {
			return titles, nil
		}
	}
}

// Import adds every draft whose title is not stored yet, one at a time.
// Titles repeated within the same batch are inserted once.
func (im *Importer) Import(ctx context.Context, drafts []Draft) (Report, error) {
	report := Report{Parsed: len(drafts)}
	if len(drafts) == 0 {
		return report, ErrNoArticles
	}

	existing, err := im.ExistingTitles(ctx)
	if err != nil {
		return report, err
	}
	im.logger.Info().Int("existing", len(existing)).Int("parsed", len(drafts)).Msg("import started")

	for _, d := range drafts {
		if _, ok := existing[d.Title]; ok {
			report.Skipped++
			im.logger.Debug().Str("title", d.Title).Msg("title exists, skipping")
			continue
		}
		article := store.Article{
			ID:       util.NewID(""),
			Title:    d.Title,
			Author:   Author,
			Date:     im.now(),
			Content:  d.Content,
			Summary:  d.Summary,
			Comments: []*store.Comment{},
		}
		if _, err := im.store.AddArticle(ctx, article); err != nil {
			return report, fmt.Errorf("add %q: %w", d.Title, err)
		}
		existing[d.Title] = struct{}{}
		report.Inserted++
		im.onInsert(article)
	}

	im.logger.Info().Int("inserted", report.Inserted).Int("skipped", report.Skipped).Msg("import finished")
	return report, nil
}

// ImportMarkdown parses r and imports the result.
func (im *Importer) ImportMarkdown(ctx context.Context, r io.Reader) (Report, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return Report{}, fmt.Errorf("read markdown: %w", err)
	}
	drafts, err := Parse(string(raw))
	if err != nil {
		return Report{}, err
	}
	return im.Import(ctx, drafts)
}

// Seed inserts the articles of a JSON array as they are, comments
// included. Missing ids and dates are filled in.
func (im *Importer) Seed(ctx context.Context, r io.Reader) (Report, error) {
	var items []store.Article
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return Report{}, fmt.Errorf("decode seed file: %w", err)
	}
	report := Report{Parsed: len(items)}
	for _, item := range items {
		if item.ID == "" {
			item.ID = util.NewID("")
		}
		if item.Date.IsZero() {
			item.Date = im.now()
		}
		if item.Comments == nil {
			item.Comments = []*store.Comment{}
		}
		if _, err := im.store.AddArticle(ctx, item); err != nil {
			return report, fmt.Errorf("add %q: %w", item.Title, err)
		}
		report.Inserted++
		im.onInsert(item)
	}
	return report, nil
}
