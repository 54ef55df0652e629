// Package articles loads the article list page by page for one session.
//
// A Loader holds the list for the current search term and mirrors it into
// session storage after every change, so a returning visitor with the same
// term gets the list back without refetching. The storage holds a single
// entry: loading a different term overwrites it.
package articles

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/andseven/blog/internal/notify"
	"github.com/andseven/blog/internal/store"
)

const (
	PageSize = 12

	// Session storage keys.
	ListCacheKey  = "articleListState"
	SearchTermKey = "searchTermCache"
)

// ErrBusy is returned by FetchPage while another page is loading.
var ErrBusy = errors.New("a page is already loading")

type ArticleSource interface {
	FindArticles(ctx context.Context, q store.ArticleQuery) ([]store.Article, error)
}

// SessionStorage is a per-session key/value store. Get reports false when
// the key is absent.
type SessionStorage interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// ListState is the cached list entry.
type ListState struct {
	SearchTerm string          `json:"searchTerm"`
	Articles   []store.Article `json:"articles"`
	Page       int             `json:"page"`
	HasMore    bool            `json:"hasMore"`
}

type View struct {
	ListState
	Loading bool `json:"loading"`
}

type Options struct {
	PageSize int
	Sink     notify.Sink
	Logger   zerolog.Logger
}

type Loader struct {
	source   ArticleSource
	cache    SessionStorage
	pageSize int
	sink     notify.Sink
	logger   zerolog.Logger

	mu      sync.Mutex
	state   ListState
	loading bool
	// epoch changes on every reset; fetches issued under an older epoch
	// are discarded when they return.
	epoch uint64
}

func NewLoader(source ArticleSource, cache SessionStorage, opts Options) *Loader {
	if opts.PageSize <= 0 {
		opts.PageSize = PageSize
	}
	if opts.Sink == nil {
		opts.Sink = notify.Discard
	}
	return &Loader{
		source:   source,
		cache:    cache,
		pageSize: opts.PageSize,
		sink:     opts.Sink,
		logger:   opts.Logger,
		state:    ListState{Articles: []store.Article{}, HasMore: true},
	}
}

// Initialize restores the cached list when it was built for exactly this
// search term. Otherwise the list is reset and page 0 is fetched.
func (l *Loader) Initialize(ctx context.Context, searchTerm string) error {
	if cached, ok := l.loadCached(ctx); ok && cached.SearchTerm == searchTerm {
		l.mu.Lock()
		l.epoch++
		l.state = cached
		l.loading = false
		l.mu.Unlock()
		l.logger.Debug().
			Str("search_term", searchTerm).
			Int("articles", len(cached.Articles)).
			Int("page", cached.Page).
			Msg("list restored from session cache")
		return nil
	}

	l.mu.Lock()
	l.epoch++
	l.state = ListState{SearchTerm: searchTerm, Articles: []store.Article{}, HasMore: true}
	l.loading = false
	l.saveLocked(ctx)
	l.mu.Unlock()

	return l.FetchPage(ctx, 0)
}

// FetchPage loads one page for the current search term. Page 0 replaces
// the list, later pages append to it. hasMore is true when the page came
// back full, so a total that is an exact multiple of the page size costs
// one extra, empty fetch.
func (l *Loader) FetchPage(ctx context.Context, page int) error {
	if page < 0 {
		page = 0
	}

	l.mu.Lock()
	if l.loading {
		l.mu.Unlock()
		return ErrBusy
	}
	req := l.beginLocked(page)
	l.mu.Unlock()

	return l.fetch(ctx, req)
}

// pageRequest pins a fetch to the term and epoch current when it was issued.
type pageRequest struct {
	page  int
	term  string
	epoch uint64
}

// beginLocked must be called with l.mu held.
func (l *Loader) beginLocked(page int) pageRequest {
	l.loading = true
	return pageRequest{page: page, term: l.state.SearchTerm, epoch: l.epoch}
}

func (l *Loader) fetch(ctx context.Context, req pageRequest) error {
	page, term, epoch := req.page, req.term, req.epoch

	q := store.ArticleQuery{
		OrderBy:    "date",
		Descending: true,
		Offset:     page * l.pageSize,
		Limit:      l.pageSize,
	}
	if term != "" {
		q.Title = store.TitleRegex(term)
	}
	items, err := l.source.FindArticles(ctx, q)

	l.mu.Lock()
	defer l.mu.Unlock()

	if epoch != l.epoch {
		l.logger.Debug().
			Str("search_term", term).
			Int("page", page).
			Msg("discarding page fetched for a previous search")
		return nil
	}
	l.loading = false

	if err != nil {
		l.logger.Error().Err(err).Str("search_term", term).Int("page", page).Msg("fetch articles failed")
		notify.Error(l.sink, "Failed to load articles, please try again later.")
		return err
	}

	if page == 0 {
		l.state.Articles = items
	} else {
		merged := make([]store.Article, 0, len(l.state.Articles)+len(items))
		merged = append(merged, l.state.Articles...)
		l.state.Articles = append(merged, items...)
	}
	if l.state.Articles == nil {
		l.state.Articles = []store.Article{}
	}
	l.state.HasMore = len(items) == l.pageSize
	l.state.Page = page + 1

	l.logger.Debug().
		Str("search_term", term).
		Int("page", page).
		Int("returned", len(items)).
		Bool("has_more", l.state.HasMore).
		Msg("page loaded")
	l.saveLocked(ctx)
	return nil
}

// SentinelVisible is called when the end of the rendered list scrolls
// into view. It fetches the next page unless one is loading or the list is
// known to be complete, and reports whether a fetch was issued.
func (l *Loader) SentinelVisible(ctx context.Context) (bool, error) {
	l.mu.Lock()
	if l.loading || !l.state.HasMore {
		l.mu.Unlock()
		return false, nil
	}
	req := l.beginLocked(l.state.Page)
	l.mu.Unlock()

	return true, l.fetch(ctx, req)
}

func (l *Loader) View() View {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.state
	state.Articles = append([]store.Article(nil), l.state.Articles...)
	if state.Articles == nil {
		state.Articles = []store.Article{}
	}
	return View{ListState: state, Loading: l.loading}
}

// RememberSearchTerm stores the term the visitor last typed.
func (l *Loader) RememberSearchTerm(ctx context.Context, term string) error {
	raw, err := json.Marshal(term)
	if err != nil {
		return err
	}
	if err := l.cache.Set(ctx, SearchTermKey, raw); err != nil {
		l.logger.Warn().Err(err).Msg("save search term failed")
		return err
	}
	return nil
}

// CachedSearchTerm returns the remembered term, or "" when none is stored
// or it cannot be read.
func (l *Loader) CachedSearchTerm(ctx context.Context) string {
	raw, ok, err := l.cache.Get(ctx, SearchTermKey)
	if err != nil {
		l.logger.Warn().Err(err).Msg("load search term failed")
		return ""
	}
	if !ok {
		return ""
	}
	var term string
	if err := json.Unmarshal(raw, &term); err != nil {
		l.logger.Warn().Err(err).Msg("decode search term failed")
		return ""
	}
	return term
}

func (l *Loader) loadCached(ctx context.Context) (ListState, bool) {
	raw, ok, err := l.cache.Get(ctx, ListCacheKey)
	if err != nil {
		l.logger.Warn().Err(err).Msg("load list cache failed")
		return ListState{}, false
	}
	if !ok {
		return ListState{}, false
	}
	// Dates are stored as RFC 3339 strings and decode back into time.Time.
	var state ListState
	if err := json.Unmarshal(raw, &state); err != nil {
		l.logger.Warn().Err(err).Msg("decode list cache failed")
		return ListState{}, false
	}
	if state.Articles == nil {
		state.Articles = []store.Article{}
	}
	return state, true
}

// saveLocked must be called with l.mu held. Write failures are logged and
// otherwise ignored.
func (l *Loader) saveLocked(ctx context.Context) {
	raw, err := json.Marshal(l.state)
	if err != nil {
		l.logger.Warn().Err(err).Msg("encode list cache failed")
		return
	}
	if err := l.cache.Set(ctx, ListCacheKey, raw); err != nil {
		l.logger.Warn().Err(err).Msg("save list cache failed")
	}
}
