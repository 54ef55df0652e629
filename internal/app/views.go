package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/andseven/blog/internal/articles"
	"github.com/andseven/blog/internal/comments"
	"github.com/andseven/blog/internal/logging"
	"github.com/andseven/blog/internal/notify"
	"github.com/andseven/blog/internal/rbac"
	"github.com/andseven/blog/internal/store"
	"github.com/andseven/blog/internal/util"
)

// commentView is one activated article page. It lives until the client
// deletes it or it sits idle longer than ViewIdleTTL.
type commentView struct {
	id       string
	sync     *comments.Synchronizer
	messages *notify.Buffer
	lastSeen time.Time
}

// listView is the article list of one visitor session.
type listView struct {
	loader   *articles.Loader
	messages *notify.Buffer
	lastSeen time.Time
}

type commentLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type CommentViewPayload struct {
	ViewID   string           `json:"viewId,omitempty"`
	Found    bool             `json:"found"`
	Article  *store.Article   `json:"article,omitempty"`
	Total    int              `json:"total"`
	Messages []notify.Message `json:"messages"`
}

type SubmitCommentInput struct {
	Content  string `json:"content"`
	ParentID string `json:"parentId"`
}

type SubmitCommentResult struct {
	Comment  *store.Comment     `json:"comment"`
	Attached bool               `json:"attached"`
	View     CommentViewPayload `json:"view"`
}

type ArticleListPayload struct {
	articles.View
	Messages []notify.Message `json:"messages"`
}

// OpenArticle activates the comment synchronizer for an article. A missing
// article is reported as not found without registering a view.
func (s *Service) OpenArticle(ctx context.Context, articleID string) (CommentViewPayload, error) {
	buffer := notify.NewBuffer(0)
	synchronizer, err := comments.Activate(ctx, articleID, s.store, comments.Options{
		PollInterval: s.cfg.PollInterval,
		Sink:         buffer,
		Logger:       logging.Component(s.logger, "comments"),
	})
	if err != nil {
		return CommentViewPayload{}, err
	}
	if !synchronizer.View().Found {
		synchronizer.Close()
		return CommentViewPayload{Found: false, Messages: buffer.Drain()}, nil
	}

	view := &commentView{
		id:       util.NewID("view"),
		sync:     synchronizer,
		messages: buffer,
		lastSeen: s.now(),
	}
	s.viewsMu.Lock()
	s.views[view.id] = view
	s.viewsMu.Unlock()

	s.logger.Debug().Str("view_id", view.id).Str("article_id", articleID).Msg("article view opened")
	return viewPayload(view), nil
}

// GetView returns the current tree of a view and drains its messages.
func (s *Service) GetView(viewID string) (CommentViewPayload, error) {
	view, err := s.touchView(viewID)
	if err != nil {
		return CommentViewPayload{}, err
	}
	return viewPayload(view), nil
}

// SubmitComment adds a root comment, or a reply when ParentID is set. The
// returned view already shows the comment; the write completes in the
// background and reports through the view's messages.
func (s *Service) SubmitComment(session Session, viewID string, input SubmitCommentInput) (SubmitCommentResult, error) {
	view, err := s.touchView(viewID)
	if err != nil {
		return SubmitCommentResult{}, err
	}
	if !rbac.Can(session.Role(), rbac.ActionComment) {
		return SubmitCommentResult{}, domainError(http.StatusForbidden, "FORBIDDEN", "Sign in to comment", nil)
	}
	if !s.allowComment(session.UserID) {
		return SubmitCommentResult{}, domainError(http.StatusTooManyRequests, "RATE_LIMITED", "Too many comments, slow down", nil)
	}

	var (
		comment  *store.Comment
		attached = true
	)
	if input.ParentID == "" {
		comment, err = view.sync.SubmitTopLevel(session.UserName, input.Content)
	} else {
		comment, attached, err = view.sync.SubmitReply(input.ParentID, session.UserName, input.Content)
	}
	switch {
	case errors.Is(err, comments.ErrEmptyContent):
		return SubmitCommentResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case errors.Is(err, context.Canceled):
		return SubmitCommentResult{}, domainError(http.StatusGone, "VIEW_CLOSED", "View is closed", nil)
	case err != nil:
		return SubmitCommentResult{}, err
	}

	return SubmitCommentResult{
		Comment:  comment,
		Attached: attached,
		View:     viewPayload(view),
	}, nil
}

// CloseView stops a view's poller and forgets it.
func (s *Service) CloseView(viewID string) error {
	s.viewsMu.Lock()
	view, ok := s.views[viewID]
	delete(s.views, viewID)
	s.viewsMu.Unlock()
	if !ok {
		return viewNotFound()
	}
	view.sync.Close()
	return nil
}

func (s *Service) touchView(viewID string) (*commentView, error) {
	s.viewsMu.Lock()
	defer s.viewsMu.Unlock()
	view, ok := s.views[viewID]
	if !ok {
		return nil, viewNotFound()
	}
	view.lastSeen = s.now()
	return view, nil
}

func viewNotFound() error {
	return domainError(http.StatusNotFound, "VIEW_NOT_FOUND", "View not found", nil)
}

func viewPayload(view *commentView) CommentViewPayload {
	snapshot := view.sync.View()
	article := snapshot.Article
	return CommentViewPayload{
		ViewID:   view.id,
		Found:    snapshot.Found,
		Article:  &article,
		Total:    snapshot.Total,
		Messages: view.messages.Drain(),
	}
}

// ListArticles mounts the article list of a visitor session. A nil term
// reuses the session's remembered search term.
func (s *Service) ListArticles(ctx context.Context, sessionKey string, term *string) ArticleListPayload {
	list, _ := s.listFor(sessionKey)
	var searchTerm string
	if term == nil {
		searchTerm = list.loader.CachedSearchTerm(ctx)
	} else {
		searchTerm = *term
		if err := list.loader.RememberSearchTerm(ctx, searchTerm); err != nil {
			s.logger.Warn().Err(err).Str("search_term", searchTerm).Msg("remember search term failed")
		}
	}
	if err := list.loader.Initialize(ctx, searchTerm); err != nil {
		s.logger.Debug().Err(err).Str("search_term", searchTerm).Msg("list initialize failed")
	}
	return listPayload(list)
}

// LoadMore is the scroll sentinel of a visitor's list. A list that was
// reaped or never mounted in this process is restored first.
func (s *Service) LoadMore(ctx context.Context, sessionKey string) ArticleListPayload {
	list, created := s.listFor(sessionKey)
	if created {
		if err := list.loader.Initialize(ctx, list.loader.CachedSearchTerm(ctx)); err != nil {
			return listPayload(list)
		}
	}
	if _, err := list.loader.SentinelVisible(ctx); err != nil {
		s.logger.Debug().Err(err).Msg("load more failed")
	}
	return listPayload(list)
}

func (s *Service) listFor(sessionKey string) (*listView, bool) {
	s.viewsMu.Lock()
	defer s.viewsMu.Unlock()
	list, ok := s.lists[sessionKey]
	if !ok {
		buffer := notify.NewBuffer(0)
		list = &listView{
			loader: articles.NewLoader(s.store, s.scopes(sessionKey), articles.Options{
				PageSize: s.cfg.PageSize,
				Sink:     buffer,
				Logger:   logging.Component(s.logger, "articles").With().Str("session", sessionKey).Logger(),
			}),
			messages: buffer,
		}
		s.lists[sessionKey] = list
	}
	list.lastSeen = s.now()
	return list, !ok
}

func listPayload(list *listView) ArticleListPayload {
	return ArticleListPayload{View: list.loader.View(), Messages: list.messages.Drain()}
}

// Start runs the idle reaper until ctx is done or the service is closed.
func (s *Service) Start(ctx context.Context) {
	interval := s.cfg.ViewIdleTTL / 2
	if interval > time.Minute {
		interval = time.Minute
	}
	if interval < time.Second {
		interval = time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
				s.reapIdle(s.now())
			}
		}
	}()
}

// reapIdle closes views, lists and limiters unused since now-ViewIdleTTL
// and returns how many views it closed.
func (s *Service) reapIdle(now time.Time) int {
	cutoff := now.Add(-s.cfg.ViewIdleTTL)
	var stale []*commentView

	s.viewsMu.Lock()
	for id, view := range s.views {
		if view.lastSeen.Before(cutoff) {
			stale = append(stale, view)
			delete(s.views, id)
		}
	}
	for key, list := range s.lists {
		if list.lastSeen.Before(cutoff) {
			delete(s.lists, key)
		}
	}
	for key, entry := range s.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(s.limiters, key)
		}
	}
	s.viewsMu.Unlock()

	for _, view := range stale {
		view.sync.Close()
	}
	if len(stale) > 0 {
		s.logger.Debug().Int("views", len(stale)).Msg("closed idle views")
	}
	return len(stale)
}

// Close stops the reaper and every open view.
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.viewsMu.Lock()
		views := make([]*commentView, 0, len(s.views))
		for id, view := range s.views {
			views = append(views, view)
			delete(s.views, id)
		}
		s.viewsMu.Unlock()
		for _, view := range views {
			view.sync.Close()
		}
	})
}
