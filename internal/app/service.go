package app

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/andseven/blog/internal/articles"
	"github.com/andseven/blog/internal/auth"
	"github.com/andseven/blog/internal/authpw"
	"github.com/andseven/blog/internal/config"
	"github.com/andseven/blog/internal/importer"
	"github.com/andseven/blog/internal/media"
	"github.com/andseven/blog/internal/rbac"
	"github.com/andseven/blog/internal/search"
	"github.com/andseven/blog/internal/session"
	"github.com/andseven/blog/internal/store"
	"github.com/andseven/blog/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	IsAnonymous  bool
	JTI          string
	ExpiresAt    time.Time
}

func (s Session) Role() rbac.Role {
	return rbac.RoleOf(s.UserID, s.IsAnonymous)
}

type dataStore interface {
	FindArticles(context.Context, store.ArticleQuery) ([]store.Article, error)
	GetArticle(context.Context, string) (store.Article, error)
	UpdateArticleFields(context.Context, string, store.Fields) (bool, error)
	GetUserByID(context.Context, string) (store.User, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(context.Context, string, store.User, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)
	Ping(ctx context.Context) error
}

type accountService interface {
	SignUp(context.Context, authpw.SignUpRequest) (store.User, error)
	SignIn(context.Context, authpw.SignInRequest) (store.User, error)
	SignInAnonymously(context.Context) (store.User, error)
}

type searchService interface {
	Search(context.Context, search.Query) search.Response
	IndexArticle(store.Article)
}

type coverStore interface {
	PutCover(ctx context.Context, articleID string, r io.Reader) (string, error)
}

type articleImporter interface {
	ImportMarkdown(ctx context.Context, r io.Reader) (importer.Report, error)
}

// Deps are the collaborators built by the server entrypoint. Search, Covers
// and Importer are optional.
type Deps struct {
	Store    *store.PostgresStore
	Sessions *session.RedisStore
	Accounts *authpw.Service
	Search   *search.Service
	Covers   *media.Covers
	Importer *importer.Importer
	Logger   zerolog.Logger
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	scopes   func(sessionKey string) articles.SessionStorage
	accounts accountService
	search   searchService
	covers   coverStore
	importer articleImporter
	logger   zerolog.Logger
	now      func() time.Time

	viewsMu  sync.Mutex
	views    map[string]*commentView
	lists    map[string]*listView
	limiters map[string]*commentLimiter

	done      chan struct{}
	closeOnce sync.Once
}

func New(cfg config.Config, deps Deps) *Service {
	svc := newService(cfg, deps.Store, deps.Sessions, deps.Logger)
	svc.scopes = func(sessionKey string) articles.SessionStorage {
		return deps.Sessions.Scope(sessionKey)
	}
	svc.accounts = deps.Accounts
	if deps.Search != nil {
		svc.search = deps.Search
	}
	if deps.Covers != nil {
		svc.covers = deps.Covers
	}
	if deps.Importer != nil {
		svc.importer = deps.Importer
	}
	return svc
}

func newService(cfg config.Config, data dataStore, sessions sessionStore, logger zerolog.Logger) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = articles.PageSize
	}
	if cfg.ViewIdleTTL <= 0 {
		cfg.ViewIdleTTL = 10 * time.Minute
	}
	return &Service{
		cfg:      cfg,
		store:    data,
		sessions: sessions,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		views:    make(map[string]*commentView),
		lists:    make(map[string]*listView),
		limiters: make(map[string]*commentLimiter),
		done:     make(chan struct{}),
	}
}

func (s *Service) SignInAnonymously(ctx context.Context) (Session, error) {
	user, err := s.accounts.SignInAnonymously(ctx)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.accounts.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	s.logger.Info().Str("user_id", user.ID).Msg("account created")
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.accounts.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), user.ID, user.DisplayName, jti, user.IsAnonymous, expiresAt)
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		IsAnonymous:  user.IsAnonymous,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.ID)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Subject)
	if err != nil {
		return Session{}, err
	}

	var expiresAt time.Time
	if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	return Session{
		Token:       token,
		UserID:      user.ID,
		UserName:    user.DisplayName,
		IsAnonymous: user.IsAnonymous,
		JTI:         claims.ID,
		ExpiresAt:   expiresAt,
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn().Err(err).Str("user_id", session.UserID).Msg("revoke access token failed")
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn().Err(err).Str("user_id", session.UserID).Msg("revoke refresh token failed")
		}
	}
	return nil
}

// Search runs a full-text query. Without a search backend it returns an
// empty result.
func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(ctx, q)
}

// UploadCover stores an image and points the article's cover at it.
func (s *Service) UploadCover(ctx context.Context, session Session, articleID string, r io.Reader) (string, error) {
	if !rbac.Can(session.Role(), rbac.ActionUploadCover) {
		return "", domainError(http.StatusForbidden, "FORBIDDEN", "Sign in with an account to upload covers", nil)
	}
	if s.covers == nil {
		return "", domainError(http.StatusServiceUnavailable, "UPLOADS_DISABLED", "Cover uploads are not configured", nil)
	}
	articleID = strings.TrimSpace(articleID)
	article, err := s.store.GetArticle(ctx, articleID)
	if err != nil {
		return "", err
	}

	url, err := s.covers.PutCover(ctx, article.ID, r)
	switch {
	case errors.Is(err, media.ErrTooLarge):
		return "", domainError(http.StatusRequestEntityTooLarge, "COVER_TOO_LARGE", err.Error(), map[string]any{"maxBytes": media.MaxCoverSize})
	case errors.Is(err, media.ErrUnsupportedType):
		return "", domainError(http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA_TYPE", err.Error(), nil)
	case errors.Is(err, media.ErrEmpty):
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	case err != nil:
		return "", err
	}

	updated, err := s.store.UpdateArticleFields(ctx, article.ID, store.Fields{"coverImage": url})
	if err != nil {
		return "", err
	}
	if !updated {
		return "", domainError(http.StatusNotFound, "NOT_FOUND", "Article not found", nil)
	}
	s.logger.Info().Str("article_id", article.ID).Str("user_id", session.UserID).Msg("cover updated")
	return url, nil
}

// ImportArticles inserts the articles of a markdown document.
func (s *Service) ImportArticles(ctx context.Context, session Session, r io.Reader) (importer.Report, error) {
	if !rbac.Can(session.Role(), rbac.ActionImport) {
		return importer.Report{}, domainError(http.StatusForbidden, "FORBIDDEN", "Sign in with an account to import articles", nil)
	}
	if s.importer == nil {
		return importer.Report{}, domainError(http.StatusServiceUnavailable, "IMPORT_UNAVAILABLE", "Import is not configured", nil)
	}
	report, err := s.importer.ImportMarkdown(ctx, r)
	if errors.Is(err, importer.ErrNoArticles) {
		return importer.Report{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err != nil {
		return importer.Report{}, err
	}
	s.logger.Info().
		Str("user_id", session.UserID).
		Int("parsed", report.Parsed).
		Int("inserted", report.Inserted).
		Int("skipped", report.Skipped).
		Msg("articles imported")
	return report, nil
}

// Ping checks the database.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingSessions checks the session store.
func (s *Service) PingSessions(ctx context.Context) error {
	return s.sessions.Ping(ctx)
}

// allowComment applies the per-user comment rate. A rate of zero or less
// disables the limit.
func (s *Service) allowComment(userID string) bool {
	if s.cfg.CommentRate <= 0 {
		return true
	}
	s.viewsMu.Lock()
	entry, ok := s.limiters[userID]
	if !ok {
		burst := s.cfg.CommentBurst
		if burst <= 0 {
			burst = 1
		}
		entry = &commentLimiter{limiter: rate.NewLimiter(rate.Limit(s.cfg.CommentRate), burst)}
		s.limiters[userID] = entry
	}
	entry.lastSeen = s.now()
	s.viewsMu.Unlock()
	return entry.limiter.Allow()
}
