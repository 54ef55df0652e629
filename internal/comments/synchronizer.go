package comments

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/andseven/blog/internal/notify"
	"github.com/andseven/blog/internal/store"
	"github.com/andseven/blog/internal/util"
)

const (
	// AnonymousUser is the author recorded when the submitter has no name.
	AnonymousUser = "anonymous"

	defaultRemoteTimeout = 10 * time.Second
)

var ErrEmptyContent = errors.New("comment content is required")

// DocumentStore is the part of the article store the synchronizer uses.
type DocumentStore interface {
	GetArticle(ctx context.Context, articleID string) (store.Article, error)
	UpdateArticleFields(ctx context.Context, articleID string, fields store.Fields) (bool, error)
}

type Options struct {
	// PollInterval <= 0 disables the background poller; Poll can still be
	// called directly.
	PollInterval  time.Duration
	RemoteTimeout time.Duration
	Sink          notify.Sink
	Logger        zerolog.Logger
	NewID         func() string
	Now           func() time.Time
}

// View is a point-in-time projection of the synchronizer state.
type View struct {
	Article  store.Article
	Found    bool
	Comments []*store.Comment
	Total    int
}

// Synchronizer owns the comment tree of one activated article view.
//
// Local submissions are applied before their write completes. Persists,
// rollbacks and poll results are applied in the order they resolve; no
// sequencing token orders them, so the last one to resolve wins.
type Synchronizer struct {
	articleID string
	store     DocumentStore
	opts      Options
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	article      store.Article
	found        bool
	comments     []*store.Comment
	baseline     []*store.Comment
	lastSnapshot string
	pollFailing  bool
	closed       bool

	inflight  sync.WaitGroup
	pollDone  chan struct{}
	closeOnce sync.Once
}

// Activate loads the article and starts polling. A missing article yields
// an empty, not-found view rather than an error; transport failures are
// returned.
func Activate(ctx context.Context, articleID string, ds DocumentStore, opts Options) (*Synchronizer, error) {
	if opts.Sink == nil {
		opts.Sink = notify.Discard
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return util.NewID("") }
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = defaultRemoteTimeout
	}

	s := &Synchronizer{
		articleID: articleID,
		store:     ds,
		opts:      opts,
		logger:    opts.Logger.With().Str("article_id", articleID).Logger(),
		comments:  []*store.Comment{},
		baseline:  []*store.Comment{},
	}

	article, err := ds.GetArticle(ctx, articleID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.logger.Info().Msg("article not found")
	case err != nil:
		s.logger.Error().Err(err).Msg("load article failed")
		return nil, err
	default:
		tree := article.Comments
		if tree == nil {
			tree = []*store.Comment{}
		}
		snapshot, err := Snapshot(tree)
		if err != nil {
			return nil, err
		}
		s.article = article
		s.found = true
		s.comments = tree
		s.baseline = tree
		s.lastSnapshot = snapshot
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	if opts.PollInterval > 0 && s.found {
		s.pollDone = make(chan struct{})
		go s.pollLoop(opts.PollInterval)
	}
	return s, nil
}

func (s *Synchronizer) ArticleID() string {
	return s.articleID
}

// View recomputes the total from the current tree on every call.
func (s *Synchronizer) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	article := s.article
	article.Comments = s.comments
	return View{
		Article:  article,
		Found:    s.found,
		Comments: s.comments,
		Total:    Count(s.comments),
	}
}

// SubmitTopLevel appends a new root comment, shows it immediately and
// starts writing the full tree in the background.
func (s *Synchronizer) SubmitTopLevel(author, content string) (*store.Comment, error) {
	c, err := s.newComment(author, content)
	if err != nil {
		return nil, err
	}
	c.Replies = []*store.Comment{}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, context.Canceled
	}
	updated := AppendTopLevel(s.comments, c)
	s.comments = updated
	s.startPersistLocked(updated)
	s.mu.Unlock()
	return c, nil
}

// SubmitReply appends a reply under parentID. attached is false when no
// node has that ID, in which case the tree is left as it was; the tree is
// still written back.
func (s *Synchronizer) SubmitReply(parentID, author, content string) (c *store.Comment, attached bool, err error) {
	c, err = s.newComment(author, content)
	if err != nil {
		return nil, false, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, false, context.Canceled
	}
	updated := AddReply(s.comments, parentID, c)
	attached = Find(updated, c.ID) != nil
	if !attached {
		s.logger.Debug().Str("parent_id", parentID).Msg("reply parent not found")
	}
	s.comments = updated
	s.startPersistLocked(updated)
	s.mu.Unlock()
	return c, attached, nil
}

func (s *Synchronizer) newComment(author, content string) (*store.Comment, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}
	author = strings.TrimSpace(author)
	if author == "" {
		author = AnonymousUser
	}
	return &store.Comment{
		ID:      s.opts.NewID(),
		Content: content,
		User:    author,
		Date:    s.opts.Now(),
	}, nil
}

// startPersistLocked must be called with s.mu held.
func (s *Synchronizer) startPersistLocked(tree []*store.Comment) {
	s.inflight.Add(1)
	go s.persist(tree)
}

// persist overwrites the remote comments field with tree. On failure, or
// when the article is gone, the local tree goes back to the one loaded at
// activation. The write is bounded by RemoteTimeout only; closing the view
// does not abort it.
func (s *Synchronizer) persist(tree []*store.Comment) {
	defer s.inflight.Done()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), s.opts.RemoteTimeout)
	defer cancel()

	updated, err := s.store.UpdateArticleFields(ctx, s.articleID, store.Fields{"comments": tree})
	switch {
	case err != nil:
		s.logger.Error().Err(err).Int("total", Count(tree)).Msg("persist comments failed")
		s.rollback()
	case !updated:
		s.logger.Warn().Msg("persist comments: article no longer exists")
		s.rollback()
	default:
		s.logger.Debug().Int("total", Count(tree)).Msg("comments persisted")
		notify.Success(s.opts.Sink, "Comment posted.")
	}
}

// rollback restores the activation baseline unless the view is closed.
func (s *Synchronizer) rollback() {
	s.mu.Lock()
	if !s.closed {
		s.comments = s.baseline
	}
	s.mu.Unlock()
	notify.Error(s.opts.Sink, "Failed to post comment, please try again later.")
}

func (s *Synchronizer) pollLoop(interval time.Duration) {
	defer close(s.pollDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Poll(s.ctx)
		}
	}
}

// Poll refetches the article and replaces the local tree when the remote
// comments differ from the last remote snapshot seen. It reports whether
// the local tree was replaced.
func (s *Synchronizer) Poll(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, s.opts.RemoteTimeout)
	defer cancel()

	article, err := s.store.GetArticle(ctx, s.articleID)
	if errors.Is(err, sql.ErrNoRows) {
		s.logger.Debug().Msg("poll: article not found")
		return false
	}
	if err != nil {
		s.pollFailed(err)
		return false
	}

	tree := article.Comments
	if tree == nil {
		tree = []*store.Comment{}
	}
	snapshot, err := Snapshot(tree)
	if err != nil {
		s.logger.Error().Err(err).Msg("poll: snapshot failed")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pollFailing = false
	if s.closed || snapshot == s.lastSnapshot {
		return false
	}
	s.lastSnapshot = snapshot
	s.comments = tree
	s.logger.Debug().Int("total", Count(tree)).Msg("poll: remote comments changed")
	return true
}

// pollFailed reports the first failure of a run of failing polls.
func (s *Synchronizer) pollFailed(err error) {
	s.logger.Warn().Err(err).Msg("poll failed")
	s.mu.Lock()
	first := !s.pollFailing && !s.closed
	s.pollFailing = true
	s.mu.Unlock()
	if first {
		notify.Error(s.opts.Sink, "Could not refresh comments, will retry.")
	}
}

// Wait blocks until every persist started so far has resolved.
func (s *Synchronizer) Wait() {
	s.inflight.Wait()
}

// Close stops the poller and waits for outstanding writes to resolve.
// Their results no longer change the local tree. Close is idempotent.
func (s *Synchronizer) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		if s.pollDone != nil {
			<-s.pollDone
		}
		s.inflight.Wait()
	})
}
