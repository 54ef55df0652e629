package comments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andseven/blog/internal/notify"
	"github.com/andseven/blog/internal/store"
)

type fakeDocs struct {
	mu        sync.Mutex
	article   store.Article
	missing   bool
	getErr    error
	updateErr error
	gets      int
	updates   [][]*store.Comment
	// gate, when set, holds every update until it is closed.
	gate chan struct{}
}

func (f *fakeDocs) GetArticle(_ context.Context, articleID string) (store.Article, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if f.getErr != nil {
		return store.Article{}, f.getErr
	}
	if f.missing || articleID != f.article.ID {
		return store.Article{}, sql.ErrNoRows
	}
	return f.article, nil
}

func (f *fakeDocs) UpdateArticleFields(ctx context.Context, articleID string, fields store.Fields) (bool, error) {
	f.mu.Lock()
	gate := f.gate
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return false, f.updateErr
	}
	if f.missing || articleID != f.article.ID {
		return false, nil
	}
	tree := fields["comments"].([]*store.Comment)
	f.updates = append(f.updates, tree)
	f.article.Comments = tree
	return true, nil
}

func (f *fakeDocs) setRemote(tree []*store.Comment) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.article.Comments = tree
}

func (f *fakeDocs) getCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets
}

func sequentialIDs() func() string {
	var (
		mu sync.Mutex
		n  int
	)
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("c%d", n)
	}
}

func fixedNow() time.Time {
	return time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC)
}

func activate(t *testing.T, docs *fakeDocs, sink notify.Sink) *Synchronizer {
	t.Helper()
	s, err := Activate(context.Background(), "art-1", docs, Options{
		Sink:   sink,
		Logger: zerolog.Nop(),
		NewID:  sequentialIDs(),
		Now:    fixedNow,
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func articleWith(tree ...*store.Comment) store.Article {
	return store.Article{ID: "art-1", Title: "Hello", Comments: tree}
}

func TestActivateLoadsTree(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a", node("a1")), node("b"))}
	s := activate(t, docs, nil)

	view := s.View()
	assert.True(t, view.Found)
	assert.Equal(t, "Hello", view.Article.Title)
	assert.Equal(t, 3, view.Total)
	assert.Len(t, view.Comments, 2)
}

func TestActivateMissingArticleIsEmptyView(t *testing.T) {
	docs := &fakeDocs{missing: true}
	s := activate(t, docs, nil)

	view := s.View()
	assert.False(t, view.Found)
	assert.Empty(t, view.Comments)
	assert.Zero(t, view.Total)
}

func TestActivateTransportError(t *testing.T) {
	docs := &fakeDocs{getErr: errors.New("network down")}
	_, err := Activate(context.Background(), "art-1", docs, Options{Logger: zerolog.Nop()})
	require.Error(t, err)
}

func TestSubmitTopLevelIsOptimistic(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a")), gate: make(chan struct{})}
	sink := notify.NewBuffer(8)
	s := activate(t, docs, sink)

	c, err := s.SubmitTopLevel("", "hello there")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, AnonymousUser, c.User)
	assert.Equal(t, fixedNow(), c.Date)
	assert.NotNil(t, c.Replies)

	// visible before the write resolves
	view := s.View()
	require.Len(t, view.Comments, 2)
	assert.Equal(t, "c1", view.Comments[1].ID)
	assert.Equal(t, 2, view.Total)
	assert.Empty(t, sink.Drain())

	close(docs.gate)
	s.Wait()

	require.Len(t, docs.updates, 1)
	assert.Equal(t, 2, Count(docs.updates[0]))
	msgs := sink.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.LevelSuccess, msgs[0].Level)
}

func TestSubmitReplyAppendsUnderParent(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a", node("a1")), node("b"))}
	s := activate(t, docs, nil)

	c, attached, err := s.SubmitReply("a1", "ann", "nested")
	require.NoError(t, err)
	assert.True(t, attached)
	assert.Nil(t, c.Replies)
	s.Wait()

	view := s.View()
	assert.Equal(t, 4, view.Total)
	assert.Equal(t, "nested", view.Comments[0].Replies[0].Replies[0].Content)
	require.Len(t, docs.updates, 1)
	assert.NotNil(t, Find(docs.updates[0], c.ID))
}

func TestSubmitReplyUnknownParentIsNoOp(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a"))}
	s := activate(t, docs, nil)
	before := s.View().Comments

	_, attached, err := s.SubmitReply("ghost", "ann", "lost")
	require.NoError(t, err)
	assert.False(t, attached)
	s.Wait()

	after := s.View().Comments
	assert.Same(t, &before[0], &after[0])
	assert.Equal(t, 1, s.View().Total)
	// the unchanged tree is still written back
	require.Len(t, docs.updates, 1)
	assert.Equal(t, 1, Count(docs.updates[0]))
}

func TestSubmitRejectsEmptyContent(t *testing.T) {
	docs := &fakeDocs{article: articleWith()}
	s := activate(t, docs, nil)

	_, err := s.SubmitTopLevel("ann", "   ")
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, _, err = s.SubmitReply("x", "ann", "")
	assert.ErrorIs(t, err, ErrEmptyContent)
	s.Wait()
	assert.Empty(t, docs.updates)
}

func TestPersistFailureRollsBackToActivationBaseline(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a"))}
	sink := notify.NewBuffer(8)
	s := activate(t, docs, sink)
	baseline := s.View().Comments

	_, err := s.SubmitTopLevel("ann", "first")
	require.NoError(t, err)
	s.Wait()
	require.Equal(t, 2, s.View().Total)

	docs.mu.Lock()
	docs.updateErr = errors.New("permission denied")
	docs.mu.Unlock()

	_, err = s.SubmitTopLevel("ann", "second")
	require.NoError(t, err)
	assert.Equal(t, 3, s.View().Total)
	s.Wait()

	// not the previous successful state (2), the activation baseline (1)
	view := s.View()
	assert.Equal(t, 1, view.Total)
	assert.Same(t, &baseline[0], &view.Comments[0])

	msgs := sink.Drain()
	require.Len(t, msgs, 2)
	assert.Equal(t, notify.LevelSuccess, msgs[0].Level)
	assert.Equal(t, notify.LevelError, msgs[1].Level)
}

func TestPollReplacesOnRemoteChange(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a"))}
	s := activate(t, docs, nil)

	assert.False(t, s.Poll(context.Background()), "unchanged remote must not replace")

	docs.setRemote([]*store.Comment{node("a"), node("external")})
	assert.True(t, s.Poll(context.Background()))
	assert.Equal(t, 2, s.View().Total)
	assert.Equal(t, "external", s.View().Comments[1].ID)

	assert.False(t, s.Poll(context.Background()))
}

func TestPollOverwritesPendingOptimisticEdit(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a")), gate: make(chan struct{})}
	s := activate(t, docs, nil)

	mine, err := s.SubmitTopLevel("ann", "mine")
	require.NoError(t, err)
	require.NotNil(t, Find(s.View().Comments, mine.ID))

	// another writer changes the document while our persist is in flight
	docs.setRemote([]*store.Comment{node("a"), node("theirs")})
	require.True(t, s.Poll(context.Background()))
	assert.Nil(t, Find(s.View().Comments, mine.ID), "poll replaces the optimistic view")

	close(docs.gate)
	s.Wait()

	// our full-tree write clobbered the other writer's comment remotely
	docs.mu.Lock()
	remote := docs.article.Comments
	docs.mu.Unlock()
	assert.NotNil(t, Find(remote, mine.ID))
	assert.Nil(t, Find(remote, "theirs"))

	require.True(t, s.Poll(context.Background()))
	assert.NotNil(t, Find(s.View().Comments, mine.ID))
}

func TestPollFailureReportedOnce(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a"))}
	sink := notify.NewBuffer(8)
	s := activate(t, docs, sink)

	docs.mu.Lock()
	docs.getErr = errors.New("timeout")
	docs.mu.Unlock()

	assert.False(t, s.Poll(context.Background()))
	assert.False(t, s.Poll(context.Background()))
	assert.Len(t, sink.Drain(), 1)
	assert.Equal(t, 1, s.View().Total)

	docs.mu.Lock()
	docs.getErr = nil
	docs.mu.Unlock()
	s.Poll(context.Background())

	docs.mu.Lock()
	docs.getErr = errors.New("timeout again")
	docs.mu.Unlock()
	s.Poll(context.Background())
	assert.Len(t, sink.Drain(), 1)
}

func TestPollMissingArticleKeepsState(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a"))}
	s := activate(t, docs, nil)

	docs.mu.Lock()
	docs.missing = true
	docs.mu.Unlock()

	assert.False(t, s.Poll(context.Background()))
	assert.Equal(t, 1, s.View().Total)
}

func TestCloseStopsPolling(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a"))}
	s, err := Activate(context.Background(), "art-1", docs, Options{
		PollInterval: 5 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return docs.getCount() >= 3 }, time.Second, time.Millisecond)

	s.Close()
	stopped := docs.getCount()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, stopped, docs.getCount())

	_, err = s.SubmitTopLevel("ann", "too late")
	assert.ErrorIs(t, err, context.Canceled)
	s.Close()
}

func TestCloseLetsPendingPersistLand(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a")), gate: make(chan struct{})}
	sink := notify.NewBuffer(8)
	s := activate(t, docs, sink)

	_, err := s.SubmitTopLevel("ann", "pending")
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned before the pending write resolved")
	case <-time.After(20 * time.Millisecond):
	}
	close(docs.gate)
	<-closed

	docs.mu.Lock()
	require.Len(t, docs.updates, 1)
	written := docs.updates[0]
	docs.mu.Unlock()
	assert.Equal(t, 2, Count(written))
	assert.Equal(t, "pending", written[1].Content)

	msgs := sink.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.LevelSuccess, msgs[0].Level)
	assert.Equal(t, 2, s.View().Total)
}

func TestCloseKeepsTreeWhenLateWriteFails(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a")), gate: make(chan struct{}), updateErr: errors.New("write refused")}
	sink := notify.NewBuffer(8)
	s := activate(t, docs, sink)

	_, err := s.SubmitTopLevel("ann", "pending")
	require.NoError(t, err)

	closed := make(chan struct{})
	go func() {
		s.Close()
		close(closed)
	}()
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.closed
	}, time.Second, time.Millisecond)
	close(docs.gate)
	<-closed

	// a closed view is not rolled back, but the failure is still reported
	assert.Equal(t, 2, s.View().Total)
	msgs := sink.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.LevelError, msgs[0].Level)
}

func TestPersistToDeletedArticleRollsBack(t *testing.T) {
	docs := &fakeDocs{article: articleWith(node("a")), gate: make(chan struct{})}
	sink := notify.NewBuffer(8)
	s := activate(t, docs, sink)

	_, err := s.SubmitTopLevel("ann", "orphan")
	require.NoError(t, err)
	require.Equal(t, 2, s.View().Total)

	docs.mu.Lock()
	docs.missing = true
	docs.mu.Unlock()
	close(docs.gate)
	s.Wait()

	assert.Equal(t, 1, s.View().Total)
	msgs := sink.Drain()
	require.Len(t, msgs, 1)
	assert.Equal(t, notify.LevelError, msgs[0].Level)
	assert.Equal(t, "Failed to post comment, please try again later.", msgs[0].Text)
}
