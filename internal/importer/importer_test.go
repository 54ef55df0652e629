package importer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andseven/blog/internal/store"
)

type fakeStore struct {
	titles   []string
	added    []store.Article
	listErr  error
	addErr   error
	listCall []int
}

func (f *fakeStore) ListTitles(_ context.Context, offset, limit int) ([]string, error) {
	f.listCall = append(f.listCall, offset)
	if f.listErr != nil {
		return nil, f.listErr
	}
	if offset >= len(f.titles) {
		return []string{}, nil
	}
	end := offset + limit
	if end > len(f.titles) {
		end = len(f.titles)
	}
	return f.titles[offset:end], nil
}

func (f *fakeStore) AddArticle(_ context.Context, item store.Article) (string, error) {
	if f.addErr != nil {
		return "", f.addErr
	}
	f.added = append(f.added, item)
	return item.ID, nil
}

var fixed = time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

func newTestImporter(s *fakeStore, inserted *[]string) *Importer {
	return New(s, Options{
		Logger: zerolog.Nop(),
		Now:    func() time.Time { return fixed },
		OnInsert: func(a store.Article) {
			if inserted != nil {
				*inserted = append(*inserted, a.Title)
			}
		},
	})
}

func TestParse(t *testing.T) {
	input := "Preface that is dropped\n### First post\nBody one\n\nmore\n### Second\r\nBody two\n"
	drafts, err := Parse(input)
	require.NoError(t, err)

	want := []Draft{
		{Title: "First post", Content: "### First post\nBody one\n\nmore", Summary: "### First post Body one more..."},
		{Title: "Second", Content: "### Second\nBody two", Summary: "### Second Body two..."},
	}
	if diff := cmp.Diff(want, drafts); diff != "" {
		t.Fatalf("drafts mismatch (-want +got):\n%s", diff)
	}
}

func TestParseLeadingHeadingAndNoBody(t *testing.T) {
	drafts, err := Parse("### Only a title")
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, "Only a title", drafts[0].Title)
	assert.Equal(t, "### Only a title", drafts[0].Content)
}

func TestParseRequiresHeadings(t *testing.T) {
	_, err := Parse("# Title\n## Sub\nno level three headings")
	assert.ErrorIs(t, err, ErrNoArticles)

	// "###" must start a line
	_, err = Parse("text ### not a heading")
	assert.ErrorIs(t, err, ErrNoArticles)
}

func TestSummarize(t *testing.T) {
	long := "### T\n" + strings.Repeat("word ", 40)
	s := Summarize(long)
	assert.True(t, strings.HasSuffix(s, "..."))
	assert.LessOrEqual(t, len([]rune(strings.TrimSuffix(s, "..."))), 100)
	assert.NotContains(t, s, "\n")

	// counts characters, not bytes
	cjk := strings.Repeat("字", 150)
	assert.Equal(t, strings.Repeat("字", 100)+"...", Summarize(cjk))
}

func TestImportSkipsExistingTitles(t *testing.T) {
	s := &fakeStore{titles: []string{"Old post", "Second"}}
	var inserted []string
	im := newTestImporter(s, &inserted)

	drafts, err := Parse("### Old post\nx\n### New post\ny\n### Second\nz\n### New post\nagain\n")
	require.NoError(t, err)

	report, err := im.Import(context.Background(), drafts)
	require.NoError(t, err)
	assert.Equal(t, Report{Parsed: 4, Inserted: 1, Skipped: 3}, report)
	assert.Equal(t, []string{"New post"}, inserted)

	require.Len(t, s.added, 1)
	a := s.added[0]
	assert.NotEmpty(t, a.ID)
	assert.Equal(t, Author, a.Author)
	assert.Equal(t, fixed, a.Date)
	assert.Zero(t, a.Likes)
	assert.NotNil(t, a.Comments)
	assert.Empty(t, a.Comments)
}

func TestExistingTitlesPagesThroughAll(t *testing.T) {
	s := &fakeStore{}
	for i := 0; i < 250; i++ {
		s.titles = append(s.titles, fmt.Sprintf("t%d", i))
	}
	titles, err := newTestImporter(s, nil).ExistingTitles(context.Background())
	require.NoError(t, err)
	assert.Len(t, titles, 250)
	assert.Equal(t, []int{0, 100, 200}, s.listCall)
}

func TestExistingTitlesExactPageStopsOnEmpty(t *testing.T) {
	s := &fakeStore{}
	for i := 0; i < 100; i++ {
		s.titles = append(s.titles, fmt.Sprintf("t%d", i))
	}
	_, err := newTestImporter(s, nil).ExistingTitles(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{0, 100}, s.listCall)
}

func TestImportErrors(t *testing.T) {
	_, err := newTestImporter(&fakeStore{}, nil).Import(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNoArticles)

	_, err = newTestImporter(&fakeStore{listErr: errors.New("down")}, nil).Import(context.Background(), []Draft{{Title: "a"}})
	require.Error(t, err)

	report, err := newTestImporter(&fakeStore{addErr: errors.New("denied")}, nil).Import(context.Background(), []Draft{{Title: "a"}})
	require.Error(t, err)
	assert.Zero(t, report.Inserted)
}

func TestImportMarkdown(t *testing.T) {
	s := &fakeStore{}
	report, err := newTestImporter(s, nil).ImportMarkdown(context.Background(), strings.NewReader("### A\n1\n### B\n2"))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Inserted)

	_, err = newTestImporter(s, nil).ImportMarkdown(context.Background(), strings.NewReader("nothing"))
	assert.ErrorIs(t, err, ErrNoArticles)
}

func TestSeed(t *testing.T) {
	s := &fakeStore{}
	var inserted []string
	seed := `[
		{"id":"a1","title":"Hello","author":"me","date":"2024-01-02T03:04:05Z","content":"c","summary":"s","likes":3,
		 "comments":[{"id":"c1","content":"hi","user":"ann","date":"2024-01-03T00:00:00Z","replies":[{"id":"c2","content":"yo","user":"bob","date":"2024-01-03T01:00:00Z"}]}]},
		{"title":"No id"}
	]`
	report, err := newTestImporter(s, &inserted).Seed(context.Background(), strings.NewReader(seed))
	require.NoError(t, err)
	assert.Equal(t, Report{Parsed: 2, Inserted: 2}, report)
	assert.Equal(t, []string{"Hello", "No id"}, inserted)

	require.Len(t, s.added, 2)
	assert.Equal(t, "a1", s.added[0].ID)
	assert.Equal(t, 3, s.added[0].Likes)
	assert.Equal(t, "c2", s.added[0].Comments[0].Replies[0].ID)
	assert.NotEmpty(t, s.added[1].ID)
	assert.Equal(t, fixed, s.added[1].Date)
	assert.NotNil(t, s.added[1].Comments)

	_, err = newTestImporter(s, nil).Seed(context.Background(), strings.NewReader("{"))
	require.Error(t, err)
}
