package store

import "time"

// Comment is one node of an article's comment tree. IDs are unique across
// the whole tree, not just among siblings.
type Comment struct {
	ID      string     `json:"id"`
	Content string     `json:"content"`
	User    string     `json:"user"`
	Date    time.Time  `json:"date"`
	Replies []*Comment `json:"replies,omitempty"`
}

type Article struct {
	ID         string     `json:"id"`
	Title      string     `json:"title"`
	Author     string     `json:"author"`
	Date       time.Time  `json:"date"`
	Content    string     `json:"content"`
	Summary    string     `json:"summary"`
	Likes      int        `json:"likes"`
	CoverImage string     `json:"coverImage,omitempty"`
	Comments   []*Comment `json:"comments"`
}

type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash string
	IsAnonymous  bool
	CreatedAt    time.Time
}

// Regex is a title filter evaluated by the database.
type Regex struct {
	Pattern         string
	CaseInsensitive bool
}

// TitleRegex builds the case-insensitive title filter used by list search.
func TitleRegex(term string) *Regex {
	return &Regex{Pattern: term, CaseInsensitive: true}
}

type ArticleQuery struct {
	Title      *Regex
	OrderBy    string
	Descending bool
	Offset     int
	Limit      int
}

// Fields is a partial update: field name (JSON name) to new value.
type Fields map[string]any
