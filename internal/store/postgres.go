package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// MaxTitleScan is the largest page ListTitles will return in one call.
const MaxTitleScan = 100

const articleColumns = `id, title, author, date, content, summary, likes, cover_image, comments`

var orderColumns = map[string]string{
	"date":  "date",
	"title": "title",
	"likes": "likes",
}

// updatableColumns maps the document field names accepted by
// UpdateArticleFields to their columns.
var updatableColumns = map[string]string{
	"title":      "title",
	"summary":    "summary",
	"content":    "content",
	"likes":      "likes",
	"coverImage": "cover_image",
	"comments":   "comments",
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) FindArticles(ctx context.Context, q ArticleQuery) ([]Article, error) {
	query, args, err := buildFindQuery(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("find articles: %w", err)
	}
	defer rows.Close()

	items := make([]Article, 0)
	for rows.Next() {
		item, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate articles: %w", err)
	}
	return items, nil
}

func buildFindQuery(q ArticleQuery) (string, []any, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString("SELECT " + articleColumns + " FROM articles")

	if q.Title != nil && q.Title.Pattern != "" {
		op := "~"
		if q.Title.CaseInsensitive {
			op = "~*"
		}
		args = append(args, q.Title.Pattern)
		fmt.Fprintf(&b, " WHERE title %s $%d", op, len(args))
	}

	if q.OrderBy != "" {
		column, ok := orderColumns[q.OrderBy]
		if !ok {
			return "", nil, fmt.Errorf("unsupported order field %q", q.OrderBy)
		}
		direction := "ASC"
		if q.Descending {
			direction = "DESC"
		}
		// id breaks ties so offset paging is stable.
		fmt.Fprintf(&b, " ORDER BY %s %s, id %s", column, direction, direction)
	}

	if q.Limit > 0 {
		args = append(args, q.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	if q.Offset > 0 {
		args = append(args, q.Offset)
		fmt.Fprintf(&b, " OFFSET $%d", len(args))
	}
	return b.String(), args, nil
}

// GetArticle returns sql.ErrNoRows when the id does not exist.
func (s *PostgresStore) GetArticle(ctx context.Context, articleID string) (Article, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+articleColumns+` FROM articles WHERE id=$1`, articleID)
	item, err := scanArticle(row)
	if err != nil {
		return Article{}, err
	}
	return item, nil
}

// UpdateArticleFields overwrites the named fields only. The comments field is
// replaced as a whole. It reports false when no article has that id.
func (s *PostgresStore) UpdateArticleFields(ctx context.Context, articleID string, fields Fields) (bool, error) {
	query, args, err := buildUpdateQuery(articleID, fields)
	if err != nil {
		return false, err
	}
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("update article: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update article rows: %w", err)
	}
	return affected > 0, nil
}

func buildUpdateQuery(articleID string, fields Fields) (string, []any, error) {
	if len(fields) == 0 {
		return "", nil, errors.New("update article: no fields")
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		if _, ok := updatableColumns[name]; !ok {
			return "", nil, fmt.Errorf("update article: unknown field %q", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	args := []any{articleID}
	sets := make([]string, 0, len(names))
	for _, name := range names {
		value := fields[name]
		placeholder := fmt.Sprintf("$%d", len(args)+1)
		if name == "comments" {
			encoded, err := json.Marshal(nonNilComments(value))
			if err != nil {
				return "", nil, fmt.Errorf("encode comments: %w", err)
			}
			value = string(encoded)
			placeholder += "::jsonb"
		}
		args = append(args, value)
		sets = append(sets, updatableColumns[name]+"="+placeholder)
	}
	return "UPDATE articles SET " + strings.Join(sets, ", ") + " WHERE id=$1", args, nil
}

func nonNilComments(value any) any {
	if tree, ok := value.([]*Comment); ok && tree == nil {
		return []*Comment{}
	}
	return value
}

// AddArticle inserts a new article and returns its id. A zero Date is
// replaced by the insert time.
func (s *PostgresStore) AddArticle(ctx context.Context, item Article) (string, error) {
	if item.ID == "" {
		return "", errors.New("add article: id is required")
	}
	date := item.Date
	if date.IsZero() {
		date = time.Now().UTC()
	}
	comments, err := json.Marshal(nonNilComments(item.Comments))
	if err != nil {
		return "", fmt.Errorf("encode comments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO articles (id, title, author, date, content, summary, likes, cover_image, comments)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb)
	`, item.ID, item.Title, item.Author, date, item.Content, item.Summary, item.Likes, item.CoverImage, string(comments))
	if err != nil {
		return "", fmt.Errorf("insert article: %w", err)
	}
	return item.ID, nil
}

// ListTitles pages through all titles in insertion-independent id order.
func (s *PostgresStore) ListTitles(ctx context.Context, offset, limit int) ([]string, error) {
	if limit <= 0 || limit > MaxTitleScan {
		limit = MaxTitleScan
	}
	rows, err := s.db.QueryContext(ctx, `SELECT title FROM articles ORDER BY id LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list titles: %w", err)
	}
	defer rows.Close()

	titles := make([]string, 0, limit)
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, fmt.Errorf("scan title: %w", err)
		}
		titles = append(titles, title)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate titles: %w", err)
	}
	return titles, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	var email any
	if user.Email != "" {
		email = strings.ToLower(strings.TrimSpace(user.Email))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, email, display_name, password_hash, is_anonymous)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, email, user.DisplayName, user.PasswordHash, user.IsAnonymous)
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return s.getUser(ctx, `WHERE email=$1`, strings.ToLower(strings.TrimSpace(email)))
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	return s.getUser(ctx, `WHERE id=$1`, userID)
}

func (s *PostgresStore) getUser(ctx context.Context, where string, arg string) (User, error) {
	var (
		user  User
		email sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, email, display_name, password_hash, is_anonymous, created_at
		FROM users `+where, arg).
		Scan(&user.ID, &email, &user.DisplayName, &user.PasswordHash, &user.IsAnonymous, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	user.Email = email.String
	return user, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArticle(row rowScanner) (Article, error) {
	var (
		item     Article
		comments []byte
	)
	err := row.Scan(&item.ID, &item.Title, &item.Author, &item.Date, &item.Content, &item.Summary, &item.Likes, &item.CoverImage, &comments)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Article{}, err
		}
		return Article{}, fmt.Errorf("scan article: %w", err)
	}
	tree, err := DecodeComments(comments)
	if err != nil {
		return Article{}, fmt.Errorf("decode comments for %s: %w", item.ID, err)
	}
	item.Comments = tree
	return item, nil
}

// DecodeComments parses a stored comments document; null or empty input
// yields an empty tree.
func DecodeComments(raw []byte) ([]*Comment, error) {
	tree := make([]*Comment, 0)
	if len(raw) == 0 || string(raw) == "null" {
		return tree, nil
	}
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, err
	}
	if tree == nil {
		tree = make([]*Comment, 0)
	}
	return tree, nil
}
