// Package store holds the row-level CRUD collaborators backing the social
// screens: canonical list queries plus the writes the screens issue. Errors
// are returned to the caller and never retried here.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lib/pq"

	"github.com/chatterhq/realtime/config"
	"github.com/chatterhq/realtime/logger"
)

var ErrUnknownTable = errors.New("unknown table")

const (
	TableProfiles       = "profiles"
	TablePosts          = "posts"
	TableFriendRequests = "friend_requests"
)

// orderBy fixes the canonical ordering per collection; only these tables may
// be fetched dynamically.
var orderBy = map[string]string{
	TableProfiles:       "username ASC",
	TablePosts:          "created_at DESC",
	TableFriendRequests: "created_at DESC",
}

type Store struct {
	pool     *pgxpool.Pool
	schema   string
	pageSize int32
}

func New(ctx context.Context, cfg config.StoreConfig) (*Store, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store ping: %w", err)
	}

	logger.Info("store connected", "schema", cfg.Schema, "pageSize", cfg.PageSize)
	return &Store{
		pool:     pool,
		schema:   cfg.Schema,
		pageSize: cfg.PageSize,
	}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// FetchAll returns the canonical bounded, ordered page for a known table.
// It implements refresh.Fetcher.
func (s *Store) FetchAll(ctx context.Context, table string) ([]map[string]any, error) {
	order, ok := orderBy[table]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}

	query := fmt.Sprintf("SELECT * FROM %s.%s ORDER BY %s LIMIT $1",
		pq.QuoteIdentifier(s.schema), pq.QuoteIdentifier(table), order)

	rows, err := s.pool.Query(ctx, query, s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", table, err)
	}
	defer rows.Close()

	return rowsToMaps(rows)
}

func (s *Store) ListProfiles(ctx context.Context) ([]map[string]any, error) {
	return s.FetchAll(ctx, TableProfiles)
}

func (s *Store) ListPosts(ctx context.Context) ([]map[string]any, error) {
	return s.FetchAll(ctx, TablePosts)
}

func (s *Store) ListFriendRequests(ctx context.Context) ([]map[string]any, error) {
	return s.FetchAll(ctx, TableFriendRequests)
}

func (s *Store) CreatePost(ctx context.Context, authorID, content string) error {
	query := fmt.Sprintf("INSERT INTO %s.posts (author_id, content) VALUES ($1, $2)",
		pq.QuoteIdentifier(s.schema))
	if _, err := s.pool.Exec(ctx, query, authorID, content); err != nil {
		return fmt.Errorf("create post: %w", err)
	}
	return nil
}

func (s *Store) DeletePost(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s.posts WHERE id = $1", pq.QuoteIdentifier(s.schema))
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	return nil
}

func (s *Store) UpdateProfile(ctx context.Context, id, displayName, avatarURL string) error {
	query := fmt.Sprintf("UPDATE %s.profiles SET display_name = $2, avatar_url = $3 WHERE id = $1",
		pq.QuoteIdentifier(s.schema))
	if _, err := s.pool.Exec(ctx, query, id, displayName, avatarURL); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

func (s *Store) CreateFriendRequest(ctx context.Context, fromID, toID string) error {
	query := fmt.Sprintf("INSERT INTO %s.friend_requests (from_id, to_id, status) VALUES ($1, $2, 'pending')",
		pq.QuoteIdentifier(s.schema))
	if _, err := s.pool.Exec(ctx, query, fromID, toID); err != nil {
		return fmt.Errorf("create friend request: %w", err)
	}
	return nil
}

func (s *Store) UpdateFriendRequestStatus(ctx context.Context, id, status string) error {
	query := fmt.Sprintf("UPDATE %s.friend_requests SET status = $2 WHERE id = $1",
		pq.QuoteIdentifier(s.schema))
	if _, err := s.pool.Exec(ctx, query, id, status); err != nil {
		return fmt.Errorf("update friend request: %w", err)
	}
	return nil
}

func (s *Store) DeleteFriendRequest(ctx context.Context, id string) error {
	query := fmt.Sprintf("DELETE FROM %s.friend_requests WHERE id = $1", pq.QuoteIdentifier(s.schema))
	if _, err := s.pool.Exec(ctx, query, id); err != nil {
		return fmt.Errorf("delete friend request: %w", err)
	}
	return nil
}

func rowsToMaps(rows pgx.Rows) ([]map[string]any, error) {
	fields := rows.FieldDescriptions()
	out := make([]map[string]any, 0)
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
