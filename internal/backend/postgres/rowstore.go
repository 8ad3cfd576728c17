package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/crescendoapp/crescendo/internal/backend"
	"github.com/crescendoapp/crescendo/internal/errs"
)

// FeedOpener opens a change feed for a (table, filter) pair. Implementations:
// NotifyFeeds (LISTEN/NOTIFY) and redisfeed.Feeds (pub/sub).
type FeedOpener interface {
	Open(ctx context.Context, table string, filter backend.Filter) (backend.Feed, error)
}

// identRe restricts table/column names reaching SQL text. Filters and order
// directives come from UI call sites, so names are validated, not trusted.
var identRe = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

func checkIdent(name string) error {
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid identifier %q", name)
	}
	return nil
}

// Store implements backend.RowStore over pgx.
type Store struct {
	db    *DB
	feeds FeedOpener
	log   *zap.Logger
}

// NewStore constructs the row store. feeds may be nil when subscriptions are
// not needed (e.g., one-shot tooling).
func NewStore(db *DB, feeds FeedOpener, log *zap.Logger) *Store {
	return &Store{db: db, feeds: feeds, log: log}
}

// Select returns all rows matching the filter, ordered when order is non-nil.
func (s *Store) Select(ctx context.Context, table string, filter backend.Filter, order *backend.Order) ([]backend.Row, error) {
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	var sb strings.Builder
	var args []any
	fmt.Fprintf(&sb, "SELECT * FROM %s", pgx.Identifier{table}.Sanitize())
	if !filter.IsZero() {
		if err := checkIdent(filter.Column); err != nil {
			return nil, err
		}
		fmt.Fprintf(&sb, " WHERE %s=$1", pgx.Identifier{filter.Column}.Sanitize())
		args = append(args, filter.Value)
	}
	if order != nil {
		if err := checkIdent(order.Column); err != nil {
			return nil, err
		}
		dir := "ASC"
		if order.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&sb, " ORDER BY %s %s", pgx.Identifier{order.Column}.Sanitize(), dir)
	}

	rows, err := s.db.Pool.Query(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []backend.Row
	fields := rows.FieldDescriptions()
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, err
		}
		r := backend.Row{}
		for i, fd := range fields {
			r[fd.Name] = vals[i]
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Insert stores a new row. Column order is made deterministic for testability.
func (s *Store) Insert(ctx context.Context, table string, row backend.Row) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	if len(row) == 0 {
		return errors.New("empty row")
	}
	cols := sortedColumns(row)
	var args []any
	var names, holders []string
	for i, col := range cols {
		if err := checkIdent(col); err != nil {
			return err
		}
		names = append(names, pgx.Identifier{col}.Sanitize())
		holders = append(holders, fmt.Sprintf("$%d", i+1))
		args = append(args, row[col])
	}
	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(names, ", "), strings.Join(holders, ", "))
	if _, err := s.db.Pool.Exec(ctx, sql, args...); err != nil {
		if isUniqueViolation(err) {
			return errs.ErrAlreadyExists
		}
		return err
	}
	return nil
}

// Update applies a partial patch to the row with the given id.
func (s *Store) Update(ctx context.Context, table, id string, patch backend.Row) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	if len(patch) == 0 {
		return errors.New("empty patch")
	}
	cols := sortedColumns(patch)
	var args []any
	var sets []string
	for i, col := range cols {
		if err := checkIdent(col); err != nil {
			return err
		}
		sets = append(sets, fmt.Sprintf("%s=$%d", pgx.Identifier{col}.Sanitize(), i+1))
		args = append(args, patch[col])
	}
	args = append(args, id)
	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id=$%d",
		pgx.Identifier{table}.Sanitize(), strings.Join(sets, ", "), len(args))
	tag, err := s.db.Pool.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errs.ErrNotFound
	}
	return nil
}

// Delete removes the row with the given id.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := checkIdent(table); err != nil {
		return err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE id=$1", pgx.Identifier{table}.Sanitize())
	_, err := s.db.Pool.Exec(ctx, sql, id)
	return err
}

// Subscribe opens a change feed via the configured transport.
func (s *Store) Subscribe(ctx context.Context, table string, filter backend.Filter) (backend.Feed, error) {
	if s.feeds == nil {
		return nil, errors.New("no change-feed transport configured")
	}
	if err := checkIdent(table); err != nil {
		return nil, err
	}
	return s.feeds.Open(ctx, table, filter)
}

func sortedColumns(row backend.Row) []string {
	cols := make([]string, 0, len(row))
	for col := range row {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}
