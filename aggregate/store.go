// Package aggregate answers the dashboard's order and user aggregate
// queries from SQL.
//
// On PostgreSQL the orders and users tables belong to the storefront and
// are only read. The SQLite store owns its database file and creates those
// tables itself through the embedded migrations before reading them.
package aggregate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cloudbox/pulse"
)

// CompletedStatuses are the order statuses counted toward daily totals.
var CompletedStatuses = []string{"PAID", "PACKED", "SHIPPED", "DELIVERED"}

// dialect holds the SQL for one database engine.
type dialect struct {
	countSince   string
	revenueSince string
	activeUsers  string

	// sinceArg converts the lower time bound to the column's representation.
	sinceArg func(time.Time) any
	// revenueShift moves the summed value's decimal point, e.g. -2 for cents.
	revenueShift int32
}

// Store implements pulse.OrderSource and pulse.UserSource.
type Store struct {
	db *sql.DB
	d  dialect
}

var (
	_ pulse.OrderSource = (*Store)(nil)
	_ pulse.UserSource  = (*Store)(nil)
)

// CountSince counts completed orders created at or after since.
func (s *Store) CountSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.d.countSince, s.d.sinceArg(since)).Scan(&n)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("count orders: %w", err)
	}

	return n, nil
}

// RevenueSince sums the totals of completed orders created at or after since.
func (s *Store) RevenueSince(ctx context.Context, since time.Time) (decimal.Decimal, error) {
	var raw sql.NullString
	err := s.db.QueryRowContext(ctx, s.d.revenueSince, s.d.sinceArg(since)).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return decimal.Zero, nil
	case err != nil:
		return decimal.Zero, fmt.Errorf("sum revenue: %w", err)
	}

	if !raw.Valid || raw.String == "" {
		return decimal.Zero, nil
	}

	revenue, err := decimal.NewFromString(raw.String)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse revenue %q: %w", raw.String, err)
	}

	return revenue.Shift(s.d.revenueShift), nil
}

// ActiveUserCount counts enabled users.
func (s *Store) ActiveUserCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.d.activeUsers).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}

	return n, nil
}

// statusList renders CompletedStatuses as an SQL IN list.
func statusList() string {
	quoted := make([]string, 0, len(CompletedStatuses))
	for _, s := range CompletedStatuses {
		quoted = append(quoted, "'"+s+"'")
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}
