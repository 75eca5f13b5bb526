package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/sitekit/internal/billing/model"
)

// UserStore reads tenant user accounts. The only write the billing engine
// performs on an existing user is flipping is_active off.
type UserStore struct {
	db *sql.DB
}

func NewUserStore(db *sql.DB) *UserStore {
	return &UserStore{db: db}
}

func scanUser(scanner interface{ Scan(...any) error }) (*model.User, error) {
	var u model.User
	var active int
	var deletedAt sql.NullTime
	err := scanner.Scan(&u.ID, &u.OrganizationID, &u.Email, &u.Name, &active, &u.CreatedAt, &deletedAt)
	if err != nil {
		return nil, err
	}
	u.IsActive = active != 0
	u.DeletedAt = nullTime(deletedAt)
	return &u, nil
}

const userCols = `id, organization_id, email, name, is_active, created_at, deleted_at`

const activeUserCond = `is_active = 1 AND deleted_at IS NULL`

// Create inserts an active user. A zero createdAt uses the database clock.
func (s *UserStore) Create(ctx context.Context, orgID int64, email, name string, createdAt time.Time) (*model.User, error) {
	var result sql.Result
	var err error
	if createdAt.IsZero() {
		result, err = s.db.ExecContext(ctx,
			`INSERT INTO users (organization_id, email, name) VALUES (?, ?, ?)`,
			orgID, email, name,
		)
	} else {
		result, err = s.db.ExecContext(ctx,
			`INSERT INTO users (organization_id, email, name, created_at) VALUES (?, ?, ?, ?)`,
			orgID, email, name, createdAt.UTC(),
		)
	}
	if err != nil {
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetByID(ctx, id)
}

func (s *UserStore) GetByID(ctx context.Context, id int64) (*model.User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id)
	u, err := scanUser(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return u, nil
}

// CountActive counts active, non-deleted users of an organization.
func (s *UserStore) CountActive(ctx context.Context, orgID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM users WHERE organization_id = ? AND `+activeUserCond,
		orgID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active users: %w", err)
	}
	return n, nil
}

// ListActiveNewestFirst returns up to limit active users, most recently
// created first. Ties on created_at fall back to the higher id.
func (s *UserStore) ListActiveNewestFirst(ctx context.Context, orgID int64, limit int) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+userCols+` FROM users WHERE organization_id = ? AND `+activeUserCond+`
		 ORDER BY created_at DESC, id DESC LIMIT ?`,
		orgID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

// Deactivate sets is_active = 0 on the given users of orgID. It never
// deletes rows. Returns the number of users changed.
func (s *UserStore) Deactivate(ctx context.Context, orgID int64, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, 0, len(ids)+1)
	args = append(args, orgID)
	for _, id := range ids {
		args = append(args, id)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	result, err := s.db.ExecContext(ctx,
		`UPDATE users SET is_active = 0 WHERE organization_id = ? AND is_active = 1 AND id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate users: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return n, nil
}

// SoftDelete marks a user deleted. Used by tests and tenant tooling.
func (s *UserStore) SoftDelete(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET deleted_at = ? WHERE id = ?`, at.UTC(), id)
	if err != nil {
		return fmt.Errorf("soft delete user: %w", err)
	}
	return nil
}
