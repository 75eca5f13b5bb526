package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dukerupert/sitekit/internal/billing/model"
)

type PackageStore struct {
	db *sql.DB
}

func NewPackageStore(db *sql.DB) *PackageStore {
	return &PackageStore{db: db}
}

func scanPackage(scanner interface{ Scan(...any) error }) (*model.Package, error) {
	var p model.Package
	if err := scanner.Scan(&p.ID, &p.Name, &p.MonthlyFee, &p.CreatedAt); err != nil {
		return nil, err
	}
	return &p, nil
}

const packageCols = `id, name, monthly_fee, created_at`

func (s *PackageStore) Create(ctx context.Context, name string, monthlyFee int64) (*model.Package, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO packages (name, monthly_fee) VALUES (?, ?)`,
		name, monthlyFee,
	)
	if err != nil {
		return nil, fmt.Errorf("insert package: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRowContext(ctx, `SELECT `+packageCols+` FROM packages WHERE id = ?`, id)
	p, err := scanPackage(row)
	if err != nil {
		return nil, fmt.Errorf("get package: %w", err)
	}
	return p, nil
}

// ListByIDs returns the packages with the given ids ordered by id. Unknown
// ids are silently absent from the result.
func (s *PackageStore) ListByIDs(ctx context.Context, ids []int64) ([]model.Package, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+packageCols+` FROM packages WHERE id IN (`+placeholders+`) ORDER BY id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list packages: %w", err)
	}
	defer rows.Close()

	var pkgs []model.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		pkgs = append(pkgs, *p)
	}
	return pkgs, rows.Err()
}
