package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/cardguard/internal/domain"
)

const customerColumns = `id, first_name, last_name, age, location, phone_number, created_at, updated_at`

// SaveCustomer inserts a customer, filling the profile defaults. An existing
// id yields ErrConflict.
func (r *SQLRepository) SaveCustomer(ctx context.Context, c *domain.Customer) error {
	if err := validateCustomer(c); err != nil {
		return err
	}
	applyCustomerDefaults(c)

	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now

	query := `
		INSERT INTO {customers} (` + customerColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`

	res, err := r.db.ExecContext(ctx, r.sql(query),
		c.ID, c.FirstName, c.LastName, c.Age, c.Location, c.PhoneNumber, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: customer %s", ErrConflict, c.ID)
	}
	return nil
}

// GetCustomer retrieves a customer by ID.
func (r *SQLRepository) GetCustomer(ctx context.Context, customerID string) (*domain.Customer, error) {
	query := `SELECT ` + customerColumns + ` FROM {customers} WHERE id = ?`

	var c domain.Customer
	err := r.db.QueryRowContext(ctx, r.sql(query), customerID).Scan(
		&c.ID, &c.FirstName, &c.LastName, &c.Age, &c.Location, &c.PhoneNumber,
		&c.CreatedAt, &c.UpdatedAt,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &c, nil
}

// UpdateCustomer overwrites a customer's profile.
func (r *SQLRepository) UpdateCustomer(ctx context.Context, c *domain.Customer) error {
	if err := validateCustomer(c); err != nil {
		return err
	}
	applyCustomerDefaults(c)
	c.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE {customers} SET
			first_name = ?, last_name = ?, age = ?, location = ?, phone_number = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.ExecContext(ctx, r.sql(query),
		c.FirstName, c.LastName, c.Age, c.Location, c.PhoneNumber, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCustomer removes a customer. Their transactions stay; later
// evaluations fall back to the unknown-profile defaults.
func (r *SQLRepository) DeleteCustomer(ctx context.Context, customerID string) error {
	return r.deleteByID(ctx, `DELETE FROM {customers} WHERE id = ?`, customerID)
}

// ListCustomerIDs returns every registered customer id.
func (r *SQLRepository) ListCustomerIDs(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, r.sql(`SELECT id FROM {customers} ORDER BY id`))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func validateCustomer(c *domain.Customer) error {
	switch {
	case c == nil:
		return fmt.Errorf("%w: customer is required", ErrInvalidInput)
	case c.ID == "":
		return fmt.Errorf("%w: customer id is required", ErrInvalidInput)
	case c.Age < 0:
		return fmt.Errorf("%w: age must not be negative", ErrInvalidInput)
	}
	return nil
}

func applyCustomerDefaults(c *domain.Customer) {
	if c.Location == "" {
		c.Location = domain.UnknownLocation
	}
	if c.PhoneNumber == "" {
		c.PhoneNumber = domain.DefaultPhoneNumber
	}
}
