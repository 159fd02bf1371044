// Package credentials resolves and disables parent account credentials.
package credentials

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/mgazza/meter-datafeeds/internal/datafeed"
)

const (
	// DefaultMaxOpenConns is used when the configuration leaves it at zero.
	DefaultMaxOpenConns = 5
	// DefaultConnMaxLifetime is the maximum lifetime of a pooled connection.
	DefaultConnMaxLifetime = 5 * time.Minute

	pingTimeout = 5 * time.Second
)

// ErrParentNotFound is returned by Disable for an unknown parent.
var ErrParentNotFound = errors.New("parent credential not found")

const parentQuery = `SELECT ad.id, ad.name, ad.username, ad.password, ad.enabled
FROM meter_datasources md
JOIN account_datasources ad ON ad.id = md.account_datasource_id
WHERE md.id = $1`

const disableQuery = `UPDATE account_datasources SET enabled = false, updated_at = NOW() WHERE id = $1`

// Postgres reads parent credentials from the account_datasources table.
type Postgres struct {
	db *sqlx.DB
}

// Connect opens and pings a Postgres connection pool.
func Connect(dsn string, maxOpenConns int) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if maxOpenConns <= 0 {
		maxOpenConns = DefaultMaxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxOpenConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return db, nil
}

// NewPostgres returns a store over db.
func NewPostgres(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

type parentRow struct {
	ID       int64          `db:"id"`
	Name     string         `db:"name"`
	Username sql.NullString `db:"username"`
	Password sql.NullString `db:"password"`
	Enabled  bool           `db:"enabled"`
}

// Parent returns the parent credential of a meter datasource, or datafeed.ErrNoParent.
func (p *Postgres) Parent(ctx context.Context, datasourceID string) (*datafeed.Parent, error) {
	var row parentRow
	err := p.db.GetContext(ctx, &row, parentQuery, datasourceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, datafeed.ErrNoParent
	}
	if err != nil {
		return nil, fmt.Errorf("get parent of datasource %s: %w", datasourceID, err)
	}
	return &datafeed.Parent{
		ID:       row.ID,
		Name:     row.Name,
		Username: row.Username.String,
		Password: row.Password.String,
		Enabled:  row.Enabled,
	}, nil
}

// Disable marks a parent credential as disabled.
func (p *Postgres) Disable(ctx context.Context, parentID int64) error {
	res, err := p.db.ExecContext(ctx, disableQuery, parentID)
	if err != nil {
		return fmt.Errorf("disable parent %d: %w", parentID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("disable parent %d: %w", parentID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %d", ErrParentNotFound, parentID)
	}
	return nil
}
