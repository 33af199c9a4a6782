package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/leozw/partner-guardian/internal/core"
)

// ErrNotFound is returned (wrapped) when a row does not exist.
var ErrNotFound = errors.New("not found")

type Repository struct {
	db *sqlx.DB
}

type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func NewConnection(databaseURL string, opts PoolOptions) (*sqlx.DB, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, err
	}

	if opts.MaxOpenConns == 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns == 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime == 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(opts.MaxOpenConns)
	db.SetMaxIdleConns(opts.MaxIdleConns)
	db.SetConnMaxLifetime(opts.ConnMaxLifetime)

	return db, nil
}

func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) Ping() error {
	return r.db.Ping()
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return err
}

// Partner operations
func (r *Repository) CreatePartner(ctx context.Context, p *core.Partner) error {
	query := `
		INSERT INTO partners (
			id, tenant_id, partner_name, db_type, db_host, db_port, db_name,
			db_username, db_password, ssh_config, concurrency_limit, is_active,
			last_sync_status, created_at, updated_at
		) VALUES (
			:id, :tenant_id, :partner_name, :db_type, :db_host, :db_port, :db_name,
			:db_username, :db_password, :ssh_config, :concurrency_limit, :is_active,
			:last_sync_status, :created_at, :updated_at
		)`

	_, err := r.db.NamedExecContext(ctx, query, p)
	return err
}

func (r *Repository) GetPartner(ctx context.Context, id string) (*core.Partner, error) {
	var p core.Partner
	query := `SELECT * FROM partners WHERE id = $1`
	if err := r.db.GetContext(ctx, &p, query, id); err != nil {
		return nil, notFound(err, "partner")
	}
	return &p, nil
}

func (r *Repository) ListPartners(ctx context.Context, activeOnly bool) ([]*core.Partner, error) {
	partners := []*core.Partner{}
	query := `SELECT * FROM partners`
	if activeOnly {
		query += ` WHERE is_active = true`
	}
	query += ` ORDER BY partner_name ASC, created_at ASC`

	err := r.db.SelectContext(ctx, &partners, query)
	return partners, err
}

func (r *Repository) UpdatePartner(ctx context.Context, p *core.Partner) error {
	query := `
		UPDATE partners SET
			tenant_id = :tenant_id,
			partner_name = :partner_name,
			db_host = :db_host,
			db_port = :db_port,
			db_name = :db_name,
			db_username = :db_username,
			db_password = :db_password,
			ssh_config = :ssh_config,
			concurrency_limit = :concurrency_limit,
			is_active = :is_active,
			updated_at = :updated_at
		WHERE id = :id`

	res, err := r.db.NamedExecContext(ctx, query, p)
	if err != nil {
		return err
	}
	return requireRow(res, "partner")
}

func (r *Repository) DeletePartner(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM partners WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return requireRow(res, "partner")
}

// UpdatePartnerLimit overwrites the stored limit without recording history.
// The collector uses it when the tenant reports a different limit.
func (r *Repository) UpdatePartnerLimit(ctx context.Context, id string, limit int) error {
	query := `UPDATE partners SET concurrency_limit = $2, updated_at = NOW() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, limit)
	if err != nil {
		return err
	}
	return requireRow(res, "partner")
}

func (r *Repository) UpdateSyncStatus(ctx context.Context, id string, status core.SyncStatus, errMsg *string, at time.Time) error {
	query := `
		UPDATE partners SET
			last_sync_status = $2,
			last_error_message = $3,
			last_sync_at = $4
		WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, id, status, errMsg, at)
	return err
}

// User operations
func (r *Repository) CreateUser(ctx context.Context, u *core.User) error {
	query := `
		INSERT INTO users (id, username, email, role, password_hash, created_at, updated_at)
		VALUES (:id, :username, :email, :role, :password_hash, :created_at, :updated_at)`
	_, err := r.db.NamedExecContext(ctx, query, u)
	return err
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*core.User, error) {
	var u core.User
	if err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE username = $1`, username); err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

func (r *Repository) GetUser(ctx context.Context, id string) (*core.User, error) {
	var u core.User
	if err := r.db.GetContext(ctx, &u, `SELECT * FROM users WHERE id = $1`, id); err != nil {
		return nil, notFound(err, "user")
	}
	return &u, nil
}

func (r *Repository) CountUsers(ctx context.Context) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM users`)
	return count, err
}

func (r *Repository) UpdateUserPassword(ctx context.Context, id, hash string) error {
	query := `UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`
	res, err := r.db.ExecContext(ctx, query, id, hash)
	if err != nil {
		return err
	}
	return requireRow(res, "user")
}

func (r *Repository) TouchLastLogin(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, id, at)
	return err
}

func requireRow(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	return nil
}

// SetPauseNonPriority stores the non-priority campaign toggle of a partner.
func (r *Repository) SetPauseNonPriority(ctx context.Context, id string, enabled bool) (*core.Partner, error) {
	var p core.Partner
	query := `
		UPDATE partners SET
			pause_non_priority_campaigns = $2,
			updated_at = NOW()
		WHERE id = $1
		RETURNING *`
	if err := r.db.GetContext(ctx, &p, query, id, enabled); err != nil {
		return nil, notFound(err, "partner")
	}
	return &p, nil
}
