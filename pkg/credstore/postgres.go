package credstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/dmitrymomot/mfakit/pkg/credential"
)

//go:embed migrations/*.sql
var pgMigrations embed.FS

// PostgresConfig configures the Postgres durable backend connection.
type PostgresConfig struct {
	ConnectionURL string        `env:"MFA_PG_URL,required"`
	MaxOpenConns  int32         `env:"MFA_PG_MAX_OPEN_CONNS" envDefault:"10"`
	RetryAttempts int           `env:"MFA_PG_RETRY_ATTEMPTS" envDefault:"3"`
	RetryInterval time.Duration `env:"MFA_PG_RETRY_INTERVAL" envDefault:"5s"`
}

// PostgresBackend is a durable backend over Postgres. Credentials and backup
// codes live in separate tables so code consumption is a single conditional
// UPDATE, the textbook compare-and-set.
type PostgresBackend struct {
	pool *pgxpool.Pool
}

// NewPostgresBackend wraps an existing connection pool.
func NewPostgresBackend(pool *pgxpool.Pool) *PostgresBackend {
	if pool == nil {
		panic("credstore: pgx pool cannot be nil")
	}
	return &PostgresBackend{pool: pool}
}

// ConnectPostgres establishes a pooled connection with retry and wraps it as
// a backend.
func ConnectPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresBackend, error) {
	connCfg, err := pgxpool.ParseConfig(cfg.ConnectionURL)
	if err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	connCfg.MaxConns = cfg.MaxOpenConns

	for i := range max(cfg.RetryAttempts, 1) {
		pool, err := pgxpool.NewWithConfig(ctx, connCfg)
		if err == nil {
			if err := pool.Ping(ctx); err == nil {
				return NewPostgresBackend(pool), nil
			}
			pool.Close()
		}
		// Linear backoff between attempts to avoid a thundering herd when
		// several nodes restart at once.
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrStorageUnavailable, ctx.Err())
		case <-time.After(time.Duration(i+1) * cfg.RetryInterval):
		}
	}
	return nil, ErrStorageUnavailable
}

// Migrate applies the embedded goose schema migrations.
func (b *PostgresBackend) Migrate(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(b.pool)
	defer func(db *sql.DB) { _ = db.Close() }(db)

	goose.SetBaseFS(pgMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

const pgCredentialColumns = `id, user_id, secret_ciphertext, enabled, created_at, updated_at,
	last_verified_at, synced_at, disabled_at, format_version, origin_device,
	pending_sync, sync_failed, archived`

func (b *PostgresBackend) Get(ctx context.Context, userID string) (*credential.Credential, error) {
	row := b.pool.QueryRow(ctx, `
		SELECT `+pgCredentialColumns+`
		FROM mfa_credentials
		WHERE user_id = $1 AND NOT archived
		ORDER BY enabled DESC, updated_at DESC
		LIMIT 1`, userID)

	cred, id, err := scanCredential(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCredentialNotFound
		}
		return nil, errors.Join(ErrStorageUnavailable, err)
	}

	if err := b.loadBackupCodes(ctx, id, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func (b *PostgresBackend) Put(ctx context.Context, cred *credential.Credential) error {
	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uuid.UUID
	err = tx.QueryRow(ctx, `
		SELECT id FROM mfa_credentials
		WHERE user_id = $1 AND NOT archived
		ORDER BY enabled DESC, updated_at DESC
		LIMIT 1`, cred.UserID).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		id = uuid.New()
		_, err = tx.Exec(ctx, `
			INSERT INTO mfa_credentials (`+pgCredentialColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			id, cred.UserID, cred.SecretCiphertext, cred.Enabled, cred.CreatedAt, cred.UpdatedAt,
			cred.LastVerifiedAt, cred.SyncedAt, cred.DisabledAt, cred.FormatVersion, cred.OriginDevice,
			cred.PendingSync, cred.SyncFailed, cred.Archived)
		if err != nil {
			return errors.Join(ErrStorageUnavailable, err)
		}
	case err != nil:
		return errors.Join(ErrStorageUnavailable, err)
	default:
		_, err = tx.Exec(ctx, `
			UPDATE mfa_credentials
			SET secret_ciphertext = $2, enabled = $3, created_at = $4, updated_at = $5,
				last_verified_at = $6, synced_at = $7, disabled_at = $8, format_version = $9,
				origin_device = $10, pending_sync = $11, sync_failed = $12, archived = $13
			WHERE id = $1`,
			id, cred.SecretCiphertext, cred.Enabled, cred.CreatedAt, cred.UpdatedAt,
			cred.LastVerifiedAt, cred.SyncedAt, cred.DisabledAt, cred.FormatVersion,
			cred.OriginDevice, cred.PendingSync, cred.SyncFailed, cred.Archived)
		if err != nil {
			return errors.Join(ErrStorageUnavailable, err)
		}
	}

	// Replace the backup code set wholesale; the credential is an atomic unit.
	if _, err := tx.Exec(ctx, `DELETE FROM mfa_backup_codes WHERE credential_id = $1`, id); err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	for i, code := range cred.BackupCodes {
		_, err := tx.Exec(ctx, `
			INSERT INTO mfa_backup_codes (credential_id, user_id, code_hash, consumed, consumed_at, position)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			id, cred.UserID, code.Hash, code.Consumed, code.ConsumedAt, i)
		if err != nil {
			return errors.Join(ErrStorageUnavailable, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}

func (b *PostgresBackend) Delete(ctx context.Context, userID string) error {
	if _, err := b.pool.Exec(ctx, `DELETE FROM mfa_credentials WHERE user_id = $1`, userID); err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}

func (b *PostgresBackend) List(ctx context.Context) ([]*credential.Credential, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT `+pgCredentialColumns+`
		FROM mfa_credentials
		ORDER BY user_id, created_at`)
	if err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}
	defer rows.Close()

	var out []*credential.Credential
	ids := make([]uuid.UUID, 0)
	for rows.Next() {
		cred, id, err := scanCredential(rows)
		if err != nil {
			return nil, errors.Join(ErrStorageUnavailable, err)
		}
		out = append(out, cred)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Join(ErrStorageUnavailable, err)
	}

	for i, cred := range out {
		if err := b.loadBackupCodes(ctx, ids[i], cred); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// ConsumeBackupCode is a conditional UPDATE guarded by consumed = FALSE; the
// database applies it atomically, so concurrent attempts from different
// devices cannot both see a row to update.
func (b *PostgresBackend) ConsumeBackupCode(ctx context.Context, userID, codeHash string) error {
	tag, err := b.pool.Exec(ctx, `
		UPDATE mfa_backup_codes
		SET consumed = TRUE, consumed_at = now()
		WHERE user_id = $1 AND code_hash = $2 AND NOT consumed`, userID, codeHash)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	if tag.RowsAffected() > 0 {
		_, err = b.pool.Exec(ctx, `
			UPDATE mfa_credentials SET updated_at = now()
			WHERE user_id = $1 AND NOT archived`, userID)
		if err != nil {
			return errors.Join(ErrStorageUnavailable, err)
		}
		return nil
	}

	var consumed bool
	err = b.pool.QueryRow(ctx, `
		SELECT consumed FROM mfa_backup_codes
		WHERE user_id = $1 AND code_hash = $2`, userID, codeHash).Scan(&consumed)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrBackupCodeNotFound
	}
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return ErrBackupCodeAlreadyUsed
}

func (b *PostgresBackend) Archive(ctx context.Context, userID string, keepCreatedAt time.Time) (int, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE mfa_credentials
		SET archived = TRUE
		WHERE user_id = $1 AND NOT archived AND created_at <> $2`, userID, keepCreatedAt)
	if err != nil {
		return 0, errors.Join(ErrStorageUnavailable, err)
	}
	return int(tag.RowsAffected()), nil
}

func (b *PostgresBackend) loadBackupCodes(ctx context.Context, id uuid.UUID, cred *credential.Credential) error {
	rows, err := b.pool.Query(ctx, `
		SELECT code_hash, consumed, consumed_at
		FROM mfa_backup_codes
		WHERE credential_id = $1
		ORDER BY position`, id)
	if err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	defer rows.Close()

	for rows.Next() {
		var code credential.BackupCode
		if err := rows.Scan(&code.Hash, &code.Consumed, &code.ConsumedAt); err != nil {
			return errors.Join(ErrStorageUnavailable, err)
		}
		cred.BackupCodes = append(cred.BackupCodes, code)
	}
	if err := rows.Err(); err != nil {
		return errors.Join(ErrStorageUnavailable, err)
	}
	return nil
}

func scanCredential(row pgx.Row) (*credential.Credential, uuid.UUID, error) {
	var (
		cred credential.Credential
		id   uuid.UUID
	)
	err := row.Scan(&id, &cred.UserID, &cred.SecretCiphertext, &cred.Enabled, &cred.CreatedAt,
		&cred.UpdatedAt, &cred.LastVerifiedAt, &cred.SyncedAt, &cred.DisabledAt,
		&cred.FormatVersion, &cred.OriginDevice, &cred.PendingSync, &cred.SyncFailed, &cred.Archived)
	if err != nil {
		return nil, uuid.Nil, err
	}
	return &cred, id, nil
}
