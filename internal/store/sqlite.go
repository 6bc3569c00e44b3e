package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore implements Accounts and APIKeys over a cgo-free SQLite file,
// the durable side of the split store (Redis owns ephemeral/TTL state).
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Accounts = (*SQLiteStore)(nil)
	_ APIKeys  = (*SQLiteStore)(nil)
)

// NewSQLite opens dbPath, applies WAL + busy-timeout pragmas, and creates
// the schema if absent.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.ExecContext(context.Background(), schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// --- Accounts ---

const accountColumns = `id, platform, name, description, api_url, user_agent, proxy_json,
	encrypted_api_key, priority, schedulable, account_type, supported_models_json,
	is_active, status, error_message, rate_limited_at, rate_limit_minutes,
	daily_quota, daily_usage, quota_reset_time, quota_stopped_at, last_used_at, created_at`

func (s *SQLiteStore) FindByID(ctx context.Context, platform, id string) (*AccountRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE platform = ? AND id = ?`, platform, id)
	rec, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) FindAll(ctx context.Context, platform string) ([]*AccountRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE platform = ? ORDER BY priority ASC`, platform)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*AccountRecord
	for rows.Next() {
		rec, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, rec *AccountRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Platform, rec.Name, rec.Description, rec.APIURL, rec.UserAgent, rec.ProxyJSON,
		rec.EncryptedAPIKey, rec.Priority, boolToInt(rec.Schedulable), rec.AccountType, rec.SupportedModelsJSON,
		boolToInt(rec.IsActive), rec.Status, rec.ErrorMessage, nullableTime(rec.RateLimitedAt), rec.RateLimitMinutes,
		rec.DailyQuota, rec.DailyUsage, rec.QuotaResetTime, nullableTime(rec.QuotaStoppedAt), nullableTime(rec.LastUsedAt),
		rec.CreatedAt.Format(time.RFC3339),
	)
	return err
}

func (s *SQLiteStore) UpdateAccount(ctx context.Context, platform, id string, patch AccountPatch) error {
	sets := make([]string, 0, 6)
	args := make([]interface{}, 0, 8)

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
	}
	if patch.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *patch.ErrorMessage)
	}
	if patch.LastUsedAt != nil {
		sets = append(sets, "last_used_at = ?")
		args = append(args, patch.LastUsedAt.Format(time.RFC3339))
	}
	if patch.RateLimitedAt != nil {
		sets = append(sets, "rate_limited_at = ?")
		args = append(args, patch.RateLimitedAt.Format(time.RFC3339))
	}
	if patch.DailyUsage != nil {
		sets = append(sets, "daily_usage = ?")
		args = append(args, *patch.DailyUsage)
	}
	if patch.Schedulable != nil {
		sets = append(sets, "schedulable = ?")
		args = append(args, boolToInt(*patch.Schedulable))
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE accounts SET " + joinComma(sets) + " WHERE platform = ? AND id = ?"
	args = append(args, platform, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, platform, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE platform = ? AND id = ?`, platform, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAccount(row rowScanner) (*AccountRecord, error) {
	var rec AccountRecord
	var schedulable, isActive int
	var rateLimitedAt, quotaStoppedAt, lastUsedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&rec.ID, &rec.Platform, &rec.Name, &rec.Description, &rec.APIURL, &rec.UserAgent, &rec.ProxyJSON,
		&rec.EncryptedAPIKey, &rec.Priority, &schedulable, &rec.AccountType, &rec.SupportedModelsJSON,
		&isActive, &rec.Status, &rec.ErrorMessage, &rateLimitedAt, &rec.RateLimitMinutes,
		&rec.DailyQuota, &rec.DailyUsage, &rec.QuotaResetTime, &quotaStoppedAt, &lastUsedAt,
		&createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Schedulable = schedulable != 0
	rec.IsActive = isActive != 0
	rec.RateLimitedAt = parseNullableTime(rateLimitedAt)
	rec.QuotaStoppedAt = parseNullableTime(quotaStoppedAt)
	rec.LastUsedAt = parseNullableTime(lastUsedAt)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = t
	}
	return &rec, nil
}

// --- API keys ---

const apiKeyColumns = `id, fingerprint, name, scope, console_account_id, codex_account_id,
	is_deleted, is_active, deleted_at, rate_limit_requests, rate_limit_window_s, cost_limit,
	expiration_mode, expires_at, activated_at, activation_seconds, created_at`

func (s *SQLiteStore) FindKeyByFingerprint(ctx context.Context, fingerprint string) (*APIKeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE fingerprint = ?`, fingerprint)
	rec, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) FindKeyByID(ctx context.Context, id string) (*APIKeyRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys WHERE id = ?`, id)
	rec, err := scanAPIKey(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *SQLiteStore) CreateKey(ctx context.Context, rec *APIKeyRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO api_keys (`+apiKeyColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Fingerprint, rec.Name, rec.Scope, rec.ConsoleAccountID, rec.CodexAccountID,
		boolToInt(rec.IsDeleted), boolToInt(rec.IsActive), nullableTime(rec.DeletedAt), rec.RateLimitRequests, rec.RateLimitWindowSec, rec.CostLimit,
		rec.ExpirationMode, nullableTime(rec.ExpiresAt), nullableTime(rec.ActivatedAt), rec.ActivationSeconds, rec.CreatedAt.Format(time.RFC3339),
	)
	return err
}

func (s *SQLiteStore) UpdateKey(ctx context.Context, id string, patch APIKeyPatch) error {
	sets := make([]string, 0, 4)
	args := make([]interface{}, 0, 5)

	if patch.IsDeleted != nil {
		sets = append(sets, "is_deleted = ?")
		args = append(args, boolToInt(*patch.IsDeleted))
	}
	if patch.IsActive != nil {
		sets = append(sets, "is_active = ?")
		args = append(args, boolToInt(*patch.IsActive))
	}
	if patch.DeletedAt != nil {
		sets = append(sets, "deleted_at = ?")
		args = append(args, patch.DeletedAt.Format(time.RFC3339))
	}
	if patch.ActivatedAt != nil {
		sets = append(sets, "activated_at = ?")
		args = append(args, patch.ActivatedAt.Format(time.RFC3339))
	}
	if len(sets) == 0 {
		return nil
	}

	query := "UPDATE api_keys SET " + joinComma(sets) + " WHERE id = ?"
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListKeys(ctx context.Context) ([]*APIKeyRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+apiKeyColumns+` FROM api_keys ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*APIKeyRecord
	for rows.Next() {
		rec, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanAPIKey(row rowScanner) (*APIKeyRecord, error) {
	var rec APIKeyRecord
	var isDeleted, isActive int
	var deletedAt, expiresAt, activatedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&rec.ID, &rec.Fingerprint, &rec.Name, &rec.Scope, &rec.ConsoleAccountID, &rec.CodexAccountID,
		&isDeleted, &isActive, &deletedAt, &rec.RateLimitRequests, &rec.RateLimitWindowSec, &rec.CostLimit,
		&rec.ExpirationMode, &expiresAt, &activatedAt, &rec.ActivationSeconds, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	rec.IsDeleted = isDeleted != 0
	rec.IsActive = isActive != 0
	rec.DeletedAt = parseNullableTime(deletedAt)
	rec.ExpiresAt = parseNullableTime(expiresAt)
	rec.ActivatedAt = parseNullableTime(activatedAt)
	if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
		rec.CreatedAt = t
	}
	return &rec, nil
}

// --- helpers ---

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func joinComma(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
