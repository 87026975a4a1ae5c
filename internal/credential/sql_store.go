package credential

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	credentialTableName    = "ghl_tokens"
	sqlOperationTimeout    = 5 * time.Second
	sqliteTimestampLayout  = "2006-01-02T15:04:05.000000000Z07:00"
	credentialColumnsQuery = "location_id, access_token, refresh_token, token_type, user_type, company_id, expires_in, scope, updated_at"
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	name          string
	driver        string
	timestampType string
	placeholder   func(n int) string
	encodeTime    func(t time.Time) any
}

var postgresDialect = sqlDialect{
	name:          "postgres",
	driver:        "postgres",
	timestampType: "TIMESTAMPTZ",
	placeholder:   func(n int) string { return fmt.Sprintf("$%d", n) },
	encodeTime:    func(t time.Time) any { return t.UTC() },
}

var sqliteDialect = sqlDialect{
	name:          "sqlite",
	driver:        "sqlite",
	timestampType: "TEXT",
	placeholder:   func(int) string { return "?" },
	// fixed-width UTC text keeps ORDER BY updated_at chronological
	encodeTime: func(t time.Time) any { return t.UTC().Format(sqliteTimestampLayout) },
}

// SQLStore persists credentials in a single table keyed by location_id.
type SQLStore struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresStore(dsn string) (*SQLStore, error) {
	return newSQLStore(dsn, postgresDialect)
}

// NewSQLiteStore accepts a file path or a sqlite:// DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}
	return newSQLStore(dsn, sqliteDialect)
}

func newSQLStore(dsn string, dialect sqlDialect) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQLStore{
		dsn:       dsn,
		tableName: credentialTableName,
		dialect:   dialect,
		openDB:    sql.Open,
	}, nil
}

func (s *SQLStore) Latest(ctx context.Context) (Credential, error) {
	if err := s.ensureReady(ctx); err != nil {
		return Credential{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY updated_at DESC, location_id ASC LIMIT 1",
		credentialColumnsQuery, quoteIdentifier(s.tableName))
	var (
		cred       Credential
		updatedRaw any
	)
	err := s.db.QueryRowContext(ctx, query).Scan(
		&cred.TenantID,
		&cred.AccessToken,
		&cred.RefreshToken,
		&cred.TokenKind,
		&cred.UserType,
		&cred.CompanyID,
		&cred.ExpiresIn,
		&cred.Scope,
		&updatedRaw,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, err
	}
	updatedAt, err := decodeSQLTime(updatedRaw)
	if err != nil {
		return Credential{}, err
	}
	cred.UpdatedAt = updatedAt
	return cred, nil
}

func (s *SQLStore) Upsert(ctx context.Context, cred Credential) error {
	cred, err := prepareUpsert(cred)
	if err != nil {
		return err
	}
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	p := s.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s)
		ON CONFLICT (location_id)
		DO UPDATE SET
			access_token = EXCLUDED.access_token,
			refresh_token = EXCLUDED.refresh_token,
			token_type = EXCLUDED.token_type,
			user_type = EXCLUDED.user_type,
			company_id = EXCLUDED.company_id,
			expires_in = EXCLUDED.expires_in,
			scope = EXCLUDED.scope,
			updated_at = EXCLUDED.updated_at`,
		quoteIdentifier(s.tableName), credentialColumnsQuery,
		p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9))
	_, err = s.db.ExecContext(ctx, query,
		cred.TenantID,
		cred.AccessToken,
		cred.RefreshToken,
		cred.TokenKind,
		cred.UserType,
		cred.CompanyID,
		cred.ExpiresIn,
		cred.Scope,
		s.dialect.encodeTime(cred.UpdatedAt),
	)
	return err
}

func (s *SQLStore) Delete(ctx context.Context, tenantID string) error {
	if err := s.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	query := fmt.Sprintf("DELETE FROM %s WHERE location_id = %s", quoteIdentifier(s.tableName), s.dialect.placeholder(1))
	_, err := s.db.ExecContext(ctx, query, strings.TrimSpace(tenantID))
	return err
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureReady(ctx context.Context) error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.name == "sqlite" {
			db.SetMaxOpenConns(1)
		}
		initCtx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				location_id TEXT PRIMARY KEY,
				access_token TEXT NOT NULL,
				refresh_token TEXT NOT NULL DEFAULT '',
				token_type TEXT NOT NULL DEFAULT '',
				user_type TEXT NOT NULL DEFAULT '',
				company_id TEXT NOT NULL DEFAULT '',
				expires_in BIGINT NOT NULL DEFAULT 0,
				scope TEXT NOT NULL DEFAULT '',
				updated_at %s NOT NULL
			)`, quoteIdentifier(s.tableName), s.dialect.timestampType)
		if _, err := db.ExecContext(initCtx, query); err != nil {
			_ = db.Close()
			s.initErr = fmt.Errorf("create %s credential table: %w", s.dialect.name, err)
			return
		}
		s.db = db
	})
	return s.initErr
}

func decodeSQLTime(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseSQLTime(v)
	case []byte:
		return parseSQLTime(string(v))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("unsupported updated_at type %T", raw)
	}
}

func parseSQLTime(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{sqliteTimestampLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid updated_at value %q", value)
}

func quoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
