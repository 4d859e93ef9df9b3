package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dalbodeule/hop-record/internal/logging"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// 지원하는 database/sql 드라이버 이름입니다.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// ErrNotFound 는 카탈로그에 없는 녹화를 조회한 경우입니다.
var ErrNotFound = errors.New("store: recording not found")

// Config holds database connection and pool settings.
type Config struct {
	Driver          string        // "sqlite" or "postgres"
	DSN             string        // sqlite 파일 경로 또는 PostgreSQL DSN
	MaxOpenConns    int           // maximum number of open connections
	MaxIdleConns    int           // maximum number of idle connections
	ConnMaxLifetime time.Duration // maximum connection lifetime
}

// defaultConfig returns reasonable defaults for local development.
func defaultConfig() Config {
	return Config{
		Driver:          DriverSQLite,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// Recording 은 싱크가 완료한 녹화 한 건의 카탈로그 항목입니다.
type Recording struct {
	ID        string
	Name      string
	URL       string
	Encoding  string
	Size      int64
	Chunks    int
	CreatedAt time.Time
}

// Store 는 녹화 카탈로그를 SQLite 또는 PostgreSQL 에 보관합니다.
type Store struct {
	db     *sql.DB
	driver string
	logger logging.Logger
}

// Open opens the catalog database, configures the pool, verifies the
// connection, and creates the schema if it does not exist.
func Open(ctx context.Context, logger logging.Logger, cfg Config) (*Store, error) {
	def := defaultConfig()
	if cfg.Driver == "" {
		cfg.Driver = def.Driver
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = def.MaxOpenConns
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = def.ConnMaxLifetime
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("%s DSN is empty", cfg.Driver)
	}
	if cfg.Driver != DriverSQLite && cfg.Driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}

	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s db: %w", cfg.Driver, err)
	}

	if cfg.Driver == DriverSQLite {
		// SQLite 는 writer 가 하나뿐이므로 연결도 하나로 제한합니다.
		cfg.MaxOpenConns = 1
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
			}
		}
	}

	if err := configurePool(db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("configure db pool: %w", err)
	}

	if err := ping(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	s := &Store{db: db, driver: cfg.Driver, logger: logger.With(logging.Fields{"component": "store"})}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	s.logger.Info("connected to catalog db and applied schema", logging.Fields{
		"driver":     cfg.Driver,
		"dsn_masked": maskDSN(cfg.DSN),
	})
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	const schema = `CREATE TABLE IF NOT EXISTS recordings (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL DEFAULT '',
		url        TEXT NOT NULL,
		encoding   TEXT NOT NULL DEFAULT '',
		size       BIGINT NOT NULL DEFAULT 0,
		chunks     INTEGER NOT NULL DEFAULT 0,
		created_at BIGINT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create recordings table: %w", err)
	}
	const index = `CREATE INDEX IF NOT EXISTS recordings_created_at ON recordings (created_at)`
	if _, err := s.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("create recordings index: %w", err)
	}
	return nil
}

// rebind 는 ? placeholder 를 드라이버에 맞게 바꿉니다. (postgres: $1, $2, ...)
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Put 은 녹화를 저장합니다. 같은 ID 가 있으면 덮어씁니다.
func (s *Store) Put(ctx context.Context, rec Recording) error {
	if rec.ID == "" {
		return errors.New("store: recording id is empty")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO recordings (id, name, url, encoding, size, chunks, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			url = excluded.url,
			encoding = excluded.encoding,
			size = excluded.size,
			chunks = excluded.chunks`),
		rec.ID, rec.Name, rec.URL, rec.Encoding, rec.Size, rec.Chunks, rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert recording %s: %w", rec.ID, err)
	}
	return nil
}

// Get 은 ID 로 녹화를 조회합니다. 없으면 ErrNotFound 를 반환합니다.
func (s *Store) Get(ctx context.Context, id string) (*Recording, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, url, encoding, size, chunks, created_at FROM recordings WHERE id = ?`), id)
	rec, err := scanRecording(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get recording %s: %w", id, err)
	}
	return rec, nil
}

// List 는 최근 녹화부터 최대 limit 개를 반환합니다. limit <= 0 이면 전부 반환합니다.
func (s *Store) List(ctx context.Context, limit int) ([]Recording, error) {
	query := `SELECT id, name, url, encoding, size, chunks, created_at FROM recordings ORDER BY created_at DESC, id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list recordings: %w", err)
	}
	defer rows.Close()

	var out []Recording
	for rows.Next() {
		rec, err := scanRecording(rows)
		if err != nil {
			return nil, fmt.Errorf("scan recording: %w", err)
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecording(sc scanner) (*Recording, error) {
	var rec Recording
	var created int64
	if err := sc.Scan(&rec.ID, &rec.Name, &rec.URL, &rec.Encoding, &rec.Size, &rec.Chunks, &created); err != nil {
		return nil, err
	}
	rec.CreatedAt = time.UnixMilli(created)
	return &rec, nil
}

func configurePool(db *sql.DB, cfg Config) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns >= 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return nil
}

func ping(ctx context.Context, db *sql.DB) error {
	if db == nil {
		return fmt.Errorf("db is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return db.PingContext(ctx)
}

// maskDSN hides credentials in DSN for safe logging. sqlite 경로는 그대로 보여줍니다.
func maskDSN(dsn string) string {
	if dsn == "" {
		return ""
	}
	if strings.Contains(dsn, "://") || strings.Contains(dsn, "password=") {
		return "***"
	}
	return dsn
}
