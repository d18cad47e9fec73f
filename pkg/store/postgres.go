package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib" // register pgx driver for database/sql

	"github.com/helmsman-project/helmsman/pkg/config"
	"github.com/helmsman-project/helmsman/pkg/errkind"
	"github.com/helmsman-project/helmsman/pkg/events"
	"github.com/helmsman-project/helmsman/pkg/models"
)

//go:embed migrations
var migrationsFS embed.FS

// PostgresStore is the durable SessionStore + EventStore. Event inserts
// NOTIFY other replicas in the same transaction, so a committed event is
// always announced.
type PostgresStore struct {
	db     *sql.DB
	origin string
}

// NewPostgresStore opens a pooled connection, applies pending migrations,
// and returns the store. origin identifies this replica in NOTIFY payloads.
func NewPostgresStore(ctx context.Context, cfg config.DatabaseConfig, origin string) (*PostgresStore, error) {
	return NewPostgresStoreDSN(ctx, cfg.DSN(), cfg.Database, origin, func(db *sql.DB) {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	})
}

// NewPostgresStoreDSN opens a store from a raw connection string. tune may
// be nil; it configures the pool before the first connection is used.
func NewPostgresStoreDSN(ctx context.Context, dsn, database, origin string, tune func(*sql.DB)) (*PostgresStore, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if tune != nil {
		tune(db)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db, database); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &PostgresStore{db: db, origin: origin}, nil
}

// DB exposes the underlying pool for health checks.
func (s *PostgresStore) DB() *sql.DB { return s.db }

// Close closes the connection pool.
func (s *PostgresStore) Close() error { return s.db.Close() }

// runMigrations applies embedded SQL migrations with golang-migrate.
func runMigrations(db *sql.DB, database string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("failed to create postgres driver: %w", err)
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, database, driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}

	// Close only the source driver. m.Close() would also close the shared
	// *sql.DB handed to postgres.WithInstance.
	if err := sourceDriver.Close(); err != nil {
		return fmt.Errorf("failed to close migration source: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateSession(ctx context.Context) (*models.Session, error) {
	sess := &models.Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, created_at) VALUES ($1, $2)`,
		sess.ID, sess.CreatedAt)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "failed to create session")
	}
	return sess, nil
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess := &models.Session{ID: id}
	err := s.db.QueryRowContext(ctx,
		`SELECT created_at FROM sessions WHERE id = $1`, id).Scan(&sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errkind.Newf(errkind.KindNotFound, "session %s not found", id)
	}
	if err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "failed to load session")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT role, content, sources, created_at
		 FROM turns WHERE session_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "failed to load turns")
	}
	defer rows.Close()

	for rows.Next() {
		var turn models.ConversationTurn
		var sources []byte
		if err := rows.Scan(&turn.Role, &turn.Text, &sources, &turn.Timestamp); err != nil {
			return nil, errkind.Wrap(errkind.KindStore, err, "failed to scan turn")
		}
		if len(sources) > 0 {
			if err := json.Unmarshal(sources, &turn.Sources); err != nil {
				return nil, errkind.Wrap(errkind.KindStore, err, "failed to decode turn sources")
			}
		}
		sess.Turns = append(sess.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "failed to iterate turns")
	}
	return sess, nil
}

func (s *PostgresStore) ListSessions(ctx context.Context, limit, offset int) ([]models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, created_at FROM sessions
		 ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "failed to list sessions")
	}
	defer rows.Close()

	var out []models.Session
	for rows.Next() {
		var sess models.Session
		if err := rows.Scan(&sess.ID, &sess.CreatedAt); err != nil {
			return nil, errkind.Wrap(errkind.KindStore, err, "failed to scan session")
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "failed to iterate sessions")
	}
	return out, nil
}

func (s *PostgresStore) AppendTurn(ctx context.Context, sessionID string, turn models.ConversationTurn) error {
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	var sources []byte
	if len(turn.Sources) > 0 {
		var err error
		sources, err = json.Marshal(turn.Sources)
		if err != nil {
			return errkind.Wrap(errkind.KindInternal, err, "failed to encode turn sources")
		}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (session_id, role, content, sources, created_at)
		 SELECT $1, $2, $3, $4, $5 WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $1)`,
		sessionID, turn.Role, turn.Text, sources, turn.Timestamp)
	if err != nil {
		return errkind.Wrap(errkind.KindStore, err, "failed to append turn")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Newf(errkind.KindNotFound, "session %s not found", sessionID)
	}
	return nil
}

func (s *PostgresStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	if err != nil {
		return errkind.Wrap(errkind.KindStore, err, "failed to delete session")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errkind.Newf(errkind.KindNotFound, "session %s not found", id)
	}
	return nil
}

// Persist stores an event and notifies other replicas in the same
// transaction.
func (s *PostgresStore) Persist(ctx context.Context, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errkind.Wrap(errkind.KindInternal, err, "failed to encode event")
	}
	notify, err := events.EncodeNotifyPayload(s.origin, event)
	if err != nil {
		return errkind.Wrap(errkind.KindInternal, err, "failed to encode notify payload")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.Wrap(errkind.KindStore, err, "failed to begin transaction")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO events (event_id, session_id, task_id, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (event_id) DO NOTHING`,
		event.EventID, event.SessionID, event.TaskID, payload, event.Timestamp); err != nil {
		return errkind.Wrap(errkind.KindStore, err, "failed to insert event")
	}
	if _, err := tx.ExecContext(ctx,
		`SELECT pg_notify($1, $2)`, events.NotifyChannel, string(notify)); err != nil {
		return errkind.Wrap(errkind.KindStore, err, "failed to notify event")
	}
	if err := tx.Commit(); err != nil {
		return errkind.Wrap(errkind.KindStore, err, "failed to commit event")
	}
	return nil
}

func (s *PostgresStore) ListEventsSince(ctx context.Context, sessionID, sinceEventID string, limit int) ([]events.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM events
		 WHERE session_id = $1 AND ($2 = '' OR event_id > $2)
		 ORDER BY event_id LIMIT $3`,
		sessionID, sinceEventID, limit)
	if err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "failed to query events")
	}
	defer rows.Close()

	var out []events.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, errkind.Wrap(errkind.KindStore, err, "failed to scan event")
		}
		var event events.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, errkind.Wrap(errkind.KindStore, err, "failed to decode event")
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errkind.Wrap(errkind.KindStore, err, "failed to iterate events")
	}
	return out, nil
}
