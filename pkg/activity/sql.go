package activity

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/esglens/esglens/pkg/store"
)

const (
	insertPostgres = `INSERT INTO activity (id, user_id, event, timestamp, payload) VALUES ($1, $2, $3, $4, $5)`
	insertSQLite   = `INSERT INTO activity (id, user_id, event, timestamp, payload) VALUES (?, ?, ?, ?, ?)`
)

// SQLRecorder appends events to the activity table. It shares the
// store's handle and dialect; the store owns the table.
type SQLRecorder struct {
	db      *sql.DB
	insert  string
	timeout time.Duration
	log     *slog.Logger
}

// NewRecorder builds a recorder for the given backend.
func NewRecorder(db *sql.DB, dialect store.Dialect, log *slog.Logger) *SQLRecorder {
	if log == nil {
		log = slog.Default()
	}
	insert := insertSQLite
	if dialect == store.Postgres {
		insert = insertPostgres
	}
	return &SQLRecorder{
		db:      db,
		insert:  insert,
		timeout: store.DefaultOpTimeout,
		log:     log,
	}
}

// Record appends one event. A zero timestamp is stamped now; a nil
// payload is stored as an empty object.
func (r *SQLRecorder) Record(ctx context.Context, ev Event) error {
	if err := ev.Validate(); err != nil {
		return err
	}
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	payload := ev.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	_, err = r.db.ExecContext(ctx, r.insert,
		uuid.NewString(), ev.UserID, string(ev.Kind), store.FormatTimestamp(ts), string(body))
	if err != nil {
		return fmt.Errorf("record activity: %w", err)
	}
	return nil
}
