package history

import (
	"context"
	"database/sql"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite"

	"github.com/zurustar/callcore/internal/logging"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id                TEXT PRIMARY KEY,
	account           TEXT NOT NULL,
	media_types       TEXT NOT NULL,
	direction         TEXT NOT NULL,
	status            TEXT NOT NULL,
	failure_reason    TEXT NOT NULL DEFAULT '',
	start_time        TEXT NOT NULL,
	end_time          TEXT NOT NULL,
	duration          INTEGER NOT NULL DEFAULT 0,
	local_uri         TEXT NOT NULL,
	remote_uri        TEXT NOT NULL,
	remote_focus      INTEGER NOT NULL DEFAULT 0,
	participants      TEXT NOT NULL DEFAULT '',
	call_id           TEXT NOT NULL DEFAULT '',
	from_tag          TEXT NOT NULL DEFAULT '',
	to_tag            TEXT NOT NULL DEFAULT '',
	answering_machine INTEGER NOT NULL DEFAULT 0,
	summary           TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_start ON sessions(start_time);
`

var columns = []string{
	"id", "account", "media_types", "direction", "status", "failure_reason",
	"start_time", "end_time", "duration", "local_uri", "remote_uri", "remote_focus",
	"participants", "call_id", "from_tag", "to_tag", "answering_machine", "summary",
}

// SQLiteStore keeps history in a SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	logger logging.Logger
}

// OpenSQLite opens (and if needed creates) the history database at path.
func OpenSQLite(path string, logger logging.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open history database %s", path)
	}
	// a single connection keeps ":memory:" databases shared and writes serial
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to create history schema")
	}

	logger.Info("History store opened", logging.StringField("path", path))
	return &SQLiteStore{db: db, logger: logger}, nil
}

// Add inserts rec.
func (s *SQLiteStore) Add(ctx context.Context, rec *Record) error {
	query, args, err := sq.Insert("sessions").
		Columns(columns...).
		Values(
			rec.ID, rec.Account, strings.Join(rec.MediaTypes, ","), rec.Direction, string(rec.Status),
			rec.FailureReason, formatTime(rec.StartTime), formatTime(rec.EndTime),
			int64(rec.Duration/time.Second), rec.LocalURI, rec.RemoteURI, boolToInt(rec.RemoteFocus),
			strings.Join(rec.Participants, ","), rec.CallID, rec.FromTag, rec.ToTag,
			boolToInt(rec.AnsweringMachine), rec.Summary,
		).
		ToSql()
	if err != nil {
		return errors.Wrap(err, "failed to build insert")
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return errors.Wrapf(err, "failed to store history entry %s", rec.ID)
	}
	return nil
}

// Recent returns entries matching q, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, q Query) ([]*Record, error) {
	builder := sq.Select(columns...).From("sessions").OrderBy("start_time DESC")
	if q.Direction != "" {
		builder = builder.Where(sq.Eq{"direction": q.Direction})
	}
	if q.Status != "" {
		builder = builder.Where(sq.Eq{"status": string(q.Status)})
	}
	if q.Limit > 0 {
		builder = builder.Limit(uint64(q.Limit))
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return nil, errors.Wrap(err, "failed to build query")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query history")
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, errors.Wrap(rows.Err(), "failed to read history")
}

// LastOutgoing returns the most recent outgoing entry, or nil.
func (s *SQLiteStore) LastOutgoing(ctx context.Context) (*Record, error) {
	records, err := s.Recent(ctx, Query{Direction: "outgoing", Limit: 1})
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return records[0], nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func scanRecord(rows *sql.Rows) (*Record, error) {
	var (
		rec                     Record
		media, status, start    string
		end, participants       string
		duration                int64
		focus, answeringMachine int
	)
	err := rows.Scan(
		&rec.ID, &rec.Account, &media, &rec.Direction, &status, &rec.FailureReason,
		&start, &end, &duration, &rec.LocalURI, &rec.RemoteURI, &focus,
		&participants, &rec.CallID, &rec.FromTag, &rec.ToTag, &answeringMachine, &rec.Summary,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan history entry")
	}

	rec.MediaTypes = splitList(media)
	rec.Participants = splitList(participants)
	rec.Status = Status(status)
	rec.StartTime = parseTime(start)
	rec.EndTime = parseTime(end)
	rec.Duration = time.Duration(duration) * time.Second
	rec.RemoteFocus = focus != 0
	rec.AnsweringMachine = answeringMachine != 0
	return &rec, nil
}

// timeLayout has a fixed width so that stored times sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
