package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"  // PostgreSQL driver
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// migrations are written in the subset of SQL both SQLite and PostgreSQL
// accept. Timestamps are stored as UTC unix nanoseconds.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS readings (
    device_id  TEXT NOT NULL,
    ts         BIGINT NOT NULL,
    pm2_5      DOUBLE PRECISION NOT NULL,
    pm10       DOUBLE PRECISION NOT NULL,
    dba        DOUBLE PRECISION NOT NULL,
    vibration  DOUBLE PRECISION NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_readings_device_ts ON readings(device_id, ts DESC);

CREATE TABLE IF NOT EXISTS model_states (
    device_id      TEXT NOT NULL,
    field          TEXT NOT NULL,
    detector_kind  TEXT NOT NULL,
    trained_at     BIGINT NOT NULL,
    accuracy       DOUBLE PRECISION NOT NULL DEFAULT 0,
    readings_count INTEGER NOT NULL DEFAULT 0,
    parameters     TEXT NOT NULL DEFAULT '{}',
    PRIMARY KEY (device_id, field)
);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS anomalies (
    id          TEXT PRIMARY KEY,
    device_id   TEXT NOT NULL,
    ts          BIGINT NOT NULL,
    severity    TEXT NOT NULL,
    confidence  DOUBLE PRECISION NOT NULL DEFAULT 0,
    results     TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_anomalies_ts       ON anomalies(ts DESC);
CREATE INDEX IF NOT EXISTS idx_anomalies_device   ON anomalies(device_id);
CREATE INDEX IF NOT EXISTS idx_anomalies_severity ON anomalies(severity);

CREATE TABLE IF NOT EXISTS decisions (
    id          TEXT PRIMARY KEY,
    device_id   TEXT NOT NULL,
    ts          BIGINT NOT NULL,
    severity    TEXT NOT NULL,
    actions     TEXT NOT NULL DEFAULT '[]',
    rationale   TEXT NOT NULL DEFAULT '',
    decided_by  TEXT NOT NULL,
    decided_at  BIGINT NOT NULL,
    anomaly     TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_decisions_device ON decisions(device_id, decided_at DESC);
`,
	},
	{
		version: 3,
		sql:     `ALTER TABLE model_states ADD COLUMN data_until BIGINT NOT NULL DEFAULT 0`,
	},
	{
		version: 4,
		sql:     `ALTER TABLE anomalies ADD COLUMN correlations TEXT NOT NULL DEFAULT '[]'`,
	},
}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type sqlStore struct {
	db *sqlx.DB
}

// Open connects to the configured backend: "sqlite" (dsn is a file path or
// ":memory:") or "postgres" (dsn is a connection URL).
func Open(kind, dsn string) (Store, error) {
	switch kind {
	case "sqlite", "":
		return NewSQLiteStore(dsn)
	case "postgres":
		return NewPostgresStore(dsn)
	}
	return nil, fmt.Errorf("unsupported database type %q", kind)
}

// NewSQLiteStore opens (or creates) a SQLite database and applies migrations.
func NewSQLiteStore(path string) (Store, error) {
	db, err := sqlx.Connect("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases coherent and serializes
	// writers, which SQLite requires anyway.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency and performance.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	return newSQLStore(db)
}

// NewPostgresStore connects to PostgreSQL and applies migrations.
func NewPostgresStore(url string) (Store, error) {
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLStore(db)
}

func newSQLStore(db *sqlx.DB) (Store, error) {
	s := &sqlStore{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqlStore) migrate() error {
	// Ensure schema_versions table exists before reading from it.
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at BIGINT NOT NULL
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		if err := s.db.Get(&count, s.db.Rebind(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`), m.version); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue // already applied
		}

		for _, stmt := range splitStatements(m.sql) {
			if _, err := s.db.Exec(stmt); err != nil {
				return fmt.Errorf("apply migration %d: %w", m.version, err)
			}
		}

		if _, err := s.db.Exec(s.db.Rebind(`INSERT INTO schema_versions(version, applied_at) VALUES(?, ?)`), m.version, toNanos(time.Now())); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func splitStatements(script string) []string {
	var out []string
	for _, stmt := range strings.Split(script, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

func (s *sqlStore) Close() error { return s.db.Close() }

func (s *sqlStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Readings ─────────────────────────────────────────────────────────────────

func (s *sqlStore) AppendReading(ctx context.Context, r models.Reading) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO readings(device_id, ts, pm2_5, pm10, dba, vibration)
        VALUES(?,?,?,?,?,?)
    `),
		r.DeviceID, toNanos(r.Timestamp),
		r.Value(models.FieldPM25), r.Value(models.FieldPM10), r.Value(models.FieldDBA), r.Value(models.FieldVibration),
	)
	if err != nil {
		return fmt.Errorf("append reading: %w", err)
	}
	return nil
}

func (s *sqlStore) RecentReadings(ctx context.Context, deviceID string, limit int) ([]models.Reading, error) {
	query := `SELECT device_id, ts, pm2_5, pm10, dba, vibration FROM readings WHERE 1=1`
	args := []any{}
	if deviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, deviceID)
	}
	query += ` ORDER BY ts DESC`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	var rows []readingRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query readings: %w", err)
	}
	out := make([]models.Reading, len(rows))
	for i, r := range rows {
		out[i] = r.reading()
	}
	return out, nil
}

var fieldColumns = map[models.Field]string{
	models.FieldPM25:      "pm2_5",
	models.FieldPM10:      "pm10",
	models.FieldDBA:       "dba",
	models.FieldVibration: "vibration",
}

func (s *sqlStore) FieldHistory(ctx context.Context, key models.ModelKey, limit int) ([]models.Sample, error) {
	col, ok := fieldColumns[key.Field]
	if !ok {
		return nil, fmt.Errorf("unknown field %q", key.Field)
	}
	query := fmt.Sprintf(`SELECT ts, %s AS value FROM readings WHERE device_id = ? ORDER BY ts DESC`, col)
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, limit)
	}

	var rows []struct {
		TS    int64   `db:"ts"`
		Value float64 `db:"value"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), key.DeviceID); err != nil {
		return nil, fmt.Errorf("query history %s: %w", key, err)
	}

	// Fetched newest first; callers want chronological order.
	out := make([]models.Sample, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = models.Sample{Timestamp: fromNanos(r.TS), Value: r.Value}
	}
	return out, nil
}

func (s *sqlStore) CountSince(ctx context.Context, deviceID string, since time.Time) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, s.db.Rebind(`SELECT COUNT(*) FROM readings WHERE device_id = ? AND ts > ?`), deviceID, toNanos(since))
	if err != nil {
		return 0, fmt.Errorf("count readings: %w", err)
	}
	return n, nil
}

func (s *sqlStore) Devices(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT DISTINCT device_id FROM readings ORDER BY device_id`); err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return ids, nil
}

// ─── Model states ─────────────────────────────────────────────────────────────

func (s *sqlStore) SaveModelState(ctx context.Context, st *models.ModelState) error {
	params := string(st.Parameters)
	if params == "" {
		params = "{}"
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO model_states(device_id, field, detector_kind, trained_at, data_until, accuracy, readings_count, parameters)
        VALUES(?,?,?,?,?,?,?,?)
        ON CONFLICT(device_id, field) DO UPDATE SET
            detector_kind  = excluded.detector_kind,
            trained_at     = excluded.trained_at,
            data_until     = excluded.data_until,
            accuracy       = excluded.accuracy,
            readings_count = excluded.readings_count,
            parameters     = excluded.parameters
    `),
		st.DeviceID, string(st.Field), string(st.DetectorKind), toNanos(st.TrainedAt), toNanos(st.DataUntil),
		st.Accuracy, st.ReadingsCount, params,
	)
	if err != nil {
		return fmt.Errorf("save model state %s: %w", st.Key(), err)
	}
	return nil
}

func (s *sqlStore) GetModelState(ctx context.Context, key models.ModelKey) (*models.ModelState, error) {
	var row modelStateRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`
        SELECT device_id, field, detector_kind, trained_at, data_until, accuracy, readings_count, parameters
        FROM model_states WHERE device_id = ? AND field = ?
    `), key.DeviceID, string(key.Field))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get model state %s: %w", key, err)
	}
	return row.state(), nil
}

func (s *sqlStore) ListModelStates(ctx context.Context) ([]*models.ModelState, error) {
	var rows []modelStateRow
	err := s.db.SelectContext(ctx, &rows, `
        SELECT device_id, field, detector_kind, trained_at, data_until, accuracy, readings_count, parameters
        FROM model_states ORDER BY device_id, field
    `)
	if err != nil {
		return nil, fmt.Errorf("list model states: %w", err)
	}
	out := make([]*models.ModelState, len(rows))
	for i, r := range rows {
		out[i] = r.state()
	}
	return out, nil
}

// ─── Anomalies ────────────────────────────────────────────────────────────────

func (s *sqlStore) AppendAnomaly(ctx context.Context, a *models.CorrelatedAnomaly) error {
	results, err := json.Marshal(a.Results)
	if err != nil {
		return fmt.Errorf("encode anomaly results: %w", err)
	}
	correlations := []byte("[]")
	if len(a.Correlations) > 0 {
		if correlations, err = json.Marshal(a.Correlations); err != nil {
			return fmt.Errorf("encode anomaly correlations: %w", err)
		}
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO anomalies(id, device_id, ts, severity, confidence, results, correlations)
        VALUES(?,?,?,?,?,?,?)
    `), uuid.NewString(), a.DeviceID, toNanos(a.Timestamp), string(a.Severity), a.Confidence, string(results), string(correlations))
	if err != nil {
		return fmt.Errorf("append anomaly: %w", err)
	}
	return nil
}

func (s *sqlStore) QueryAnomalies(ctx context.Context, q AnomalyQuery) ([]*models.CorrelatedAnomaly, error) {
	query := `SELECT id, device_id, ts, severity, confidence, results, correlations FROM anomalies WHERE 1=1`
	args := []any{}

	if q.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, q.DeviceID)
	}
	if q.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, string(q.Severity))
	}
	if !q.From.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, toNanos(q.From))
	}
	if !q.To.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, toNanos(q.To))
	}
	query += ` ORDER BY ts DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	var rows []anomalyRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	out := make([]*models.CorrelatedAnomaly, 0, len(rows))
	for _, r := range rows {
		a := &models.CorrelatedAnomaly{
			DeviceID:   r.DeviceID,
			Timestamp:  fromNanos(r.TS),
			Severity:   models.Severity(r.Severity),
			Confidence: r.Confidence,
		}
		if err := json.Unmarshal([]byte(r.Results), &a.Results); err != nil {
			return nil, fmt.Errorf("decode anomaly %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(r.Correlations), &a.Correlations); err != nil {
			return nil, fmt.Errorf("decode anomaly %s correlations: %w", r.ID, err)
		}
		if len(a.Correlations) == 0 {
			a.Correlations = nil
		}
		out = append(out, a)
	}
	return out, nil
}

func (s *sqlStore) AnomalySummary(ctx context.Context) (map[models.Severity]int, error) {
	var rows []struct {
		Severity string `db:"severity"`
		Count    int    `db:"n"`
	}
	if err := s.db.SelectContext(ctx, &rows, `SELECT severity, COUNT(*) AS n FROM anomalies GROUP BY severity`); err != nil {
		return nil, fmt.Errorf("summarize anomalies: %w", err)
	}
	out := make(map[models.Severity]int, len(rows))
	for _, r := range rows {
		out[models.Severity(r.Severity)] = r.Count
	}
	return out, nil
}

// ─── Decisions ────────────────────────────────────────────────────────────────

func (s *sqlStore) SaveDecision(ctx context.Context, d *models.Decision) error {
	actions, err := json.Marshal(d.Actions)
	if err != nil {
		return fmt.Errorf("encode actions: %w", err)
	}
	anomaly, err := json.Marshal(d.Anomaly)
	if err != nil {
		return fmt.Errorf("encode anomaly: %w", err)
	}
	severity := ""
	if d.Anomaly != nil {
		severity = string(d.Anomaly.Severity)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
        INSERT INTO decisions(id, device_id, ts, severity, actions, rationale, decided_by, decided_at, anomaly)
        VALUES(?,?,?,?,?,?,?,?,?)
        ON CONFLICT(id) DO NOTHING
    `),
		d.ID, d.DeviceID, toNanos(d.Timestamp), severity, string(actions),
		d.Rationale, string(d.DecidedBy), toNanos(d.DecidedAt), string(anomaly),
	)
	if err != nil {
		return fmt.Errorf("save decision %s: %w", d.ID, err)
	}
	return nil
}

func (s *sqlStore) QueryDecisions(ctx context.Context, q DecisionQuery) ([]*models.Decision, error) {
	query := `SELECT id, device_id, ts, severity, actions, rationale, decided_by, decided_at, anomaly FROM decisions WHERE 1=1`
	args := []any{}
	if q.DeviceID != "" {
		query += ` AND device_id = ?`
		args = append(args, q.DeviceID)
	}
	if q.DecidedBy != "" {
		query += ` AND decided_by = ?`
		args = append(args, string(q.DecidedBy))
	}
	query += ` ORDER BY decided_at DESC`
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	var rows []decisionRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("query decisions: %w", err)
	}
	out := make([]*models.Decision, 0, len(rows))
	for _, r := range rows {
		d := &models.Decision{
			ID:        r.ID,
			DeviceID:  r.DeviceID,
			Timestamp: fromNanos(r.TS),
			Rationale: r.Rationale,
			DecidedBy: models.DecidedBy(r.DecidedBy),
			DecidedAt: fromNanos(r.DecidedAt),
		}
		if err := json.Unmarshal([]byte(r.Actions), &d.Actions); err != nil {
			return nil, fmt.Errorf("decode decision %s actions: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(r.Anomaly), &d.Anomaly); err != nil {
			return nil, fmt.Errorf("decode decision %s anomaly: %w", r.ID, err)
		}
		out = append(out, d)
	}
	return out, nil
}
