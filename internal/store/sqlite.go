package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/yourorg/abtest/internal/identity"
	"github.com/yourorg/abtest/pkg/types"
)

var _ Store = (*SQLiteStore)(nil)

type SQLiteStore struct {
	db             *sql.DB
	newParticipant identity.Generator
	newEvent       identity.Generator
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	memory := strings.HasPrefix(dsn, ":memory:")
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=busy_timeout(10000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if memory {
		// Every connection to :memory: opens a separate database.
		db.SetMaxOpenConns(1)
	}
	s := &SQLiteStore{
		db:             db,
		newParticipant: identity.Prefixed("prt_", identity.UUIDv7()),
		newEvent:       identity.Prefixed("evt_", identity.UUIDv7()),
	}
	if err := s.Init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Init() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return err
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS participations (
			id TEXT PRIMARY KEY,
			experiment_id TEXT NOT NULL,
			variant TEXT NOT NULL,
			user_id TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_participations_experiment ON participations(experiment_id, variant);`,
		`CREATE INDEX IF NOT EXISTS idx_participations_user ON participations(user_id);`,
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			event_data TEXT NOT NULL DEFAULT '{}',
			user_id TEXT NOT NULL,
			url TEXT NOT NULL DEFAULT '',
			experiments TEXT NOT NULL DEFAULT '{}',
			raw TEXT NOT NULL DEFAULT '',
			ts INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_events_user ON events(user_id);`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type);`,
		`CREATE TABLE IF NOT EXISTS identities (
			profile TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return s.addColumn("events", "raw", `TEXT NOT NULL DEFAULT ''`)
}

// addColumn adds a column to tables created by older versions of the schema.
func (s *SQLiteStore) addColumn(table, column, decl string) error {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name=?`, table, column).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	_, err := s.db.Exec(`ALTER TABLE ` + table + ` ADD COLUMN ` + column + ` ` + decl)
	return err
}

func (s *SQLiteStore) SaveParticipation(ctx context.Context, p *types.Participation) error {
	if p.ID == "" {
		p.ID = s.newParticipant()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO participations(id,experiment_id,variant,user_id,url,ts) VALUES(?,?,?,?,?,?)`,
		p.ID, p.ExperimentID, p.Variant, p.UserID, p.URL, p.Timestamp.UnixMilli())
	return err
}

func (s *SQLiteStore) ListParticipations(ctx context.Context, f Filter) ([]types.Participation, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.ExperimentID != "" {
		where = append(where, "experiment_id=?")
		args = append(args, f.ExperimentID)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts>=?")
		args = append(args, f.Since.UnixMilli())
	}
	q := `SELECT id,experiment_id,variant,user_id,url,ts FROM participations` + whereClause(where) + ` ORDER BY ts ASC, id ASC` + limitClause(f.Limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.Participation, 0)
	for rows.Next() {
		var p types.Participation
		var ts int64
		if err := rows.Scan(&p.ID, &p.ExperimentID, &p.Variant, &p.UserID, &p.URL, &ts); err != nil {
			return nil, err
		}
		p.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveEvent(ctx context.Context, e *types.Event) error {
	if e.ID == "" {
		e.ID = s.newEvent()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	data, err := marshalObject(e.EventData)
	if err != nil {
		return fmt.Errorf("encode event data: %w", err)
	}
	exps, err := marshalObject(e.Experiments)
	if err != nil {
		return fmt.Errorf("encode experiments: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO events(id,event_type,event_data,user_id,url,experiments,raw,ts) VALUES(?,?,?,?,?,?,?,?)`,
		e.ID, e.EventType, data, e.UserID, e.URL, exps, string(e.Raw), e.Timestamp.UnixMilli())
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, f Filter) ([]types.Event, error) {
	var where []string
	var args []any
	if f.UserID != "" {
		where = append(where, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.EventType != "" {
		where = append(where, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.ExperimentID != "" {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(events.experiments) WHERE key=?)")
		args = append(args, f.ExperimentID)
	}
	if !f.Since.IsZero() {
		where = append(where, "ts>=?")
		args = append(args, f.Since.UnixMilli())
	}
	q := `SELECT id,event_type,event_data,user_id,url,experiments,raw,ts FROM events` + whereClause(where) + ` ORDER BY ts ASC, id ASC` + limitClause(f.Limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]types.Event, 0)
	for rows.Next() {
		var e types.Event
		var dataS, expsS, raw string
		var ts int64
		if err := rows.Scan(&e.ID, &e.EventType, &dataS, &e.UserID, &e.URL, &expsS, &raw, &ts); err != nil {
			return nil, err
		}
		if dataS != "" && dataS != "{}" {
			_ = json.Unmarshal([]byte(dataS), &e.EventData)
		}
		if expsS != "" && expsS != "{}" {
			_ = json.Unmarshal([]byte(expsS), &e.Experiments)
		}
		if raw != "" {
			e.Raw = json.RawMessage(raw)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, profile string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT identity FROM identities WHERE profile=?`, profile).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return id, err
}

func (s *SQLiteStore) SetIdentity(ctx context.Context, profile, id string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO identities(profile,identity,created_at) VALUES(?,?,?)
	ON CONFLICT(profile) DO UPDATE SET identity=excluded.identity`, profile, id, time.Now().UTC().UnixMilli())
	return err
}

// Report aggregates participations and events by experiment and variant.
// Events count toward every experiment listed in their experiments map.
func (s *SQLiteStore) Report(ctx context.Context) (*types.Report, error) {
	stats := map[string]map[string]*types.VariantStats{}
	get := func(expID, variant string) *types.VariantStats {
		byVariant, ok := stats[expID]
		if !ok {
			byVariant = map[string]*types.VariantStats{}
			stats[expID] = byVariant
		}
		vs, ok := byVariant[variant]
		if !ok {
			vs = &types.VariantStats{Variant: variant, Events: map[string]int{}}
			byVariant[variant] = vs
		}
		return vs
	}

	rows, err := s.db.QueryContext(ctx, `SELECT experiment_id, variant, COUNT(*), COUNT(DISTINCT user_id) FROM participations GROUP BY experiment_id, variant`)
	if err != nil {
		return nil, err
	}
	for rows.Next() {
		var expID, variant string
		var total, distinct int
		if err := rows.Scan(&expID, &variant, &total, &distinct); err != nil {
			rows.Close()
			return nil, err
		}
		vs := get(expID, variant)
		vs.Participations = total
		vs.Participants = distinct
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `SELECT j.key, j.value, e.event_type, COUNT(*)
		FROM events e, json_each(e.experiments) j
		GROUP BY j.key, j.value, e.event_type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var expID, variant, eventType string
		var n int
		if err := rows.Scan(&expID, &variant, &eventType, &n); err != nil {
			return nil, err
		}
		get(expID, variant).Events[eventType] = n
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	report := &types.Report{GeneratedAt: time.Now().UTC(), Experiments: make([]types.ExperimentStats, 0, len(stats))}
	for expID, byVariant := range stats {
		es := types.ExperimentStats{ExperimentID: expID}
		for _, vs := range byVariant {
			es.Variants = append(es.Variants, *vs)
		}
		sort.Slice(es.Variants, func(i, j int) bool { return es.Variants[i].Variant < es.Variants[j].Variant })
		report.Experiments = append(report.Experiments, es)
	}
	sort.Slice(report.Experiments, func(i, j int) bool {
		return report.Experiments[i].ExperimentID < report.Experiments[j].ExperimentID
	})
	return report, nil
}

// Purge deletes participations and events recorded before the given instant.
func (s *SQLiteStore) Purge(ctx context.Context, before time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	var total int64
	for _, table := range []string{"participations", "events"} {
		res, err := tx.ExecContext(ctx, `DELETE FROM `+table+` WHERE ts<?`, before.UnixMilli())
		if err != nil {
			return 0, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, tx.Commit()
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return errors.New("store is nil")
	}
	return s.db.Close()
}

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func limitClause(n int) string {
	if n <= 0 {
		return ""
	}
	return fmt.Sprintf(" LIMIT %d", n)
}

func marshalObject[T any](m map[string]T) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
