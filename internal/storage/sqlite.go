package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "ankibot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

const slotsSavedKey = "schedule_slots_saved"

// timeLayout is fixed width so text order matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

func (s *sqliteStore) stamp() string {
	return s.now().UTC().Format(timeLayout)
}

type targetRow struct {
	Channel              string `db:"channel"`
	ChatID               string `db:"chat_id"`
	Name                 string `db:"name"`
	Username             string `db:"username"`
	NotificationsEnabled bool   `db:"notifications_enabled"`
	DailyReminder        bool   `db:"daily_reminder"`
	CreatedAt            string `db:"created_at"`
	UpdatedAt            string `db:"updated_at"`
}

func (r targetRow) target() Target {
	created, _ := time.Parse(time.RFC3339Nano, r.CreatedAt)
	updated, _ := time.Parse(time.RFC3339Nano, r.UpdatedAt)
	return Target{
		Channel:              Channel(r.Channel),
		ChatID:               r.ChatID,
		Name:                 r.Name,
		Username:             r.Username,
		NotificationsEnabled: r.NotificationsEnabled,
		DailyReminder:        r.DailyReminder,
		CreatedAt:            created,
		UpdatedAt:            updated,
	}
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log.With(logx.String("comp", "storage.sqlite")), now: time.Now}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	st.log.Debug("sqlite store opened", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) ListTargets(ctx context.Context, f TargetFilter) ([]Target, error) {
	var (
		where []string
		args  []any
	)
	if f.Channel != "" {
		where = append(where, "channel = ?")
		args = append(args, string(f.Channel))
	}
	if f.EnabledOnly {
		where = append(where, "notifications_enabled = 1")
	}
	if f.DailyOnly {
		where = append(where, "daily_reminder = 1")
	}
	if len(f.ChatIDs) > 0 {
		where = append(where, "chat_id IN (?)")
		args = append(args, f.ChatIDs)
	}
	q := "SELECT channel, chat_id, name, username, notifications_enabled, daily_reminder, created_at, updated_at FROM targets"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at, chat_id"

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, err
	}
	var rows []targetRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}
	out := make([]Target, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.target())
	}
	return out, nil
}

func (s *sqliteStore) getTarget(ctx context.Context, ch Channel, chatID string) (Target, error) {
	var r targetRow
	err := s.db.GetContext(ctx, &r,
		`SELECT channel, chat_id, name, username, notifications_enabled, daily_reminder, created_at, updated_at
		 FROM targets WHERE channel = ? AND chat_id = ?`, string(ch), chatID)
	if errors.Is(err, sql.ErrNoRows) {
		return Target{}, ErrNotFound
	}
	if err != nil {
		return Target{}, err
	}
	return r.target(), nil
}

func (s *sqliteStore) RegisterTarget(ctx context.Context, t Target) (Target, error) {
	if !t.Channel.Valid() || strings.TrimSpace(t.ChatID) == "" {
		return Target{}, fmt.Errorf("register target: invalid identity %q/%q", t.Channel, t.ChatID)
	}
	now := s.stamp()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO targets(channel, chat_id, name, username, notifications_enabled, daily_reminder, created_at, updated_at)
		 VALUES(?,?,?,?,1,1,?,?)
		 ON CONFLICT(channel, chat_id) DO UPDATE SET
		   name = CASE WHEN excluded.name <> '' THEN excluded.name ELSE targets.name END,
		   username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE targets.username END,
		   notifications_enabled = 1,
		   updated_at = excluded.updated_at`,
		string(t.Channel), t.ChatID, t.Name, t.Username, now, now,
	)
	if err != nil {
		return Target{}, err
	}
	return s.getTarget(ctx, t.Channel, t.ChatID)
}

func (s *sqliteStore) UpdateSettings(ctx context.Context, ch Channel, chatID string, st Settings) (Target, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET
		   notifications_enabled = COALESCE(?, notifications_enabled),
		   daily_reminder = COALESCE(?, daily_reminder),
		   updated_at = ?
		 WHERE channel = ? AND chat_id = ?`,
		nullBool(st.NotificationsEnabled), nullBool(st.DailyReminder),
		s.stamp(), string(ch), chatID,
	)
	if err != nil {
		return Target{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Target{}, ErrNotFound
	}
	return s.getTarget(ctx, ch, chatID)
}

func (s *sqliteStore) TargetStats(ctx context.Context) (TargetStats, error) {
	var rows []struct {
		Channel string `db:"channel"`
		Total   int    `db:"total"`
		Enabled int    `db:"enabled"`
		Daily   int    `db:"daily"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT channel,
		        COUNT(*) AS total,
		        COALESCE(SUM(notifications_enabled), 0) AS enabled,
		        COALESCE(SUM(CASE WHEN notifications_enabled = 1 AND daily_reminder = 1 THEN 1 ELSE 0 END), 0) AS daily
		 FROM targets GROUP BY channel`)
	if err != nil {
		return TargetStats{}, err
	}
	st := TargetStats{ByChannel: map[Channel]int{}}
	for _, r := range rows {
		st.Total += r.Total
		st.Enabled += r.Enabled
		st.DailyReminder += r.Daily
		st.ByChannel[Channel(r.Channel)] = r.Total
	}
	return st, nil
}

func (s *sqliteStore) RandomCard(ctx context.Context) (Card, bool, error) {
	var c Card
	err := s.db.GetContext(ctx, &c,
		`SELECT id, deck, front, back, pronunciation, image FROM cards ORDER BY RANDOM() LIMIT 1`)
	if errors.Is(err, sql.ErrNoRows) {
		return Card{}, false, nil
	}
	if err != nil {
		return Card{}, false, err
	}
	return c, true, nil
}

func (s *sqliteStore) AddCard(ctx context.Context, c Card) (Card, error) {
	if strings.TrimSpace(c.Front) == "" {
		return Card{}, errors.New("card front is required")
	}
	res, err := s.db.NamedExecContext(ctx,
		`INSERT INTO cards(deck, front, back, pronunciation, image)
		 VALUES(:deck, :front, :back, :pronunciation, :image)`, c)
	if err != nil {
		return Card{}, err
	}
	c.ID, err = res.LastInsertId()
	return c, err
}

func (s *sqliteStore) LoadSlots(ctx context.Context) ([]SlotRecord, bool, error) {
	var saved string
	err := s.db.GetContext(ctx, &saved, `SELECT v FROM kv WHERE k = ?`, slotsSavedKey)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var out []SlotRecord
	if err := s.db.SelectContext(ctx, &out,
		`SELECT label, schedule, enabled FROM schedule_slots ORDER BY position`); err != nil {
		return nil, false, err
	}
	return out, true, nil
}

func (s *sqliteStore) SaveSlots(ctx context.Context, slots []SlotRecord) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM schedule_slots`); err != nil {
		return err
	}
	for i, sl := range slots {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schedule_slots(position, label, schedule, enabled) VALUES(?,?,?,?)`,
			i, sl.Label, sl.Schedule, sl.Enabled); err != nil {
			return fmt.Errorf("save slot %q: %w", sl.Label, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO kv(k, v) VALUES(?, ?) ON CONFLICT(k) DO UPDATE SET v = excluded.v`,
		slotsSavedKey, s.stamp()); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, run_id, action, actor, total, ok, fail, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(timeLayout), nullStr(e.RunID), e.Action, nullStr(e.Actor),
		e.Total, e.OK, e.Fail, nullStr(e.Error), e.TookMS,
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullBool(v *bool) any {
	if v == nil {
		return nil
	}
	if *v {
		return 1
	}
	return 0
}
