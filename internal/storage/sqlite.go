package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"nagbot/internal/reminder"
	logx "nagbot/pkg/logx"
)

type sqliteStore struct {
	db  *sqlx.DB
	cfg Config
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}
	// SQLite prefers a single writer; one connection also serializes transactions.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", p, err)
		}
	}

	st := &sqliteStore{db: db, cfg: cfg, log: log}
	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) migrate() error {
	current := 0
	var tables int
	err := s.db.Get(&tables, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'")
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}
	if tables > 0 {
		if err := s.db.Get(&current, "SELECT COALESCE(MAX(version), 0) FROM schema_version"); err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
		s.log.Info("storage migrated", logx.Int("version", m.version))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Ping(ctx context.Context) error {
	return reminder.Storage("ping", s.db.PingContext(ctx))
}

func (s *sqliteStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return reminder.Storage("begin", err)
	}
	defer tx.Rollback()
	if err := fn(&sqliteTx{tx: tx, cfg: s.cfg}); err != nil {
		return err
	}
	return reminder.Storage("commit", tx.Commit())
}

// View runs fn in a transaction that is always rolled back.
func (s *sqliteStore) View(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return reminder.Storage("begin", err)
	}
	defer tx.Rollback()
	return fn(&sqliteTx{tx: tx, cfg: s.cfg})
}

type sqliteTx struct {
	tx  *sqlx.Tx
	cfg Config
}

type reminderRow struct {
	ID           int64         `db:"id"`
	OwnerID      int64         `db:"owner_id"`
	ChatID       int64         `db:"chat_id"`
	Text         string        `db:"text"`
	Hour         int           `db:"hour"`
	Minute       int           `db:"minute"`
	IntervalDays int           `db:"interval_days"`
	Status       string        `db:"status"`
	MaxAttempts  int           `db:"max_attempts"`
	CreatedAt    int64         `db:"created_at"`
	LastAckAt    sql.NullInt64 `db:"last_ack_at"`
	DueAt        int64         `db:"due_at"`
}

func toReminderRow(r reminder.Reminder) reminderRow {
	row := reminderRow{
		ID:           r.ID,
		OwnerID:      r.OwnerID,
		ChatID:       r.ChatID,
		Text:         r.Text,
		Hour:         r.Hour,
		Minute:       r.Minute,
		IntervalDays: r.IntervalDays,
		Status:       string(r.Status),
		MaxAttempts:  r.MaxAttempts,
		CreatedAt:    toMS(r.CreatedAt),
		DueAt:        toMS(r.DueAt),
	}
	if r.LastAckAt != nil {
		row.LastAckAt = sql.NullInt64{Int64: toMS(*r.LastAckAt), Valid: true}
	}
	return row
}

func (row reminderRow) model() reminder.Reminder {
	r := reminder.Reminder{
		ID:           row.ID,
		OwnerID:      row.OwnerID,
		ChatID:       row.ChatID,
		Text:         row.Text,
		Hour:         row.Hour,
		Minute:       row.Minute,
		IntervalDays: row.IntervalDays,
		Status:       reminder.Status(row.Status),
		MaxAttempts:  row.MaxAttempts,
		CreatedAt:    fromMS(row.CreatedAt),
		DueAt:        fromMS(row.DueAt),
	}
	if row.LastAckAt.Valid {
		at := fromMS(row.LastAckAt.Int64)
		r.LastAckAt = &at
	}
	return r
}

type attemptRow struct {
	ReminderID   int64         `db:"reminder_id"`
	OccurrenceAt int64         `db:"occurrence_at"`
	Seq          int           `db:"seq"`
	SentAt       int64         `db:"sent_at"`
	Outcome      string        `db:"outcome"`
	Handle       string        `db:"handle"`
	ResolvedAt   sql.NullInt64 `db:"resolved_at"`
}

func (row attemptRow) model() reminder.Attempt {
	a := reminder.Attempt{
		ReminderID:   row.ReminderID,
		OccurrenceAt: fromMS(row.OccurrenceAt),
		Seq:          row.Seq,
		SentAt:       fromMS(row.SentAt),
		Outcome:      reminder.Outcome(row.Outcome),
		Handle:       row.Handle,
	}
	if row.ResolvedAt.Valid {
		at := fromMS(row.ResolvedAt.Int64)
		a.ResolvedAt = &at
	}
	return a
}

type triggerRow struct {
	Key          string `db:"key"`
	ReminderID   int64  `db:"reminder_id"`
	Kind         string `db:"kind"`
	FireAt       int64  `db:"fire_at"`
	OccurrenceAt int64  `db:"occurrence_at"`
	Seq          int    `db:"seq"`
}

func (row triggerRow) model() reminder.Trigger {
	return reminder.Trigger{
		Key:          row.Key,
		ReminderID:   row.ReminderID,
		Kind:         reminder.TriggerKind(row.Kind),
		FireAt:       fromMS(row.FireAt),
		OccurrenceAt: fromMS(row.OccurrenceAt),
		Seq:          row.Seq,
	}
}

func triggerModels(rows []triggerRow) []reminder.Trigger {
	out := make([]reminder.Trigger, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out
}

// reminders

const reminderCols = `id, owner_id, chat_id, text, hour, minute, interval_days, status, max_attempts, created_at, last_ack_at, due_at`

func (t *sqliteTx) InsertReminder(ctx context.Context, r reminder.Reminder) (int64, error) {
	row := toReminderRow(r)
	res, err := t.tx.NamedExecContext(ctx, `
		INSERT INTO reminders (owner_id, chat_id, text, hour, minute, interval_days, status, max_attempts, created_at, last_ack_at, due_at)
		VALUES (:owner_id, :chat_id, :text, :hour, :minute, :interval_days, :status, :max_attempts, :created_at, :last_ack_at, :due_at)`, row)
	if err != nil {
		return 0, reminder.Storage("insert reminder", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, reminder.Storage("insert reminder", err)
	}
	return id, nil
}

func (t *sqliteTx) GetReminder(ctx context.Context, id int64) (reminder.Reminder, error) {
	var row reminderRow
	err := t.tx.GetContext(ctx, &row, `SELECT `+reminderCols+` FROM reminders WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Reminder{}, &reminder.NotFoundError{What: "reminder", ID: id}
	}
	if err != nil {
		return reminder.Reminder{}, reminder.Storage("get reminder", err)
	}
	return row.model(), nil
}

func (t *sqliteTx) UpdateReminder(ctx context.Context, r reminder.Reminder) error {
	res, err := t.tx.NamedExecContext(ctx, `
		UPDATE reminders SET
			owner_id = :owner_id, chat_id = :chat_id, text = :text, hour = :hour, minute = :minute,
			interval_days = :interval_days, status = :status, max_attempts = :max_attempts,
			last_ack_at = :last_ack_at, due_at = :due_at
		WHERE id = :id`, toReminderRow(r))
	if err != nil {
		return reminder.Storage("update reminder", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return reminder.Storage("update reminder", err)
	}
	if n == 0 {
		return &reminder.NotFoundError{What: "reminder", ID: r.ID}
	}
	return nil
}

func (t *sqliteTx) ListReminders(ctx context.Context, f ReminderFilter) ([]reminder.Reminder, error) {
	q := `SELECT ` + reminderCols + ` FROM reminders WHERE 1=1`
	args := []any{}
	if f.OwnerID != 0 {
		q += ` AND owner_id = ?`
		args = append(args, f.OwnerID)
	}
	if len(f.Statuses) > 0 {
		in, inArgs, err := sqlx.In(` AND status IN (?)`, statusStrings(f.Statuses))
		if err != nil {
			return nil, reminder.Storage("list reminders", err)
		}
		q += in
		args = append(args, inArgs...)
	}
	q += ` ORDER BY due_at ASC, id ASC`

	var rows []reminderRow
	if err := t.tx.SelectContext(ctx, &rows, t.tx.Rebind(q), args...); err != nil {
		return nil, reminder.Storage("list reminders", err)
	}
	out := make([]reminder.Reminder, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func statusStrings(ss []reminder.Status) []string {
	out := make([]string, 0, len(ss))
	for _, s := range ss {
		out = append(out, string(s))
	}
	return out
}

// history

const attemptCols = `reminder_id, occurrence_at, seq, sent_at, outcome, handle, resolved_at`

func (t *sqliteTx) AppendAttempt(ctx context.Context, a reminder.Attempt) error {
	occ := a.Occurrence()
	last, ok, err := t.LastAttempt(ctx, occ)
	if err != nil {
		return err
	}
	if err := checkAppend(last, ok, a); err != nil {
		return err
	}
	if ok && last.ResolvedAt == nil {
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE notification_attempts SET resolved_at = ? WHERE reminder_id = ? AND occurrence_at = ? AND seq = ?`,
			toMS(a.SentAt), a.ReminderID, toMS(a.OccurrenceAt), last.Seq,
		); err != nil {
			return reminder.Storage("append attempt", err)
		}
	}
	var resolved sql.NullInt64
	switch {
	case a.ResolvedAt != nil:
		resolved = sql.NullInt64{Int64: toMS(*a.ResolvedAt), Valid: true}
	case a.Outcome == reminder.OutcomeFailed:
		resolved = sql.NullInt64{Int64: toMS(a.SentAt), Valid: true}
	}
	_, err = t.tx.ExecContext(ctx,
		`INSERT INTO notification_attempts (`+attemptCols+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ReminderID, toMS(a.OccurrenceAt), a.Seq, toMS(a.SentAt), string(a.Outcome), a.Handle, resolved,
	)
	return reminder.Storage("append attempt", err)
}

func (t *sqliteTx) ResolveAttempt(ctx context.Context, occ reminder.OccurrenceRef, seq int, outcome reminder.Outcome, at time.Time) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE notification_attempts SET outcome = ?, resolved_at = ? WHERE reminder_id = ? AND occurrence_at = ? AND seq = ?`,
		string(outcome), toMS(at), occ.ReminderID, toMS(occ.DueAt), seq,
	)
	if err != nil {
		return reminder.Storage("resolve attempt", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return reminder.Storage("resolve attempt", err)
	}
	if n == 0 {
		return &reminder.NotFoundError{What: "attempt", ID: occ.ReminderID}
	}
	return nil
}

func (t *sqliteTx) LastAttempt(ctx context.Context, occ reminder.OccurrenceRef) (reminder.Attempt, bool, error) {
	var row attemptRow
	err := t.tx.GetContext(ctx, &row,
		`SELECT `+attemptCols+` FROM notification_attempts WHERE reminder_id = ? AND occurrence_at = ? ORDER BY seq DESC LIMIT 1`,
		occ.ReminderID, toMS(occ.DueAt),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Attempt{}, false, nil
	}
	if err != nil {
		return reminder.Attempt{}, false, reminder.Storage("last attempt", err)
	}
	return row.model(), true, nil
}

func (t *sqliteTx) LatestAttempt(ctx context.Context, reminderID int64) (reminder.Attempt, bool, error) {
	var row attemptRow
	err := t.tx.GetContext(ctx, &row,
		`SELECT `+attemptCols+` FROM notification_attempts WHERE reminder_id = ? ORDER BY occurrence_at DESC, seq DESC LIMIT 1`,
		reminderID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return reminder.Attempt{}, false, nil
	}
	if err != nil {
		return reminder.Attempt{}, false, reminder.Storage("latest attempt", err)
	}
	return row.model(), true, nil
}

func (t *sqliteTx) ListAttempts(ctx context.Context, occ reminder.OccurrenceRef) ([]reminder.Attempt, error) {
	var rows []attemptRow
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+attemptCols+` FROM notification_attempts WHERE reminder_id = ? AND occurrence_at = ? ORDER BY seq ASC`,
		occ.ReminderID, toMS(occ.DueAt),
	)
	if err != nil {
		return nil, reminder.Storage("list attempts", err)
	}
	out := make([]reminder.Attempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.model())
	}
	return out, nil
}

func (t *sqliteTx) PruneAttempts(ctx context.Context, before time.Time) (int, error) {
	res, err := t.tx.ExecContext(ctx, `
		DELETE FROM notification_attempts AS a
		WHERE a.occurrence_at < ?
		  AND NOT EXISTS (
			SELECT 1 FROM notification_attempts p
			WHERE p.reminder_id = a.reminder_id AND p.occurrence_at = a.occurrence_at AND p.resolved_at IS NULL)
		  AND NOT EXISTS (
			SELECT 1 FROM reminders r
			WHERE r.id = a.reminder_id AND r.status = 'ACTIVE' AND r.due_at = a.occurrence_at)`,
		toMS(before),
	)
	if err != nil {
		return 0, reminder.Storage("prune attempts", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, reminder.Storage("prune attempts", err)
	}
	return int(n), nil
}

// triggers

const triggerCols = `key, reminder_id, kind, fire_at, occurrence_at, seq`

func (t *sqliteTx) upsertTrigger(ctx context.Context, tr reminder.Trigger) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO triggers (`+triggerCols+`) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET fire_at = excluded.fire_at`,
		tr.Key, tr.ReminderID, string(tr.Kind), toMS(tr.FireAt), toMS(tr.OccurrenceAt), tr.Seq,
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed: triggers.reminder_id") {
		return &reminder.ScheduleConsistencyError{ReminderID: tr.ReminderID, Detail: "second pending trigger " + tr.Key}
	}
	return reminder.Storage("schedule", err)
}

func (t *sqliteTx) Schedule(ctx context.Context, tr reminder.Trigger) error {
	if err := validTrigger(tr); err != nil {
		return err
	}
	existing, err := t.TriggersFor(ctx, tr.ReminderID)
	if err != nil {
		return err
	}
	if err := checkSchedule(existing, tr); err != nil {
		return err
	}
	if err := t.upsertTrigger(ctx, tr); err != nil {
		return err
	}
	return t.cfg.lateFlag(tr)
}

func (t *sqliteTx) Replace(ctx context.Context, tr reminder.Trigger) error {
	if err := validTrigger(tr); err != nil {
		return err
	}
	if _, err := t.CancelReminder(ctx, tr.ReminderID); err != nil {
		return err
	}
	if err := t.upsertTrigger(ctx, tr); err != nil {
		return err
	}
	return t.cfg.lateFlag(tr)
}

func (t *sqliteTx) Cancel(ctx context.Context, key string) error {
	_, err := t.tx.ExecContext(ctx, `DELETE FROM triggers WHERE key = ?`, key)
	return reminder.Storage("cancel", err)
}

func (t *sqliteTx) CancelReminder(ctx context.Context, reminderID int64) (int, error) {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM triggers WHERE reminder_id = ?`, reminderID)
	if err != nil {
		return 0, reminder.Storage("cancel reminder", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, reminder.Storage("cancel reminder", err)
	}
	return int(n), nil
}

func (t *sqliteTx) PollDue(ctx context.Context, now time.Time, limit int) ([]reminder.Trigger, error) {
	if limit <= 0 {
		limit = -1
	}
	var rows []triggerRow
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+triggerCols+` FROM triggers WHERE fire_at <= ? ORDER BY fire_at ASC, key ASC LIMIT ?`,
		toMS(now), limit,
	)
	if err != nil {
		return nil, reminder.Storage("poll due", err)
	}
	return triggerModels(rows), nil
}

func (t *sqliteTx) TriggersFor(ctx context.Context, reminderID int64) ([]reminder.Trigger, error) {
	var rows []triggerRow
	err := t.tx.SelectContext(ctx, &rows,
		`SELECT `+triggerCols+` FROM triggers WHERE reminder_id = ? ORDER BY fire_at ASC, key ASC`, reminderID)
	if err != nil {
		return nil, reminder.Storage("triggers for", err)
	}
	return triggerModels(rows), nil
}

func (t *sqliteTx) ListTriggers(ctx context.Context) ([]reminder.Trigger, error) {
	var rows []triggerRow
	if err := t.tx.SelectContext(ctx, &rows, `SELECT `+triggerCols+` FROM triggers ORDER BY fire_at ASC, key ASC`); err != nil {
		return nil, reminder.Storage("list triggers", err)
	}
	return triggerModels(rows), nil
}

func (t *sqliteTx) CountTriggers(ctx context.Context) (int, error) {
	var n int
	if err := t.tx.GetContext(ctx, &n, `SELECT COUNT(*) FROM triggers`); err != nil {
		return 0, reminder.Storage("count triggers", err)
	}
	return n, nil
}
