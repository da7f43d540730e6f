// Package store is the durable record of every tracked file and group: a
// single embedded SQLite database opened in WAL mode, migrated with goose,
// and accessed through sqlx. The store is the sole shared mutable resource
// in the core; every write goes through Apply inside one transaction.
package store

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	mserrors "github.com/standardbeagle/mediastate/internal/errors"
	"github.com/standardbeagle/mediastate/internal/logging"
	"github.com/standardbeagle/mediastate/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps the database connection.
type Store struct {
	db         *sqlx.DB
	instanceID string
}

// Open opens (creating if necessary) the SQLite database at dsn, applies
// any pending goose migrations, and enables WAL mode. A failure here is
// always a *errors.FatalError: the process must not start.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, mserrors.NewFatal("opening store", err)
	}
	db.SetMaxOpenConns(1) // single-writer discipline; sqlite3 driver is not safe for concurrent writers

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		return nil, mserrors.NewFatal("enabling WAL mode", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON;`); err != nil {
		return nil, mserrors.NewFatal("enabling foreign keys", err)
	}

	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return nil, mserrors.NewFatal("setting goose dialect", err)
	}
	if err := goose.UpContext(ctx, db.DB, "migrations"); err != nil {
		return nil, mserrors.NewFatal("applying migrations", err)
	}

	s := &Store{db: db}
	if err := s.ensureInstanceID(ctx); err != nil {
		return nil, mserrors.NewFatal("resolving instance id", err)
	}

	logging.For("store").Info("store opened", zap.String("dsn", dsn), zap.String("instance_id", s.instanceID))
	return s, nil
}

func (s *Store) ensureInstanceID(ctx context.Context) error {
	var id string
	err := s.db.GetContext(ctx, &id, `SELECT value FROM meta WHERE key = 'instance_id'`)
	if err == nil {
		s.instanceID = id
		return nil
	}
	if err != sql.ErrNoRows {
		return err
	}
	id = uuid.NewString()
	_, err = s.db.ExecContext(ctx, `INSERT INTO meta(key, value) VALUES ('instance_id', ?)`, id)
	if err != nil {
		return err
	}
	s.instanceID = id
	return nil
}

// InstanceID returns the random id minted on first open, stable across
// restarts against the same database file.
func (s *Store) InstanceID() string { return s.instanceID }

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

type fileRow struct {
	Path               string         `db:"path"`
	Size               int64          `db:"size"`
	SizeObservedAt     sql.NullTime   `db:"size_observed_at"`
	StableSince        sql.NullTime   `db:"stable_since"`
	Integrity          string         `db:"integrity"`
	IntegrityAttempts  int            `db:"integrity_attempts"`
	ConversionAttempts int            `db:"conversion_attempts"`
	Processed          string         `db:"processed"`
	GroupID            sql.NullString `db:"group_id"`
	Role               string         `db:"role"`
	NextCheckAt        time.Time      `db:"next_check_at"`
	BackoffSec         int            `db:"backoff_sec"`
	DiscoveredAt       time.Time      `db:"discovered_at"`
	FinishedAt         sql.NullTime   `db:"finished_at"`
	LastError          sql.NullString `db:"last_error"`
	QuickMode          bool           `db:"quick_mode"`
	LeaseOwner         sql.NullString `db:"lease_owner"`
	LeaseDeadline      sql.NullTime   `db:"lease_deadline"`
}

func (r fileRow) toModel() model.FileEntry {
	e := model.FileEntry{
		Path:               r.Path,
		Size:               r.Size,
		Integrity:          model.IntegrityStatus(r.Integrity),
		IntegrityAttempts:  r.IntegrityAttempts,
		ConversionAttempts: r.ConversionAttempts,
		Processed:          model.ProcessedStatus(r.Processed),
		Role:               model.Role(r.Role),
		NextCheckAt:        r.NextCheckAt,
		BackoffSec:         r.BackoffSec,
		DiscoveredAt:       r.DiscoveredAt,
		QuickMode:          r.QuickMode,
	}
	if r.SizeObservedAt.Valid {
		e.SizeObservedAt = r.SizeObservedAt.Time
	}
	if r.StableSince.Valid {
		t := r.StableSince.Time
		e.StableSince = &t
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		e.FinishedAt = &t
	}
	if r.GroupID.Valid {
		e.GroupID = r.GroupID.String
	}
	if r.LastError.Valid {
		s := r.LastError.String
		e.LastError = &s
	}
	if r.LeaseOwner.Valid {
		s := r.LeaseOwner.String
		e.LeaseOwner = &s
	}
	if r.LeaseDeadline.Valid {
		t := r.LeaseDeadline.Time
		e.LeaseDeadline = &t
	}
	return e
}

func fromModel(e model.FileEntry) fileRow {
	r := fileRow{
		Path:               e.Path,
		Size:               e.Size,
		SizeObservedAt:     sql.NullTime{Time: e.SizeObservedAt, Valid: !e.SizeObservedAt.IsZero()},
		Integrity:          string(e.Integrity),
		IntegrityAttempts:  e.IntegrityAttempts,
		ConversionAttempts: e.ConversionAttempts,
		Processed:          string(e.Processed),
		Role:               string(e.Role),
		NextCheckAt:        e.NextCheckAt,
		BackoffSec:         e.BackoffSec,
		DiscoveredAt:       e.DiscoveredAt,
		QuickMode:          e.QuickMode,
	}
	if e.StableSince != nil {
		r.StableSince = sql.NullTime{Time: *e.StableSince, Valid: true}
	}
	if e.FinishedAt != nil {
		r.FinishedAt = sql.NullTime{Time: *e.FinishedAt, Valid: true}
	}
	if e.GroupID != "" {
		r.GroupID = sql.NullString{String: e.GroupID, Valid: true}
	}
	if e.LastError != nil {
		r.LastError = sql.NullString{String: *e.LastError, Valid: true}
	}
	if e.LeaseOwner != nil {
		r.LeaseOwner = sql.NullString{String: *e.LeaseOwner, Valid: true}
	}
	if e.LeaseDeadline != nil {
		r.LeaseDeadline = sql.NullTime{Time: *e.LeaseDeadline, Valid: true}
	}
	return r
}

// Upsert inserts or merges a file by path. Inserts set discovered_at = now
// if unset on the passed entry. If e.GroupID is set and no such group row
// exists yet, a placeholder group row is inserted first in the same
// transaction, so the files.group_id foreign key is always satisfied —
// foreign_keys=ON rejects the file row otherwise, even mid-transaction,
// since the schema has no DEFERRABLE clause.
func (s *Store) Upsert(ctx context.Context, e model.FileEntry) error {
	if e.DiscoveredAt.IsZero() {
		e.DiscoveredAt = time.Now().UTC()
	}
	r := fromModel(e)

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mserrors.NewTransient("upsert_begin", e.Path, err)
	}
	defer tx.Rollback()

	if e.GroupID != "" {
		if err := ensureGroupPlaceholder(ctx, tx, e.GroupID, e.DiscoveredAt); err != nil {
			return mserrors.NewTransient("upsert_group_placeholder", e.Path, err)
		}
	}

	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO files (
			path, size, size_observed_at, stable_since, integrity, integrity_attempts,
			conversion_attempts, processed, group_id, role, next_check_at, backoff_sec,
			discovered_at, finished_at, last_error, quick_mode, lease_owner, lease_deadline
		) VALUES (
			:path, :size, :size_observed_at, :stable_since, :integrity, :integrity_attempts,
			:conversion_attempts, :processed, :group_id, :role, :next_check_at, :backoff_sec,
			:discovered_at, :finished_at, :last_error, :quick_mode, :lease_owner, :lease_deadline
		)
		ON CONFLICT(path) DO UPDATE SET
			size = excluded.size,
			size_observed_at = excluded.size_observed_at
	`, r)
	if err != nil {
		return mserrors.NewTransient("upsert", e.Path, err)
	}

	if err := tx.Commit(); err != nil {
		return mserrors.NewTransient("upsert_commit", e.Path, err)
	}
	return nil
}

// ensureGroupPlaceholder inserts a bare FORMING group row for groupID if
// none exists yet, so a file row can reference it before the planner has
// enough information to populate original_path/companion_path.
func ensureGroupPlaceholder(ctx context.Context, tx *sqlx.Tx, groupID string, createdAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO groups (group_id, state, delete_original, created_at, policy_note)
		VALUES (?, ?, ?, ?, '')
		ON CONFLICT(group_id) DO NOTHING
	`, groupID, string(model.GroupForming), false, createdAt)
	return err
}

// Get returns the entry at path, or nil if none exists.
func (s *Store) Get(ctx context.Context, path string) (*model.FileEntry, error) {
	var r fileRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM files WHERE path = ?`, path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mserrors.NewTransient("get", path, err)
	}
	e := r.toModel()
	return &e, nil
}

// GetGroup returns the group with the given id, or nil if none exists.
func (s *Store) GetGroup(ctx context.Context, groupID string) (*model.GroupEntry, error) {
	var r groupRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM groups WHERE group_id = ?`, groupID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mserrors.NewTransient("get_group", groupID, err)
	}
	g := r.toModel()
	return &g, nil
}

type groupRow struct {
	GroupID        string         `db:"group_id"`
	OriginalPath   sql.NullString `db:"original_path"`
	CompanionPath  sql.NullString `db:"companion_path"`
	State          string         `db:"state"`
	DeleteOriginal bool           `db:"delete_original"`
	CreatedAt      time.Time      `db:"created_at"`
	FinishedAt     sql.NullTime   `db:"finished_at"`
	PolicyNote     string         `db:"policy_note"`
}

func (r groupRow) toModel() model.GroupEntry {
	g := model.GroupEntry{
		GroupID:        r.GroupID,
		State:          model.GroupState(r.State),
		DeleteOriginal: r.DeleteOriginal,
		CreatedAt:      r.CreatedAt,
		PolicyNote:     r.PolicyNote,
	}
	if r.OriginalPath.Valid {
		g.OriginalPath = r.OriginalPath.String
	}
	if r.CompanionPath.Valid {
		g.CompanionPath = r.CompanionPath.String
	}
	if r.FinishedAt.Valid {
		t := r.FinishedAt.Time
		g.FinishedAt = &t
	}
	return g
}

// PickDue returns up to limit entries due at or before now, ordered by
// next_check_at then discovered_at, atomically leasing each to owner so no
// concurrent PickDue call can select the same row. leaseTTL bounds how
// long the lease survives a crash before it is reclaimable.
func (s *Store) PickDue(ctx context.Context, now time.Time, limit int, owner string, leaseTTL time.Duration) ([]model.FileEntry, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, mserrors.NewTransient("pick_due_begin", "", err)
	}
	defer tx.Rollback()

	var rows []fileRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT * FROM files
		WHERE next_check_at <= ?
		  AND (lease_owner IS NULL OR lease_deadline < ?)
		ORDER BY next_check_at ASC, discovered_at ASC
		LIMIT ?
	`, now, now, limit)
	if err != nil {
		return nil, mserrors.NewTransient("pick_due_select", "", err)
	}

	deadline := now.Add(leaseTTL)
	entries := make([]model.FileEntry, 0, len(rows))
	for _, r := range rows {
		_, err := tx.ExecContext(ctx, `
			UPDATE files SET lease_owner = ?, lease_deadline = ? WHERE path = ?
		`, owner, deadline, r.Path)
		if err != nil {
			return nil, mserrors.NewTransient("pick_due_lease", r.Path, err)
		}
		e := r.toModel()
		leaseOwner := owner
		e.LeaseOwner = &leaseOwner
		e.LeaseDeadline = &deadline
		entries = append(entries, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, mserrors.NewTransient("pick_due_commit", "", err)
	}
	return entries, nil
}

// Update is the full set of writes Apply performs in one transaction: the
// new FileEntry state, an optional GroupEntry upsert, and an optional
// companion FileEntry to create (spec §4.5: "the planner upserts a
// FileEntry for the companion with role StereoCompanion and same
// group_id").
type Update struct {
	Entry           model.FileEntry
	GroupUpsert     *model.GroupEntry
	CompanionUpsert *model.FileEntry
}

// Apply persists a decision transactionally: any group mutation and
// companion upsert, then the file row, clearing its lease, then a wake of
// any sibling group members so a GroupMemberUpdated event reaches them on
// their next pick (spec §4.5: "driven by GroupMemberUpdated events emitted
// on any member write").
//
// Order matters: the group row (and, if this write creates one, the
// companion row) must be written before anything references their
// group_id, because files.group_id is a foreign key and foreign_keys=ON
// rejects a reference to a row not yet inserted, even mid-transaction.
func (s *Store) Apply(ctx context.Context, now time.Time, u Update) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return mserrors.NewTransient("apply_begin", u.Entry.Path, err)
	}
	defer tx.Rollback()

	if u.GroupUpsert != nil {
		g := u.GroupUpsert
		_, err = tx.ExecContext(ctx, `
			INSERT INTO groups (group_id, original_path, companion_path, state, delete_original, created_at, finished_at, policy_note)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(group_id) DO UPDATE SET
				original_path = excluded.original_path,
				companion_path = COALESCE(NULLIF(excluded.companion_path, ''), groups.companion_path),
				state = excluded.state,
				finished_at = excluded.finished_at
		`, g.GroupID, g.OriginalPath, g.CompanionPath, string(g.State), g.DeleteOriginal, g.CreatedAt, g.FinishedAt, g.PolicyNote)
		if err != nil {
			return mserrors.NewTransient("apply_group", g.GroupID, err)
		}
	}

	if u.CompanionUpsert != nil {
		if err := ensureGroupPlaceholder(ctx, tx, u.CompanionUpsert.GroupID, now); err != nil {
			return mserrors.NewTransient("apply_companion_group_placeholder", u.CompanionUpsert.Path, err)
		}
		cr := fromModel(*u.CompanionUpsert)
		_, err = tx.NamedExecContext(ctx, `
			INSERT INTO files (
				path, size, size_observed_at, stable_since, integrity, integrity_attempts,
				conversion_attempts, processed, group_id, role, next_check_at, backoff_sec,
				discovered_at, last_error, quick_mode, lease_owner, lease_deadline
			) VALUES (
				:path, :size, :size_observed_at, :stable_since, :integrity, :integrity_attempts,
				:conversion_attempts, :processed, :group_id, :role, :next_check_at, :backoff_sec,
				:discovered_at, :last_error, :quick_mode, :lease_owner, :lease_deadline
			)
			ON CONFLICT(path) DO NOTHING
		`, cr)
		if err != nil {
			return mserrors.NewTransient("apply_companion", u.CompanionUpsert.Path, err)
		}
	}

	r := fromModel(u.Entry)
	_, err = tx.NamedExecContext(ctx, `
		UPDATE files SET
			size = :size,
			size_observed_at = :size_observed_at,
			stable_since = :stable_since,
			integrity = :integrity,
			integrity_attempts = :integrity_attempts,
			conversion_attempts = :conversion_attempts,
			processed = :processed,
			group_id = :group_id,
			role = :role,
			next_check_at = :next_check_at,
			backoff_sec = :backoff_sec,
			finished_at = :finished_at,
			last_error = :last_error,
			lease_owner = NULL,
			lease_deadline = NULL
		WHERE path = :path
	`, r)
	if err != nil {
		return mserrors.NewTransient("apply_update", u.Entry.Path, err)
	}

	if u.Entry.GroupID != "" {
		_, err = tx.ExecContext(ctx, `
			UPDATE files SET next_check_at = ?
			WHERE group_id = ? AND path != ? AND lease_owner IS NULL AND next_check_at > ?
		`, now, u.Entry.GroupID, u.Entry.Path, now)
		if err != nil {
			return mserrors.NewTransient("apply_wake_siblings", u.Entry.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return mserrors.NewTransient("apply_commit", u.Entry.Path, err)
	}
	return nil
}

// MarkTerminal forces an entry to a terminal processed status with
// next_check_at set to the sentinel, independent of Apply's full decision
// path (used by the planner for direct terminal transitions such as S4's
// stale-path IGNORED marking).
func (s *Store) MarkTerminal(ctx context.Context, now time.Time, path string, processed model.ProcessedStatus) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE files SET processed = ?, next_check_at = ?, finished_at = ?, lease_owner = NULL, lease_deadline = NULL
		WHERE path = ?
	`, string(processed), model.SentinelNever, now, path)
	if err != nil {
		return mserrors.NewTransient("mark_terminal", path, err)
	}
	return nil
}

// GC deletes terminal records whose next_check_at sentinel was set before
// the cutoff implied by keepDays, and any group left with no referencing
// file.
func (s *Store) GC(ctx context.Context, now time.Time, keepDays int) (int64, error) {
	cutoff := now.AddDate(0, 0, -keepDays)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM files
		WHERE next_check_at = ?
		  AND finished_at IS NOT NULL
		  AND finished_at < ?
	`, model.SentinelNever, cutoff)
	if err != nil {
		return 0, mserrors.NewTransient("gc", "", err)
	}
	n, _ := res.RowsAffected()

	_, err = s.db.ExecContext(ctx, `
		DELETE FROM groups
		WHERE group_id NOT IN (SELECT DISTINCT group_id FROM files WHERE group_id IS NOT NULL)
	`)
	if err != nil {
		return n, mserrors.NewTransient("gc_groups", "", err)
	}
	return n, nil
}

// Compact reclaims space left behind by GC's deletes by running VACUUM,
// returning the number of bytes the database file shrank by. VACUUM takes
// an exclusive lock for its duration; callers should run it off the hot
// path (the maintenance cycle, not per-tick).
func (s *Store) Compact(ctx context.Context) (int64, error) {
	before, err := s.dbSizeBytes(ctx)
	if err != nil {
		return 0, mserrors.NewTransient("compact_size_before", "", err)
	}

	if _, err := s.db.ExecContext(ctx, `VACUUM;`); err != nil {
		return 0, mserrors.NewTransient("compact_vacuum", "", err)
	}

	after, err := s.dbSizeBytes(ctx)
	if err != nil {
		return 0, mserrors.NewTransient("compact_size_after", "", err)
	}

	reclaimed := before - after
	if reclaimed < 0 {
		reclaimed = 0
	}
	return reclaimed, nil
}

func (s *Store) dbSizeBytes(ctx context.Context) (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.GetContext(ctx, &pageCount, `PRAGMA page_count;`); err != nil {
		return 0, err
	}
	if err := s.db.GetContext(ctx, &pageSize, `PRAGMA page_size;`); err != nil {
		return 0, err
	}
	return pageCount * pageSize, nil
}

// Stats is the result of a status query: per-status counts and the
// earliest pending wake time.
type Stats struct {
	PerIntegrityStatus map[string]int
	PerProcessedStatus map[string]int
	EarliestNextCheck  *time.Time
	TotalFiles         int
}

// Stats returns counts per status and the earliest pending next_check_at.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	out := Stats{
		PerIntegrityStatus: map[string]int{},
		PerProcessedStatus: map[string]int{},
	}

	type countRow struct {
		Status string `db:"status"`
		N      int    `db:"n"`
	}

	var integrityRows []countRow
	if err := s.db.SelectContext(ctx, &integrityRows, `SELECT integrity AS status, COUNT(*) AS n FROM files GROUP BY integrity`); err != nil {
		return out, mserrors.NewTransient("stats_integrity", "", err)
	}
	for _, r := range integrityRows {
		out.PerIntegrityStatus[r.Status] = r.N
		out.TotalFiles += r.N
	}

	var processedRows []countRow
	if err := s.db.SelectContext(ctx, &processedRows, `SELECT processed AS status, COUNT(*) AS n FROM files GROUP BY processed`); err != nil {
		return out, mserrors.NewTransient("stats_processed", "", err)
	}
	for _, r := range processedRows {
		out.PerProcessedStatus[r.Status] = r.N
	}

	var earliest sql.NullTime
	if err := s.db.GetContext(ctx, &earliest, `
		SELECT MIN(next_check_at) FROM files WHERE next_check_at < ?
	`, model.SentinelNever); err != nil {
		return out, mserrors.NewTransient("stats_earliest", "", err)
	}
	if earliest.Valid {
		t := earliest.Time
		out.EarliestNextCheck = &t
	}

	return out, nil
}

// ReclaimExpiredLeases clears leases whose deadline has already passed, so
// a restarted planner can re-pick rows abandoned mid-check by a crash
// (spec scenario S5).
func (s *Store) ReclaimExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE files SET lease_owner = NULL, lease_deadline = NULL
		WHERE lease_owner IS NOT NULL AND lease_deadline < ?
	`, now)
	if err != nil {
		return 0, mserrors.NewTransient("reclaim_leases", "", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// StuckLeases returns paths whose lease has expired but was not yet
// reclaimed, used by GetHealth to report stuck-lease issues.
func (s *Store) StuckLeases(ctx context.Context, now time.Time, grace time.Duration) ([]string, error) {
	var paths []string
	err := s.db.SelectContext(ctx, &paths, `
		SELECT path FROM files WHERE lease_deadline IS NOT NULL AND lease_deadline < ?
	`, now.Add(-grace))
	if err != nil {
		return nil, mserrors.NewTransient("stuck_leases", "", err)
	}
	return paths, nil
}
