// Package repository provides PostgreSQL-backed persistence for flag
// definitions, the synchronous change audit trail, and evaluation records.
// It also handles LISTEN/NOTIFY-based cache invalidation so the service
// layer stays fresh without polling the database into submission.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const defaultNotifyChannel = "flaggate_flag_changes"

// ErrVersionConflict is returned when an update carries a stale version,
// meaning another writer committed first. Callers surface this as a conflict
// rather than retrying.
var ErrVersionConflict = errors.New("flag version conflict")

// Change types recorded in the flag_changes table.
const (
	ChangeCreate = "create"
	ChangeUpdate = "update"
	ChangeDelete = "delete"
)

// Flag is the repository-level representation of a flag row. Structured
// configuration (overrides, rule set) is stored as JSONB and decoded by the
// service layer.
type Flag struct {
	Name              string          `json:"name"`
	Description       string          `json:"description"`
	Kind              string          `json:"kind"`
	Enabled           bool            `json:"enabled"`
	FailOpen          bool            `json:"fail_open"`
	Environments      []string        `json:"environments"`
	StartDate         *time.Time      `json:"start_date,omitempty"`
	EndDate           *time.Time      `json:"end_date,omitempty"`
	Dependencies      []string        `json:"dependencies"`
	UserOverrides     json.RawMessage `json:"user_overrides"`
	RolloutPercentage int             `json:"rollout_percentage"`
	Rules             json.RawMessage `json:"rules"`
	Version           int64           `json:"version"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// FlagChange is one append-only audit entry for a flag mutation. It is
// written in the same transaction as the mutation itself and is never
// dropped, unlike evaluation records.
type FlagChange struct {
	ID         string          `json:"id"`
	FlagName   string          `json:"flag_name"`
	Actor      string          `json:"actor"`
	ChangeType string          `json:"change_type"`
	OldValue   json.RawMessage `json:"old_value,omitempty"`
	NewValue   json.RawMessage `json:"new_value,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Evaluation is one append-only evaluation record, written best-effort by
// the audit recorder.
type Evaluation struct {
	FlagName  string          `json:"flag_name"`
	SubjectID string          `json:"subject_id"`
	Context   json.RawMessage `json:"context"`
	Result    bool            `json:"result"`
	CreatedAt time.Time       `json:"created_at"`
}

// FlagStats aggregates the evaluation records for one flag.
type FlagStats struct {
	TotalEvaluations int64   `json:"total_evaluations"`
	TrueEvaluations  int64   `json:"true_evaluations"`
	UniqueSubjects   int64   `json:"unique_subjects"`
	EvaluationRate   float64 `json:"evaluation_rate"`
}

// PostgresRepository implements flag, change-audit, and evaluation
// persistence backed by a pgxpool connection pool. It also supports
// LISTEN/NOTIFY for real-time definition-cache invalidation.
type PostgresRepository struct {
	pool          *pgxpool.Pool
	notifyChannel string
}

// NewPostgresRepository creates a [PostgresRepository] using the default
// notification channel.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return NewPostgresRepositoryWithChannel(pool, defaultNotifyChannel)
}

// NewPostgresRepositoryWithChannel creates a [PostgresRepository] using the
// specified LISTEN/NOTIFY channel name.
func NewPostgresRepositoryWithChannel(pool *pgxpool.Pool, notifyChannel string) *PostgresRepository {
	return &PostgresRepository{
		pool:          pool,
		notifyChannel: normalizeNotifyChannel(notifyChannel),
	}
}

const flagColumns = `name, description, kind, enabled, fail_open, environments,
	start_date, end_date, dependencies, user_overrides, rollout_percentage,
	rules, version, created_at, updated_at`

func scanFlag(row pgx.Row) (Flag, error) {
	var flag Flag
	err := row.Scan(
		&flag.Name,
		&flag.Description,
		&flag.Kind,
		&flag.Enabled,
		&flag.FailOpen,
		&flag.Environments,
		&flag.StartDate,
		&flag.EndDate,
		&flag.Dependencies,
		&flag.UserOverrides,
		&flag.RolloutPercentage,
		&flag.Rules,
		&flag.Version,
		&flag.CreatedAt,
		&flag.UpdatedAt,
	)
	return flag, err
}

// CreateFlag inserts a new flag row and its create-change audit entry in one
// transaction, then notifies listeners. The returned record carries
// server-generated timestamps and version 1.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag, actor string) (Flag, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Flag{}, fmt.Errorf("begin create flag tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := scanFlag(tx.QueryRow(ctx, `
		INSERT INTO flags (name, description, kind, enabled, fail_open, environments,
			start_date, end_date, dependencies, user_overrides, rollout_percentage, rules)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING `+flagColumns,
		flag.Name,
		flag.Description,
		flag.Kind,
		flag.Enabled,
		flag.FailOpen,
		flag.Environments,
		flag.StartDate,
		flag.EndDate,
		flag.Dependencies,
		ensureJSON(flag.UserOverrides, "{}"),
		flag.RolloutPercentage,
		ensureJSON(flag.Rules, "{}"),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	if err := r.insertChange(ctx, tx, created.Name, actor, ChangeCreate, nil, &created); err != nil {
		return Flag{}, err
	}
	if err := r.notifyChange(ctx, tx, created.Name, ChangeCreate); err != nil {
		return Flag{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Flag{}, fmt.Errorf("commit create flag tx: %w", err)
	}

	return created, nil
}

// UpdateFlag replaces an existing flag row, guarded by optimistic versioning:
// the update only applies if the stored version matches flag.Version, and the
// stored version is incremented. Returns pgx.ErrNoRows (wrapped) if the flag
// does not exist and ErrVersionConflict if another writer got there first.
// The old and new values are recorded in flag_changes within the same
// transaction.
func (r *PostgresRepository) UpdateFlag(ctx context.Context, flag Flag, actor string) (Flag, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Flag{}, fmt.Errorf("begin update flag tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanFlag(tx.QueryRow(ctx, `
		SELECT `+flagColumns+` FROM flags WHERE name = $1 FOR UPDATE
	`, flag.Name))
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}
	if existing.Version != flag.Version {
		return Flag{}, fmt.Errorf("update flag %q: stored version %d, submitted %d: %w",
			flag.Name, existing.Version, flag.Version, ErrVersionConflict)
	}

	updated, err := scanFlag(tx.QueryRow(ctx, `
		UPDATE flags
		SET description = $2,
		    kind = $3,
		    enabled = $4,
		    fail_open = $5,
		    environments = $6,
		    start_date = $7,
		    end_date = $8,
		    dependencies = $9,
		    user_overrides = $10,
		    rollout_percentage = $11,
		    rules = $12,
		    version = version + 1,
		    updated_at = NOW()
		WHERE name = $1
		RETURNING `+flagColumns,
		flag.Name,
		flag.Description,
		flag.Kind,
		flag.Enabled,
		flag.FailOpen,
		flag.Environments,
		flag.StartDate,
		flag.EndDate,
		flag.Dependencies,
		ensureJSON(flag.UserOverrides, "{}"),
		flag.RolloutPercentage,
		ensureJSON(flag.Rules, "{}"),
	))
	if err != nil {
		return Flag{}, fmt.Errorf("update flag: %w", err)
	}

	if err := r.insertChange(ctx, tx, updated.Name, actor, ChangeUpdate, &existing, &updated); err != nil {
		return Flag{}, err
	}
	if err := r.notifyChange(ctx, tx, updated.Name, ChangeUpdate); err != nil {
		return Flag{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Flag{}, fmt.Errorf("commit update flag tx: %w", err)
	}

	return updated, nil
}

// GetFlag retrieves a single flag by name. Returns pgx.ErrNoRows (wrapped)
// if not found.
func (r *PostgresRepository) GetFlag(ctx context.Context, name string) (Flag, error) {
	flag, err := scanFlag(r.pool.QueryRow(ctx, `
		SELECT `+flagColumns+` FROM flags WHERE name = $1
	`, name))
	if err != nil {
		return Flag{}, fmt.Errorf("get flag: %w", err)
	}

	return flag, nil
}

// ListFlags returns all flags ordered by name.
func (r *PostgresRepository) ListFlags(ctx context.Context) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+flagColumns+` FROM flags ORDER BY name
	`)
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		flag, err := scanFlag(rows)
		if err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}
		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag by name, recording the deleted definition in
// flag_changes. Returns pgx.ErrNoRows (wrapped) if the flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, name, actor string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete flag tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := scanFlag(tx.QueryRow(ctx, `
		SELECT `+flagColumns+` FROM flags WHERE name = $1 FOR UPDATE
	`, name))
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM flags WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}

	if err := r.insertChange(ctx, tx, name, actor, ChangeDelete, &existing, nil); err != nil {
		return err
	}
	if err := r.notifyChange(ctx, tx, name, ChangeDelete); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit delete flag tx: %w", err)
	}

	return nil
}

// ListChanges returns change audit entries for a flag, newest first.
func (r *PostgresRepository) ListChanges(ctx context.Context, name string, limit, offset int) ([]FlagChange, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, flag_name, actor, change_type, old_value, new_value, created_at
		FROM flag_changes
		WHERE flag_name = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2 OFFSET $3
	`, name, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list flag changes: %w", err)
	}
	defer rows.Close()

	changes := make([]FlagChange, 0)
	for rows.Next() {
		var change FlagChange
		if err := rows.Scan(
			&change.ID,
			&change.FlagName,
			&change.Actor,
			&change.ChangeType,
			&change.OldValue,
			&change.NewValue,
			&change.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag change: %w", err)
		}
		changes = append(changes, change)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flag changes rows: %w", err)
	}

	return changes, nil
}

// InsertEvaluations batch-inserts evaluation records. It is called from the
// audit recorder's background worker, never from the evaluation hot path.
func (r *PostgresRepository) InsertEvaluations(ctx context.Context, records []Evaluation) error {
	if len(records) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, record := range records {
		batch.Queue(`
			INSERT INTO evaluations (flag_name, subject_id, context, result, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`,
			record.FlagName,
			record.SubjectID,
			ensureJSON(record.Context, "{}"),
			record.Result,
			record.CreatedAt,
		)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	for range records {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert evaluation: %w", err)
		}
	}

	return nil
}

// FlagStats aggregates evaluation records for one flag. EvaluationRate is
// evaluations per second over the observed span, zero when fewer than two
// records exist.
func (r *PostgresRepository) FlagStats(ctx context.Context, name string) (FlagStats, error) {
	var (
		stats FlagStats
		first *time.Time
		last  *time.Time
	)
	err := r.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE result),
		       count(DISTINCT subject_id),
		       min(created_at),
		       max(created_at)
		FROM evaluations
		WHERE flag_name = $1
	`, name).Scan(
		&stats.TotalEvaluations,
		&stats.TrueEvaluations,
		&stats.UniqueSubjects,
		&first,
		&last,
	)
	if err != nil {
		return FlagStats{}, fmt.Errorf("flag stats: %w", err)
	}

	if first != nil && last != nil {
		if span := last.Sub(*first).Seconds(); span > 0 {
			stats.EvaluationRate = float64(stats.TotalEvaluations) / span
		}
	}

	return stats, nil
}

// SubscribeFlagInvalidation returns a channel that receives a signal whenever
// a flag change notification arrives on the PostgreSQL LISTEN channel. The
// channel is closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runFlagInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runFlagInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForFlagInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForFlagInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for flag change notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func (r *PostgresRepository) insertChange(ctx context.Context, tx pgx.Tx, name, actor, changeType string, oldFlag, newFlag *Flag) error {
	oldValue, err := marshalChangeValue(oldFlag)
	if err != nil {
		return fmt.Errorf("marshal old flag value: %w", err)
	}
	newValue, err := marshalChangeValue(newFlag)
	if err != nil {
		return fmt.Errorf("marshal new flag value: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		INSERT INTO flag_changes (id, flag_name, actor, change_type, old_value, new_value)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.NewString(), name, actor, changeType, oldValue, newValue); err != nil {
		return fmt.Errorf("insert flag change: %w", err)
	}

	return nil
}

func (r *PostgresRepository) notifyChange(ctx context.Context, tx pgx.Tx, name, changeType string) error {
	payload, err := json.Marshal(struct {
		FlagName   string `json:"flag_name"`
		ChangeType string `json:"change_type"`
	}{
		FlagName:   name,
		ChangeType: changeType,
	})
	if err != nil {
		return fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, string(payload)); err != nil {
		return fmt.Errorf("notify flag change: %w", err)
	}

	return nil
}

func marshalChangeValue(flag *Flag) (json.RawMessage, error) {
	if flag == nil {
		return nil, nil
	}
	return json.Marshal(flag)
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}

	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}
