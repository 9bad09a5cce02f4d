// Package dbstore is the PostgreSQL store, selected with the "postgres" store
// driver.
package dbstore

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	ctx "github.com/meriley/clash-spy/internal/context"
	"github.com/meriley/clash-spy/internal/ledger"
	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
)

const uniqueViolation = "23505"

//go:embed schema.sql
var schema string

type Config struct {
	Address  string
	Database string
	User     string
	Password string
}

func (c Config) Validate() error {
	if c.Address == "" {
		return errors.New("expected postgres address")
	}
	if c.User == "" {
		return errors.New("expected postgres user")
	}
	if c.Password == "" {
		return errors.New("expected postgres password")
	}
	if c.Database == "" {
		return errors.New("expected postgres database")
	}
	return nil
}

func (c Config) ConnString() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Address,
		Path:   "/" + c.Database,
	}
	return u.String()
}

type PGXStore struct {
	*pgxpool.Pool
}

func New(ctx ctx.Ctx, cfg Config) (*PGXStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	config, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("unable to parse config: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}

	return &PGXStore{Pool: pool}, nil
}

// Migrate creates the tables when they do not exist yet.
func (db *PGXStore) Migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to migrate schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// nullTime maps the zero time to NULL.
func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	t = t.UTC()
	return &t
}

func fromNullTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}

// Reminders

const reminderColumns = `id, guild_id, event_type, offset_ns, targets, criteria, message, disabled, failure_count, channel_id, delivery_target, created_at, updated_at`

func (db *PGXStore) UpsertReminder(ctx context.Context, r *reminder.Reminder) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	criteria, err := reminder.EncodeCriteria(r.Criteria)
	if err != nil {
		return err
	}
	sql := `INSERT INTO reminders (` + reminderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			guild_id = EXCLUDED.guild_id,
			event_type = EXCLUDED.event_type,
			offset_ns = EXCLUDED.offset_ns,
			targets = EXCLUDED.targets,
			criteria = EXCLUDED.criteria,
			message = EXCLUDED.message,
			disabled = EXCLUDED.disabled,
			failure_count = EXCLUDED.failure_count,
			channel_id = EXCLUDED.channel_id,
			delivery_target = EXCLUDED.delivery_target,
			updated_at = EXCLUDED.updated_at`

	_, err = db.Exec(ctx, sql,
		r.ID,
		r.GuildID,
		string(r.EventType),
		int64(r.Offset),
		r.Targets,
		criteria,
		r.Message,
		r.Disabled,
		r.FailureCount,
		r.ChannelID,
		r.DeliveryTarget,
		r.CreatedAt.UTC(),
		r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert reminder: %w", err)
	}
	return nil
}

func scanReminder(row pgx.CollectableRow) (*reminder.Reminder, error) {
	var (
		r         reminder.Reminder
		eventType string
		offset    int64
		criteria  []byte
	)
	if err := row.Scan(
		&r.ID,
		&r.GuildID,
		&eventType,
		&offset,
		&r.Targets,
		&criteria,
		&r.Message,
		&r.Disabled,
		&r.FailureCount,
		&r.ChannelID,
		&r.DeliveryTarget,
		&r.CreatedAt,
		&r.UpdatedAt,
	); err != nil {
		return nil, err
	}
	r.EventType = snapshot.EventType(eventType)
	r.Offset = time.Duration(offset)
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	c, err := reminder.DecodeCriteria(r.EventType, criteria)
	if err != nil {
		return nil, err
	}
	r.Criteria = c
	return &r, nil
}

func (db *PGXStore) FindReminder(ctx context.Context, id string) (*reminder.Reminder, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.Query(ctx, `SELECT `+reminderColumns+` FROM reminders WHERE id = $1`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query reminder: %w", err)
	}
	r, err := pgx.CollectOneRow(rows, scanReminder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", id, reminder.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return r, nil
}

// ListReminders returns reminders of eventType, or all of them when
// eventType is empty, oldest first.
func (db *PGXStore) ListReminders(ctx context.Context, eventType snapshot.EventType) ([]*reminder.Reminder, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `SELECT ` + reminderColumns + ` FROM reminders
		WHERE $1 = '' OR event_type = $1
		ORDER BY created_at, id`

	rows, err := db.Query(ctx, sql, string(eventType))
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	reminders, err := pgx.CollectRows(rows, scanReminder)
	if err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return reminders, nil
}

func (db *PGXStore) DeleteReminder(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := db.Exec(ctx, `DELETE FROM reminders WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, reminder.ErrNotFound)
	}
	return nil
}

func (db *PGXStore) IncrementReminderFailures(ctx context.Context, id string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var n int
	sql := `UPDATE reminders SET failure_count = failure_count + 1 WHERE id = $1 RETURNING failure_count`
	if err := db.QueryRow(ctx, sql, id).Scan(&n); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%s: %w", id, reminder.ErrNotFound)
		}
		return 0, fmt.Errorf("failed to increment failures: %w", err)
	}
	return n, nil
}

func (db *PGXStore) ResetReminderFailures(ctx context.Context, id string) error {
	return db.updateReminder(ctx, `UPDATE reminders SET failure_count = 0 WHERE id = $1`, id)
}

func (db *PGXStore) SetReminderDisabled(ctx context.Context, id string, disabled bool) error {
	return db.updateReminder(ctx, `UPDATE reminders SET disabled = $2 WHERE id = $1`, id, disabled)
}

func (db *PGXStore) updateReminder(ctx context.Context, sql, id string, args ...any) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := db.Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update reminder: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", id, reminder.ErrNotFound)
	}
	return nil
}

// Jobs

const jobColumns = `id, reminder_id, occurrence_key, targets, event_end, fire_at, state, attempts, lease_until, last_error, created_at, updated_at`

func scanJob(row pgx.CollectableRow) (reminder.Job, error) {
	var (
		j          reminder.Job
		state      string
		leaseUntil *time.Time
	)
	if err := row.Scan(
		&j.ID,
		&j.ReminderID,
		&j.OccurrenceKey,
		&j.Targets,
		&j.EventEnd,
		&j.FireAt,
		&state,
		&j.Attempts,
		&leaseUntil,
		&j.LastError,
		&j.CreatedAt,
		&j.UpdatedAt,
	); err != nil {
		return reminder.Job{}, err
	}
	j.State = reminder.JobState(state)
	j.LeaseUntil = fromNullTime(leaseUntil)
	j.EventEnd = j.EventEnd.UTC()
	j.FireAt = j.FireAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return j, nil
}

func (db *PGXStore) EnsureJob(ctx context.Context, job reminder.Job) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`

	tag, err := db.Exec(ctx, sql,
		job.ID,
		job.ReminderID,
		job.OccurrenceKey,
		job.Targets,
		job.EventEnd.UTC(),
		job.FireAt.UTC(),
		string(job.State),
		job.Attempts,
		nullTime(job.LeaseUntil),
		job.LastError,
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (db *PGXStore) ReschedulePending(ctx context.Context, id string, fireAt time.Time) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `UPDATE jobs SET fire_at = $2 WHERE id = $1 AND state = $3`
	tag, err := db.Exec(ctx, sql, id, fireAt.UTC(), string(reminder.JobPending))
	if err != nil {
		return false, fmt.Errorf("failed to reschedule job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimDue locks due rows with SKIP LOCKED so concurrent schedulers never
// claim the same job.
func (db *PGXStore) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]reminder.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now = now.UTC()
	var lim any
	if limit > 0 {
		lim = limit
	}
	sql := `UPDATE jobs SET
			state = $2,
			lease_until = $3,
			attempts = attempts + 1,
			updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE (state = $4 AND fire_at <= $1) OR (state = $2 AND lease_until < $1)
			ORDER BY fire_at, id
			LIMIT $5
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := db.Query(ctx, sql,
		now,
		string(reminder.JobFiring),
		now.Add(lease),
		string(reminder.JobPending),
		lim,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	sort.Slice(jobs, func(i, k int) bool {
		if !jobs[i].FireAt.Equal(jobs[k].FireAt) {
			return jobs[i].FireAt.Before(jobs[k].FireAt)
		}
		return jobs[i].ID < jobs[k].ID
	})
	return jobs, nil
}

func (db *PGXStore) Rearm(ctx context.Context, id string, fireAt time.Time, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `UPDATE jobs SET state = $2, fire_at = $3, lease_until = NULL, last_error = $4
		WHERE id = $1 AND state = $5`
	tag, err := db.Exec(ctx, sql, id, string(reminder.JobPending), fireAt.UTC(), lastError, string(reminder.JobFiring))
	if err != nil {
		return fmt.Errorf("failed to rearm job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s is not firing", id)
	}
	return nil
}

func (db *PGXStore) FinishJob(ctx context.Context, id string, state reminder.JobState, lastError string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `UPDATE jobs SET state = $2, lease_until = NULL, last_error = $3 WHERE id = $1`
	tag, err := db.Exec(ctx, sql, id, string(state), lastError)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s not found", id)
	}
	return nil
}

func (db *PGXStore) CancelPending(ctx context.Context, reminderID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tag, err := db.Exec(ctx, `DELETE FROM jobs WHERE reminder_id = $1 AND state = $2`, reminderID, string(reminder.JobPending))
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (db *PGXStore) ListJobs(ctx context.Context, reminderID string) ([]reminder.Job, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `SELECT ` + jobColumns + ` FROM jobs WHERE $1 = '' OR reminder_id = $1 ORDER BY id`
	rows, err := db.Query(ctx, sql, reminderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	jobs, err := pgx.CollectRows(rows, scanJob)
	if err != nil {
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return jobs, nil
}

// Ledger

const recordColumns = `key, last_uid, message_ref, failure_count, content_hash, revision, pending, claimed_at, previous_uids, version, updated_at`

func recordArgs(key string, rec *ledger.Record) []any {
	previous := rec.PreviousUIDs
	if previous == nil {
		previous = []string{}
	}
	return []any{
		key,
		rec.LastUID,
		rec.MessageRef,
		rec.FailureCount,
		rec.ContentHash,
		rec.Revision,
		rec.Pending,
		nullTime(rec.ClaimedAt),
		previous,
		rec.Version,
		rec.UpdatedAt.UTC(),
	}
}

func (db *PGXStore) GetRecord(ctx context.Context, key string) (*ledger.Record, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var (
		rec       ledger.Record
		claimedAt *time.Time
	)
	sql := `SELECT ` + recordColumns + ` FROM delivery_records WHERE key = $1`
	err := db.QueryRow(ctx, sql, key).Scan(
		&rec.Key,
		&rec.LastUID,
		&rec.MessageRef,
		&rec.FailureCount,
		&rec.ContentHash,
		&rec.Revision,
		&rec.Pending,
		&claimedAt,
		&rec.PreviousUIDs,
		&rec.Version,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", key, ledger.ErrRecordNotFound)
		}
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	rec.ClaimedAt = fromNullTime(claimedAt)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	if len(rec.PreviousUIDs) == 0 {
		rec.PreviousUIDs = nil
	}
	return &rec, nil
}

func (db *PGXStore) InsertRecord(ctx context.Context, rec *ledger.Record) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `INSERT INTO delivery_records (` + recordColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	if _, err := db.Exec(ctx, sql, recordArgs(rec.Key, rec)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", rec.Key, ledger.ErrRecordExists)
		}
		return fmt.Errorf("failed to insert delivery record: %w", err)
	}
	return nil
}

// UpdateRecordIf replaces the record only while its version is unchanged.
func (db *PGXStore) UpdateRecordIf(ctx context.Context, key string, expectedVersion int64, rec *ledger.Record) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `UPDATE delivery_records SET
			last_uid = $2,
			message_ref = $3,
			failure_count = $4,
			content_hash = $5,
			revision = $6,
			pending = $7,
			claimed_at = $8,
			previous_uids = $9,
			version = $10,
			updated_at = $11
		WHERE key = $1 AND version = $12`
	tag, err := db.Exec(ctx, sql, append(recordArgs(key, rec), expectedVersion)...)
	if err != nil {
		return false, fmt.Errorf("failed to update delivery record: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Snapshots

func (db *PGXStore) LastSnapshot(ctx context.Context, entityKey string) (*snapshot.EventSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var snap snapshot.EventSnapshot
	if err := db.QueryRow(ctx, `SELECT snapshot FROM snapshots WHERE entity_key = $1`, entityKey).Scan(&snap); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", entityKey, snapshot.ErrNoSnapshot)
		}
		return nil, fmt.Errorf("failed to scan row: %w", err)
	}
	return &snap, nil
}

// SaveSnapshot only overwrites a snapshot fetched earlier than snap.
func (db *PGXStore) SaveSnapshot(ctx context.Context, entityKey string, snap *snapshot.EventSnapshot) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `INSERT INTO snapshots (entity_key, fetched_at, snapshot) VALUES ($1, $2, $3)
		ON CONFLICT (entity_key) DO UPDATE SET
			fetched_at = EXCLUDED.fetched_at,
			snapshot = EXCLUDED.snapshot
		WHERE snapshots.fetched_at < EXCLUDED.fetched_at`
	tag, err := db.Exec(ctx, sql, entityKey, snap.FetchedAt.UTC(), snap)
	if err != nil {
		return false, fmt.Errorf("failed to save snapshot: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Links

func (db *PGXStore) LinkPlayer(ctx context.Context, playerTag, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sql := `INSERT INTO player_links (player_tag, user_id) VALUES ($1, $2)
		ON CONFLICT (player_tag) DO UPDATE SET user_id = EXCLUDED.user_id, linked_at = now()`
	if _, err := db.Exec(ctx, sql, playerTag, userID); err != nil {
		return fmt.Errorf("failed to link player: %w", err)
	}
	return nil
}

func (db *PGXStore) LinkedUsers(ctx context.Context, playerTags []string) (map[string]string, error) {
	out := make(map[string]string, len(playerTags))
	if len(playerTags) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	rows, err := db.Query(ctx, `SELECT player_tag, user_id FROM player_links WHERE player_tag = ANY($1)`, playerTags)
	if err != nil {
		return nil, fmt.Errorf("failed to query links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var tag, user string
		if err := rows.Scan(&tag, &user); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out[tag] = user
	}
	return out, rows.Err()
}

// Baselines

// SeedBaselines inserts unseen players and reads back the stored totals in
// one transaction.
func (db *PGXStore) SeedBaselines(ctx context.Context, key string, totals map[string]int) (map[string]int, error) {
	out := make(map[string]int, len(totals))
	if len(totals) == 0 {
		return out, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tags := make([]string, 0, len(totals))
	values := make([]int32, 0, len(totals))
	for tag, total := range totals {
		tags = append(tags, tag)
		values = append(values, int32(total))
	}

	err := pgx.BeginFunc(ctx, db.Pool, func(tx pgx.Tx) error {
		insert := `INSERT INTO baselines (key, player_tag, total)
			SELECT $1, t.tag, t.total FROM unnest($2::text[], $3::int[]) AS t(tag, total)
			ON CONFLICT (key, player_tag) DO NOTHING`
		if _, err := tx.Exec(ctx, insert, key, tags, values); err != nil {
			return fmt.Errorf("failed to seed baselines: %w", err)
		}

		rows, err := tx.Query(ctx, `SELECT player_tag, total FROM baselines WHERE key = $1 AND player_tag = ANY($2)`, key, tags)
		if err != nil {
			return fmt.Errorf("failed to query baselines: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var (
				tag   string
				total int
			)
			if err := rows.Scan(&tag, &total); err != nil {
				return fmt.Errorf("failed to scan row: %w", err)
			}
			out[tag] = total
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
