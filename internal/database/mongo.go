// Package database is the MongoDB store. Every persistence boundary of the
// engine is implemented on top of one database.
package database

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	ctx "github.com/meriley/clash-spy/internal/context"
	"github.com/meriley/clash-spy/internal/ledger"
	"github.com/meriley/clash-spy/internal/reminder"
	"github.com/meriley/clash-spy/internal/snapshot"
)

const (
	DBNAME               = "clash-discord-bot"
	DBReminderCollection = "reminders"
	DBJobCollection      = "jobs"
	DBLedgerCollection   = "ledger"
	DBSnapshotCollection = "snapshots"
	DBLinkCollection     = "links"
	DBBaselineCollection = "baselines"
)

type DB struct {
	Ctx      ctx.Ctx
	MongoDB  *mongo.Client
	Database string
}

func New(c ctx.Ctx, uri, database string) (*DB, error) {
	client, err := mongo.Connect(c, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create mongodb client")
	}
	if database == "" {
		database = DBNAME
	}
	return &DB{
		Ctx:      c,
		MongoDB:  client,
		Database: database,
	}, nil
}

func (d *DB) Close(ctx context.Context) error {
	return d.MongoDB.Disconnect(ctx)
}

func (d *DB) collection(name string) *mongo.Collection {
	return d.MongoDB.Database(d.Database).Collection(name)
}

// EnsureIndexes creates the indexes ClaimDue and the lookups rely on.
func (d *DB) EnsureIndexes(ctx context.Context) error {
	indexes := map[string][]mongo.IndexModel{
		DBJobCollection: {
			{Keys: bson.D{{Key: "state", Value: 1}, {Key: "fireAt", Value: 1}}},
			{Keys: bson.D{{Key: "reminderId", Value: 1}}},
		},
		DBReminderCollection: {
			{Keys: bson.D{{Key: "eventType", Value: 1}, {Key: "createdAt", Value: 1}}},
		},
		DBBaselineCollection: {
			{Keys: bson.D{{Key: "key", Value: 1}, {Key: "playerTag", Value: 1}}},
		},
	}
	for coll, models := range indexes {
		if _, err := d.collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return errors.Wrapf(err, "failed to create indexes on %s", coll)
		}
	}
	return nil
}

func (d *DB) closeCursor(ctx context.Context, cursor *mongo.Cursor) {
	if err := cursor.Close(ctx); err != nil {
		_ = level.Error(d.Ctx.Log()).Log("error", err.Error(), "msg", "failed to close cursor")
	}
}

// Reminders

func (d *DB) UpsertReminder(ctx context.Context, r *reminder.Reminder) error {
	doc, err := toReminderDocument(r)
	if err != nil {
		return err
	}
	_, err = d.collection(DBReminderCollection).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: r.ID}}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, "failed to upsert reminder")
	}
	return nil
}

func (d *DB) FindReminder(ctx context.Context, id string) (*reminder.Reminder, error) {
	var doc ReminderDocument
	err := d.collection(DBReminderCollection).
		FindOne(ctx, bson.D{{Key: "_id", Value: id}}).
		Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Wrap(reminder.ErrNotFound, id)
		}
		return nil, errors.Wrap(err, "failed to find reminder")
	}
	return doc.toReminder()
}

func (d *DB) ListReminders(ctx context.Context, eventType snapshot.EventType) ([]*reminder.Reminder, error) {
	filter := bson.D{}
	if eventType != "" {
		filter = bson.D{{Key: "eventType", Value: eventType}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}, {Key: "_id", Value: 1}})
	cursor, err := d.collection(DBReminderCollection).Find(ctx, filter, opts)
	if err != nil {
		return nil, errors.Wrap(err, "failed to find reminders")
	}
	defer d.closeCursor(ctx, cursor)

	var out []*reminder.Reminder
	for cursor.Next(ctx) {
		var doc ReminderDocument
		if err := cursor.Decode(&doc); err != nil {
			return nil, errors.Wrap(err, "failed to decode mongodb response")
		}
		r, err := doc.toReminder()
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, errors.Wrap(cursor.Err(), "failed to iterate reminders")
}

func (d *DB) DeleteReminder(ctx context.Context, id string) error {
	res, err := d.collection(DBReminderCollection).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return errors.Wrap(err, "failed to delete reminder")
	}
	if res.DeletedCount == 0 {
		return errors.Wrap(reminder.ErrNotFound, id)
	}
	return nil
}

func (d *DB) IncrementReminderFailures(ctx context.Context, id string) (int, error) {
	var doc ReminderDocument
	err := d.collection(DBReminderCollection).FindOneAndUpdate(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$inc", Value: bson.D{{Key: "failureCount", Value: 1}}}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return 0, errors.Wrap(reminder.ErrNotFound, id)
		}
		return 0, errors.Wrap(err, "failed to increment failures")
	}
	return doc.FailureCount, nil
}

func (d *DB) ResetReminderFailures(ctx context.Context, id string) error {
	return d.setReminder(ctx, id, bson.D{{Key: "failureCount", Value: 0}})
}

func (d *DB) SetReminderDisabled(ctx context.Context, id string, disabled bool) error {
	return d.setReminder(ctx, id, bson.D{{Key: "disabled", Value: disabled}})
}

func (d *DB) setReminder(ctx context.Context, id string, set bson.D) error {
	res, err := d.collection(DBReminderCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{{Key: "$set", Value: set}})
	if err != nil {
		return errors.Wrap(err, "failed to update reminder")
	}
	if res.MatchedCount == 0 {
		return errors.Wrap(reminder.ErrNotFound, id)
	}
	return nil
}

// Jobs

func (d *DB) EnsureJob(ctx context.Context, job reminder.Job) (bool, error) {
	res, err := d.collection(DBJobCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: job.ID}},
		bson.D{{Key: "$setOnInsert", Value: toJobDocument(job)}},
		options.Update().SetUpsert(true))
	if err != nil {
		return false, errors.Wrap(err, "failed to ensure job")
	}
	return res.UpsertedCount > 0, nil
}

func (d *DB) ReschedulePending(ctx context.Context, id string, fireAt time.Time) (bool, error) {
	res, err := d.collection(DBJobCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "state", Value: reminder.JobPending}},
		bson.D{{Key: "$set", Value: bson.D{{Key: "fireAt", Value: fireAt.UTC()}}}})
	if err != nil {
		return false, errors.Wrap(err, "failed to reschedule job")
	}
	return res.MatchedCount > 0, nil
}

// ClaimDue claims jobs one at a time with findAndModify so concurrent
// schedulers never claim the same job.
func (d *DB) ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]reminder.Job, error) {
	now = now.UTC()
	filter := bson.D{{Key: "$or", Value: bson.A{
		bson.D{{Key: "state", Value: reminder.JobPending}, {Key: "fireAt", Value: bson.D{{Key: "$lte", Value: now}}}},
		bson.D{{Key: "state", Value: reminder.JobFiring}, {Key: "leaseUntil", Value: bson.D{{Key: "$lt", Value: now}}}},
	}}}
	update := bson.D{
		{Key: "$set", Value: bson.D{
			{Key: "state", Value: reminder.JobFiring},
			{Key: "leaseUntil", Value: now.Add(lease)},
			{Key: "updatedAt", Value: now},
		}},
		{Key: "$inc", Value: bson.D{{Key: "attempts", Value: 1}}},
	}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "fireAt", Value: 1}, {Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var jobs []reminder.Job
	for limit <= 0 || len(jobs) < limit {
		var doc JobDocument
		err := d.collection(DBJobCollection).FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return jobs, errors.Wrap(err, "failed to claim job")
		}
		jobs = append(jobs, doc.toJob())
	}
	return jobs, nil
}

func (d *DB) Rearm(ctx context.Context, id string, fireAt time.Time, lastError string) error {
	res, err := d.collection(DBJobCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}, {Key: "state", Value: reminder.JobFiring}},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "state", Value: reminder.JobPending},
				{Key: "fireAt", Value: fireAt.UTC()},
				{Key: "lastError", Value: lastError},
			}},
			{Key: "$unset", Value: bson.D{{Key: "leaseUntil", Value: ""}}},
		})
	if err != nil {
		return errors.Wrap(err, "failed to rearm job")
	}
	if res.MatchedCount == 0 {
		return errors.Errorf("job %s is not firing", id)
	}
	return nil
}

func (d *DB) FinishJob(ctx context.Context, id string, state reminder.JobState, lastError string) error {
	res, err := d.collection(DBJobCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: id}},
		bson.D{
			{Key: "$set", Value: bson.D{
				{Key: "state", Value: state},
				{Key: "lastError", Value: lastError},
			}},
			{Key: "$unset", Value: bson.D{{Key: "leaseUntil", Value: ""}}},
		})
	if err != nil {
		return errors.Wrap(err, "failed to finish job")
	}
	if res.MatchedCount == 0 {
		return errors.Errorf("job %s not found", id)
	}
	return nil
}

func (d *DB) CancelPending(ctx context.Context, reminderID string) (int64, error) {
	res, err := d.collection(DBJobCollection).DeleteMany(ctx,
		bson.D{{Key: "reminderId", Value: reminderID}, {Key: "state", Value: reminder.JobPending}})
	if err != nil {
		return 0, errors.Wrap(err, "failed to cancel jobs")
	}
	return res.DeletedCount, nil
}

func (d *DB) ListJobs(ctx context.Context, reminderID string) ([]reminder.Job, error) {
	filter := bson.D{}
	if reminderID != "" {
		filter = bson.D{{Key: "reminderId", Value: reminderID}}
	}
	cursor, err := d.collection(DBJobCollection).Find(ctx, filter,
		options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, errors.Wrap(err, "failed to find jobs")
	}
	defer d.closeCursor(ctx, cursor)

	var docs []JobDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode jobs")
	}
	jobs := make([]reminder.Job, 0, len(docs))
	for _, doc := range docs {
		jobs = append(jobs, doc.toJob())
	}
	return jobs, nil
}

// Ledger

func (d *DB) GetRecord(ctx context.Context, key string) (*ledger.Record, error) {
	var rec ledger.Record
	err := d.collection(DBLedgerCollection).FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&rec)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Wrap(ledger.ErrRecordNotFound, key)
		}
		return nil, errors.Wrap(err, "failed to find delivery record")
	}
	return &rec, nil
}

func (d *DB) InsertRecord(ctx context.Context, rec *ledger.Record) error {
	if _, err := d.collection(DBLedgerCollection).InsertOne(ctx, rec); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.Wrap(ledger.ErrRecordExists, rec.Key)
		}
		return errors.Wrap(err, "failed to insert delivery record")
	}
	return nil
}

// UpdateRecordIf replaces the record only while its version is unchanged.
func (d *DB) UpdateRecordIf(ctx context.Context, key string, expectedVersion int64, rec *ledger.Record) (bool, error) {
	next := *rec
	next.Key = key
	res, err := d.collection(DBLedgerCollection).ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: key}, {Key: "version", Value: expectedVersion}}, &next)
	if err != nil {
		return false, errors.Wrap(err, "failed to update delivery record")
	}
	return res.MatchedCount == 1, nil
}

// Snapshots

func (d *DB) LastSnapshot(ctx context.Context, entityKey string) (*snapshot.EventSnapshot, error) {
	var doc SnapshotDocument
	err := d.collection(DBSnapshotCollection).FindOne(ctx, bson.D{{Key: "_id", Value: entityKey}}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.Wrap(snapshot.ErrNoSnapshot, entityKey)
		}
		return nil, errors.Wrap(err, "failed to find snapshot")
	}
	return &doc.Snapshot, nil
}

// SaveSnapshot upserts only over an older snapshot. When a newer one is
// stored the filter misses, the upsert collides on _id and nothing changes.
func (d *DB) SaveSnapshot(ctx context.Context, entityKey string, snap *snapshot.EventSnapshot) (bool, error) {
	_, err := d.collection(DBSnapshotCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: entityKey}, {Key: "fetchedAt", Value: bson.D{{Key: "$lt", Value: snap.FetchedAt}}}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "fetchedAt", Value: snap.FetchedAt},
			{Key: "snapshot", Value: snap},
		}}},
		options.Update().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, errors.Wrap(err, "failed to save snapshot")
	}
	return true, nil
}

// Links

func (d *DB) LinkPlayer(ctx context.Context, playerTag, userID string) error {
	_, err := d.collection(DBLinkCollection).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: playerTag}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "userId", Value: userID},
			{Key: "linkedAt", Value: time.Now().UTC()},
		}}},
		options.Update().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, "failed to link player")
	}
	return nil
}

func (d *DB) LinkedUsers(ctx context.Context, playerTags []string) (map[string]string, error) {
	out := make(map[string]string, len(playerTags))
	if len(playerTags) == 0 {
		return out, nil
	}
	cursor, err := d.collection(DBLinkCollection).Find(ctx,
		bson.D{{Key: "_id", Value: bson.D{{Key: "$in", Value: playerTags}}}})
	if err != nil {
		return nil, errors.Wrap(err, "failed to find links")
	}
	defer d.closeCursor(ctx, cursor)

	var docs []LinkDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode links")
	}
	for _, doc := range docs {
		out[doc.PlayerTag] = doc.UserID
	}
	return out, nil
}

// Baselines

// SeedBaselines inserts unseen players with $setOnInsert and reads back the
// stored totals.
func (d *DB) SeedBaselines(ctx context.Context, key string, totals map[string]int) (map[string]int, error) {
	out := make(map[string]int, len(totals))
	if len(totals) == 0 {
		return out, nil
	}
	models := make([]mongo.WriteModel, 0, len(totals))
	tags := make([]string, 0, len(totals))
	for tag, total := range totals {
		tags = append(tags, tag)
		models = append(models, mongo.NewUpdateOneModel().
			SetFilter(bson.D{{Key: "_id", Value: key + "|" + tag}}).
			SetUpdate(bson.D{{Key: "$setOnInsert", Value: BaselineDocument{
				ID:        key + "|" + tag,
				Key:       key,
				PlayerTag: tag,
				Total:     total,
			}}}).
			SetUpsert(true))
	}
	coll := d.collection(DBBaselineCollection)
	if _, err := coll.BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false)); err != nil {
		return nil, errors.Wrap(err, "failed to seed baselines")
	}

	cursor, err := coll.Find(ctx, bson.D{
		{Key: "key", Value: key},
		{Key: "playerTag", Value: bson.D{{Key: "$in", Value: tags}}},
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to find baselines")
	}
	defer d.closeCursor(ctx, cursor)

	var docs []BaselineDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, errors.Wrap(err, "failed to decode baselines")
	}
	for _, doc := range docs {
		out[doc.PlayerTag] = doc.Total
	}
	return out, nil
}
