// Package ledger makes notification delivery idempotent. Each ledger key owns
// at most one live message: a new occurrence creates it, later content for the
// same occurrence edits it, and identical content is not sent again.
package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/meriley/clash-spy/internal/clock"
	"github.com/meriley/clash-spy/internal/errs"
	"github.com/meriley/clash-spy/internal/snapshot"
)

const (
	DefaultClaimTTL       = 2 * time.Minute
	DefaultFailureCeiling = 3
	maxPreviousUIDs       = 10
)

var (
	ErrRecordNotFound = errors.New("delivery record not found")
	ErrRecordExists   = errors.New("delivery record already exists")
	ErrConflict       = errors.New("delivery record changed concurrently")
)

type Action string

const (
	Created Action = "created"
	Edited  Action = "edited"
	NoOp    Action = "noop"
	Stale   Action = "stale"
	Failed  Action = "failed"
)

type (
	// Record is the persisted delivery state of one ledger key. Version is
	// bumped on every write and guards all updates.
	Record struct {
		Key          string    `json:"key" bson:"_id"`
		LastUID      string    `json:"lastUid" bson:"lastUid"`
		MessageRef   string    `json:"messageRef,omitempty" bson:"messageRef,omitempty"`
		FailureCount int       `json:"failureCount" bson:"failureCount"`
		ContentHash  string    `json:"contentHash,omitempty" bson:"contentHash,omitempty"`
		Revision     int64     `json:"revision" bson:"revision"`
		Pending      bool      `json:"pending" bson:"pending"`
		ClaimedAt    time.Time `json:"claimedAt,omitempty" bson:"claimedAt,omitempty"`
		PreviousUIDs []string  `json:"previousUids,omitempty" bson:"previousUids,omitempty"`
		Version      int64     `json:"version" bson:"version"`
		UpdatedAt    time.Time `json:"updatedAt" bson:"updatedAt"`
	}

	// Content is a rendered notification. Hash is computed from Payload when
	// empty. Revision orders contents of the same occurrence; zero disables
	// the staleness check.
	Content struct {
		Payload  any
		Hash     string
		Revision int64
	}

	Outcome struct {
		Action     Action
		MessageRef string
		Record     Record
	}
)

// Store persists records. UpdateRecordIf replaces the record only when the
// stored version equals expectedVersion and reports whether it did; the
// caller sets the new version on rec.
type Store interface {
	GetRecord(ctx context.Context, key string) (*Record, error)
	InsertRecord(ctx context.Context, rec *Record) error
	UpdateRecordIf(ctx context.Context, key string, expectedVersion int64, rec *Record) (bool, error)
}

// Channel is where messages go. Send returns the new message reference; Edit
// returns the reference of the edited message.
type Channel interface {
	Send(ctx context.Context, target string, payload any) (string, error)
	Edit(ctx context.Context, target, ref string, payload any) (string, error)
}

// Key builds the ledger key of a delivery target, event type and clan. The
// reminder is not part of it: every reminder for the same target, event and
// clan shares one message and edits it. Discord only notifies mentions when
// a message is created, so users mentioned first by an edit are not pinged.
func Key(deliveryTarget string, eventType snapshot.EventType, clanTag string) string {
	return deliveryTarget + "/" + string(eventType) + "/" + clanTag
}

// TargetOf returns the delivery target a key was built from.
func TargetOf(key string) string {
	if i := strings.IndexByte(key, '/'); i >= 0 {
		return key[:i]
	}
	return key
}

// Hash is the content hash of a payload: sha256 over its JSON encoding.
func Hash(payload any) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", errors.Wrap(err, "encode payload")
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

type Options struct {
	ClaimTTL       time.Duration
	FailureCeiling int
	Clock          clock.Clock
	Logger         log.Logger
}

type Ledger struct {
	store          Store
	channel        Channel
	clock          clock.Clock
	logger         log.Logger
	claimTTL       time.Duration
	failureCeiling int
	locks          keyedMutex
}

func New(store Store, channel Channel, opts Options) *Ledger {
	l := &Ledger{
		store:          store,
		channel:        channel,
		clock:          opts.Clock,
		logger:         opts.Logger,
		claimTTL:       opts.ClaimTTL,
		failureCeiling: opts.FailureCeiling,
	}
	if l.clock == nil {
		l.clock = clock.NewRealClock()
	}
	if l.logger == nil {
		l.logger = log.NewNopLogger()
	}
	if l.claimTTL <= 0 {
		l.claimTTL = DefaultClaimTTL
	}
	if l.failureCeiling <= 0 {
		l.failureCeiling = DefaultFailureCeiling
	}
	l.logger = log.With(l.logger, "component", "ledger")
	return l
}

// Deliver sends or edits the message for key so that it shows content for
// occurrence uid. A failed send or edit is recorded and returned with a
// Failed outcome.
func (l *Ledger) Deliver(ctx context.Context, key string, content Content, uid string) (Outcome, error) {
	if key == "" || uid == "" {
		return Outcome{}, errors.New("ledger key and uid are required")
	}
	hash := content.Hash
	if hash == "" {
		var err error
		if hash, err = Hash(content.Payload); err != nil {
			return Outcome{}, err
		}
	}

	unlock := l.locks.Lock(key)
	defer unlock()

	now := l.clock.Now()
	rec, err := l.store.GetRecord(ctx, key)
	if errors.Is(err, ErrRecordNotFound) {
		claim := &Record{
			Key:       key,
			LastUID:   uid,
			Revision:  content.Revision,
			Pending:   true,
			ClaimedAt: now,
			Version:   1,
			UpdatedAt: now,
		}
		if err := l.store.InsertRecord(ctx, claim); err != nil {
			if errors.Is(err, ErrRecordExists) {
				return l.lost(ctx, key)
			}
			return Outcome{}, errors.Wrap(err, "claim delivery record")
		}
		return l.send(ctx, claim, content, hash, "")
	}
	if err != nil {
		return Outcome{}, errors.Wrap(err, "read delivery record")
	}

	if rec.LastUID != uid {
		if contains(rec.PreviousUIDs, uid) {
			return Outcome{Action: Stale, MessageRef: rec.MessageRef, Record: *rec}, nil
		}
		if l.claimed(rec, now) {
			return Outcome{Action: NoOp, MessageRef: rec.MessageRef, Record: *rec}, nil
		}
		l.archive(ctx, rec)
		claim := &Record{
			Key:          key,
			LastUID:      uid,
			Revision:     content.Revision,
			Pending:      true,
			ClaimedAt:    now,
			PreviousUIDs: appendBounded(rec.PreviousUIDs, rec.LastUID),
			Version:      rec.Version + 1,
			UpdatedAt:    now,
		}
		ok, err := l.store.UpdateRecordIf(ctx, key, rec.Version, claim)
		if err != nil {
			return Outcome{}, errors.Wrap(err, "claim delivery record")
		}
		if !ok {
			return l.lost(ctx, key)
		}
		return l.send(ctx, claim, content, hash, "")
	}

	if content.Revision != 0 && content.Revision < rec.Revision {
		return Outcome{Action: Stale, MessageRef: rec.MessageRef, Record: *rec}, nil
	}
	if l.claimed(rec, now) {
		return Outcome{Action: NoOp, MessageRef: rec.MessageRef, Record: *rec}, nil
	}
	if rec.ContentHash == hash && rec.MessageRef != "" {
		return Outcome{Action: NoOp, MessageRef: rec.MessageRef, Record: *rec}, nil
	}

	claim := *rec
	claim.Pending = true
	claim.ClaimedAt = now
	claim.Version = rec.Version + 1
	claim.UpdatedAt = now
	ok, err := l.store.UpdateRecordIf(ctx, key, rec.Version, &claim)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "claim delivery record")
	}
	if !ok {
		return l.lost(ctx, key)
	}
	return l.send(ctx, &claim, content, hash, rec.MessageRef)
}

// RecordFailure advances key to uid without sending, counting a failure. It
// is used when content for uid could not be rendered at all.
func (l *Ledger) RecordFailure(ctx context.Context, key, uid string, content Content, cause error) error {
	unlock := l.locks.Lock(key)
	defer unlock()

	now := l.clock.Now()
	_ = level.Warn(l.logger).Log("msg", "recording delivery failure", "key", key, "uid", uid, "error", cause)

	rec, err := l.store.GetRecord(ctx, key)
	if errors.Is(err, ErrRecordNotFound) {
		err := l.store.InsertRecord(ctx, &Record{
			Key:          key,
			LastUID:      uid,
			Revision:     content.Revision,
			FailureCount: 1,
			Version:      1,
			UpdatedAt:    now,
		})
		if errors.Is(err, ErrRecordExists) {
			return errors.Wrap(ErrConflict, key)
		}
		return errors.Wrap(err, "insert delivery record")
	}
	if err != nil {
		return errors.Wrap(err, "read delivery record")
	}

	next := *rec
	if rec.LastUID != uid {
		if contains(rec.PreviousUIDs, uid) {
			return nil
		}
		l.archive(ctx, rec)
		next = Record{
			Key:          key,
			LastUID:      uid,
			PreviousUIDs: appendBounded(rec.PreviousUIDs, rec.LastUID),
		}
	}
	next.FailureCount++
	if next.FailureCount > l.failureCeiling {
		next.MessageRef = ""
	}
	if content.Revision > next.Revision {
		next.Revision = content.Revision
	}
	next.Version = rec.Version + 1
	next.UpdatedAt = now
	ok, err := l.store.UpdateRecordIf(ctx, key, rec.Version, &next)
	if err != nil {
		return errors.Wrap(err, "update delivery record")
	}
	if !ok {
		return errors.Wrap(ErrConflict, key)
	}
	return nil
}

// send performs the claimed delivery and finalizes the record. An edit of a
// message that no longer exists falls back to a new message.
func (l *Ledger) send(ctx context.Context, claim *Record, content Content, hash, ref string) (Outcome, error) {
	target := TargetOf(claim.Key)
	action := Created
	var (
		newRef string
		err    error
	)
	if ref != "" {
		newRef, err = l.channel.Edit(ctx, target, ref, content.Payload)
		if errors.Is(err, errs.ErrMessageNotFound) {
			_ = level.Info(l.logger).Log("msg", "message gone, creating a new one", "key", claim.Key, "ref", ref)
			ref = ""
		} else {
			action = Edited
		}
	}
	if ref == "" {
		action = Created
		newRef, err = l.channel.Send(ctx, target, content.Payload)
	}

	final := *claim
	final.Pending = false
	final.ClaimedAt = time.Time{}
	final.Version = claim.Version + 1
	final.UpdatedAt = l.clock.Now()
	if err != nil {
		final.FailureCount++
		final.MessageRef = ref
		if final.FailureCount > l.failureCeiling {
			final.MessageRef = ""
		}
		action = Failed
	} else {
		if newRef == "" {
			newRef = ref
		}
		final.MessageRef = newRef
		final.FailureCount = 0
		final.ContentHash = hash
		if content.Revision > final.Revision {
			final.Revision = content.Revision
		}
	}

	// Finalize even when ctx is done, otherwise the claim stays pending
	// until the TTL.
	ok, werr := l.store.UpdateRecordIf(context.WithoutCancel(ctx), claim.Key, claim.Version, &final)
	switch {
	case werr != nil:
		_ = level.Error(l.logger).Log("error", werr.Error(), "msg", "finalize delivery record", "key", claim.Key)
	case !ok:
		_ = level.Warn(l.logger).Log("msg", "delivery claim taken over before finalizing", "key", claim.Key, "ref", final.MessageRef)
	}

	out := Outcome{Action: action, MessageRef: final.MessageRef, Record: final}
	if err != nil {
		return out, errors.Wrapf(err, "deliver %s", claim.Key)
	}
	if werr != nil {
		return out, errors.Wrap(werr, "finalize delivery record")
	}
	return out, nil
}

// archive keeps the rolled over record under "<key>#<uid>".
func (l *Ledger) archive(ctx context.Context, rec *Record) {
	old := *rec
	old.Key = rec.Key + "#" + rec.LastUID
	old.Pending = false
	old.ClaimedAt = time.Time{}
	old.PreviousUIDs = nil
	if err := l.store.InsertRecord(ctx, &old); err != nil && !errors.Is(err, ErrRecordExists) {
		_ = level.Warn(l.logger).Log("msg", "archive delivery record", "key", old.Key, "error", err)
	}
}

// lost is the path of a deliverer that lost the claim race. Someone else is
// delivering, so this call does nothing.
func (l *Ledger) lost(ctx context.Context, key string) (Outcome, error) {
	rec, err := l.store.GetRecord(ctx, key)
	if err != nil {
		return Outcome{}, errors.Wrap(err, "re-read delivery record")
	}
	_ = level.Debug(l.logger).Log("msg", "lost delivery claim", "key", key)
	return Outcome{Action: NoOp, MessageRef: rec.MessageRef, Record: *rec}, nil
}

func (l *Ledger) claimed(rec *Record, now time.Time) bool {
	return rec.Pending && now.Sub(rec.ClaimedAt) < l.claimTTL
}

func appendBounded(uids []string, uid string) []string {
	out := append(append([]string{}, uids...), uid)
	if len(out) > maxPreviousUIDs {
		out = out[len(out)-maxPreviousUIDs:]
	}
	return out
}

func contains(values []string, v string) bool {
	for _, x := range values {
		if x == v {
			return true
		}
	}
	return false
}
