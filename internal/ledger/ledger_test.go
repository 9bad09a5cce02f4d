package ledger_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meriley/clash-spy/internal/clock"
	"github.com/meriley/clash-spy/internal/errs"
	"github.com/meriley/clash-spy/internal/ledger"
	"github.com/meriley/clash-spy/internal/memstore"
	"github.com/meriley/clash-spy/internal/snapshot"
)

type call struct {
	op      string
	target  string
	ref     string
	payload any
}

type fakeChannel struct {
	mu      sync.Mutex
	calls   []call
	next    int
	sendErr error
	editErr error
	// gate, when set, blocks Send until closed; started is signalled first.
	gate    chan struct{}
	started chan struct{}
}

func (f *fakeChannel) Send(ctx context.Context, target string, payload any) (string, error) {
	if f.gate != nil {
		f.started <- struct{}{}
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "send", target: target, payload: payload})
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.next++
	return fmt.Sprintf("m%d", f.next), nil
}

func (f *fakeChannel) Edit(ctx context.Context, target, ref string, payload any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call{op: "edit", target: target, ref: ref, payload: payload})
	if f.editErr != nil {
		return "", f.editErr
	}
	return ref, nil
}

func (f *fakeChannel) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.calls))
	for _, c := range f.calls {
		out = append(out, c.op)
	}
	return out
}

var start = time.Date(2026, 10, 24, 12, 0, 0, 0, time.UTC)

func newLedger(store ledger.Store, ch ledger.Channel, c clock.Clock) *ledger.Ledger {
	return ledger.New(store, ch, ledger.Options{Clock: c})
}

func content(text string, rev int64) ledger.Content {
	return ledger.Content{Payload: map[string]string{"content": text}, Revision: rev}
}

var key = ledger.Key("555", snapshot.ClanWars, "#2PP")

func TestDeliverLifecycle(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	ch := &fakeChannel{}
	l := newLedger(store, ch, clock.NewMockClock(start))

	out, err := l.Deliver(ctx, key, content("two attacks left", 1), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Created, out.Action)
	assert.Equal(t, "m1", out.MessageRef)

	out, err = l.Deliver(ctx, key, content("two attacks left", 2), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.NoOp, out.Action)

	out, err = l.Deliver(ctx, key, content("one attack left", 3), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Edited, out.Action)
	assert.Equal(t, "m1", out.MessageRef)

	out, err = l.Deliver(ctx, key, content("next war", 4), "war2")
	require.NoError(t, err)
	assert.Equal(t, ledger.Created, out.Action)
	assert.Equal(t, "m2", out.MessageRef)
	assert.Equal(t, []string{"war1"}, out.Record.PreviousUIDs)

	archived, err := store.GetRecord(ctx, key+"#war1")
	require.NoError(t, err)
	assert.Equal(t, "m1", archived.MessageRef)

	out, err = l.Deliver(ctx, key, content("late", 5), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Stale, out.Action)

	assert.Equal(t, []string{"send", "edit", "send"}, ch.ops())
	assert.Equal(t, "555", ch.calls[0].target)
}

func TestDeliverStaleRevision(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	l := newLedger(memstore.New(), ch, clock.NewMockClock(start))

	_, err := l.Deliver(ctx, key, content("fresh", 10), "war1")
	require.NoError(t, err)

	out, err := l.Deliver(ctx, key, content("older fetch", 5), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Stale, out.Action)
	assert.Equal(t, []string{"send"}, ch.ops())
}

func TestDeliverEditNotFoundFallsBackToCreate(t *testing.T) {
	ctx := context.Background()
	ch := &fakeChannel{}
	l := newLedger(memstore.New(), ch, clock.NewMockClock(start))

	_, err := l.Deliver(ctx, key, content("a", 1), "war1")
	require.NoError(t, err)

	ch.editErr = errors.Wrap(errs.ErrMessageNotFound, "deleted by a moderator")
	out, err := l.Deliver(ctx, key, content("b", 2), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Created, out.Action)
	assert.Equal(t, "m2", out.MessageRef)
	assert.Equal(t, []string{"send", "edit", "send"}, ch.ops())
}

func TestDeliverFailures(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	ch := &fakeChannel{}
	l := newLedger(store, ch, clock.NewMockClock(start))

	_, err := l.Deliver(ctx, key, content("a", 1), "war1")
	require.NoError(t, err)

	ch.editErr = errors.Wrap(errs.ErrForbidden, "missing access")
	for i := 1; i <= 3; i++ {
		out, err := l.Deliver(ctx, key, content(fmt.Sprintf("b%d", i), int64(i+1)), "war1")
		require.ErrorIs(t, err, errs.ErrForbidden)
		assert.Equal(t, ledger.Failed, out.Action)
		assert.Equal(t, i, out.Record.FailureCount)
		assert.Equal(t, "m1", out.Record.MessageRef)
	}

	out, err := l.Deliver(ctx, key, content("b4", 5), "war1")
	require.Error(t, err)
	assert.Equal(t, 4, out.Record.FailureCount)
	assert.Empty(t, out.Record.MessageRef, "ref dropped past the failure ceiling")

	// Recovery creates a fresh message and resets the counter.
	ch.editErr = nil
	out, err = l.Deliver(ctx, key, content("b5", 6), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Created, out.Action)
	assert.Zero(t, out.Record.FailureCount)

	rec, err := store.GetRecord(ctx, key)
	require.NoError(t, err)
	assert.False(t, rec.Pending)
	assert.Equal(t, out.MessageRef, rec.MessageRef)
}

func TestDeliverFailureOnNewUIDStillAdvances(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	ch := &fakeChannel{sendErr: errors.Wrap(errs.ErrForbidden, "no access")}
	l := newLedger(store, ch, clock.NewMockClock(start))

	_, err := l.Deliver(ctx, key, content("a", 1), "war1")
	require.Error(t, err)

	rec, err := store.GetRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "war1", rec.LastUID)
	assert.Equal(t, 1, rec.FailureCount)
	assert.False(t, rec.Pending)
}

func TestRecordFailure(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	ch := &fakeChannel{}
	l := newLedger(store, ch, clock.NewMockClock(start))

	_, err := l.Deliver(ctx, key, content("a", 1), "war1")
	require.NoError(t, err)

	require.NoError(t, l.RecordFailure(ctx, key, "war2", content("", 2), errs.ErrRender))
	rec, err := store.GetRecord(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "war2", rec.LastUID)
	assert.Equal(t, 1, rec.FailureCount)
	assert.Empty(t, rec.MessageRef)
	assert.Equal(t, []string{"war1"}, rec.PreviousUIDs)

	out, err := l.Deliver(ctx, key, content("b", 3), "war2")
	require.NoError(t, err)
	assert.Equal(t, ledger.Created, out.Action)
	assert.Equal(t, []string{"send", "send"}, ch.ops())
}

// Two processes share a store. While the first holds the claim the second
// must not send; once the claim is final the content is already delivered.
func TestDeliverClaimRace(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	c := clock.NewMockClock(start)
	ch := &fakeChannel{gate: make(chan struct{}), started: make(chan struct{}, 1)}
	a := newLedger(store, ch, c)
	b := newLedger(store, ch, c)

	done := make(chan ledger.Outcome)
	go func() {
		out, err := a.Deliver(ctx, key, content("x", 1), "war1")
		assert.NoError(t, err)
		done <- out
	}()
	<-ch.started

	out, err := b.Deliver(ctx, key, content("x", 1), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.NoOp, out.Action)

	close(ch.gate)
	first := <-done
	assert.Equal(t, ledger.Created, first.Action)

	ch.gate = nil
	out, err = b.Deliver(ctx, key, content("x", 1), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.NoOp, out.Action)
	assert.Equal(t, []string{"send"}, ch.ops())
}

func TestDeliverConcurrentProcessesSendOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	c := clock.NewMockClock(start)
	ch := &fakeChannel{}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		l := newLedger(store, ch, c)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Deliver(ctx, key, content("same", 1), "war1")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, []string{"send"}, ch.ops())
}

func TestDeliverExpiredClaimIsRetried(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	c := clock.NewMockClock(start)
	ch := &fakeChannel{}
	l := newLedger(store, ch, c)

	require.NoError(t, store.InsertRecord(ctx, &ledger.Record{
		Key:       key,
		LastUID:   "war1",
		Pending:   true,
		ClaimedAt: start.Add(-time.Minute),
		Version:   1,
	}))

	out, err := l.Deliver(ctx, key, content("x", 1), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.NoOp, out.Action, "claim still fresh")

	c.Add(ledger.DefaultClaimTTL)
	out, err = l.Deliver(ctx, key, content("x", 1), "war1")
	require.NoError(t, err)
	assert.Equal(t, ledger.Created, out.Action)
}

func TestTargetOf(t *testing.T) {
	assert.Equal(t, "555", ledger.TargetOf(key))
	assert.Equal(t, "555/clan-wars/#2PP", key)
}

func TestHashIsStable(t *testing.T) {
	a, err := ledger.Hash(map[string]any{"b": 1, "a": "x"})
	require.NoError(t, err)
	b, err := ledger.Hash(map[string]any{"a": "x", "b": 1})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
}
