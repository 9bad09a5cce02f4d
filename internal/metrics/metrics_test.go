package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The expvar registry is process wide, so NewExpvar runs once here.
func TestExpvarCountsEachDeliveryAction(t *testing.T) {
	m := NewExpvar()
	m.Delivered("created").Add(1)
	m.Delivered("edited").Add(2)
	m.Delivered("edited").Add(1)
	m.Delivered("mystery").Add(1)
	m.JobsFired.Add(4)

	srv := httptest.NewServer(Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/debug/vars")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var vars map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&vars))
	assert.JSONEq(t, "1", string(vars["clashspy_deliveries_created"]))
	assert.JSONEq(t, "3", string(vars["clashspy_deliveries_edited"]))
	assert.JSONEq(t, "0", string(vars["clashspy_deliveries_noop"]))
	assert.JSONEq(t, "1", string(vars["clashspy_deliveries_other"]))
	assert.JSONEq(t, "4", string(vars["clashspy_jobs_fired"]))
}

func TestDiscardDelivered(t *testing.T) {
	m := NewDiscard()
	assert.NotPanics(t, func() { m.Delivered("created").Add(1) })
}

func TestServeDisabled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.NoError(t, Serve(ctx, "", log.NewNopLogger()))
}

func TestServeStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, "127.0.0.1:0", log.NewNopLogger()) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
