package health

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshphone/meshphone/internal/config"
)

func discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newRegistry(t *testing.T) (*Registry, *config.Config) {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	return NewRegistry(cfg, "test-node", discard()), cfg
}

func TestHealthJSONShape(t *testing.T) {
	r, _ := newRegistry(t)
	r.Heartbeat("sip_proxy")
	r.Heartbeat("mesh_monitor")

	data, err := r.HealthJSON()
	require.NoError(t, err)

	var doc healthDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "meshmon.v1", doc.Schema)
	assert.Equal(t, "test-node", doc.Node)
	assert.True(t, doc.Healthy)
	assert.Equal(t, 100.0, doc.Score)
	assert.Len(t, doc.Components, 2)
	assert.Greater(t, doc.Memory.Goroutines, 0)
	assert.Positive(t, doc.PID)
}

func TestCrashLowersScore(t *testing.T) {
	r, _ := newRegistry(t)
	r.Heartbeat("sip_proxy")
	r.RecordCrash("sip_proxy", "panic: test")

	data, err := r.HealthJSON()
	require.NoError(t, err)
	var doc healthDoc
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.False(t, doc.Healthy)
	assert.Equal(t, 90.0, doc.Score)
	assert.Equal(t, 1, doc.Crashes24h)
}

func TestCrashJournalPersistsAndPrunes(t *testing.T) {
	r, cfg := newRegistry(t)
	r.RecordCrash("mesh_monitor", "panic: boom")

	// Journal is on disk, keyed by schema.
	data, err := os.ReadFile(cfg.CrashJSONPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"schema": "meshmon.v1"`)
	assert.Contains(t, string(data), "panic: boom")

	// An entry beyond the retention window disappears on reload.
	old := crashJournal{Schema: "meshmon.v1", Node: "test-node", Crashes: []Crash{
		{Time: time.Now().AddDate(0, 0, -cfg.Health.CrashHistory-1), Component: "x", Reason: "old"},
		{Time: time.Now(), Component: "y", Reason: "fresh"},
	}}
	raw, err := json.Marshal(old)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cfg.CrashJSONPath(), raw, 0o644))

	reloaded := NewRegistry(cfg, "test-node", discard())
	crashes := reloaded.Crashes()
	require.Len(t, crashes, 1)
	assert.Equal(t, "fresh", crashes[0].Reason)
}

func TestCrashReportingDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Health.CrashReporting = false

	r := NewRegistry(cfg, "test-node", discard())
	r.RecordCrash("sip_proxy", "panic: ignored")

	assert.Empty(t, r.Crashes())
	_, err := os.Stat(cfg.CrashJSONPath())
	assert.True(t, os.IsNotExist(err))
}

func TestGoRestartsPanickedComponent(t *testing.T) {
	r, _ := newRegistry(t)

	var runs atomic.Int32
	done := make(chan struct{})
	r.Go(context.Background(), "flaky", func(ctx context.Context) error {
		if runs.Add(1) == 1 {
			panic("first run dies")
		}
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("component was not restarted after panic")
	}
	assert.Equal(t, int32(2), runs.Load())

	crashes := r.Crashes()
	require.Len(t, crashes, 1)
	assert.Equal(t, "flaky", crashes[0].Component)
	assert.Contains(t, crashes[0].Reason, "first run dies")
}

func TestGoRespectsRestartBudget(t *testing.T) {
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.Health.MaxRestarts = 0
	r := NewRegistry(cfg, "test-node", discard())

	var runs atomic.Int32
	r.Go(context.Background(), "doomed", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("always fails")
	})

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load(), "zero budget means no restart")
}

func TestRunPublishesDocument(t *testing.T) {
	r, cfg := newRegistry(t)
	r.Heartbeat("sip_proxy")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(cfg.HealthJSONPath())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done

	data, err := os.ReadFile(cfg.HealthJSONPath())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"schema": "meshmon.v1"`)
}
