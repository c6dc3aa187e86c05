// ABOUTME: Tests for the batched audit sink.
// ABOUTME: Covers size and interval flush triggers, close-drain, and whole-batch retry.

package audit

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/mcp-bridge/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func entries(st *store.MemoryStore, bridgeID string) []store.BridgeLog {
	logs, _ := st.ListBridgeLogs(context.Background(), store.BridgeLogFilter{BridgeID: bridgeID})
	return logs
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func TestSink_FlushesOnBatchSize(t *testing.T) {
	st := store.NewMemoryStore()
	sink := New(st, discardLogger(), Config{
		BatchSize:     3,
		FlushInterval: time.Hour, // size is the only trigger here
	})
	defer sink.Close()

	for i := 0; i < 3; i++ {
		sink.Record(&store.BridgeLog{BridgeID: "b1", Action: "proxy_request"})
	}

	waitFor(t, func() bool { return len(entries(st, "b1")) == 3 })
}

func TestSink_FlushesOnInterval(t *testing.T) {
	st := store.NewMemoryStore()
	sink := New(st, discardLogger(), Config{
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
	})
	defer sink.Close()

	sink.Record(&store.BridgeLog{BridgeID: "b1", Action: "proxy_request"})

	waitFor(t, func() bool { return len(entries(st, "b1")) == 1 })
}

func TestSink_CloseDrainsPending(t *testing.T) {
	st := store.NewMemoryStore()
	sink := New(st, discardLogger(), Config{
		BatchSize:     100,
		FlushInterval: time.Hour,
	})

	for i := 0; i < 5; i++ {
		sink.Record(&store.BridgeLog{BridgeID: "b1", Action: "proxy_request"})
	}
	sink.Close()

	assert.Len(t, entries(st, "b1"), 5)
}

func TestSink_RetriesWholeBatchAfterWriteFailure(t *testing.T) {
	st := store.NewMemoryStore()
	st.FailAppendLogs = 1

	sink := New(st, discardLogger(), Config{
		BatchSize:     2,
		FlushInterval: 20 * time.Millisecond,
	})
	defer sink.Close()

	sink.Record(&store.BridgeLog{BridgeID: "b1", Action: "proxy_request"})
	sink.Record(&store.BridgeLog{BridgeID: "b1", Action: "tool_call"})

	// First flush fails and re-queues; the interval retries the same batch.
	waitFor(t, func() bool { return len(entries(st, "b1")) == 2 })
}

func TestSink_SetsCreatedAt(t *testing.T) {
	st := store.NewMemoryStore()
	sink := New(st, discardLogger(), Config{BatchSize: 1, FlushInterval: time.Hour})
	defer sink.Close()

	sink.Record(&store.BridgeLog{BridgeID: "b1", Action: "proxy_request"})

	waitFor(t, func() bool {
		logs := entries(st, "b1")
		return len(logs) == 1 && !logs[0].CreatedAt.IsZero()
	})
}

func TestSink_CloseIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	sink := New(st, discardLogger(), Config{})
	sink.Close()
	require.NotPanics(t, sink.Close)
}
