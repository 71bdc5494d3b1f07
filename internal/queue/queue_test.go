package queue

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"chatrelay/internal/relayerr"
	logx "chatrelay/pkg/logx"
)

func openTestStore(t *testing.T) Store {
	t.Helper()
	st, err := OpenStore(StoreConfig{Driver: "sqlite", Path: ":memory:"}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func newTestQueue(t *testing.T, st Store, sender Sender, maxAttempts int) *Queue {
	t.Helper()
	q := New(Config{
		MaxAttempts: maxAttempts,
		// Keep scheduled re-drains out of the way; tests drive drains.
		RetryBase:     time.Hour,
		RetryMaxDelay: 2 * time.Hour,
	}, st, sender, logx.Nop(), nil, nil)
	t.Cleanup(q.Stop)
	return q
}

func TestAddPersistsPending(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)
	q := newTestQueue(t, st, SenderFunc(func(context.Context, Message) ([]byte, error) {
		return nil, errors.New("unused")
	}), 3)

	id, err := q.Add(ctx, []byte(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if id <= 0 {
		t.Fatalf("id = %d, want positive", id)
	}

	msgs, err := q.Messages(ctx, StatusPending)
	if err != nil {
		t.Fatalf("Messages: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id {
		t.Fatalf("pending = %+v, want one message with id %d", msgs, id)
	}
	if msgs[0].Status != StatusPending || msgs[0].RetryCount != 0 {
		t.Fatalf("message = %+v, want pending with 0 retries", msgs[0])
	}
}

func TestDrainSendsInEnqueueOrder(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	var sent []int64
	q := newTestQueue(t, st, SenderFunc(func(_ context.Context, m Message) ([]byte, error) {
		sent = append(sent, m.ID)
		return []byte(`{"reply":"ok"}`), nil
	}), 3)

	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := q.Add(ctx, []byte(`{"n":1}`))
		if err != nil {
			t.Fatalf("Add: %v", err)
		}
		ids = append(ids, id)
	}

	rep, err := q.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("ProcessPending: %v", err)
	}
	if rep.Sent != 3 || rep.Processed != 3 {
		t.Fatalf("report = %+v, want 3 processed, 3 sent", rep)
	}
	for i, id := range ids {
		if sent[i] != id {
			t.Fatalf("send order = %v, want enqueue order %v", sent, ids)
		}
	}

	// Responses stored, messages transitioned.
	for _, id := range ids {
		r, ok, err := q.Response(ctx, id)
		if err != nil || !ok {
			t.Fatalf("Response(%d): ok=%v err=%v", id, ok, err)
		}
		if string(r.Response) != `{"reply":"ok"}` {
			t.Fatalf("stored response = %q", r.Response)
		}
	}
	if msgs, _ := q.Messages(ctx, StatusPending); len(msgs) != 0 {
		t.Fatalf("pending after drain = %d, want 0", len(msgs))
	}
	if msgs, _ := q.Messages(ctx, StatusSent); len(msgs) != 3 {
		t.Fatalf("sent after drain = %d, want 3", len(msgs))
	}
}

func TestExhaustionMarksFailedWithRetryCountAtCap(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	q := newTestQueue(t, st, SenderFunc(func(context.Context, Message) ([]byte, error) {
		return nil, relayerr.New(relayerr.KindConnectivity, "network unreachable")
	}), 3)

	id, err := q.Add(ctx, []byte(`{"text":"doomed"}`))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	// Three drain cycles with an always-failing sender.
	for cycle := 1; cycle <= 3; cycle++ {
		if _, err := q.ProcessPending(ctx); err != nil {
			t.Fatalf("drain %d: %v", cycle, err)
		}
	}

	m, ok, err := st.Get(ctx, id)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if m.Status != StatusFailed {
		t.Fatalf("status = %q, want failed", m.Status)
	}
	if m.RetryCount != 3 {
		t.Fatalf("retryCount = %d, want 3", m.RetryCount)
	}
	if m.LastError == "" {
		t.Fatalf("lastError empty, want recorded failure")
	}

	// Retained for inspection, not deleted.
	failed, err := q.Messages(ctx, StatusFailed)
	if err != nil || len(failed) != 1 {
		t.Fatalf("failed list = %v (err %v), want the exhausted message", failed, err)
	}
}

func TestPartialFailureKeepsPendingAndCountsRetry(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	fail := true
	q := newTestQueue(t, st, SenderFunc(func(context.Context, Message) ([]byte, error) {
		if fail {
			return nil, relayerr.New(relayerr.KindServer, "503")
		}
		return []byte("ok"), nil
	}), 3)

	id, _ := q.Add(ctx, []byte("x"))

	rep, err := q.ProcessPending(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if rep.Deferred != 1 {
		t.Fatalf("report = %+v, want 1 deferred", rep)
	}
	m, _, _ := st.Get(ctx, id)
	if m.Status != StatusPending || m.RetryCount != 1 {
		t.Fatalf("message = %+v, want pending with retryCount 1", m)
	}

	fail = false
	if _, err := q.ProcessPending(ctx); err != nil {
		t.Fatalf("drain: %v", err)
	}
	m, _, _ = st.Get(ctx, id)
	if m.Status != StatusSent {
		t.Fatalf("status = %q, want sent after recovery", m.Status)
	}
}

func TestDrainsNeverOverlap(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	started := make(chan struct{})
	release := make(chan struct{})
	q := newTestQueue(t, st, SenderFunc(func(context.Context, Message) ([]byte, error) {
		close(started)
		<-release
		return []byte("ok"), nil
	}), 3)

	if _, err := q.Add(ctx, []byte("x")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := q.ProcessPending(ctx)
		done <- err
	}()
	<-started

	if _, err := q.ProcessPending(ctx); !errors.Is(err, ErrDrainInFlight) {
		t.Fatalf("overlapping drain err = %v, want ErrDrainInFlight", err)
	}

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first drain: %v", err)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "queue.db")

	st, err := OpenStore(StoreConfig{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	m, err := st.Add(ctx, []byte(`{"text":"persisted"}`))
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	st2, err := OpenStore(StoreConfig{Driver: "sqlite", Path: path}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st2.Close()

	got, ok, err := st2.Get(ctx, m.ID)
	if err != nil || !ok {
		t.Fatalf("Get after reopen: ok=%v err=%v", ok, err)
	}
	if got.Status != StatusPending || string(got.Data) != `{"text":"persisted"}` {
		t.Fatalf("message after reopen = %+v", got)
	}
}

func TestPruneSentKeepsFailed(t *testing.T) {
	ctx := context.Background()
	st := openTestStore(t)

	sent, _ := st.Add(ctx, []byte("a"))
	failed, _ := st.Add(ctx, []byte("b"))
	if err := st.MarkSent(ctx, sent.ID, []byte("resp")); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := st.MarkFailed(ctx, failed.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	n, err := st.PruneSentBefore(ctx, time.Now().Add(time.Minute))
	if err != nil {
		t.Fatalf("PruneSentBefore: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}
	if _, ok, _ := st.Get(ctx, sent.ID); ok {
		t.Fatalf("sent message still present after prune")
	}
	if _, ok, _ := st.Get(ctx, failed.ID); !ok {
		t.Fatalf("failed message pruned; must be retained")
	}
	if _, ok, _ := st.Response(ctx, sent.ID); ok {
		t.Fatalf("response row still present after prune")
	}
}
