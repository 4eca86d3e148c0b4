package control

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/pmbot/internal/logging"
)

func receive(t *testing.T, w *Watcher) Signal {
	t.Helper()
	select {
	case sig := <-w.C():
		return sig
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for signal")
		return ""
	}
}

func TestSend_Validates(t *testing.T) {
	root := t.TempDir()
	assert.Error(t, Send(root, "p1", Signal("explode")))

	require.NoError(t, Send(root, "p1", SignalPause))
	_, err := os.Stat(filepath.Join(root, "p1", "pause"))
	assert.NoError(t, err)
}

func TestNewWatcher_ClearsStaleSignals(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, Send(root, "p1", SignalCancel))

	w, err := NewWatcher(root, "p1", time.Hour, logging.NopEntry())
	require.NoError(t, err)

	w.Poll()
	select {
	case sig := <-w.C():
		t.Fatalf("stale signal delivered: %s", sig)
	default:
	}
}

func TestPoll_ConsumesOnce(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, "p1", time.Hour, logging.NopEntry())
	require.NoError(t, err)

	require.NoError(t, Send(root, "p1", SignalPause))
	w.Poll()
	w.Poll()

	assert.Equal(t, SignalPause, receive(t, w))
	select {
	case sig := <-w.C():
		t.Fatalf("signal delivered twice: %s", sig)
	default:
	}
	_, err = os.Stat(filepath.Join(w.Dir(), "pause"))
	assert.True(t, os.IsNotExist(err), "signal file should be consumed")
}

func TestPoll_NothingAfterCancel(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, "p1", time.Hour, logging.NopEntry())
	require.NoError(t, err)

	require.NoError(t, Send(root, "p1", SignalCancel))
	w.Poll()
	assert.Equal(t, SignalCancel, receive(t, w))

	require.NoError(t, Send(root, "p1", SignalResume))
	w.Poll()
	select {
	case sig := <-w.C():
		t.Fatalf("signal after cancel delivered: %s", sig)
	default:
	}
}

func TestRun_DeliversSignals(t *testing.T) {
	root := t.TempDir()
	w, err := NewWatcher(root, "p1", 20*time.Millisecond, logging.NopEntry())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.NoError(t, Send(root, "p1", SignalPause))
	assert.Equal(t, SignalPause, receive(t, w))

	require.NoError(t, Send(root, "p1", SignalResume))
	assert.Equal(t, SignalResume, receive(t, w))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

type recordingHandler struct {
	mu    sync.Mutex
	calls []Signal
}

func (h *recordingHandler) record(s Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, s)
}

func (h *recordingHandler) Cancel() { h.record(SignalCancel) }
func (h *recordingHandler) Pause()  { h.record(SignalPause) }
func (h *recordingHandler) Resume() { h.record(SignalResume) }

func TestDispatch(t *testing.T) {
	ch := make(chan Signal, 3)
	ch <- SignalPause
	ch <- SignalResume
	ch <- SignalCancel
	close(ch)

	h := &recordingHandler{}
	Dispatch(context.Background(), ch, h)
	assert.Equal(t, []Signal{SignalPause, SignalResume, SignalCancel}, h.calls)
}
