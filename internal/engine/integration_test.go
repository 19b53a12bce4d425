package engine

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mediacanvas/canvassync/internal/canvas"
	"github.com/mediacanvas/canvassync/internal/server"
)

// These tests run full engines against the reference hub over real
// websockets.

func startLiveHub(t *testing.T) *httptest.Server {
	t.Helper()
	hub, err := server.NewHub(server.HubOptions{})
	if err != nil {
		t.Fatalf("new hub: %v", err)
	}
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		srv.Close()
		_ = hub.Close()
	})
	return srv
}

func startLiveEngine(t *testing.T, srv *httptest.Server, username string) *Engine {
	t.Helper()
	eng, err := New(Config{
		ServerURL:           "ws" + strings.TrimPrefix(srv.URL, "http"),
		ProjectID:           "proj-live",
		Username:            username,
		DataDir:             t.TempDir(),
		PreConnectSplay:     -1,
		ReconnectBase:       10 * time.Millisecond,
		ReconnectCap:        50 * time.Millisecond,
		TransportCloseDelay: 10 * time.Millisecond,
	}, nil)
	if err != nil {
		t.Fatalf("new engine for %s: %v", username, err)
	}
	t.Cleanup(eng.Stop)
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start %s: %v", username, err)
	}
	waitFor(t, 5*time.Second, eng.SessionValid, username+" joined")
	return eng
}

func TestLiveEnginesConverge(t *testing.T) {
	srv := startLiveHub(t)
	alice := startLiveEngine(t, srv, "alice")
	bob := startLiveEngine(t, srv, "bob")

	if _, err := alice.Execute(context.Background(), canvas.KindNodeCreate,
		canvas.NodeCreate{Node: canvas.Node{ID: "n_a", Type: "image"}},
		ExecContext{Broadcast: true, RecordUndo: true}); err != nil {
		t.Fatalf("alice execute: %v", err)
	}
	if _, err := bob.Execute(context.Background(), canvas.KindNodeCreate,
		canvas.NodeCreate{Node: canvas.Node{ID: "n_b", Type: "video"}},
		ExecContext{Broadcast: true, RecordUndo: true}); err != nil {
		t.Fatalf("bob execute: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return alice.Store().Len() == 2 && bob.Store().Len() == 2 &&
			alice.Store().Fingerprint() == bob.Store().Fingerprint()
	}, "replicas to converge")
}

func TestLiveOfflineEditsReplayAfterReconnect(t *testing.T) {
	srv := startLiveHub(t)
	alice := startLiveEngine(t, srv, "alice")
	bob := startLiveEngine(t, srv, "bob")

	alice.Disconnect()
	waitFor(t, 2*time.Second, func() bool { return !alice.SessionValid() }, "alice offline")

	if _, err := alice.Execute(context.Background(), canvas.KindNodeCreate,
		canvas.NodeCreate{Node: canvas.Node{ID: "n_off", Type: "image"}},
		ExecContext{Broadcast: true, RecordUndo: true}); err != nil {
		t.Fatalf("offline execute: %v", err)
	}
	if got := alice.pipeline.PendingCount(); got != 1 {
		t.Fatalf("expected 1 queued op, got %d", got)
	}

	alice.EnableReconnect()
	alice.TriggerResume(context.Background())
	waitFor(t, 5*time.Second, alice.SessionValid, "alice rejoined")

	waitFor(t, 5*time.Second, func() bool {
		_, okA := alice.Store().Node("n_off")
		_, okB := bob.Store().Node("n_off")
		return okA && okB
	}, "offline edit to replicate")
	if got := alice.pipeline.PendingCount(); got != 0 {
		t.Fatalf("queue not drained after rejoin: %d", got)
	}
}

func TestLiveUndoPropagates(t *testing.T) {
	srv := startLiveHub(t)
	alice := startLiveEngine(t, srv, "alice")
	bob := startLiveEngine(t, srv, "bob")

	if _, err := alice.Execute(context.Background(), canvas.KindNodeCreate,
		canvas.NodeCreate{Node: canvas.Node{ID: "n_undo", Type: "image"}},
		ExecContext{Broadcast: true, RecordUndo: true}); err != nil {
		t.Fatalf("alice execute: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		_, ok := bob.Store().Node("n_undo")
		return ok && alice.UndoState().CanUndo
	}, "op replicated and undoable")

	if err := alice.Undo(context.Background()); err != nil {
		t.Fatalf("undo: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		_, okA := alice.Store().Node("n_undo")
		_, okB := bob.Store().Node("n_undo")
		return !okA && !okB
	}, "undo to propagate to every replica")
	waitFor(t, 5*time.Second, func() bool {
		s := alice.UndoState()
		return !s.CanUndo && s.CanRedo
	}, "undo mirror to adopt server state")
}
