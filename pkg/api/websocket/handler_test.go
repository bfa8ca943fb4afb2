package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aescanero/dago-collab/internal/application/locking"
	"github.com/aescanero/dago-collab/internal/application/monitoring"
	"github.com/aescanero/dago-collab/internal/application/presence"
	"github.com/aescanero/dago-collab/internal/application/ratelimit"
	"github.com/aescanero/dago-collab/internal/application/workflowsync"
	"github.com/aescanero/dago-collab/pkg/adapters/auth"
	metricsmemory "github.com/aescanero/dago-collab/pkg/adapters/metrics/memory"
	storagememory "github.com/aescanero/dago-collab/pkg/adapters/storage/memory"
	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testSecret = "test-secret"

type testServer struct {
	hub      *Hub
	server   *httptest.Server
	store    *storagememory.WorkflowStore
	faults   *faultyStore
	verifier *auth.JWTVerifier
	metrics  *metricsmemory.Collector
}

// faultyStore panics on Find while armed
type faultyStore struct {
	*storagememory.WorkflowStore
	panicking atomic.Bool
}

func (f *faultyStore) Find(ctx context.Context, workflowID string) (*domain.WorkflowDocument, error) {
	if f.panicking.Load() {
		panic("document decode failed")
	}
	return f.WorkflowStore.Find(ctx, workflowID)
}

type frame map[string]interface{}

func (f frame) Type() string {
	s, _ := f["type"].(string)
	return s
}

func setupServer(t *testing.T, limit int) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zap.NewNop()
	ctx := context.Background()

	store := storagememory.NewWorkflowStore()
	require.NoError(t, store.Put(ctx, &domain.WorkflowDocument{
		ID:            "w1",
		OwnerID:       "alice",
		Collaborators: []string{"bob", "carol"},
		WorkflowState: domain.WorkflowState{
			Nodes: []domain.Element{{"id": "n1"}, {"id": "n2"}},
			Edges: []domain.Element{},
		},
	}))
	require.NoError(t, store.Put(ctx, &domain.WorkflowDocument{ID: "w2", OwnerID: "alice"}))
	faults := &faultyStore{WorkflowStore: store}

	metrics := metricsmemory.NewCollector()
	monitor := monitoring.NewService(metrics, monitoring.Thresholds{}, logger)
	fixed := time.Now()
	limiter := ratelimit.NewSlidingWindow(limit, time.Second).WithClock(func() time.Time { return fixed })
	verifier := auth.NewJWTVerifier(testSecret, "")

	hub := NewHub(
		presence.NewConnectionRegistry(monitor, logger),
		presence.NewSessionRegistry(),
		locking.NewManager(logger),
		workflowsync.NewService(faults, nil, workflowsync.NewValidator(), logger),
		limiter,
		monitor,
		verifier,
		auth.NewStoreAccessChecker(store, logger),
		Options{LockTTL: time.Minute, WriteTimeout: time.Second, MaxMessageSize: 1 << 16},
		logger,
	)

	router := gin.New()
	router.GET("/ws/collaboration/:workflow_id", hub.HandleCollaboration)
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{hub: hub, server: server, store: store, faults: faults, verifier: verifier, metrics: metrics}
}

func (s *testServer) url(workflowID, token, query string) string {
	u := "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws/collaboration/" + workflowID + "?token=" + token
	if query != "" {
		u += "&" + query
	}
	return u
}

func (s *testServer) token(t *testing.T, userID, name string) string {
	t.Helper()
	token, err := s.verifier.SignToken(userID, name, time.Hour)
	require.NoError(t, err)
	return token
}

// connect dials as userID and consumes the welcome and snapshot frames
func (s *testServer) connect(t *testing.T, workflowID, userID, name string) (*websocket.Conn, frame) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(s.url(workflowID, s.token(t, userID, name), ""), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	welcome := readFrame(t, conn)
	require.Equal(t, TypeWelcome, welcome.Type())
	sync := readFrame(t, conn)
	require.Equal(t, TypeSyncRequired, sync.Type())
	return conn, welcome
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// readUntil skips frames until one of type messageType arrives
func readUntil(t *testing.T, conn *websocket.Conn, messageType string) frame {
	t.Helper()
	for i := 0; i < 20; i++ {
		f := readFrame(t, conn)
		if f.Type() == messageType {
			return f
		}
	}
	t.Fatalf("no %s frame received", messageType)
	return nil
}

func sendFrame(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func expectClose(t *testing.T, conn *websocket.Conn, code int) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.ErrorAs(t, err, &closeErr)
		assert.Equal(t, code, closeErr.Code)
		return
	}
}

func TestHub_JoinWelcomesWithExistingUsers(t *testing.T) {
	s := setupServer(t, 100)

	alice, welcome := s.connect(t, "w1", "alice", "Alice")
	assert.Empty(t, welcome["users"])
	assert.Equal(t, "alice", welcome["user"].(map[string]interface{})["user_id"])

	bob, welcome := s.connect(t, "w1", "bob", "Bob")
	users := welcome["users"].([]interface{})
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].(map[string]interface{})["user_id"])

	joined := readUntil(t, alice, TypeUserJoined)
	assert.Equal(t, "bob", joined["user"].(map[string]interface{})["user_id"])
	assert.Equal(t, "Bob", joined["user"].(map[string]interface{})["user_name"])

	_, welcome = s.connect(t, "w1", "carol", "Carol")
	assert.Len(t, welcome["users"], 2, "welcome lists every other present user")

	readUntil(t, alice, TypeUserJoined)
	readUntil(t, bob, TypeUserJoined)
	assert.Len(t, s.hub.Presence("w1"), 3)
}

func TestHub_SnapshotCarriesDocument(t *testing.T) {
	s := setupServer(t, 100)

	conn, _, err := websocket.DefaultDialer.Dial(s.url("w1", s.token(t, "alice", "Alice"), ""), nil)
	require.NoError(t, err)
	defer conn.Close()

	readUntil(t, conn, TypeWelcome)
	sync := readFrame(t, conn)
	require.Equal(t, TypeSyncRequired, sync.Type())
	state := sync["state"].(map[string]interface{})
	assert.Len(t, state["nodes"], 2)
	assert.Len(t, state["active_users"], 1)
}

func TestHub_RejectsUnauthorized(t *testing.T) {
	s := setupServer(t, 100)

	tests := []struct {
		name string
		url  string
	}{
		{"bad token", s.url("w1", "garbage", "")},
		{"no token", s.url("w1", "", "")},
		{"not a collaborator", s.url("w2", s.token(t, "bob", "Bob"), "")},
		{"unknown workflow", s.url("missing", s.token(t, "alice", "Alice"), "")},
		{"user_id mismatch", s.url("w1", s.token(t, "bob", "Bob"), "user_id=alice")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := websocket.DefaultDialer.Dial(tt.url, nil)
			require.NoError(t, err)
			defer conn.Close()

			expectClose(t, conn, websocket.ClosePolicyViolation)
		})
	}

	assert.Empty(t, s.hub.Presence("w1"))
	assert.Empty(t, s.hub.Presence("w2"))
}

func TestHub_UserNameQueryOverridesToken(t *testing.T) {
	s := setupServer(t, 100)

	conn, _, err := websocket.DefaultDialer.Dial(s.url("w1", s.token(t, "alice", "Alice"), "user_id=alice&user_name=Ally"), nil)
	require.NoError(t, err)
	defer conn.Close()

	welcome := readUntil(t, conn, TypeWelcome)
	assert.Equal(t, "Ally", welcome["user"].(map[string]interface{})["user_name"])
}

func TestHub_LockScenario(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")
	bob, _ := s.connect(t, "w1", "bob", "Bob")
	readUntil(t, alice, TypeUserJoined)

	sendFrame(t, alice, frame{"type": "lock_request", "node_id": "n1"})
	acquired := readUntil(t, alice, TypeLockAcquired)
	assert.Equal(t, "n1", acquired["node_id"])
	assert.Equal(t, "alice", acquired["lock"].(map[string]interface{})["owner_id"])
	readUntil(t, bob, TypeLockAcquired)

	sendFrame(t, bob, frame{"type": "lock_request", "node_id": "n1"})
	failed := readUntil(t, bob, TypeLockFailed)
	assert.Equal(t, "n1", failed["node_id"])
	assert.Contains(t, failed["reason"], "Alice")

	sendFrame(t, bob, frame{"type": "lock_release", "node_id": "n1"})
	errFrame := readUntil(t, bob, TypeError)
	assert.Equal(t, CodeLockReleaseFailed, errFrame["code"])

	sendFrame(t, alice, frame{"type": "lock_release", "node_id": "n1"})
	readUntil(t, alice, TypeLockReleased)
	readUntil(t, bob, TypeLockReleased)

	sendFrame(t, bob, frame{"type": "lock_request", "node_id": "n1"})
	acquired = readUntil(t, bob, TypeLockAcquired)
	assert.Equal(t, "bob", acquired["lock"].(map[string]interface{})["owner_id"])

	assert.Equal(t, 2, s.metrics.LockAcquisitions(true))
	assert.Equal(t, 1, s.metrics.LockAcquisitions(false))
}

func TestHub_DisconnectReleasesLocks(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")
	bob, _ := s.connect(t, "w1", "bob", "Bob")
	readUntil(t, alice, TypeUserJoined)

	sendFrame(t, bob, frame{"type": "lock_request", "node_id": "n3"})
	readUntil(t, bob, TypeLockAcquired)

	sendFrame(t, alice, frame{"type": "lock_request", "node_id": "n1"})
	sendFrame(t, alice, frame{"type": "lock_request", "node_id": "n2"})
	assert.Eventually(t, func() bool {
		return len(s.hub.Locks("w1")) == 3
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, alice.Close())

	left := readUntil(t, bob, TypeUserLeft)
	assert.Equal(t, "alice", left["user_id"])

	locks := s.hub.Locks("w1")
	require.Len(t, locks, 1)
	assert.Equal(t, "bob", locks[0].OwnerID)

	users := s.hub.Presence("w1")
	require.Len(t, users, 1)
	assert.Equal(t, "bob", users[0].UserID)
}

func TestHub_LeaveMessage(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")
	bob, _ := s.connect(t, "w1", "bob", "Bob")
	readUntil(t, alice, TypeUserJoined)

	sendFrame(t, alice, frame{"type": "leave"})

	readUntil(t, bob, TypeUserLeft)
	require.NoError(t, bob.Close())

	assert.Eventually(t, func() bool {
		return len(s.hub.Presence("w1")) == 0
	}, 2*time.Second, 10*time.Millisecond, "the last leave removes the room")
	connections, sessions := s.hub.Stats()
	assert.Equal(t, 0, connections)
	assert.Equal(t, 0, sessions)
}

func TestHub_ChangeBroadcastExcludesSender(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")
	bob, _ := s.connect(t, "w1", "bob", "Bob")
	carol, _ := s.connect(t, "w1", "carol", "Carol")
	readUntil(t, alice, TypeUserJoined)
	readUntil(t, alice, TypeUserJoined)
	readUntil(t, bob, TypeUserJoined)

	ts := domain.TimestampFromTime(time.Now())
	sendFrame(t, alice, frame{"type": "change", "change": frame{
		"id": "c1", "type": "node_add", "workflow_id": "w1", "user_id": "alice",
		"timestamp": ts, "data": frame{"id": "n9", "type": "llm"},
	}})

	for _, peer := range []*websocket.Conn{bob, carol} {
		applied := readUntil(t, peer, TypeChangeApplied)
		assert.Equal(t, "c1", applied["change"].(map[string]interface{})["id"])
	}

	// the sender sees its next reply, not its own change
	sendFrame(t, alice, frame{"type": "ping"})
	assert.Equal(t, TypePong, readFrame(t, alice).Type())

	doc, err := s.store.Find(context.Background(), "w1")
	require.NoError(t, err)
	assert.Len(t, doc.Nodes, 3)
	assert.Equal(t, ts, doc.LastModified)
}

func TestHub_ChangeFailures(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")
	ts := domain.TimestampFromTime(time.Now())

	t.Run("foreign workflow", func(t *testing.T) {
		sendFrame(t, alice, frame{"type": "change", "change": frame{
			"id": "c1", "type": "node_add", "workflow_id": "w2", "user_id": "alice",
			"timestamp": ts, "data": frame{"id": "n9"},
		}})
		errFrame := readUntil(t, alice, TypeError)
		assert.Equal(t, CodeInvalidMessage, errFrame["code"])
	})

	t.Run("impersonation", func(t *testing.T) {
		sendFrame(t, alice, frame{"type": "change", "change": frame{
			"id": "c2", "type": "node_add", "workflow_id": "w1", "user_id": "bob",
			"timestamp": ts, "data": frame{"id": "n9"},
		}})
		errFrame := readUntil(t, alice, TypeError)
		assert.Equal(t, CodeInvalidMessage, errFrame["code"])
	})

	t.Run("missing element triggers resync", func(t *testing.T) {
		sendFrame(t, alice, frame{"type": "change", "change": frame{
			"id": "c3", "type": "node_update", "workflow_id": "w1", "user_id": "alice",
			"timestamp": ts, "data": frame{"id": "ghost"},
		}})
		errFrame := readUntil(t, alice, TypeError)
		assert.Equal(t, CodeChangeApplyFailed, errFrame["code"])
		readUntil(t, alice, TypeSyncRequired)
	})

	t.Run("store down keeps the socket open", func(t *testing.T) {
		s.store.SetUnavailable(true)
		defer s.store.SetUnavailable(false)

		sendFrame(t, alice, frame{"type": "change", "change": frame{
			"id": "c4", "type": "node_add", "workflow_id": "w1", "user_id": "alice",
			"timestamp": ts, "data": frame{"id": "n9"},
		}})
		errFrame := readUntil(t, alice, TypeError)
		assert.Equal(t, CodeChangeApplyFailed, errFrame["code"])
		readUntil(t, alice, TypeSyncRequired)

		sendFrame(t, alice, frame{"type": "ping"})
		readUntil(t, alice, TypePong)
	})
}

func TestHub_InvalidMessageKeepsConnection(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)))
	errFrame := readUntil(t, alice, TypeError)
	assert.Equal(t, CodeInvalidMessage, errFrame["code"])

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	errFrame = readUntil(t, alice, TypeError)
	assert.Equal(t, CodeInvalidMessage, errFrame["code"])

	sendFrame(t, alice, frame{"type": "ping"})
	readUntil(t, alice, TypePong)
	assert.Equal(t, 2, s.metrics.Errors(CodeInvalidMessage))
}

func TestHub_RateLimit(t *testing.T) {
	s := setupServer(t, 10)
	alice, _ := s.connect(t, "w1", "alice", "Alice")

	for i := 0; i < 11; i++ {
		sendFrame(t, alice, frame{"type": "ping"})
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, TypePong, readFrame(t, alice).Type(), fmt.Sprintf("message %d", i+1))
	}
	errFrame := readFrame(t, alice)
	assert.Equal(t, TypeError, errFrame.Type())
	assert.Equal(t, CodeRateLimitExceeded, errFrame["code"])
}

func TestHub_CursorAndViewportRelay(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")
	bob, _ := s.connect(t, "w1", "bob", "Bob")
	readUntil(t, alice, TypeUserJoined)

	sendFrame(t, alice, frame{"type": "cursor_update", "position": frame{"x": 10, "y": 20}})
	moved := readUntil(t, bob, TypeCursorMoved)
	assert.Equal(t, "alice", moved["user_id"])
	assert.Equal(t, 10.0, moved["position"].(map[string]interface{})["x"])

	sendFrame(t, alice, frame{"type": "viewport_update", "viewport": frame{"x": 1, "y": 2, "zoom": 0.5}})
	changed := readUntil(t, bob, TypeViewportChanged)
	assert.Equal(t, 0.5, changed["viewport"].(map[string]interface{})["zoom"])

	sendFrame(t, alice, frame{"type": "ping"})
	assert.Equal(t, TypePong, readFrame(t, alice).Type(), "relays skip the sender")
}

func TestHub_JoinResendsWelcome(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")
	s.connect(t, "w1", "bob", "Bob")
	readUntil(t, alice, TypeUserJoined)

	sendFrame(t, alice, frame{"type": "join"})
	welcome := readUntil(t, alice, TypeWelcome)
	assert.Len(t, welcome["users"], 1)
}

func TestHub_ReconnectReplacesOldSocket(t *testing.T) {
	s := setupServer(t, 100)
	first, _ := s.connect(t, "w1", "alice", "Alice")
	bob, _ := s.connect(t, "w1", "bob", "Bob")
	readUntil(t, first, TypeUserJoined)

	sendFrame(t, first, frame{"type": "lock_request", "node_id": "n1"})
	readUntil(t, bob, TypeLockAcquired)

	second, welcome := s.connect(t, "w1", "alice", "Alice")
	assert.Len(t, welcome["users"], 1)
	expectClose(t, first, presence.CloseReplaced)

	// the superseded socket's cleanup must not evict the new session
	sendFrame(t, second, frame{"type": "ping"})
	readUntil(t, second, TypePong)
	assert.Len(t, s.hub.Presence("w1"), 2)
	require.Len(t, s.hub.Locks("w1"), 1)
	assert.Equal(t, "alice", s.hub.Locks("w1")[0].OwnerID)

	sendFrame(t, bob, frame{"type": "ping"})
	for {
		f := readFrame(t, bob)
		require.NotEqual(t, TypeUserLeft, f.Type())
		if f.Type() == TypePong {
			break
		}
	}
}

func TestHub_SaveStateBroadcastsSync(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")

	err := s.hub.SaveState(context.Background(), "w1", domain.WorkflowState{
		Nodes: []domain.Element{{"id": "only"}},
	})
	require.NoError(t, err)

	sync := readUntil(t, alice, TypeSyncRequired)
	assert.Len(t, sync["state"].(map[string]interface{})["nodes"], 1)

	err = s.hub.SaveState(context.Background(), "w1", domain.WorkflowState{
		Nodes: []domain.Element{{"id": "a"}, {"id": "a"}},
	})
	assert.ErrorIs(t, err, domain.ErrInvalidDocument)
}

func TestHub_Shutdown(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")

	s.hub.Shutdown()

	expectClose(t, alice, websocket.CloseGoingAway)
	assert.Eventually(t, func() bool {
		return len(s.hub.Presence("w1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PanickingChangeKeepsConnection(t *testing.T) {
	s := setupServer(t, 100)
	alice, _ := s.connect(t, "w1", "alice", "Alice")
	ts := domain.TimestampFromTime(time.Now())

	s.faults.panicking.Store(true)
	sendFrame(t, alice, frame{"type": "change", "change": frame{
		"id": "c1", "type": "node_add", "workflow_id": "w1", "user_id": "alice",
		"timestamp": ts, "data": frame{"id": "n9"},
	}})
	failed := readUntil(t, alice, TypeError)
	assert.Equal(t, CodeChangeError, failed["code"])

	sendFrame(t, alice, frame{"type": "ping"})
	assert.Equal(t, TypePong, readFrame(t, alice).Type())

	// the workflow is writable again once the store recovers
	s.faults.panicking.Store(false)
	bob, _ := s.connect(t, "w1", "bob", "Bob")
	sendFrame(t, alice, frame{"type": "change", "change": frame{
		"id": "c2", "type": "node_add", "workflow_id": "w1", "user_id": "alice",
		"timestamp": ts + 1, "data": frame{"id": "n9"},
	}})
	applied := readUntil(t, bob, TypeChangeApplied)
	assert.Equal(t, "c2", applied["change"].(map[string]interface{})["id"])
	assert.Equal(t, 1, s.metrics.Errors(CodeChangeError))
}

func TestHub_LeaveRacingTransportCloseLeavesOnce(t *testing.T) {
	s := setupServer(t, 100)
	bob, _ := s.connect(t, "w1", "bob", "Bob")

	for i := 0; i < 5; i++ {
		alice, _ := s.connect(t, "w1", "alice", "Alice")
		readUntil(t, bob, TypeUserJoined)

		sendFrame(t, alice, frame{"type": "leave"})
		require.NoError(t, alice.Close())

		readUntil(t, bob, TypeUserLeft)
		assert.Eventually(t, func() bool {
			return len(s.hub.Presence("w1")) == 1
		}, 2*time.Second, 10*time.Millisecond)
	}

	// no second user_left is queued behind the ones already read
	sendFrame(t, bob, frame{"type": "ping"})
	for {
		f := readFrame(t, bob)
		require.NotEqual(t, TypeUserLeft, f.Type())
		if f.Type() == TypePong {
			break
		}
	}
}
