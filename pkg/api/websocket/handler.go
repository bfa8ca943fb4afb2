package websocket

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/aescanero/dago-collab/internal/application/locking"
	"github.com/aescanero/dago-collab/internal/application/monitoring"
	"github.com/aescanero/dago-collab/internal/application/presence"
	"github.com/aescanero/dago-collab/internal/application/ratelimit"
	"github.com/aescanero/dago-collab/internal/application/workflowsync"
	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/aescanero/dago-collab/pkg/ports"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Origin policy is enforced by the token
	},
}

// Options tunes the protocol handler
type Options struct {
	LockTTL        time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
}

// Hub owns the collaboration state of this process and serves the
// WebSocket endpoint
type Hub struct {
	connections *presence.ConnectionRegistry
	sessions    *presence.SessionRegistry
	locks       *locking.Manager
	sync        *workflowsync.Service
	limiter     ratelimit.Limiter
	monitor     *monitoring.Service
	verifier    ports.TokenVerifier
	access      ports.AccessChecker
	parser      *Parser
	opts        Options
	logger      *zap.Logger
	now         func() time.Time

	// Per-user lifecycle locks order a join against the cleanup of the same
	// user's previous connection. Other users never wait on them.
	usersMu sync.Mutex
	users   map[string]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// NewHub creates a new collaboration hub
func NewHub(
	connections *presence.ConnectionRegistry,
	sessions *presence.SessionRegistry,
	locks *locking.Manager,
	syncService *workflowsync.Service,
	limiter ratelimit.Limiter,
	monitor *monitoring.Service,
	verifier ports.TokenVerifier,
	access ports.AccessChecker,
	opts Options,
	logger *zap.Logger,
) *Hub {
	if opts.LockTTL <= 0 {
		opts.LockTTL = domain.DefaultLockDuration
	}
	return &Hub{
		connections: connections,
		sessions:    sessions,
		locks:       locks,
		sync:        syncService,
		limiter:     limiter,
		monitor:     monitor,
		verifier:    verifier,
		access:      access,
		parser:      NewParser(time.Now),
		opts:        opts,
		logger:      logger,
		now:         time.Now,
		users:       make(map[string]*userLock),
	}
}

// client is the per-connection state of one read loop
type client struct {
	conn        *presence.Connection
	userID      string
	userName    string
	workflowID  string
	connectedAt time.Time
	cleanupOnce sync.Once
}

// HandleCollaboration upgrades the request and runs the connection until
// the client leaves or the transport fails
func (h *Hub) HandleCollaboration(c *gin.Context) {
	workflowID := c.Param("workflow_id")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade connection", zap.Error(err))
		return
	}

	sock := newSocket(conn, h.opts.WriteTimeout)
	ctx := c.Request.Context()

	identity, err := h.authorize(ctx, c, workflowID)
	if err != nil {
		h.logger.Warn("connection rejected",
			zap.String("workflow_id", workflowID),
			zap.String("client", c.ClientIP()),
			zap.Error(err))
		h.monitor.RecordError("AUTH_FAILED", workflowID, err)
		_ = sock.Close(websocket.ClosePolicyViolation, policyReason(err))
		return
	}

	if h.opts.MaxMessageSize > 0 {
		conn.SetReadLimit(h.opts.MaxMessageSize)
	}

	userName := c.Query("user_name")
	if userName == "" {
		userName = identity.Username
	}

	cl := h.join(ctx, sock, workflowID, identity.UserID, userName)
	defer h.cleanup(cl, "connection closed")

	h.logger.Info("WebSocket connection established",
		zap.String("workflow_id", workflowID),
		zap.String("user_id", cl.userID),
		zap.String("client", c.ClientIP()))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, presence.CloseReplaced) {
				h.logger.Debug("read failed",
					zap.String("user_id", cl.userID),
					zap.Error(err))
			}
			return
		}

		if stop := h.dispatch(context.Background(), cl, data); stop {
			return
		}
	}
}

// authorize verifies the token and the user's access to the workflow
func (h *Hub) authorize(ctx context.Context, c *gin.Context, workflowID string) (*domain.Identity, error) {
	if workflowID == "" {
		return nil, errors.New("workflow id is required")
	}

	identity, err := h.verifier.VerifyToken(ctx, bearerToken(c))
	if err != nil {
		return nil, err
	}

	if claimed := c.Query("user_id"); claimed != "" && claimed != identity.UserID {
		return nil, errors.Join(domain.ErrForbidden, errors.New("user_id does not match token subject"))
	}

	ok, err := h.access.CanAccess(ctx, identity.UserID, workflowID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.ErrForbidden
	}
	return identity, nil
}

// join registers the connection and presence, then sends the joiner its
// welcome and snapshot and announces it to the room
func (h *Hub) join(ctx context.Context, sock presence.Socket, workflowID, userID, userName string) *client {
	unlock := h.lockUser(userID)
	conn, replaced := h.connections.Connect(sock, userID, workflowID)
	session := h.sessions.CreateOrJoin(workflowID, domain.UserPresence{
		UserID:   userID,
		UserName: userName,
	})
	unlock()

	if replaced != nil {
		h.connections.Close(replaced, presence.CloseReplaced, "replaced by a new connection")
	}

	cl := &client{
		conn:        conn,
		userID:      userID,
		userName:    userName,
		workflowID:  workflowID,
		connectedAt: conn.ConnectedAt,
	}

	self := *session.Users[userID]
	h.sendWelcome(cl)
	h.sendSync(ctx, cl)
	h.connections.Broadcast(workflowID, newUserJoined(self), userID)

	h.monitor.LogEvent("user_joined",
		zap.String("workflow_id", workflowID),
		zap.String("user_id", userID),
		zap.String("user_name", userName),
		zap.Int("users", len(session.Users)))

	return cl
}

// cleanup runs exactly once per connection, whichever of leave, transport
// failure or shutdown gets there first
func (h *Hub) cleanup(cl *client, reason string) {
	cl.cleanupOnce.Do(func() {
		left, released := h.leaveRoom(cl)
		h.connections.Close(cl.conn, websocket.CloseNormalClosure, "")

		h.monitor.RecordSessionDuration(cl.workflowID, cl.userID, h.now().Sub(cl.connectedAt))

		if !left {
			h.logger.Info("superseded connection closed",
				zap.String("workflow_id", cl.workflowID),
				zap.String("user_id", cl.userID))
			return
		}

		h.monitor.RecordLockRelease(cl.workflowID, cl.userID, released)
		h.monitor.LogEvent("user_left",
			zap.String("workflow_id", cl.workflowID),
			zap.String("user_id", cl.userID),
			zap.String("reason", reason),
			zap.Int("locks_released", released))
	})
}

// leaveRoom removes the user from the connection's room unless a newer
// connection of the same user has taken it over. The room hears about the
// departure before a reconnect of the user can announce itself.
func (h *Hub) leaveRoom(cl *client) (left bool, released int) {
	unlock := h.lockUser(cl.userID)
	defer unlock()

	if h.connections.Release(cl.conn) {
		// a reconnect into another workflow still leaves this room
		if current, _ := h.connections.WorkflowOf(cl.userID); current == cl.workflowID {
			return false, 0
		}
	}

	var held []string
	for _, lock := range h.locks.ListWorkflowLocks(cl.workflowID) {
		if lock.OwnerID == cl.userID {
			held = append(held, lock.NodeID)
		}
	}
	released = h.locks.ReleaseAllForUser(cl.workflowID, cl.userID)
	h.sessions.Leave(cl.workflowID, cl.userID)

	if _, live := h.connections.WorkflowOf(cl.userID); !live {
		h.limiter.ResetUser(context.Background(), cl.userID)
	}

	for _, nodeID := range held {
		h.connections.Broadcast(cl.workflowID, newLockReleased(nodeID, cl.userID), cl.userID)
	}
	h.connections.Broadcast(cl.workflowID, newUserLeft(cl.userID), cl.userID)

	return true, released
}

// lockUser acquires the lifecycle lock of a user and returns its release
// function. Idle entries are dropped on release.
func (h *Hub) lockUser(userID string) func() {
	h.usersMu.Lock()
	l, ok := h.users[userID]
	if !ok {
		l = &userLock{}
		h.users[userID] = l
	}
	l.refs++
	h.usersMu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		h.usersMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(h.users, userID)
		}
		h.usersMu.Unlock()
	}
}

// Presence returns the live roster of a workflow
func (h *Hub) Presence(workflowID string) []domain.UserPresence {
	return h.sessions.ListUsers(workflowID)
}

// Locks returns the live locks of a workflow
func (h *Hub) Locks(workflowID string) []domain.NodeLock {
	return h.locks.ListWorkflowLocks(workflowID)
}

// SaveState overwrites the persisted graph and tells everyone in the room to
// resynchronize
func (h *Hub) SaveState(ctx context.Context, workflowID string, state domain.WorkflowState) error {
	if err := h.sync.SaveWorkflowState(ctx, workflowID, state); err != nil {
		return err
	}

	snapshot := h.sync.LoadCollaborationState(ctx, workflowID,
		h.sessions.ListUsers(workflowID), h.locks.ListWorkflowLocks(workflowID))
	h.connections.Broadcast(workflowID, newSyncRequired(snapshot), "")
	return nil
}

// Stats reports the live connection and room counts
func (h *Hub) Stats() (connections, sessions int) {
	return h.connections.Count(), h.sessions.Count()
}

// Shutdown closes every connection; each read loop then runs its cleanup
func (h *Hub) Shutdown() {
	h.logger.Info("closing collaboration connections",
		zap.Int("connections", h.connections.Count()))
	h.connections.CloseAll(websocket.CloseGoingAway, "server shutting down")
}

func bearerToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func policyReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrUnauthenticated):
		return "authentication failed"
	case errors.Is(err, domain.ErrForbidden):
		return "access denied"
	default:
		return "authorization unavailable"
	}
}
