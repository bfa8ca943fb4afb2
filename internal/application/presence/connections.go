package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CloseReplaced is the close code sent to a socket superseded by a newer
// connection of the same user
const CloseReplaced = 4000

// Message is an outbound frame
type Message interface {
	MessageType() string
}

// Socket is the transport side of one connection. Implementations must be
// safe for concurrent Send calls.
type Socket interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Observer receives connection-level measurements
type Observer interface {
	RecordMessageSent(messageType, workflowID string)
	RecordConnectionCount(workflowID string, count int)
}

// Connection is one registered socket
type Connection struct {
	ID          string
	UserID      string
	WorkflowID  string
	ConnectedAt time.Time

	socket Socket
}

// ConnectionRegistry maps user ids to live sockets. There is at most one
// connection per user id.
type ConnectionRegistry struct {
	observer Observer
	logger   *zap.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewConnectionRegistry creates an empty registry
func NewConnectionRegistry(observer Observer, logger *zap.Logger) *ConnectionRegistry {
	return &ConnectionRegistry{
		observer:    observer,
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// Connect registers socket as the live connection of userID in workflowID.
// An existing connection of the same user is removed from the registry and
// returned as replaced; the caller closes it with CloseReplaced.
func (r *ConnectionRegistry) Connect(socket Socket, userID, workflowID string) (conn, replaced *Connection) {
	conn = &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		WorkflowID:  workflowID,
		ConnectedAt: time.Now(),
		socket:      socket,
	}

	r.mu.Lock()
	replaced = r.connections[userID]
	r.connections[userID] = conn
	r.mu.Unlock()

	if replaced != nil {
		r.logger.Info("replacing existing connection",
			zap.String("user_id", userID),
			zap.String("previous_workflow_id", replaced.WorkflowID),
			zap.String("workflow_id", workflowID))
		if replaced.WorkflowID != workflowID {
			r.reportCount(replaced.WorkflowID)
		}
	}

	r.reportCount(workflowID)

	r.logger.Info("connection registered",
		zap.String("user_id", userID),
		zap.String("workflow_id", workflowID),
		zap.String("connection_id", conn.ID))

	return conn, replaced
}

// Disconnect removes and closes the connection of userID. It is idempotent
// and returns false when the user had no connection.
func (r *ConnectionRegistry) Disconnect(userID string) bool {
	r.mu.Lock()
	conn, ok := r.connections[userID]
	if ok {
		delete(r.connections, userID)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}

	r.closeSocket(conn, 1000, "")
	r.reportCount(conn.WorkflowID)
	return true
}

// Release removes conn if it is still the live connection of its user. It
// reports whether conn had been superseded by a newer connection, in which
// case the user is still present and per-user cleanup must be skipped. The
// socket is left open; callers close it with Close.
func (r *ConnectionRegistry) Release(conn *Connection) (superseded bool) {
	r.mu.Lock()
	current, ok := r.connections[conn.UserID]
	if ok && current == conn {
		delete(r.connections, conn.UserID)
	}
	superseded = ok && current != conn
	r.mu.Unlock()

	if !superseded {
		r.reportCount(conn.WorkflowID)
	}
	return superseded
}

// Close closes the socket of conn. It may block for the socket's write
// timeout, so callers must not hold locks shared with other users.
func (r *ConnectionRegistry) Close(conn *Connection, code int, reason string) {
	r.closeSocket(conn, code, reason)
}

// Send serializes msg and transmits it to userID. A transmission failure
// disconnects that user; it is logged and never returned.
func (r *ConnectionRegistry) Send(userID string, msg Message) bool {
	r.mu.RLock()
	conn, ok := r.connections[userID]
	r.mu.RUnlock()

	if !ok {
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to marshal message",
			zap.String("type", msg.MessageType()),
			zap.Error(err))
		return false
	}

	return r.deliver(conn, msg.MessageType(), data)
}

// SendTo transmits msg over conn if it is still the live connection of its
// user. Replies to a superseded connection are dropped.
func (r *ConnectionRegistry) SendTo(conn *Connection, msg Message) bool {
	r.mu.RLock()
	current := r.connections[conn.UserID]
	r.mu.RUnlock()

	if current != conn {
		return false
	}

	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to marshal message",
			zap.String("type", msg.MessageType()),
			zap.Error(err))
		return false
	}

	return r.deliver(conn, msg.MessageType(), data)
}

// Broadcast sends msg to every user connected to workflowID except
// excludeUserID. Failed deliveries do not stop the fan-out. It returns the
// number of successful deliveries.
func (r *ConnectionRegistry) Broadcast(workflowID string, msg Message, excludeUserID string) int {
	data, err := json.Marshal(msg)
	if err != nil {
		r.logger.Error("failed to marshal broadcast",
			zap.String("type", msg.MessageType()),
			zap.Error(err))
		return 0
	}

	r.mu.RLock()
	targets := make([]*Connection, 0)
	for userID, conn := range r.connections {
		if conn.WorkflowID == workflowID && userID != excludeUserID {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		if r.deliver(conn, msg.MessageType(), data) {
			delivered++
		}
	}
	return delivered
}

// WorkflowOf returns the workflow the user is connected to
func (r *ConnectionRegistry) WorkflowOf(userID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.connections[userID]
	if !ok {
		return "", false
	}
	return conn.WorkflowID, true
}

// UsersInWorkflow returns the sorted ids of users connected to workflowID
func (r *ConnectionRegistry) UsersInWorkflow(workflowID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0)
	for userID, conn := range r.connections {
		if conn.WorkflowID == workflowID {
			users = append(users, userID)
		}
	}
	sort.Strings(users)
	return users
}

// Count returns the number of live connections
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.connections)
}

// CloseAll closes every connection, used on shutdown
func (r *ConnectionRegistry) CloseAll(code int, reason string) {
	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.connections))
	for _, conn := range r.connections {
		conns = append(conns, conn)
	}
	r.connections = make(map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		r.closeSocket(conn, code, reason)
		r.reportCount(conn.WorkflowID)
	}
}

// deliver writes data to conn, force-disconnecting it on failure
func (r *ConnectionRegistry) deliver(conn *Connection, messageType string, data []byte) bool {
	if err := conn.socket.Send(data); err != nil {
		r.logger.Warn("failed to send message, disconnecting",
			zap.String("user_id", conn.UserID),
			zap.String("workflow_id", conn.WorkflowID),
			zap.String("type", messageType),
			zap.Error(err))
		r.dropIfCurrent(conn)
		return false
	}

	if r.observer != nil {
		r.observer.RecordMessageSent(messageType, conn.WorkflowID)
	}
	return true
}

func (r *ConnectionRegistry) dropIfCurrent(conn *Connection) {
	r.mu.Lock()
	current, ok := r.connections[conn.UserID]
	removed := ok && current == conn
	if removed {
		delete(r.connections, conn.UserID)
	}
	r.mu.Unlock()

	r.closeSocket(conn, 1011, "send failed")
	if removed {
		r.reportCount(conn.WorkflowID)
	}
}

func (r *ConnectionRegistry) closeSocket(conn *Connection, code int, reason string) {
	if err := conn.socket.Close(code, reason); err != nil {
		r.logger.Debug("error closing socket",
			zap.String("user_id", conn.UserID),
			zap.Error(err))
	}
}

func (r *ConnectionRegistry) reportCount(workflowID string) {
	if r.observer == nil {
		return
	}
	r.mu.RLock()
	count := 0
	for _, conn := range r.connections {
		if conn.WorkflowID == workflowID {
			count++
		}
	}
	r.mu.RUnlock()

	r.observer.RecordConnectionCount(workflowID, count)
}
