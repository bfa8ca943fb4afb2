package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/go-playground/validator/v10"
)

// Inbound message types
const (
	TypeJoin           = "join"
	TypeLeave          = "leave"
	TypeCursorUpdate   = "cursor_update"
	TypeViewportUpdate = "viewport_update"
	TypeLockRequest    = "lock_request"
	TypeLockRelease    = "lock_release"
	TypeChange         = "change"
	TypePing           = "ping"
)

// Outbound message types
const (
	TypeWelcome         = "welcome"
	TypeUserJoined      = "user_joined"
	TypeUserLeft        = "user_left"
	TypeCursorMoved     = "cursor_moved"
	TypeViewportChanged = "viewport_changed"
	TypeLockAcquired    = "lock_acquired"
	TypeLockReleased    = "lock_released"
	TypeLockFailed      = "lock_failed"
	TypeChangeApplied   = "change_applied"
	TypeSyncRequired    = "sync_required"
	TypeError           = "error"
	TypePong            = "pong"
)

// Error codes carried by error frames
const (
	CodeInvalidMessage    = "INVALID_MESSAGE"
	CodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	CodeLockReleaseFailed = "LOCK_RELEASE_FAILED"
	CodeChangeApplyFailed = "CHANGE_APPLY_FAILED"
	CodeChangeError       = "CHANGE_ERROR"
	CodeInternalError     = "INTERNAL_ERROR"
)

// ErrInvalidMessage is returned for frames that do not match the catalog
var ErrInvalidMessage = errors.New("invalid message")

// Inbound is a parsed and validated client frame
type Inbound interface {
	InboundType() string
}

// JoinMessage asks the server to re-send the welcome snapshot
type JoinMessage struct{}

// LeaveMessage ends the session
type LeaveMessage struct{}

// CursorUpdateMessage carries the sender's cursor position
type CursorUpdateMessage struct {
	Position *domain.Position `json:"position" validate:"required"`
}

// ViewportUpdateMessage carries the sender's viewport
type ViewportUpdateMessage struct {
	Viewport *domain.Viewport `json:"viewport" validate:"required"`
}

// LockRequestMessage asks for the lock on one node. Duration is in seconds.
type LockRequestMessage struct {
	NodeID   string `json:"node_id" validate:"required"`
	Duration *int   `json:"duration,omitempty" validate:"omitempty,min=1,max=3600"`
}

// LockReleaseMessage gives up the lock on one node
type LockReleaseMessage struct {
	NodeID string `json:"node_id" validate:"required"`
}

// ChangeMessage carries one graph mutation
type ChangeMessage struct {
	Change domain.WorkflowChange `json:"-"`
}

// PingMessage is a keepalive
type PingMessage struct{}

func (JoinMessage) InboundType() string           { return TypeJoin }
func (LeaveMessage) InboundType() string          { return TypeLeave }
func (CursorUpdateMessage) InboundType() string   { return TypeCursorUpdate }
func (ViewportUpdateMessage) InboundType() string { return TypeViewportUpdate }
func (LockRequestMessage) InboundType() string    { return TypeLockRequest }
func (LockReleaseMessage) InboundType() string    { return TypeLockRelease }
func (ChangeMessage) InboundType() string         { return TypeChange }
func (PingMessage) InboundType() string           { return TypePing }

// LockDuration returns the requested duration or fallback when absent
func (m LockRequestMessage) LockDuration(fallback time.Duration) time.Duration {
	if m.Duration == nil {
		return fallback
	}
	return time.Duration(*m.Duration) * time.Second
}

// Parser turns raw frames into typed inbound messages
type Parser struct {
	validate *validator.Validate
	now      func() time.Time
}

// NewParser creates a parser validating changes against now
func NewParser(now func() time.Time) *Parser {
	return &Parser{
		validate: validator.New(),
		now:      now,
	}
}

type envelope struct {
	Type   string          `json:"type"`
	Change json.RawMessage `json:"change"`
}

// Parse decodes and validates one frame. Every failure wraps
// ErrInvalidMessage.
func (p *Parser) Parse(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: malformed JSON: %v", ErrInvalidMessage, err)
	}

	var msg Inbound
	switch env.Type {
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	case TypeJoin:
		return JoinMessage{}, nil
	case TypeLeave:
		return LeaveMessage{}, nil
	case TypePing:
		return PingMessage{}, nil
	case TypeChange:
		if len(env.Change) == 0 || string(env.Change) == "null" {
			return nil, fmt.Errorf("%w: change is required", ErrInvalidMessage)
		}
		change, err := domain.ParseWorkflowChange(env.Change, p.now())
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		return ChangeMessage{Change: change}, nil
	case TypeCursorUpdate:
		msg = &CursorUpdateMessage{}
	case TypeViewportUpdate:
		msg = &ViewportUpdateMessage{}
	case TypeLockRequest:
		msg = &LockRequestMessage{}
	case TypeLockRelease:
		msg = &LockReleaseMessage{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, env.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidMessage, env.Type, err)
	}
	if err := p.validate.Struct(msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrInvalidMessage, env.Type, describe(err))
	}

	switch m := msg.(type) {
	case *CursorUpdateMessage:
		return *m, nil
	case *ViewportUpdateMessage:
		return *m, nil
	case *LockRequestMessage:
		// omitempty lets an explicit zero through
		if m.Duration != nil && *m.Duration < 1 {
			return nil, fmt.Errorf("%w: %s: duration failed min", ErrInvalidMessage, env.Type)
		}
		return *m, nil
	case *LockReleaseMessage:
		return *m, nil
	}
	return msg, nil
}

// describe flattens validator errors into one line
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, ", ")
}

// WelcomeMessage is sent to a joiner: the other present users and the live
// locks of the workflow
type WelcomeMessage struct {
	Type       string                `json:"type"`
	WorkflowID string                `json:"workflow_id"`
	User       domain.UserPresence   `json:"user"`
	Users      []domain.UserPresence `json:"users"`
	Locks      []domain.NodeLock     `json:"locks"`
}

// UserJoinedMessage announces a joiner to the room
type UserJoinedMessage struct {
	Type string              `json:"type"`
	User domain.UserPresence `json:"user"`
}

// UserLeftMessage announces a departure to the room
type UserLeftMessage struct {
	Type   string `json:"type"`
	UserID string `json:"user_id"`
}

// CursorMovedMessage relays a cursor update
type CursorMovedMessage struct {
	Type     string          `json:"type"`
	UserID   string          `json:"user_id"`
	Position domain.Position `json:"position"`
}

// ViewportChangedMessage relays a viewport update
type ViewportChangedMessage struct {
	Type     string          `json:"type"`
	UserID   string          `json:"user_id"`
	Viewport domain.Viewport `json:"viewport"`
}

// LockAcquiredMessage announces a granted lock
type LockAcquiredMessage struct {
	Type   string          `json:"type"`
	NodeID string          `json:"node_id"`
	Lock   domain.NodeLock `json:"lock"`
}

// LockReleasedMessage announces a released lock
type LockReleasedMessage struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
	UserID string `json:"user_id"`
}

// LockFailedMessage tells the requester who holds the lock
type LockFailedMessage struct {
	Type   string `json:"type"`
	NodeID string `json:"node_id"`
	Reason string `json:"reason"`
}

// ChangeAppliedMessage relays a persisted change
type ChangeAppliedMessage struct {
	Type   string                `json:"type"`
	Change domain.WorkflowChange `json:"change"`
}

// SyncRequiredMessage carries a full snapshot the client must adopt
type SyncRequiredMessage struct {
	Type  string                     `json:"type"`
	State *domain.CollaborationState `json:"state"`
}

// ErrorMessage reports a rejected message
type ErrorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// PongMessage answers a ping
type PongMessage struct {
	Type      string  `json:"type"`
	Timestamp float64 `json:"timestamp"`
}

func (WelcomeMessage) MessageType() string         { return TypeWelcome }
func (UserJoinedMessage) MessageType() string      { return TypeUserJoined }
func (UserLeftMessage) MessageType() string        { return TypeUserLeft }
func (CursorMovedMessage) MessageType() string     { return TypeCursorMoved }
func (ViewportChangedMessage) MessageType() string { return TypeViewportChanged }
func (LockAcquiredMessage) MessageType() string    { return TypeLockAcquired }
func (LockReleasedMessage) MessageType() string    { return TypeLockReleased }
func (LockFailedMessage) MessageType() string      { return TypeLockFailed }
func (ChangeAppliedMessage) MessageType() string   { return TypeChangeApplied }
func (SyncRequiredMessage) MessageType() string    { return TypeSyncRequired }
func (ErrorMessage) MessageType() string           { return TypeError }
func (PongMessage) MessageType() string            { return TypePong }

func newWelcome(workflowID string, self domain.UserPresence, users []domain.UserPresence, locks []domain.NodeLock) WelcomeMessage {
	return WelcomeMessage{Type: TypeWelcome, WorkflowID: workflowID, User: self, Users: users, Locks: locks}
}

func newUserJoined(user domain.UserPresence) UserJoinedMessage {
	return UserJoinedMessage{Type: TypeUserJoined, User: user}
}

func newUserLeft(userID string) UserLeftMessage {
	return UserLeftMessage{Type: TypeUserLeft, UserID: userID}
}

func newCursorMoved(userID string, position domain.Position) CursorMovedMessage {
	return CursorMovedMessage{Type: TypeCursorMoved, UserID: userID, Position: position}
}

func newViewportChanged(userID string, viewport domain.Viewport) ViewportChangedMessage {
	return ViewportChangedMessage{Type: TypeViewportChanged, UserID: userID, Viewport: viewport}
}

func newLockAcquired(lock domain.NodeLock) LockAcquiredMessage {
	return LockAcquiredMessage{Type: TypeLockAcquired, NodeID: lock.NodeID, Lock: lock}
}

func newLockReleased(nodeID, userID string) LockReleasedMessage {
	return LockReleasedMessage{Type: TypeLockReleased, NodeID: nodeID, UserID: userID}
}

func newLockFailed(nodeID, reason string) LockFailedMessage {
	return LockFailedMessage{Type: TypeLockFailed, NodeID: nodeID, Reason: reason}
}

func newChangeApplied(change domain.WorkflowChange) ChangeAppliedMessage {
	return ChangeAppliedMessage{Type: TypeChangeApplied, Change: change}
}

func newSyncRequired(state *domain.CollaborationState) SyncRequiredMessage {
	return SyncRequiredMessage{Type: TypeSyncRequired, State: state}
}

func newError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

func newPong(now time.Time) PongMessage {
	return PongMessage{Type: TypePong, Timestamp: domain.TimestampFromTime(now)}
}
