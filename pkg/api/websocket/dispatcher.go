package websocket

import (
	"context"
	"fmt"

	"github.com/aescanero/dago-collab/internal/application/monitoring"
	"github.com/aescanero/dago-collab/internal/application/presence"
	"github.com/aescanero/dago-collab/pkg/domain"
	"go.uber.org/zap"
)

// dispatch processes one inbound frame and reports whether the read loop
// must stop
func (h *Hub) dispatch(ctx context.Context, cl *client, data []byte) (stop bool) {
	if !h.limiter.CheckRateLimit(ctx, cl.userID) {
		h.monitor.RecordError(CodeRateLimitExceeded, cl.workflowID, nil)
		h.reply(cl, newError(CodeRateLimitExceeded, "rate limit exceeded, slow down"))
		return false
	}

	msg, err := h.parser.Parse(data)
	if err != nil {
		h.monitor.RecordError(CodeInvalidMessage, cl.workflowID, err)
		h.reply(cl, newError(CodeInvalidMessage, err.Error()))
		return false
	}

	if _, ok := msg.(LeaveMessage); ok {
		h.monitor.RecordMessageReceived(TypeLeave, cl.workflowID)
		return true
	}

	h.monitor.RecordMessageReceived(msg.InboundType(), cl.workflowID)
	h.sessions.TouchActivity(cl.workflowID, cl.userID)

	_ = h.monitor.Instrument(ctx, msg.InboundType(), func(ctx context.Context) error {
		return h.route(ctx, cl, msg)
	}, zap.String("workflow_id", cl.workflowID), zap.String("user_id", cl.userID))

	return false
}

// route runs the handler of msg. A panicking handler is turned into an
// error frame so the read loop survives.
func (h *Hub) route(ctx context.Context, cl *client, msg Inbound) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic handling %s: %v", msg.InboundType(), r)
			code := CodeInternalError
			if msg.InboundType() == TypeChange {
				code = CodeChangeError
			}
			h.monitor.RecordError(code, cl.workflowID, err)
			h.reply(cl, newError(code, "failed to process message"))
		}
	}()

	switch m := msg.(type) {
	case PingMessage:
		h.reply(cl, newPong(h.now()))
	case JoinMessage:
		h.sendWelcome(cl)
	case CursorUpdateMessage:
		h.handleCursor(cl, m)
	case ViewportUpdateMessage:
		h.handleViewport(cl, m)
	case LockRequestMessage:
		h.handleLockRequest(cl, m)
	case LockReleaseMessage:
		h.handleLockRelease(cl, m)
	case ChangeMessage:
		h.handleChange(ctx, cl, m)
	default:
		return fmt.Errorf("no handler for %s", msg.InboundType())
	}
	return nil
}

func (h *Hub) handleCursor(cl *client, m CursorUpdateMessage) {
	h.sessions.UpdateCursor(cl.workflowID, cl.userID, *m.Position)
	h.connections.Broadcast(cl.workflowID, newCursorMoved(cl.userID, *m.Position), cl.userID)
}

func (h *Hub) handleViewport(cl *client, m ViewportUpdateMessage) {
	h.sessions.UpdateViewport(cl.workflowID, cl.userID, *m.Viewport)
	h.connections.Broadcast(cl.workflowID, newViewportChanged(cl.userID, *m.Viewport), cl.userID)
}

func (h *Hub) handleLockRequest(cl *client, m LockRequestMessage) {
	duration := m.LockDuration(h.opts.LockTTL)
	ok := h.locks.Acquire(cl.workflowID, m.NodeID, cl.userID, cl.userName, duration)
	h.monitor.RecordLockAcquisition(cl.workflowID, m.NodeID, cl.userID, ok)

	if ok {
		lock := h.locks.GetLock(cl.workflowID, m.NodeID)
		if lock == nil {
			// expired between acquire and read; only possible with tiny durations
			h.reply(cl, newLockFailed(m.NodeID, "lock expired immediately"))
			return
		}
		h.connections.Broadcast(cl.workflowID, newLockAcquired(*lock), "")
		return
	}

	reason := "node is locked"
	if lock := h.locks.GetLock(cl.workflowID, m.NodeID); lock != nil {
		owner := lock.OwnerName
		if owner == "" {
			owner = lock.OwnerID
		}
		reason = fmt.Sprintf("node is locked by %s", owner)
	}
	h.reply(cl, newLockFailed(m.NodeID, reason))
}

func (h *Hub) handleLockRelease(cl *client, m LockReleaseMessage) {
	if !h.locks.Release(cl.workflowID, m.NodeID, cl.userID) {
		h.monitor.RecordError(CodeLockReleaseFailed, cl.workflowID, nil)
		h.reply(cl, newError(CodeLockReleaseFailed, fmt.Sprintf("cannot release lock on node %s", m.NodeID)))
		return
	}

	h.monitor.RecordLockRelease(cl.workflowID, cl.userID, 1)
	h.connections.Broadcast(cl.workflowID, newLockReleased(m.NodeID, cl.userID), "")
}

func (h *Hub) handleChange(ctx context.Context, cl *client, m ChangeMessage) {
	change := m.Change
	if change.WorkflowID() != cl.workflowID || change.UserID() != cl.userID {
		err := fmt.Errorf("change must target workflow %s as user %s", cl.workflowID, cl.userID)
		h.monitor.RecordError(CodeInvalidMessage, cl.workflowID, err)
		h.reply(cl, newError(CodeInvalidMessage, err.Error()))
		return
	}

	if !h.sync.ApplyChange(ctx, cl.workflowID, change) {
		h.monitor.RecordError(CodeChangeApplyFailed, cl.workflowID, nil)
		h.reply(cl, newError(CodeChangeApplyFailed, fmt.Sprintf("change %s could not be applied", change.ID())))
		h.sendSync(ctx, cl)
		return
	}

	h.connections.Broadcast(cl.workflowID, newChangeApplied(change), cl.userID)
	h.logger.Debug("change broadcast",
		zap.String("workflow_id", cl.workflowID),
		zap.String("change_id", change.ID()),
		zap.String("correlation_id", monitoring.CorrelationID(ctx)))
}

func (h *Hub) sendWelcome(cl *client) {
	var self domain.UserPresence
	others := make([]domain.UserPresence, 0)
	for _, u := range h.sessions.ListUsers(cl.workflowID) {
		if u.UserID == cl.userID {
			self = u
			continue
		}
		others = append(others, u)
	}

	h.reply(cl, newWelcome(cl.workflowID, self, others, h.locks.ListWorkflowLocks(cl.workflowID)))
}

func (h *Hub) sendSync(ctx context.Context, cl *client) {
	state := h.sync.LoadCollaborationState(ctx, cl.workflowID,
		h.sessions.ListUsers(cl.workflowID), h.locks.ListWorkflowLocks(cl.workflowID))
	h.reply(cl, newSyncRequired(state))
}

// reply sends msg to the client's own connection
func (h *Hub) reply(cl *client, msg presence.Message) {
	h.connections.SendTo(cl.conn, msg)
}
