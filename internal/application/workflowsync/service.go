package workflowsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/aescanero/dago-collab/pkg/ports"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Service coordinates edits on persisted workflow documents
type Service struct {
	store     ports.WorkflowStore
	events    ports.EventPublisher
	validator *Validator
	logger    *zap.Logger
	now       func() time.Time

	// Serializes read-modify-write cycles per workflow
	mu      sync.Mutex
	writers map[string]*workflowLock
}

type workflowLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a new sync service. events may be nil to disable the
// change feed.
func NewService(
	store ports.WorkflowStore,
	events ports.EventPublisher,
	validator *Validator,
	logger *zap.Logger,
) *Service {
	return &Service{
		store:     store,
		events:    events,
		validator: validator,
		logger:    logger,
		now:       time.Now,
		writers:   make(map[string]*workflowLock),
	}
}

// WithClock replaces the time source, used by tests
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// ApplyChange persists change into the workflow document. It returns false
// when the workflow is missing, the target element does not exist or the
// store is unavailable; it never panics on store errors.
func (s *Service) ApplyChange(ctx context.Context, workflowID string, change domain.WorkflowChange) bool {
	if change.WorkflowID() != workflowID {
		s.logger.Warn("change targets another workflow",
			zap.String("workflow_id", workflowID),
			zap.String("change_workflow_id", change.WorkflowID()),
			zap.String("change_id", change.ID()))
		return false
	}

	if err := s.apply(ctx, workflowID, change); err != nil {
		s.logger.Warn("failed to apply change",
			zap.String("workflow_id", workflowID),
			zap.String("change_id", change.ID()),
			zap.String("type", string(change.Type())),
			zap.String("element_id", change.ElementID()),
			zap.Error(err))
		return false
	}

	s.logger.Debug("change applied",
		zap.String("workflow_id", workflowID),
		zap.String("change_id", change.ID()),
		zap.String("type", string(change.Type())))

	s.publish(ctx, domain.Event{
		ID:         uuid.New().String(),
		Type:       domain.EventTypeChangeApplied,
		WorkflowID: workflowID,
		UserID:     change.UserID(),
		Timestamp:  s.now(),
		Data: map[string]interface{}{
			"change_id":   change.ID(),
			"change_type": string(change.Type()),
			"element_id":  change.ElementID(),
			"timestamp":   change.Timestamp(),
		},
	})

	return true
}

func (s *Service) apply(ctx context.Context, workflowID string, change domain.WorkflowChange) error {
	unlock := s.lockWorkflow(workflowID)
	defer unlock()

	doc, err := s.store.Find(ctx, workflowID)
	if err != nil {
		return err
	}

	m, err := applyToDocument(doc, change)
	if err != nil {
		return err
	}

	switch {
	case m.nodes != nil && m.edges != nil:
		// both lists land in one write so a failure cannot leave dangling edges
		return s.store.Replace(ctx, workflowID, domain.WorkflowState{
			Nodes:        m.nodes,
			Edges:        m.edges,
			Viewport:     doc.Viewport,
			LastModified: change.Timestamp(),
		})
	case m.edges != nil:
		return s.store.UpdateEdges(ctx, workflowID, m.edges, change.Timestamp())
	case m.nodes != nil:
		return s.store.UpdateNodes(ctx, workflowID, m.nodes, change.Timestamp())
	}
	return nil
}

// ResolveConflict picks the winner among competing changes to the same
// element: the greatest timestamp wins, and equal timestamps are broken by
// the lexically greatest change id.
func (s *Service) ResolveConflict(workflowID string, changes []domain.WorkflowChange) (domain.WorkflowChange, error) {
	if len(changes) == 0 {
		return domain.WorkflowChange{}, fmt.Errorf("%w: workflow %s", domain.ErrEmptyConflictSet, workflowID)
	}

	winner := changes[0]
	for _, c := range changes[1:] {
		if c.Timestamp() > winner.Timestamp() ||
			(c.Timestamp() == winner.Timestamp() && c.ID() > winner.ID()) {
			winner = c
		}
	}

	if len(changes) > 1 {
		s.logger.Debug("conflict resolved",
			zap.String("workflow_id", workflowID),
			zap.Int("candidates", len(changes)),
			zap.String("winner_id", winner.ID()))
	}
	return winner, nil
}

// LoadCollaborationState merges the persisted graph with the live roster and
// locks. A missing workflow or an unavailable store yields a snapshot with
// empty nodes and edges.
func (s *Service) LoadCollaborationState(
	ctx context.Context,
	workflowID string,
	activeUsers []domain.UserPresence,
	activeLocks []domain.NodeLock,
) *domain.CollaborationState {
	state := &domain.CollaborationState{
		WorkflowID:  workflowID,
		Nodes:       []domain.Element{},
		Edges:       []domain.Element{},
		ActiveUsers: activeUsers,
		ActiveLocks: activeLocks,
		LoadedAt:    s.now(),
	}
	if state.ActiveUsers == nil {
		state.ActiveUsers = []domain.UserPresence{}
	}
	if state.ActiveLocks == nil {
		state.ActiveLocks = []domain.NodeLock{}
	}

	doc, err := s.store.Find(ctx, workflowID)
	if err != nil {
		level := s.logger.Warn
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			level = s.logger.Debug
		}
		level("loading minimal collaboration state",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		return state
	}

	if doc.Nodes != nil {
		state.Nodes = doc.Nodes
	}
	if doc.Edges != nil {
		state.Edges = doc.Edges
	}
	state.Viewport = doc.Viewport
	state.LastModified = doc.LastModified
	return state
}

// SaveWorkflowState validates and overwrites the nodes, edges, viewport and
// lastModified of a workflow. A zero lastModified is stamped with the
// current time.
func (s *Service) SaveWorkflowState(ctx context.Context, workflowID string, state domain.WorkflowState) error {
	if err := s.validator.Validate(&state); err != nil {
		return err
	}
	if state.Nodes == nil {
		state.Nodes = []domain.Element{}
	}
	if state.Edges == nil {
		state.Edges = []domain.Element{}
	}
	if state.LastModified == 0 {
		state.LastModified = domain.TimestampFromTime(s.now())
	}

	err := s.replace(ctx, workflowID, state)

	if err != nil {
		s.logger.Error("failed to save workflow state",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		return err
	}

	s.logger.Info("workflow state saved",
		zap.String("workflow_id", workflowID),
		zap.Int("nodes", len(state.Nodes)),
		zap.Int("edges", len(state.Edges)))

	s.publish(ctx, domain.Event{
		ID:         uuid.New().String(),
		Type:       domain.EventTypeStateSaved,
		WorkflowID: workflowID,
		Timestamp:  s.now(),
		Data: map[string]interface{}{
			"nodes":         len(state.Nodes),
			"edges":         len(state.Edges),
			"last_modified": state.LastModified,
		},
	})

	return nil
}

// Ping reports whether the backing store is reachable
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// publish sends an event to the change feed; failures are only logged
func (s *Service) publish(ctx context.Context, event domain.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, domain.TopicWorkflowChanges, event); err != nil {
		s.logger.Warn("failed to publish change event",
			zap.String("workflow_id", event.WorkflowID),
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}

func (s *Service) replace(ctx context.Context, workflowID string, state domain.WorkflowState) error {
	unlock := s.lockWorkflow(workflowID)
	defer unlock()

	return s.store.Replace(ctx, workflowID, state)
}

// lockWorkflow acquires the writer lock of a workflow and returns its
// release function. Idle entries are dropped on release.
func (s *Service) lockWorkflow(workflowID string) func() {
	s.mu.Lock()
	l, ok := s.writers[workflowID]
	if !ok {
		l = &workflowLock{}
		s.writers[workflowID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()

	return func() {
		l.mu.Unlock()

		s.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.writers, workflowID)
		}
		s.mu.Unlock()
	}
}
