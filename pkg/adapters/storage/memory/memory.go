package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/aescanero/dago-collab/pkg/domain"
)

// WorkflowStore implements ports.WorkflowStore using an in-memory map
type WorkflowStore struct {
	mu          sync.RWMutex
	documents   map[string]*domain.WorkflowDocument
	unavailable bool
}

// NewWorkflowStore creates an empty in-memory store
func NewWorkflowStore() *WorkflowStore {
	return &WorkflowStore{
		documents: make(map[string]*domain.WorkflowDocument),
	}
}

// SetUnavailable makes every call fail with domain.ErrStoreUnavailable,
// simulating an outage
func (s *WorkflowStore) SetUnavailable(unavailable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = unavailable
}

// Put inserts or overwrites a whole document
func (s *WorkflowStore) Put(ctx context.Context, doc *domain.WorkflowDocument) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("%w: document id is required", domain.ErrInvalidDocument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return domain.ErrStoreUnavailable
	}
	s.documents[doc.ID] = doc.Clone()
	return nil
}

// Find returns a copy of the document
func (s *WorkflowStore) Find(ctx context.Context, workflowID string) (*domain.WorkflowDocument, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable {
		return nil, domain.ErrStoreUnavailable
	}
	doc, ok := s.documents[workflowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
	}
	return doc.Clone(), nil
}

// UpdateNodes overwrites the nodes list and lastModified
func (s *WorkflowStore) UpdateNodes(ctx context.Context, workflowID string, nodes []domain.Element, lastModified float64) error {
	return s.update(workflowID, func(doc *domain.WorkflowDocument) {
		doc.Nodes = cloneElements(nodes)
		doc.LastModified = lastModified
	})
}

// UpdateEdges overwrites the edges list and lastModified
func (s *WorkflowStore) UpdateEdges(ctx context.Context, workflowID string, edges []domain.Element, lastModified float64) error {
	return s.update(workflowID, func(doc *domain.WorkflowDocument) {
		doc.Edges = cloneElements(edges)
		doc.LastModified = lastModified
	})
}

// Replace overwrites nodes, edges, viewport and lastModified
func (s *WorkflowStore) Replace(ctx context.Context, workflowID string, state domain.WorkflowState) error {
	return s.update(workflowID, func(doc *domain.WorkflowDocument) {
		doc.Nodes = cloneElements(state.Nodes)
		doc.Edges = cloneElements(state.Edges)
		doc.Viewport = state.Viewport
		doc.LastModified = state.LastModified
	})
}

// Ping reports whether the store is reachable
func (s *WorkflowStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable {
		return domain.ErrStoreUnavailable
	}
	return nil
}

// List returns the ids of all stored documents
func (s *WorkflowStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.unavailable {
		return nil, domain.ErrStoreUnavailable
	}
	ids := make([]string, 0, len(s.documents))
	for id := range s.documents {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *WorkflowStore) update(workflowID string, fn func(*domain.WorkflowDocument)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.unavailable {
		return domain.ErrStoreUnavailable
	}
	doc, ok := s.documents[workflowID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
	}
	fn(doc)
	return nil
}

func cloneElements(in []domain.Element) []domain.Element {
	out := make([]domain.Element, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
