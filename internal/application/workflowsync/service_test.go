package workflowsync

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	eventsmemory "github.com/aescanero/dago-collab/pkg/adapters/events/memory"
	storagememory "github.com/aescanero/dago-collab/pkg/adapters/storage/memory"
	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var testNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	service *Service
	store   *storagememory.WorkflowStore
	events  *eventsmemory.Publisher
}

func setupService(t *testing.T) *testEnv {
	t.Helper()

	store := storagememory.NewWorkflowStore()
	require.NoError(t, store.Put(context.Background(), &domain.WorkflowDocument{
		ID:      "w1",
		OwnerID: "alice",
		WorkflowState: domain.WorkflowState{
			Nodes: []domain.Element{
				{"id": "n1", "type": "llm", "position": map[string]interface{}{"x": 0.0, "y": 0.0}},
				{"id": "n2", "type": "tool"},
			},
			Edges: []domain.Element{
				{"id": "e1", "source": "n1", "target": "n2"},
			},
			Viewport:     map[string]interface{}{"zoom": 1.0},
			LastModified: 1,
		},
	}))

	events := eventsmemory.NewPublisher()
	service := NewService(store, events, NewValidator(), zap.NewNop()).
		WithClock(func() time.Time { return testNow })

	return &testEnv{service: service, store: store, events: events}
}

func newChange(t *testing.T, id string, changeType domain.ChangeType, timestamp float64, data map[string]interface{}) domain.WorkflowChange {
	t.Helper()
	c, err := domain.NewWorkflowChange(id, changeType, "w1", "alice", timestamp, data, testNow)
	require.NoError(t, err)
	return c
}

func (e *testEnv) document(t *testing.T) *domain.WorkflowDocument {
	t.Helper()
	doc, err := e.store.Find(context.Background(), "w1")
	require.NoError(t, err)
	return doc
}

func TestService_ApplyChange(t *testing.T) {
	ctx := context.Background()

	t.Run("node_add appends", func(t *testing.T) {
		env := setupService(t)
		ok := env.service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeNodeAdd, 100, map[string]interface{}{"id": "n3"}))
		require.True(t, ok)

		doc := env.document(t)
		assert.Len(t, doc.Nodes, 3)
		assert.Equal(t, "n3", doc.Nodes[2].ID())
		assert.Equal(t, 100.0, doc.LastModified)
	})

	t.Run("node_add replaces same id", func(t *testing.T) {
		env := setupService(t)
		ok := env.service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeNodeAdd, 100, map[string]interface{}{"id": "n1", "type": "agent"}))
		require.True(t, ok)

		doc := env.document(t)
		assert.Len(t, doc.Nodes, 2)
		assert.Equal(t, "agent", doc.Nodes[0]["type"])
	})

	t.Run("node_update replaces", func(t *testing.T) {
		env := setupService(t)
		ok := env.service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeNodeUpdate, 100, map[string]interface{}{"id": "n2", "type": "retriever"}))
		require.True(t, ok)
		assert.Equal(t, "retriever", env.document(t).Nodes[1]["type"])
	})

	t.Run("node_update on missing node fails", func(t *testing.T) {
		env := setupService(t)
		ok := env.service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeNodeUpdate, 100, map[string]interface{}{"id": "ghost"}))
		assert.False(t, ok)
		assert.Equal(t, 1.0, env.document(t).LastModified)
	})

	t.Run("node_move merges position", func(t *testing.T) {
		env := setupService(t)
		ok := env.service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeNodeMove, 100, map[string]interface{}{
			"id":       "n1",
			"position": map[string]interface{}{"x": 50.0, "y": 60.0},
		}))
		require.True(t, ok)

		node := env.document(t).Nodes[0]
		assert.Equal(t, "llm", node["type"], "other fields survive a move")
		assert.Equal(t, 50.0, node["position"].(map[string]interface{})["x"])
	})

	t.Run("node_move on missing node fails", func(t *testing.T) {
		env := setupService(t)
		ok := env.service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeNodeMove, 100, map[string]interface{}{
			"id":       "ghost",
			"position": map[string]interface{}{"x": 1.0},
		}))
		assert.False(t, ok)
	})

	t.Run("node_delete removes connected edges", func(t *testing.T) {
		env := setupService(t)
		ok := env.service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeNodeDelete, 100, map[string]interface{}{"id": "n2"}))
		require.True(t, ok)

		doc := env.document(t)
		assert.Len(t, doc.Nodes, 1)
		assert.Empty(t, doc.Edges)
	})

	t.Run("delete of absent element succeeds", func(t *testing.T) {
		env := setupService(t)
		ok := env.service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeEdgeDelete, 100, map[string]interface{}{"id": "ghost"}))
		assert.True(t, ok)
		assert.Len(t, env.document(t).Edges, 1)
	})

	t.Run("edge_add and edge_delete", func(t *testing.T) {
		env := setupService(t)
		require.True(t, env.service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeEdgeAdd, 100, map[string]interface{}{
			"id": "e2", "source": "n2", "target": "n1",
		})))
		assert.Len(t, env.document(t).Edges, 2)

		require.True(t, env.service.ApplyChange(ctx, "w1", newChange(t, "c2", domain.ChangeEdgeDelete, 200, map[string]interface{}{"id": "e1"})))
		doc := env.document(t)
		require.Len(t, doc.Edges, 1)
		assert.Equal(t, "e2", doc.Edges[0].ID())
		assert.Equal(t, 200.0, doc.LastModified)
	})
}

func TestService_ApplyChangeFailures(t *testing.T) {
	ctx := context.Background()

	t.Run("missing workflow", func(t *testing.T) {
		env := setupService(t)
		c, err := domain.NewWorkflowChange("c1", domain.ChangeNodeAdd, "missing", "alice", 1, map[string]interface{}{"id": "n"}, testNow)
		require.NoError(t, err)
		assert.False(t, env.service.ApplyChange(ctx, "missing", c))
	})

	t.Run("workflow mismatch", func(t *testing.T) {
		env := setupService(t)
		c := newChange(t, "c1", domain.ChangeNodeAdd, 1, map[string]interface{}{"id": "n"})
		assert.False(t, env.service.ApplyChange(ctx, "w2", c))
	})

	t.Run("store unavailable", func(t *testing.T) {
		env := setupService(t)
		env.store.SetUnavailable(true)
		c := newChange(t, "c1", domain.ChangeNodeAdd, 1, map[string]interface{}{"id": "n"})
		assert.NotPanics(t, func() {
			assert.False(t, env.service.ApplyChange(ctx, "w1", c))
		})
		assert.Empty(t, env.events.Events(domain.TopicWorkflowChanges))
	})
}

func TestService_ApplyChangePublishesEvent(t *testing.T) {
	env := setupService(t)
	c := newChange(t, "c1", domain.ChangeNodeAdd, 100, map[string]interface{}{"id": "n3"})

	require.True(t, env.service.ApplyChange(context.Background(), "w1", c))

	events := env.events.Events(domain.TopicWorkflowChanges)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTypeChangeApplied, events[0].Type)
	assert.Equal(t, "w1", events[0].WorkflowID)
	assert.Equal(t, "alice", events[0].UserID)
	assert.Equal(t, "c1", events[0].Data["change_id"])
	assert.Equal(t, "n3", events[0].Data["element_id"])
}

func TestService_ConcurrentAppliesDoNotLoseEdits(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c := newChange(t, fmt.Sprintf("c%d", i), domain.ChangeNodeAdd, float64(100+i), map[string]interface{}{
				"id": fmt.Sprintf("added-%d", i),
			})
			env.service.ApplyChange(ctx, "w1", c)
		}(i)
	}
	wg.Wait()

	assert.Len(t, env.document(t).Nodes, 22)
	assert.Empty(t, env.service.writers, "idle writer locks are released")
}

func TestService_ResolveConflict(t *testing.T) {
	env := setupService(t)
	data := map[string]interface{}{"id": "n1"}

	t.Run("latest timestamp wins", func(t *testing.T) {
		older := newChange(t, "a", domain.ChangeNodeUpdate, 1000, data)
		newer := newChange(t, "b", domain.ChangeNodeUpdate, 2000, data)

		winner, err := env.service.ResolveConflict("w1", []domain.WorkflowChange{older, newer})
		require.NoError(t, err)
		assert.Equal(t, "b", winner.ID())

		winner, err = env.service.ResolveConflict("w1", []domain.WorkflowChange{newer, older})
		require.NoError(t, err)
		assert.Equal(t, "b", winner.ID())
	})

	t.Run("singleton", func(t *testing.T) {
		only := newChange(t, "only", domain.ChangeNodeUpdate, 1, data)
		winner, err := env.service.ResolveConflict("w1", []domain.WorkflowChange{only})
		require.NoError(t, err)
		assert.Equal(t, "only", winner.ID())
	})

	t.Run("tie broken by greatest id regardless of order", func(t *testing.T) {
		x := newChange(t, "x", domain.ChangeNodeUpdate, 500, data)
		y := newChange(t, "y", domain.ChangeNodeUpdate, 500, data)

		w1, err := env.service.ResolveConflict("w1", []domain.WorkflowChange{x, y})
		require.NoError(t, err)
		w2, err := env.service.ResolveConflict("w1", []domain.WorkflowChange{y, x})
		require.NoError(t, err)
		assert.Equal(t, "y", w1.ID())
		assert.Equal(t, "y", w2.ID())
	})

	t.Run("empty set", func(t *testing.T) {
		_, err := env.service.ResolveConflict("w1", nil)
		assert.ErrorIs(t, err, domain.ErrEmptyConflictSet)
	})
}

func TestService_LoadCollaborationState(t *testing.T) {
	ctx := context.Background()
	users := []domain.UserPresence{{UserID: "alice"}}
	locks := []domain.NodeLock{{NodeID: "n1", OwnerID: "alice"}}

	t.Run("merges document with live state", func(t *testing.T) {
		env := setupService(t)
		state := env.service.LoadCollaborationState(ctx, "w1", users, locks)

		assert.Equal(t, "w1", state.WorkflowID)
		assert.Len(t, state.Nodes, 2)
		assert.Len(t, state.Edges, 1)
		assert.Equal(t, 1.0, state.Viewport["zoom"])
		assert.Equal(t, 1.0, state.LastModified)
		assert.Equal(t, users, state.ActiveUsers)
		assert.Equal(t, locks, state.ActiveLocks)
		assert.Equal(t, testNow, state.LoadedAt)
	})

	t.Run("store down degrades to minimal snapshot", func(t *testing.T) {
		env := setupService(t)
		env.store.SetUnavailable(true)

		state := env.service.LoadCollaborationState(ctx, "w1", users, nil)
		require.NotNil(t, state)
		assert.NotNil(t, state.Nodes)
		assert.Empty(t, state.Nodes)
		assert.Empty(t, state.Edges)
		assert.Equal(t, users, state.ActiveUsers)
		assert.NotNil(t, state.ActiveLocks)
	})

	t.Run("missing workflow", func(t *testing.T) {
		env := setupService(t)
		state := env.service.LoadCollaborationState(ctx, "missing", nil, nil)
		assert.Empty(t, state.Nodes)
		assert.NotNil(t, state.ActiveUsers)
	})
}

func TestService_SaveWorkflowState(t *testing.T) {
	ctx := context.Background()

	t.Run("overwrites document", func(t *testing.T) {
		env := setupService(t)
		err := env.service.SaveWorkflowState(ctx, "w1", domain.WorkflowState{
			Nodes:    []domain.Element{{"id": "only"}},
			Viewport: map[string]interface{}{"zoom": 2.0},
		})
		require.NoError(t, err)

		doc := env.document(t)
		require.Len(t, doc.Nodes, 1)
		assert.Equal(t, "only", doc.Nodes[0].ID())
		assert.NotNil(t, doc.Edges)
		assert.Empty(t, doc.Edges)
		assert.Equal(t, domain.TimestampFromTime(testNow), doc.LastModified)

		events := env.events.Events(domain.TopicWorkflowChanges)
		require.Len(t, events, 1)
		assert.Equal(t, domain.EventTypeStateSaved, events[0].Type)
	})

	t.Run("rejects invalid graph", func(t *testing.T) {
		env := setupService(t)
		err := env.service.SaveWorkflowState(ctx, "w1", domain.WorkflowState{
			Nodes: []domain.Element{{"id": "a"}, {"id": "a"}},
		})
		assert.ErrorIs(t, err, domain.ErrInvalidDocument)
		assert.Len(t, env.document(t).Nodes, 2, "document untouched")
	})

	t.Run("missing workflow", func(t *testing.T) {
		env := setupService(t)
		err := env.service.SaveWorkflowState(ctx, "missing", domain.WorkflowState{})
		assert.ErrorIs(t, err, domain.ErrWorkflowNotFound)
	})
}

// recordingStore counts writes and can fail or panic on demand
type recordingStore struct {
	*storagememory.WorkflowStore

	mu        sync.Mutex
	writes    []string
	failWrite bool
	panicFind bool
}

func (r *recordingStore) Find(ctx context.Context, workflowID string) (*domain.WorkflowDocument, error) {
	r.mu.Lock()
	panicking := r.panicFind
	r.mu.Unlock()
	if panicking {
		panic("store exploded")
	}
	return r.WorkflowStore.Find(ctx, workflowID)
}

func (r *recordingStore) record(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, op)
	if r.failWrite {
		return domain.ErrStoreUnavailable
	}
	return nil
}

func (r *recordingStore) UpdateNodes(ctx context.Context, workflowID string, nodes []domain.Element, lastModified float64) error {
	if err := r.record("nodes"); err != nil {
		return err
	}
	return r.WorkflowStore.UpdateNodes(ctx, workflowID, nodes, lastModified)
}

func (r *recordingStore) UpdateEdges(ctx context.Context, workflowID string, edges []domain.Element, lastModified float64) error {
	if err := r.record("edges"); err != nil {
		return err
	}
	return r.WorkflowStore.UpdateEdges(ctx, workflowID, edges, lastModified)
}

func (r *recordingStore) Replace(ctx context.Context, workflowID string, state domain.WorkflowState) error {
	if err := r.record("replace"); err != nil {
		return err
	}
	return r.WorkflowStore.Replace(ctx, workflowID, state)
}

func TestService_NodeDeleteIsOneWrite(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	store := &recordingStore{WorkflowStore: env.store}
	service := NewService(store, nil, NewValidator(), zap.NewNop())

	t.Run("failed write leaves the document intact", func(t *testing.T) {
		store.failWrite = true
		ok := service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeNodeDelete, 100, map[string]interface{}{"id": "n2"}))
		assert.False(t, ok)
		assert.Equal(t, []string{"replace"}, store.writes)

		doc := env.document(t)
		assert.Len(t, doc.Nodes, 2)
		assert.Len(t, doc.Edges, 1)
	})

	t.Run("successful write updates both lists", func(t *testing.T) {
		store.failWrite = false
		store.writes = nil
		ok := service.ApplyChange(ctx, "w1", newChange(t, "c2", domain.ChangeNodeDelete, 200, map[string]interface{}{"id": "n2"}))
		require.True(t, ok)
		assert.Equal(t, []string{"replace"}, store.writes)

		doc := env.document(t)
		assert.Len(t, doc.Nodes, 1)
		assert.Empty(t, doc.Edges)
		assert.Equal(t, map[string]interface{}{"zoom": 1.0}, doc.Viewport)
		assert.Equal(t, 200.0, doc.LastModified)
	})

	t.Run("node without edges is a single node write", func(t *testing.T) {
		store.writes = nil
		require.True(t, service.ApplyChange(ctx, "w1", newChange(t, "c3", domain.ChangeNodeDelete, 300, map[string]interface{}{"id": "n1"})))
		assert.Equal(t, []string{"nodes"}, store.writes)
	})
}

func TestService_PanickingStoreReleasesWriterLock(t *testing.T) {
	ctx := context.Background()
	env := setupService(t)
	store := &recordingStore{WorkflowStore: env.store, panicFind: true}
	service := NewService(store, nil, NewValidator(), zap.NewNop())

	assert.Panics(t, func() {
		service.ApplyChange(ctx, "w1", newChange(t, "c1", domain.ChangeNodeAdd, 100, map[string]interface{}{"id": "n3"}))
	})

	store.mu.Lock()
	store.panicFind = false
	store.mu.Unlock()

	next := newChange(t, "c2", domain.ChangeNodeAdd, 200, map[string]interface{}{"id": "n4"})
	done := make(chan bool, 1)
	go func() {
		done <- service.ApplyChange(ctx, "w1", next)
	}()
	select {
	case ok := <-done:
		assert.True(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("writer lock still held after a panic")
	}
}
