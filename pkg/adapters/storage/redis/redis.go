package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "collab:workflow:"

// maxUpdateRetries bounds optimistic-lock retries on concurrent writers
const maxUpdateRetries = 5

// WorkflowStore implements ports.WorkflowStore using Redis. Each document is
// one JSON string under collab:workflow:<id>.
type WorkflowStore struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewWorkflowStore creates a new Redis workflow store. A zero ttl keeps
// documents forever.
func NewWorkflowStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *WorkflowStore {
	return &WorkflowStore{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Put inserts or overwrites a whole document
func (s *WorkflowStore) Put(ctx context.Context, doc *domain.WorkflowDocument) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("%w: document id is required", domain.ErrInvalidDocument)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow: %w", err)
	}

	if err := s.client.Set(ctx, getWorkflowKey(doc.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("%w: failed to save workflow: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Find retrieves a workflow document
func (s *WorkflowStore) Find(ctx context.Context, workflowID string) (*domain.WorkflowDocument, error) {
	return s.get(ctx, s.client, workflowID)
}

// UpdateNodes overwrites the nodes list and lastModified
func (s *WorkflowStore) UpdateNodes(ctx context.Context, workflowID string, nodes []domain.Element, lastModified float64) error {
	return s.update(ctx, workflowID, func(doc *domain.WorkflowDocument) {
		doc.Nodes = nodes
		doc.LastModified = lastModified
	})
}

// UpdateEdges overwrites the edges list and lastModified
func (s *WorkflowStore) UpdateEdges(ctx context.Context, workflowID string, edges []domain.Element, lastModified float64) error {
	return s.update(ctx, workflowID, func(doc *domain.WorkflowDocument) {
		doc.Edges = edges
		doc.LastModified = lastModified
	})
}

// Replace overwrites nodes, edges, viewport and lastModified
func (s *WorkflowStore) Replace(ctx context.Context, workflowID string, state domain.WorkflowState) error {
	return s.update(ctx, workflowID, func(doc *domain.WorkflowDocument) {
		doc.WorkflowState = state
	})
}

// Ping checks the Redis connection
func (s *WorkflowStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// List returns the ids of all stored documents
func (s *WorkflowStore) List(ctx context.Context) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("%w: failed to scan keys: %v", domain.ErrStoreUnavailable, err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) > len(keyPrefix) {
			ids = append(ids, key[len(keyPrefix):])
		}
	}
	return ids, nil
}

// Delete removes a document
func (s *WorkflowStore) Delete(ctx context.Context, workflowID string) error {
	if err := s.client.Del(ctx, getWorkflowKey(workflowID)).Err(); err != nil {
		return fmt.Errorf("%w: failed to delete workflow: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// update runs a read-modify-write under WATCH so a concurrent writer on
// another instance forces a retry instead of a lost update
func (s *WorkflowStore) update(ctx context.Context, workflowID string, fn func(*domain.WorkflowDocument)) error {
	key := getWorkflowKey(workflowID)

	txf := func(tx *redis.Tx) error {
		doc, err := s.get(ctx, tx, workflowID)
		if err != nil {
			return err
		}

		fn(doc)

		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal workflow: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if s.ttl > 0 {
				pipe.Set(ctx, key, data, s.ttl)
			} else {
				pipe.Set(ctx, key, data, redis.KeepTTL)
			}
			return nil
		})
		return err
	}

	for i := 0; i < maxUpdateRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			s.logger.Debug("workflow updated", zap.String("workflow_id", workflowID))
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if errors.Is(err, domain.ErrWorkflowNotFound) || errors.Is(err, domain.ErrStoreUnavailable) {
			return err
		}
		return fmt.Errorf("%w: failed to update workflow: %v", domain.ErrStoreUnavailable, err)
	}

	return fmt.Errorf("%w: too many concurrent updates on %s", domain.ErrStoreUnavailable, workflowID)
}

func (s *WorkflowStore) get(ctx context.Context, c redis.Cmdable, workflowID string) (*domain.WorkflowDocument, error) {
	data, err := c.Get(ctx, getWorkflowKey(workflowID)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("%w: failed to get workflow: %v", domain.ErrStoreUnavailable, err)
	}

	var doc domain.WorkflowDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &doc, nil
}

// getWorkflowKey returns the Redis key for a workflow document
func getWorkflowKey(workflowID string) string {
	return keyPrefix + workflowID
}
