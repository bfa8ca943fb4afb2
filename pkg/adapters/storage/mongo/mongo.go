package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aescanero/dago-collab/pkg/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.uber.org/zap"
)

// Connect opens a client configured so that free-form element payloads
// decode into plain maps instead of ordered bson documents
func Connect(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	opts := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(timeout).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}

	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	return client, nil
}

// WorkflowStore implements ports.WorkflowStore on a MongoDB collection whose
// documents are keyed by workflow id
type WorkflowStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     *zap.Logger
}

// NewWorkflowStore creates a store over database.collection
func NewWorkflowStore(client *mongo.Client, database, collection string, logger *zap.Logger) *WorkflowStore {
	return &WorkflowStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
		logger:     logger,
	}
}

// Put inserts or overwrites a whole document
func (s *WorkflowStore) Put(ctx context.Context, doc *domain.WorkflowDocument) error {
	if doc == nil || doc.ID == "" {
		return fmt.Errorf("%w: document id is required", domain.ErrInvalidDocument)
	}

	_, err := s.collection.ReplaceOne(ctx, bson.M{"_id": doc.ID}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("%w: failed to save workflow: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Find retrieves a workflow document
func (s *WorkflowStore) Find(ctx context.Context, workflowID string) (*domain.WorkflowDocument, error) {
	var doc domain.WorkflowDocument
	err := s.collection.FindOne(ctx, bson.M{"_id": workflowID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
		}
		return nil, fmt.Errorf("%w: failed to find workflow: %v", domain.ErrStoreUnavailable, err)
	}

	for i := range doc.Nodes {
		doc.Nodes[i] = normalize(doc.Nodes[i]).(map[string]interface{})
	}
	for i := range doc.Edges {
		doc.Edges[i] = normalize(doc.Edges[i]).(map[string]interface{})
	}
	if doc.Viewport != nil {
		doc.Viewport = normalize(doc.Viewport).(map[string]interface{})
	}
	return &doc, nil
}

// UpdateNodes overwrites the nodes list and lastModified
func (s *WorkflowStore) UpdateNodes(ctx context.Context, workflowID string, nodes []domain.Element, lastModified float64) error {
	return s.set(ctx, workflowID, bson.M{
		"nodes":        nonNil(nodes),
		"lastModified": lastModified,
	})
}

// UpdateEdges overwrites the edges list and lastModified
func (s *WorkflowStore) UpdateEdges(ctx context.Context, workflowID string, edges []domain.Element, lastModified float64) error {
	return s.set(ctx, workflowID, bson.M{
		"edges":        nonNil(edges),
		"lastModified": lastModified,
	})
}

// Replace overwrites nodes, edges, viewport and lastModified
func (s *WorkflowStore) Replace(ctx context.Context, workflowID string, state domain.WorkflowState) error {
	return s.set(ctx, workflowID, bson.M{
		"nodes":        nonNil(state.Nodes),
		"edges":        nonNil(state.Edges),
		"viewport":     state.Viewport,
		"lastModified": state.LastModified,
	})
}

// Ping checks the primary is reachable
func (s *WorkflowStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, readpref.Primary()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *WorkflowStore) set(ctx context.Context, workflowID string, fields bson.M) error {
	res, err := s.collection.UpdateOne(ctx, bson.M{"_id": workflowID}, bson.M{"$set": fields})
	if err != nil {
		return fmt.Errorf("%w: failed to update workflow: %v", domain.ErrStoreUnavailable, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", domain.ErrWorkflowNotFound, workflowID)
	}

	s.logger.Debug("workflow updated",
		zap.String("workflow_id", workflowID),
		zap.Int64("modified", res.ModifiedCount))
	return nil
}

// normalize converts decoded bson containers into plain maps and slices so
// element payloads look the same whichever store loaded them
func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case primitive.M:
		return normalize(map[string]interface{}(t))
	case domain.Element:
		return normalize(map[string]interface{}(t))
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = normalize(item)
		}
		return out
	case primitive.D:
		return normalize(t.Map())
	case primitive.A:
		return normalize([]interface{}(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = normalize(item)
		}
		return out
	default:
		return v
	}
}

// nonNil keeps empty lists stored as [] rather than null
func nonNil(elements []domain.Element) []domain.Element {
	if elements == nil {
		return []domain.Element{}
	}
	return elements
}
