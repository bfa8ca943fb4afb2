package ports

import (
	"context"

	"github.com/aescanero/dago-collab/pkg/domain"
)

// WorkflowStore is the document store keyed by workflow id.
// Find returns domain.ErrWorkflowNotFound for unknown ids; transport failures
// are wrapped with domain.ErrStoreUnavailable.
type WorkflowStore interface {
	Find(ctx context.Context, workflowID string) (*domain.WorkflowDocument, error)
	UpdateNodes(ctx context.Context, workflowID string, nodes []domain.Element, lastModified float64) error
	UpdateEdges(ctx context.Context, workflowID string, edges []domain.Element, lastModified float64) error
	Replace(ctx context.Context, workflowID string, state domain.WorkflowState) error
	Ping(ctx context.Context) error
}
