package auth

import (
	"context"
	"errors"
	"slices"

	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/aescanero/dago-collab/pkg/ports"
	"go.uber.org/zap"
)

// StoreAccessChecker implements ports.AccessChecker from workflow documents
type StoreAccessChecker struct {
	store  ports.WorkflowStore
	logger *zap.Logger
}

// NewStoreAccessChecker creates an access checker backed by store
func NewStoreAccessChecker(store ports.WorkflowStore, logger *zap.Logger) *StoreAccessChecker {
	return &StoreAccessChecker{
		store:  store,
		logger: logger,
	}
}

// CanAccess grants the owner, any collaborator, or anyone on a public
// workflow. A missing workflow is denied without error; store failures are
// returned so the caller can refuse the connection.
func (c *StoreAccessChecker) CanAccess(ctx context.Context, userID, workflowID string) (bool, error) {
	doc, err := c.store.Find(ctx, workflowID)
	if err != nil {
		if errors.Is(err, domain.ErrWorkflowNotFound) {
			c.logger.Debug("access denied to unknown workflow",
				zap.String("workflow_id", workflowID),
				zap.String("user_id", userID))
			return false, nil
		}
		return false, err
	}

	if doc.Public || doc.OwnerID == userID || slices.Contains(doc.Collaborators, userID) {
		return true, nil
	}

	c.logger.Debug("access denied",
		zap.String("workflow_id", workflowID),
		zap.String("user_id", userID))
	return false, nil
}
