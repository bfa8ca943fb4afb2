package ports

import (
	"context"

	"github.com/aescanero/dago-collab/pkg/domain"
)

// TokenVerifier resolves an access token to an identity.
// Invalid tokens yield an error wrapping domain.ErrUnauthenticated.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*domain.Identity, error)
}

// AccessChecker decides whether a user may join a workflow room
type AccessChecker interface {
	CanAccess(ctx context.Context, userID, workflowID string) (bool, error)
}
