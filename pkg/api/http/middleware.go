package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/aescanero/dago-collab/pkg/domain"
	"github.com/aescanero/dago-collab/pkg/ports"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityKey = "identity"

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "OPTIONS, GET, PUT")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// authMiddleware verifies the bearer token and the caller's access to the
// workflow named by the :id parameter
func authMiddleware(verifier ports.TokenVerifier, access ports.AccessChecker, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if header == "" || token == header {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "bearer token required")
			return
		}

		identity, err := verifier.VerifyToken(c.Request.Context(), token)
		if err != nil {
			abortWithError(c, http.StatusUnauthorized, "UNAUTHENTICATED", "invalid token")
			return
		}

		workflowID := c.Param("id")
		ok, err := access.CanAccess(c.Request.Context(), identity.UserID, workflowID)
		if err != nil {
			logger.Error("access check failed",
				zap.String("workflow_id", workflowID),
				zap.String("user_id", identity.UserID),
				zap.Error(err))
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrStoreUnavailable) {
				status = http.StatusServiceUnavailable
			}
			abortWithError(c, status, "ACCESS_CHECK_FAILED", "could not verify access")
			return
		}
		if !ok {
			abortWithError(c, http.StatusForbidden, "FORBIDDEN", "access denied")
			return
		}

		c.Set(identityKey, identity)
		c.Next()
	}
}

func abortWithError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
		},
	})
}
