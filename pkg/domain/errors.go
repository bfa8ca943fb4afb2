package domain

import "errors"

var (
	// ErrWorkflowNotFound is returned by stores when no document exists for an id
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrStoreUnavailable wraps transport-level persistence failures
	ErrStoreUnavailable = errors.New("workflow store unavailable")

	// ErrElementNotFound is returned when a change targets a node or edge that does not exist
	ErrElementNotFound = errors.New("element not found")

	// ErrInvalidChange is returned when a WorkflowChange fails validation
	ErrInvalidChange = errors.New("invalid workflow change")

	// ErrInvalidDocument is returned when a full workflow state fails validation
	ErrInvalidDocument = errors.New("invalid workflow document")

	// ErrEmptyConflictSet is returned when conflict resolution receives no candidates
	ErrEmptyConflictSet = errors.New("no changes to resolve")

	// ErrUnauthenticated is returned when a token cannot be verified
	ErrUnauthenticated = errors.New("authentication failed")

	// ErrForbidden is returned when a user may not access a workflow
	ErrForbidden = errors.New("access denied")
)
