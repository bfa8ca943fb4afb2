package workflowsync

import (
	"fmt"

	"github.com/aescanero/dago-collab/pkg/domain"
)

// Validator validates workflow graph structures before a full save
type Validator struct{}

// NewValidator creates a new graph validator
func NewValidator() *Validator {
	return &Validator{}
}

// Validate checks element ids are present and unique and that every edge
// connects existing nodes
func (v *Validator) Validate(state *domain.WorkflowState) error {
	if state == nil {
		return fmt.Errorf("%w: state is nil", domain.ErrInvalidDocument)
	}

	nodeIDs := make(map[string]bool, len(state.Nodes))
	for i, node := range state.Nodes {
		if err := v.validateElement(node); err != nil {
			return fmt.Errorf("%w: invalid node at index %d: %v", domain.ErrInvalidDocument, i, err)
		}

		if nodeIDs[node.ID()] {
			return fmt.Errorf("%w: duplicate node ID: %s", domain.ErrInvalidDocument, node.ID())
		}
		nodeIDs[node.ID()] = true
	}

	edgeIDs := make(map[string]bool, len(state.Edges))
	for i, edge := range state.Edges {
		if err := v.validateElement(edge); err != nil {
			return fmt.Errorf("%w: invalid edge at index %d: %v", domain.ErrInvalidDocument, i, err)
		}

		if edgeIDs[edge.ID()] {
			return fmt.Errorf("%w: duplicate edge ID: %s", domain.ErrInvalidDocument, edge.ID())
		}
		edgeIDs[edge.ID()] = true

		source, _ := edge["source"].(string)
		if !nodeIDs[source] {
			return fmt.Errorf("%w: edge %s references non-existent source node: %s", domain.ErrInvalidDocument, edge.ID(), source)
		}
		target, _ := edge["target"].(string)
		if !nodeIDs[target] {
			return fmt.Errorf("%w: edge %s references non-existent target node: %s", domain.ErrInvalidDocument, edge.ID(), target)
		}
	}

	return nil
}

// validateElement validates a single node or edge
func (v *Validator) validateElement(e domain.Element) error {
	if e == nil {
		return fmt.Errorf("element is nil")
	}
	if e.ID() == "" {
		return fmt.Errorf("element ID is required")
	}
	return nil
}
