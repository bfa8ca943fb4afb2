package workflowsync

import (
	"fmt"

	"github.com/aescanero/dago-collab/pkg/domain"
)

// mutation is the outcome of applying one change to a document. A nil list
// means that list is untouched.
type mutation struct {
	nodes []domain.Element
	edges []domain.Element
}

// applyToDocument computes the new element lists for change without touching
// doc
func applyToDocument(doc *domain.WorkflowDocument, change domain.WorkflowChange) (mutation, error) {
	data := domain.Element(change.Data())
	id := change.ElementID()

	switch change.Type() {
	case domain.ChangeNodeAdd:
		return mutation{nodes: upsert(doc.Nodes, data)}, nil

	case domain.ChangeEdgeAdd:
		return mutation{edges: upsert(doc.Edges, data)}, nil

	case domain.ChangeNodeUpdate:
		idx := indexOf(doc.Nodes, id)
		if idx < 0 {
			return mutation{}, fmt.Errorf("%w: node %s", domain.ErrElementNotFound, id)
		}
		nodes := copyList(doc.Nodes)
		nodes[idx] = data
		return mutation{nodes: nodes}, nil

	case domain.ChangeNodeMove:
		idx := indexOf(doc.Nodes, id)
		if idx < 0 {
			return mutation{}, fmt.Errorf("%w: node %s", domain.ErrElementNotFound, id)
		}
		position, ok := data["position"]
		if !ok {
			return mutation{}, fmt.Errorf("%w: node_move requires data.position", domain.ErrInvalidChange)
		}
		nodes := copyList(doc.Nodes)
		moved := nodes[idx].Clone()
		moved["position"] = position
		nodes[idx] = moved
		return mutation{nodes: nodes}, nil

	case domain.ChangeNodeDelete:
		m := mutation{nodes: remove(doc.Nodes, id)}
		connected := make([]domain.Element, 0, len(doc.Edges))
		for _, edge := range doc.Edges {
			if edge["source"] == id || edge["target"] == id {
				continue
			}
			connected = append(connected, edge)
		}
		if len(connected) != len(doc.Edges) {
			m.edges = connected
		}
		return m, nil

	case domain.ChangeEdgeDelete:
		return mutation{edges: remove(doc.Edges, id)}, nil
	}

	return mutation{}, fmt.Errorf("%w: unknown type %q", domain.ErrInvalidChange, change.Type())
}

func indexOf(list []domain.Element, id string) int {
	for i, e := range list {
		if e.ID() == id {
			return i
		}
	}
	return -1
}

func copyList(list []domain.Element) []domain.Element {
	out := make([]domain.Element, len(list))
	copy(out, list)
	return out
}

// upsert replaces the element with the same id or appends it
func upsert(list []domain.Element, e domain.Element) []domain.Element {
	out := copyList(list)
	if idx := indexOf(out, e.ID()); idx >= 0 {
		out[idx] = e
		return out
	}
	return append(out, e)
}

func remove(list []domain.Element, id string) []domain.Element {
	out := make([]domain.Element, 0, len(list))
	for _, e := range list {
		if e.ID() != id {
			out = append(out, e)
		}
	}
	return out
}
