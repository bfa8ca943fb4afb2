// Package workflowsync applies collaborative edits to persisted workflow
// documents, resolves last-write-wins conflicts and builds the snapshots
// sent to joining clients.
package workflowsync
