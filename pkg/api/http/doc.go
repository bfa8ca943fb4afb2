// Package http provides the HTTP surface of the collaboration server.
//
// The HTTP server exposes endpoints for:
//   - The collaboration WebSocket upgrade
//   - Live presence and lock introspection per workflow
//   - Full workflow state saves
//   - Health checks
//   - Prometheus metrics
package http
