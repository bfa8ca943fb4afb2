// Package websocket serves the real-time collaboration protocol.
//
// Clients connect to /ws/collaboration/:workflow_id with a bearer token in
// the token query parameter or the Authorization header. Every frame is a
// JSON object with a required type field.
package websocket
