// Package workers runs the background housekeeping of the collaboration
// server.
//
// The housekeeper periodically:
//   - Drops idle rate limiter windows
//   - Sweeps expired node locks
//   - Probes the workflow store and reports the result to the gRPC health service
//   - Logs connection and session counts
package workers
