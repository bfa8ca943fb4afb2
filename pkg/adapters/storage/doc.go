// Package storage provides workflow document store implementations.
//
// Implementations:
//   - redis: Redis with JSON serialization and optional TTL
//   - mongo: MongoDB collection of workflow documents
//   - memory: In-memory for testing and single-node development
package storage
