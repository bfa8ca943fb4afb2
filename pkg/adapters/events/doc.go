// Package events provides change feed publishers.
//
// Implementations:
//   - redis: Redis Streams, one stream per topic
//   - memory: In-process handlers for testing and single-node development
package events
