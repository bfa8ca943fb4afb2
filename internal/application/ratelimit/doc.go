// Package ratelimit throttles inbound collaboration messages per user with a
// sliding window of at most N messages per window W.
//
// Implementations:
//   - SlidingWindow: in-process, one mutex guarding every user's window
//   - RedisSlidingWindow: sorted sets in Redis, shared by all instances
package ratelimit
