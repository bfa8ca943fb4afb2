// Package locking implements advisory, time-limited node locks scoped to a
// workflow. Expired locks are treated as absent on every read and are
// removed lazily or by a periodic sweep.
package locking
