// Package presence tracks who is connected and who is present in each
// workflow room.
//
// ConnectionRegistry maps a user to its live socket and fans messages out to
// a workflow. SessionRegistry maps a workflow to the presence metadata of its
// users and drops a room the moment its last user leaves. Each registry
// guards its own state with one mutex; no operation spans both.
package presence
