// Package domain holds the data model shared by the collaboration core:
// presence, node locks, workflow sessions, validated workflow changes and
// the persisted workflow document.
package domain
