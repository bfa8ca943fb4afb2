// Package ports declares the collaborators the collaboration core consumes:
// persistence, metrics, authentication, authorization and the change feed.
package ports
