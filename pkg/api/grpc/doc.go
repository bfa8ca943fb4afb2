// Package grpc exposes the standard gRPC health service for the
// collaboration server.
package grpc
