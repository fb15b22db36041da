// Package types provides shared primitives for the workflow engine:
// the structured error type with unified error codes, and the opaque
// Map used for agent properties and execution context. Both serialize
// at the persistence and HTTP boundaries.
package types
