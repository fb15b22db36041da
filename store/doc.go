// Package store is the row-oriented persistence layer of the workflow
// engine. It owns the GORM models for workflows, agents, dependency
// edges, and execution rows, and every state mutation in the system
// flows through it. Soft delete, replace-all sub-collection updates,
// pagination, and terminal-state transition guards live here.
package store
