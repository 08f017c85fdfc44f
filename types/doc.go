// Package types defines the shared domain model of the retrieval engine:
// chunks, documents, graph entities with provenance, and the structured
// error taxonomy used across all stores.
package types
