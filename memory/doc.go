// Package memory provides a process-local knowledge base implementing
// core.KnowledgeSearcher. It backs the knowledge_lookup tool in tests, the
// example deployment and single-node setups; production deployments inject
// their own searcher.
package memory
