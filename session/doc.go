// Package session houses the in-memory implementation of
// core.ConversationStore. The interface itself lives in the core package so
// higher level packages (runner, maintenance) do not depend on concrete
// storage.
//
// The durable gorm backend lives in package store; only the wiring layer
// decides which implementation to instantiate.
package session
