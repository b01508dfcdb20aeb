// Package store persists conversations, messages, escalations, call
// records, auth states and tenant variables with gorm. SQLite (pure Go) and
// Postgres are supported; one *Store implements every core store interface.
package store
