package core

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSortableID returns a ULID for records whose ids should sort by creation
// time (messages, escalations, calls).
func NewSortableID() string { return ulid.Make().String() }

// NewSortableIDAt returns a ULID whose timestamp component is t.
func NewSortableIDAt(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), ulid.DefaultEntropy()).String()
}
