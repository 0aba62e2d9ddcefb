// Package taskid defines the module host's opaque task identity; the
// path-resolution rules built on top of it live in internal/storage.
//
// Grounded on kazuph-wallfacer's internal/store, which also derives task
// directories from a uuid.UUID task ID (changkun.de/wallfacer/internal/store/tasks.go,
// filepath.Join(s.dir, task.ID.String())); here the ID additionally carries
// the "t_" prefix spec.md mandates so the registry can distinguish task
// directories from any other entry under storage root by name alone.
package taskid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix is prepended to every task ID's UUID component.
const Prefix = "t_"

// ID is a task's opaque identity: "t_" followed by a UUIDv4.
type ID string

// New allocates a fresh, globally-unique task ID.
func New() ID {
	return ID(Prefix + uuid.NewString())
}

// Valid reports whether s has the "t_" prefix a task directory name must
// carry. Counting rules (capacity gate, /info) and path lookups both rely
// on this instead of a separate registry of known IDs.
func Valid(s string) bool {
	return strings.HasPrefix(s, Prefix) && len(s) > len(Prefix)
}

// Parse validates and wraps s as an ID.
func Parse(s string) (ID, error) {
	if !Valid(s) {
		return "", fmt.Errorf("invalid task id %q: missing %q prefix", s, Prefix)
	}
	return ID(s), nil
}

func (id ID) String() string { return string(id) }
