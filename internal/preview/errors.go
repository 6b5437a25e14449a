package preview

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors shared across the store, orchestrator, and web layers.
var (
	// ErrNotFound means no record matches the identifier.
	ErrNotFound = errors.New("preview not found")
	// ErrExists means a live (non-DESTROYED) record already holds the id.
	ErrExists = errors.New("preview already exists")
	// ErrUnauthorized means the request carried no valid bearer token.
	ErrUnauthorized = errors.New("unauthorized")
)

// ValidationError reports one or more invalid configuration fields.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid preview config: " + strings.Join(e.Problems, "; ")
}

// QuotaError is returned when an owner is over their plan's preview limit.
type QuotaError struct {
	OwnerID string
	Active  int
	Max     int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("preview quota exceeded: %d of %d previews in use", e.Active, e.Max)
}
