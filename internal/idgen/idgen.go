package idgen

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// New returns a UUIDv7 identifier string.
// If UUIDv7 generation fails, it falls back to a random UUIDv4.
func New() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// NewULID returns a lexicographically sortable identifier. Used for
// store-generated row ids where insertion order matters.
func NewULID() string {
	return ulid.Make().String()
}

var customIDPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._-]*[a-zA-Z0-9])?$`)

// ValidateCustomID checks that id is a valid caller-provided identifier.
// Ids are opaque to the core; the only rules are a sane character set and
// a max length of 128 so they can be used in URLs and index keys.
func ValidateCustomID(id string) error {
	if id == "" {
		return fmt.Errorf("id is required")
	}
	if len(id) > 128 {
		return fmt.Errorf("id too long (max 128 characters)")
	}
	if !customIDPattern.MatchString(id) {
		return fmt.Errorf("id %q is invalid: must match %s", id, customIDPattern.String())
	}
	return nil
}
