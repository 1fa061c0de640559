// Package uuid provides identifier generation for local records and queue entries.
package uuid

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// UUID v4 format: xxxxxxxx-xxxx-4xxx-yxxx-xxxxxxxxxxxx
// where y is one of [8, 9, a, b] (variant bits)
var uuidV4Regex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-4[0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// LocalPrefix marks a placeholder server reference for records that the
// remote store has not accepted yet.
const LocalPrefix = "local_"

// New generates a new UUID v4. Used for record local_ids and queue change_ids.
func New() string {
	return uuid.New().String()
}

// NewPlaceholder generates a temporary server reference for a locally-created
// record. It is replaced by the real server_id once the create push lands.
func NewPlaceholder() string {
	return LocalPrefix + uuid.New().String()
}

// IsPlaceholder reports whether a server reference is a local placeholder.
func IsPlaceholder(s string) bool {
	return strings.HasPrefix(s, LocalPrefix)
}

// IsValid checks if a string is a valid UUID v4.
// Enforces strict format with dashes and correct variant bits.
func IsValid(s string) bool {
	return uuidV4Regex.MatchString(s)
}

// Validate returns an error if the string is not a valid UUID v4.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid UUID v4 format: %q", s)
	}
	return nil
}
