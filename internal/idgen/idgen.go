// Package idgen generates record identifiers.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New generates a random UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix generates a random ID with a prefix (e.g. "sale_").
// Result is prefix + 24 hex chars taken from a random UUID.
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
