package util

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns a random record identifier, optionally prefixed with a
// lower-cased kind such as "square" or "dynasty".
func NewID(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return strings.ToLower(prefix) + "_" + id
}
