package id

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random job identifier. Hyphens are stripped so the value
// can be used directly as an object key segment and asynq task id.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether s looks like an identifier produced by New.
func Valid(s string) bool {
	if len(s) != 32 {
		return false
	}
	_, err := uuid.Parse(s)
	return err == nil
}
