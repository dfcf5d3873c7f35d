package chat

import (
	"strings"

	"github.com/oklog/ulid/v2"
)

// localIDPrefix marks ids that were generated on this device and have not
// been confirmed by the server yet.
const localIDPrefix = "local-"

// NewLocalID returns a temporary message id: a millisecond timestamp with a
// random suffix, monotonic within the process.
func NewLocalID() string {
	return localIDPrefix + ulid.Make().String()
}

// IsLocalID reports whether id was generated by NewLocalID.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localIDPrefix)
}
