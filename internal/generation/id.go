package generation

import "github.com/oklog/ulid/v2"

// NewJobID returns a 26-char ULID, sortable by creation time.
func NewJobID() string {
	return ulid.Make().String()
}
