// Package ids holds the identifier errors shared by every storage backend.
package ids

import "github.com/go-faster/errors"

// ErrInvalid is returned when an identifier cannot be mapped to the storage
// engine's native reference type. Backends report it before issuing a query.
var ErrInvalid = errors.New("invalid id format")
