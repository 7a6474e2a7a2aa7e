package growth

import (
	"memgrowth/internal/storage"
)

// ErrAllocationFailure is returned by RunOnce when an object could not be
// allocated. Objects created earlier in the same request stay retained.
var ErrAllocationFailure = storage.ErrAllocationFailure
