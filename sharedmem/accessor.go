package sharedmem

import (
	"path/filepath"
)

// DirSuffix is appended to each configured parent directory.
const DirSuffix = `AzureFunctions`

// Accessor creates, opens and deletes named segments.
type Accessor interface {
	// Create maps a new segment of size bytes (header included). It fails
	// with ErrSegmentExists if the name is in use, or ErrSegmentInitialized
	// if the mapped region already has the flag set.
	Create(name string, size int64) (*Segment, error)
	// Open maps an existing segment for reading. A size of zero maps the
	// whole segment.
	Open(name string, size int64) (*Segment, error)
	// Delete removes the backing resource. Existing mappings stay valid.
	Delete(name string) error
}

// Dirs returns the segment directories for the given parents.
func Dirs(parents []string) []string {
	dirs := make([]string, 0, len(parents))
	for _, p := range parents {
		dirs = append(dirs, filepath.Join(p, DirSuffix))
	}
	return dirs
}
