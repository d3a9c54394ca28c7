package spool

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// PathFor reverses spec.md §6: "path in_dir/aaaaaaaa/bbbb/cccc/ddee/
// ffgghhiijjkk reversible by from_path", fanning out the UUID's own bytes
// into directory components so no single directory holds more than a
// bounded number of spool files regardless of total message volume.
func PathFor(inDir string, id uuid.UUID) string {
	b := id // [16]byte
	a := fmt.Sprintf("%08x", uint32(b[0])<<24|uint32(b[1])<<16|uint32(b[2])<<8|uint32(b[3]))
	bb := fmt.Sprintf("%04x", uint16(b[4])<<8|uint16(b[5]))
	c := fmt.Sprintf("%04x", uint16(b[6])<<8|uint16(b[7]))
	de := fmt.Sprintf("%02x%02x", b[8], b[9])
	rest := fmt.Sprintf("%02x%02x%02x%02x%02x%02x", b[10], b[11], b[12], b[13], b[14], b[15])
	return filepath.Join(inDir, a, bb, c, de, rest)
}

// FromPath reconstructs the UUID from a path produced by PathFor, returning
// false if path does not have the expected five-component hashed shape.
func FromPath(inDir, path string) (uuid.UUID, bool) {
	rel, err := filepath.Rel(inDir, path)
	if err != nil {
		return uuid.UUID{}, false
	}
	parts := strings.Split(filepath.ToSlash(rel), "/")
	if len(parts) != 5 {
		return uuid.UUID{}, false
	}
	hexStr := parts[0] + parts[1] + parts[2] + parts[3] + parts[4]
	if len(hexStr) != 32 {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(hexStr)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}
