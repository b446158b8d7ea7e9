//go:build unix

package diskcheck

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FilesystemUsage reads size and free space of the filesystem holding path.
func FilesystemUsage(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, fmt.Errorf("statfs %s: %w", path, err)
	}
	bsize := uint64(st.Bsize)
	return Usage{
		Total: uint64(st.Blocks) * bsize,
		Free:  uint64(st.Bfree) * bsize,
	}, nil
}
