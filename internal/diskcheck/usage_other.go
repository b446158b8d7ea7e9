//go:build !unix

package diskcheck

import (
	"errors"
	"runtime"
)

// FilesystemUsage is not available on this platform.
func FilesystemUsage(path string) (Usage, error) {
	return Usage{}, errors.New("filesystem usage is not supported on " + runtime.GOOS)
}
