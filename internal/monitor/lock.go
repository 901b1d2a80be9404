package monitor

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrLocked means another session holds the lock file.
var ErrLocked = errors.New("another session is already running")

// AcquireLock creates the lock file exclusively, pinning at-most-one live
// session per data directory. The returned release func removes it.
func AcquireLock(path string) (release func(), err error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if os.IsExist(err) {
			pid := "unknown"
			if b, readErr := os.ReadFile(path); readErr == nil {
				if s := strings.TrimSpace(string(b)); s != "" {
					pid = s
				}
			}
			return nil, fmt.Errorf("%w (lock %s held by pid %s)", ErrLocked, path, pid)
		}
		return nil, fmt.Errorf("create lock %s: %w", path, err)
	}
	_, writeErr := f.WriteString(strconv.Itoa(os.Getpid()) + "\n")
	closeErr := f.Close()
	if writeErr != nil || closeErr != nil {
		os.Remove(path)
		return nil, fmt.Errorf("write lock %s: %w", path, errors.Join(writeErr, closeErr))
	}
	return func() { os.Remove(path) }, nil
}
