//go:build !unix

package aggregate

import (
	"errors"
	"fmt"
	"os"
)

// tryLock falls back to an exclusive-create marker file where flock is unavailable.
func tryLock(path string) (func() error, error) {
	f, err := os.OpenFile(path+".held", os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return nil, errLocked
		}
		return nil, fmt.Errorf("create lock marker: %w", err)
	}
	f.Close()
	return func() error { return os.Remove(path + ".held") }, nil
}
