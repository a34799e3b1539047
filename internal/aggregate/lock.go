package aggregate

import "errors"

// errLocked means another writer holds the experiment lock.
var errLocked = errors.New("experiment directory locked")
