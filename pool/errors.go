package pool

import (
	"github.com/pkg/errors"
)

var ErrUnknownMember = errors.New("unknown member")
var ErrNotAMember = errors.New("candidate is not a member of the pool")
var ErrPoolClosed = errors.New("pool is closed")
var ErrPoolTerminated = errors.New("pool has been terminated")
var ErrPoolEnded = errors.New("pool has ended")
var ErrHistoryUnavailable = errors.New("requested event history is no longer available")

var ErrImplementationMismatch = errors.New("implementation version does not match the pool")
var ErrInvalidCredentials = errors.New("invalid credentials for pool")
