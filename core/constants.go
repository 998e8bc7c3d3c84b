package core

import (
	"errors"
	"time"
)

const (
	NetworkTCP  = "tcp"
	NetworkUnix = "unix"

	DefaultBacklog  = 4096
	DefaultIdleWait = 100 * time.Millisecond
)

// Error definitions
var (
	ErrNetwork   = errors.New("unsupported network")
	ErrNoWorkers = errors.New("at least one worker is required")
	ErrAddress   = errors.New("invalid listen address")
)
