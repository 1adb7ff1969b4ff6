package execution

import "errors"

// Sentinel errors.
var (
	ErrEmptyCommand       = errors.New("empty command")
	ErrNoImage            = errors.New("container execution requested but no image specified")
	ErrUnknownRuntime     = errors.New("unknown runtime")
	ErrNoContainerRuntime = errors.New("task requires an environment but no container runtime is configured")
)
