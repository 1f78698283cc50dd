package core

import (
	"errors"
)

var (
	ErrInitializationFailed  = errors.New("initialization failed")
	ErrNoPhysicalDevice      = errors.New("no physical device")
	ErrSurfaceNotSupported   = errors.New("surface not supported")
	ErrWindowResizeFailed    = errors.New("surface resize failed")
	ErrImageTransitionFailed = errors.New("image transition failed")
	ErrShaderCompileFailed   = errors.New("shader compile failed")
	ErrUnsupportedFormat     = errors.New("unsupported format")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrNotImplemented        = errors.New("not implemented")
	ErrFileLoadFailed        = errors.New("file load failed")
	ErrEnqueueFailed         = errors.New("enqueue failed")
	ErrTimeout               = errors.New("timeout")

	ErrContextAlive   = errors.New("renderer context already alive")
	ErrAllocatorInUse = errors.New("allocator still owns live allocations")
	ErrDestroyed      = errors.New("object already destroyed")
)
