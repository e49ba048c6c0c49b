package service

import "errors"

var (
	ErrSessionNotFound = errors.New("session not found")

	ErrTaskNotRegistered     = errors.New("task function not registered")
	ErrTaskAlreadyRegistered = errors.New("task function already registered under this name")
	ErrAlreadyRunning        = errors.New("another instance of this task is already running")
	ErrInvalidUniqueMode     = errors.New("unique mode must be empty, global or user")

	ErrSelfJoin    = errors.New("a task cannot join itself")
	ErrJoinTimeout = errors.New("timed out waiting for task to finish")
)
