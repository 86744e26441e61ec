package service

import "errors"

var (
	ErrMappingIncomplete   = errors.New("field mapping incomplete")
	ErrUnknownTargetField  = errors.New("unknown target field")
	ErrBatchNotExecutable  = errors.New("batch is not executable")
	ErrRollbackUnavailable = errors.New("rollback unavailable")
)
