package model

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound             = errors.New("record not found")
	ErrValidation           = errors.New("validation error")
	ErrReferentialIntegrity = errors.New("referential integrity error")
	ErrStorageIO            = errors.New("storage io error")
	ErrGeneration           = errors.New("generation error")
)

// ValidationError reports a malformed or out-of-range field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ReferentialIntegrityError reports references to records that do not exist.
type ReferentialIntegrityError struct {
	Kind    Kind
	Missing []string
}

func (e *ReferentialIntegrityError) Error() string {
	return fmt.Sprintf("referential integrity: unknown %s ids: %s", e.Kind, strings.Join(e.Missing, ", "))
}

func (e *ReferentialIntegrityError) Is(target error) bool { return target == ErrReferentialIntegrity }

// StorageError wraps a persistence layer failure.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }

func (e *StorageError) Unwrap() error { return e.Err }

func (e *StorageError) Is(target error) bool { return target == ErrStorageIO }

// GenerationError wraps a failed or unparsable collaborator call.
type GenerationError struct {
	Op  string
	Err error
}

func (e *GenerationError) Error() string { return fmt.Sprintf("generation: %s: %v", e.Op, e.Err) }

func (e *GenerationError) Unwrap() error { return e.Err }

func (e *GenerationError) Is(target error) bool { return target == ErrGeneration }
