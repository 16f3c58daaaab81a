package studio

import (
	"errors"
	"fmt"
)

var (
	ErrMalformedPayload   = errors.New("malformed payload")
	ErrUnknownParticipant = errors.New("unknown participant")
	ErrStorageFailure     = errors.New("storage failure")
	ErrNotFound           = errors.New("not found")
	ErrAlreadyExists      = errors.New("already exists")
)

func malformed(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrMalformedPayload, fmt.Sprintf(format, args...))
}

func storageFailure(op string, err error) error {
	if errors.Is(err, ErrStorageFailure) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorageFailure, op, err)
}
