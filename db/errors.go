package db

import (
	"errors"
	"fmt"
	"io/fs"
)

var (
	ErrAlreadyExists    = errors.New("database file already exists")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSchemaCreation   = errors.New("schema creation failed")
	ErrFixture          = errors.New("development content generation failed")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrSchemaIncomplete = errors.New("schema incomplete")
)

// classifyFSError tags permission failures with ErrPermissionDenied so callers
// only need errors.Is against the sentinels.
func classifyFSError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) && !errors.Is(err, ErrPermissionDenied) {
		return fmt.Errorf("%w: %w", ErrPermissionDenied, err)
	}
	return err
}
