package db

import (
	"context"
	"errors"

	"pmdatabase/model"
)

var ErrUnknownTable = errors.New("unknown table")

// Store is the read side of a provisioned datafile.
type Store interface {
	Ping(ctx context.Context) error
	SchemaObjects() ([]SchemaObject, error)
	CountRows(table string) (int64, error)
	RowCounts() (map[string]int64, error)
	GetTestingSession() (*model.TestingSession, error)
	GetPSU() (*model.PSU, error)
	Close() error
}
