package db

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"pmdatabase/model"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type SQLStore struct {
	db *gorm.DB
}

func NewSQLStore(db *gorm.DB) *SQLStore {
	return &SQLStore{db: db}
}

// OpenSQLStore opens an existing datafile. It does not create one.
func OpenSQLStore(path string, l gormlogger.Interface) (*SQLStore, error) {
	exists, err := CheckExists(path)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("%w: database file %s does not exist", ErrInvalidArgument, path)
	}
	gdb, err := OpenDatafile(path, l)
	if err != nil {
		return nil, err
	}
	return NewSQLStore(gdb), nil
}

// Ping verifies the underlying database connection is healthy.
func (s *SQLStore) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sql store is not initialized")
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// SchemaObjects returns the user defined tables, indexes and triggers,
// ordered by type and name.
func (s *SQLStore) SchemaObjects() ([]SchemaObject, error) {
	var objects []SchemaObject
	err := s.db.
		Table("sqlite_master").
		Select("type, name, tbl_name, COALESCE(sql, '') AS sql").
		Where("name NOT LIKE ?", "sqlite_%").
		Order("type, name").
		Scan(&objects).Error
	return objects, err
}

// CountRows returns the number of rows in one of the provisioned tables.
func (s *SQLStore) CountRows(table string) (int64, error) {
	if !slices.Contains(ExpectedTables, table) {
		return 0, fmt.Errorf("%w: %s", ErrUnknownTable, table)
	}
	var count int64
	err := s.db.Table(table).Count(&count).Error
	return count, err
}

// RowCounts returns the row count of every provisioned table keyed by name.
func (s *SQLStore) RowCounts() (map[string]int64, error) {
	counts := make(map[string]int64, len(ExpectedTables))
	for _, t := range ExpectedTables {
		n, err := s.CountRows(t)
		if err != nil {
			return nil, fmt.Errorf("counting %s: %w", t, err)
		}
		counts[t] = n
	}
	return counts, nil
}

// GetTestingSession returns the first testing session with its PATE, or nil
// when there is none.
func (s *SQLStore) GetTestingSession() (*model.TestingSession, error) {
	var session model.TestingSession
	err := s.db.Preload("Pate").Order("id").First(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &session, nil
}

// GetPSU returns the power supply row, or nil when it was never written.
func (s *SQLStore) GetPSU() (*model.PSU, error) {
	var psu model.PSU
	err := s.db.First(&psu).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &psu, nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return closeDB(s.db)
}
