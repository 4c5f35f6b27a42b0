package db

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"pmdatabase/logging"
	"pmdatabase/model"

	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	DefaultDBPath     = "/srv/pmdatabase/pmdata.sqlite3"
	DefaultMaxBackups = 5

	dsnParams = "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
)

// Options controls a single provisioning run.
type Options struct {
	Path  string
	Mode  model.InstanceMode
	Force bool

	// Backup copies an existing datafile aside before Force removes it.
	Backup     bool
	MaxBackups int

	FileOwner *Owner
	DirOwner  *Owner

	Fixtures FixtureOptions
	Logger   *zap.SugaredLogger
	Now      func() time.Time
}

// Result describes the datafile a successful run produced.
type Result struct {
	Path       string
	Mode       model.InstanceMode
	Size       int64
	Replaced   bool
	BackupPath string
}

// Validate checks everything that can be checked without touching the
// file system.
func (o Options) Validate() error {
	if o.Path == "" {
		return fmt.Errorf("%w: database path is empty", ErrInvalidArgument)
	}
	if !o.Mode.IsValid() {
		return fmt.Errorf("%w: invalid instance mode %q, expected one of %s", ErrInvalidArgument, o.Mode, model.JoinModes("|"))
	}
	if o.MaxBackups < 0 {
		return fmt.Errorf("%w: max backups must not be negative, got %d", ErrInvalidArgument, o.MaxBackups)
	}
	if o.Mode.SeedsFixtures() {
		if err := o.Fixtures.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func (o Options) logger() *zap.SugaredLogger {
	if o.Logger == nil {
		return zap.NewNop().Sugar()
	}
	return o.Logger
}

func (o Options) now() time.Time {
	if o.Now == nil {
		return time.Now()
	}
	return o.Now()
}

// BootstrapSQLite creates the datafile at opts.Path, defines the schema and,
// for DEV instances, loads development content.
//
// An existing datafile is an ErrAlreadyExists failure unless opts.Force is
// set, in which case it is removed first. If anything fails after the new
// file was created, the incomplete file is removed again.
func BootstrapSQLite(ctx context.Context, opts Options) (*Result, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	logger := opts.logger().With("path", opts.Path, "mode", opts.Mode)
	now := opts.now()
	res := &Result{Path: opts.Path, Mode: opts.Mode}

	logger.Debugf("checking existing database file")
	exists, err := CheckExists(opts.Path)
	if err != nil {
		return nil, err
	}
	if exists && !opts.Force {
		return nil, fmt.Errorf("%w: %s (use '--force' to remove)", ErrAlreadyExists, opts.Path)
	}
	if opts.Force {
		if exists && opts.Backup {
			if res.BackupPath, err = BackupDatafile(opts.Path, now, opts.MaxBackups, logger); err != nil {
				return nil, err
			}
		}
		if err := RemoveDatafile(opts.Path); err != nil {
			return nil, fmt.Errorf("previous database file exists and could not be removed: %w", err)
		}
		if exists {
			logger.Infof("removed previous database file")
		}
		res.Replaced = exists
	}

	logger.Debugf("creating new database file")
	if err := createDatafile(opts.Path); err != nil {
		return nil, err
	}

	if err := provision(ctx, opts, now, logger); err != nil {
		discardDatafile(opts.Path, logger)
		return nil, err
	}
	if err := applyOwnership(opts); err != nil {
		discardDatafile(opts.Path, logger)
		return nil, err
	}

	if info, err := os.Stat(opts.Path); err == nil {
		res.Size = info.Size()
	}
	logger.Infof("bootstrap: completed")
	return res, nil
}

func provision(ctx context.Context, opts Options, now time.Time, logger *zap.SugaredLogger) (err error) {
	gdb, err := OpenDatafile(opts.Path, logging.GormLogger(logger.Desugar()))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaCreation, err)
	}
	defer func() {
		if cerr := closeDB(gdb); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close database: %w", cerr)
		}
	}()
	gdb = gdb.WithContext(ctx)

	logger.Infof("creating new tables")
	if err := gdb.Transaction(createSchema); err != nil {
		return fmt.Errorf("%w: %w", ErrSchemaCreation, err)
	}
	logger.Infof("database schema created")

	if !opts.Mode.SeedsFixtures() {
		logger.Infof("bootstrap: no development content for %s instance", opts.Mode)
		return nil
	}

	logger.Infof("creating development and testing content")
	if err := gdb.Transaction(func(tx *gorm.DB) error {
		return loadFixtures(tx, opts.Fixtures, now, logger)
	}); err != nil {
		return fmt.Errorf("%w: %w", ErrFixture, err)
	}
	return nil
}

// OpenDatafile opens a datafile with foreign keys enforced and WAL journaling.
// The pool holds a single connection; the provisioner is the only writer.
func OpenDatafile(path string, l gormlogger.Interface) (*gorm.DB, error) {
	if l == nil {
		l = gormlogger.Discard
	}
	gdb, err := gorm.Open(sqlite.Open(path+dsnParams), &gorm.Config{Logger: l})
	if err != nil {
		return nil, fmt.Errorf("failed to open DB: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access DB pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	return gdb, nil
}

func closeDB(gdb *gorm.DB) error {
	sqlDB, err := gdb.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// applyOwnership changes the directory last, so a failure leaves it as it
// was; the datafile is discarded by the caller.
func applyOwnership(opts Options) error {
	if opts.FileOwner != nil {
		if err := opts.FileOwner.apply(opts.Path); err != nil {
			return err
		}
	}
	if opts.DirOwner != nil {
		if err := opts.DirOwner.apply(filepath.Dir(opts.Path)); err != nil {
			return err
		}
	}
	return nil
}

func discardDatafile(path string, logger *zap.SugaredLogger) {
	if err := RemoveDatafile(path); err != nil {
		logger.Warnf("failed to remove incomplete database file: %v", err)
		return
	}
	logger.Infof("removed incomplete database file")
}
