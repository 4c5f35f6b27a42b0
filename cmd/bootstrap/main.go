package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"

	"pmdatabase/config"
	"pmdatabase/db"
	"pmdatabase/logging"
	"pmdatabase/model"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const dotEnvFile = ".env"

const (
	exitOK = iota
	exitFailure
	exitInvalidArgument
	exitAlreadyExists
	exitPermissionDenied
	exitSchemaCreation
	exitFixture
	exitSchemaIncomplete
)

const longDescription = `PATE Monitor database creation tool.

Creates the SQLite datafile used by PATE Monitor and defines its schema.
For DEV instances the development tables are filled with generated sample
content; UAT and PRD instances start empty.

Every flag can also be given as a PMDATABASE_<FLAG> environment variable
(dashes become underscores) or in the file named by --config.`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes the command line and returns the process exit status.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	rootCmd := newRootCmd(stdout, stderr)
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		printFailure(stderr, err)
		return exitCode(err)
	}
	return exitOK
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	v := config.New()
	var configFile string

	rootCmd := &cobra.Command{
		Use:           "bootstrap",
		Short:         "Create the PATE Monitor SQLite database file",
		Long:          longDescription,
		Args:          noArgs,
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBootstrap(cmd.Context(), v, configFile, stdout)
		},
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", db.ErrInvalidArgument, err)
	})

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "YAML config file")
	pf.String(config.KeyDB, db.DefaultDBPath, "Path to SQLite database file")
	pf.StringP(config.KeyLog, "l", logging.DefaultLevel, fmt.Sprintf("Set logging level (%s)", strings.Join(logging.Levels, "|")))
	pf.String(config.KeyLogFile, "", "Also write log output to this file")

	f := rootCmd.Flags()
	f.Bool(config.KeyForce, false, "Delete existing database file and recreate")
	f.StringP(config.KeyMode, "m", string(model.DevelopmentInstance), fmt.Sprintf("Instance mode (%s); DEV generates development content", model.JoinModes("|")))
	f.Bool(config.KeyBackup, false, "Back up an existing database file before --force removes it")
	f.Int(config.KeyMaxBackups, db.DefaultMaxBackups, "Maximum number of backups to retain")
	f.String(config.KeyFileOwner, "", "Hand the database file to user.group after creation")
	f.String(config.KeyDirOwner, "", "Hand the database directory to user.group after creation")

	bindFlags(v, pf, config.KeyDB, config.KeyLog, config.KeyLogFile)
	bindFlags(v, f, config.KeyForce, config.KeyMode, config.KeyBackup, config.KeyMaxBackups, config.KeyFileOwner, config.KeyDirOwner)

	verifyCmd := &cobra.Command{
		Use:   "verify",
		Short: "Check that an existing database file holds every schema object",
		Args:  noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), v, configFile, stdout)
		},
	}
	rootCmd.AddCommand(verifyCmd)

	return rootCmd
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet, names ...string) {
	for _, name := range names {
		if err := v.BindPFlag(name, fs.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
}

func noArgs(cmd *cobra.Command, args []string) error {
	if err := cobra.NoArgs(cmd, args); err != nil {
		return fmt.Errorf("%w: %v", db.ErrInvalidArgument, err)
	}
	return nil
}

// loadConfig reads the configuration and the log level without writing
// anything.
func loadConfig(v *viper.Viper, configFile string) (*config.Config, zapcore.Level, error) {
	if err := config.LoadDotEnv(dotEnvFile); err != nil {
		return nil, 0, err
	}
	cfg, err := config.Load(v, configFile)
	if err != nil {
		return nil, 0, err
	}
	level, err := cfg.Level()
	if err != nil {
		return nil, 0, err
	}
	return cfg, level, nil
}

// newLogger builds the logger; a configured log file is created here.
func newLogger(cfg *config.Config, level zapcore.Level) (*zap.Logger, error) {
	lg, err := logging.New(level, cfg.LogFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", db.ErrInvalidArgument, err)
	}
	return lg, nil
}

func runBootstrap(ctx context.Context, v *viper.Viper, configFile string, out io.Writer) error {
	cfg, level, err := loadConfig(v, configFile)
	if err != nil {
		return err
	}
	opts, err := cfg.Options(nil)
	if err != nil {
		return err
	}

	lg, err := newLogger(cfg, level)
	if err != nil {
		return err
	}
	defer lg.Sync() //nolint:errcheck
	log := lg.Sugar()
	opts.Logger = log

	fmt.Fprintf(out, "Creating %s database file '%s'...\n", opts.Mode, opts.Path)
	res, err := db.BootstrapSQLite(ctx, opts)
	if err != nil {
		log.Errorw("bootstrap failed", "path", opts.Path, "error", err)
		return err
	}

	green := color.New(color.FgGreen, color.Bold)
	green.Fprintf(out, "Database file '%s' created (%s)\n", res.Path, humanize.IBytes(uint64(res.Size)))
	if res.Replaced {
		fmt.Fprintln(out, "  previous database file was replaced")
	}
	if res.BackupPath != "" {
		fmt.Fprintf(out, "  previous database file backed up to %s\n", res.BackupPath)
	}
	if res.Mode.SeedsFixtures() {
		fmt.Fprintln(out, "  development content generated")
	}
	green.Fprintln(out, "Module 'pmdatabase' setup completed!")
	return nil
}

func runVerify(ctx context.Context, v *viper.Viper, configFile string, out io.Writer) error {
	cfg, level, err := loadConfig(v, configFile)
	if err != nil {
		return err
	}
	lg, err := newLogger(cfg, level)
	if err != nil {
		return err
	}
	defer lg.Sync() //nolint:errcheck
	log := lg.Sugar()

	store, err := db.OpenSQLStore(cfg.DB, logging.GormLogger(lg))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warnf("failed to close %s: %v", cfg.DB, err)
		}
	}()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("database %s is not readable: %w", cfg.DB, err)
	}

	objects, err := store.SchemaObjects()
	if err != nil {
		return fmt.Errorf("reading schema of %s: %w", cfg.DB, err)
	}
	missing := db.MissingObjects(objects)
	absent := make(map[string]bool, len(missing))
	for _, name := range missing {
		absent[name] = true
	}

	tables := append([]string(nil), db.ExpectedTables...)
	sort.Strings(tables)
	cyan := color.New(color.FgCyan)
	for _, t := range tables {
		if absent[t] {
			color.New(color.FgRed).Fprintf(out, "  %-16s missing\n", t)
			continue
		}
		n, err := store.CountRows(t)
		if err != nil {
			return fmt.Errorf("counting rows of %s: %w", t, err)
		}
		fmt.Fprintf(out, "  %-16s %s rows\n", t, cyan.Sprint(humanize.Comma(n)))
	}

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s lacks %s", db.ErrSchemaIncomplete, cfg.DB, strings.Join(missing, ", "))
	}
	color.New(color.FgGreen).Fprintf(out, "Database file '%s' holds all %d schema objects\n", cfg.DB, len(db.ExpectedTables)+len(db.ExpectedTriggers))
	return nil
}

func printFailure(w io.Writer, err error) {
	color.New(color.FgRed).Fprintf(w, "Error: %v\n", err)
	if errors.Is(err, db.ErrAlreadyExists) {
		color.New(color.FgYellow).Fprintln(w, "Use '--force' to delete the existing database file and recreate it.")
	}
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, db.ErrInvalidArgument):
		return exitInvalidArgument
	case errors.Is(err, db.ErrAlreadyExists):
		return exitAlreadyExists
	case errors.Is(err, db.ErrPermissionDenied):
		return exitPermissionDenied
	case errors.Is(err, db.ErrSchemaCreation):
		return exitSchemaCreation
	case errors.Is(err, db.ErrFixture):
		return exitFixture
	case errors.Is(err, db.ErrSchemaIncomplete):
		return exitSchemaIncomplete
	}
	return exitFailure
}
