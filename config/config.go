package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"pmdatabase/db"
	"pmdatabase/logging"
	"pmdatabase/model"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const EnvPrefix = "PMDATABASE"

const (
	KeyDB         = "db"
	KeyMode       = "mode"
	KeyLog        = "log"
	KeyLogFile    = "log-file"
	KeyForce      = "force"
	KeyBackup     = "backup"
	KeyMaxBackups = "max-backups"
	KeyFileOwner  = "file-owner"
	KeyDirOwner   = "dir-owner"
)

type Config struct {
	DB         string            `mapstructure:"db"`
	Mode       string            `mapstructure:"mode"`
	Log        string            `mapstructure:"log"`
	LogFile    string            `mapstructure:"log-file"`
	Force      bool              `mapstructure:"force"`
	Backup     bool              `mapstructure:"backup"`
	MaxBackups int               `mapstructure:"max-backups"`
	FileOwner  string            `mapstructure:"file-owner"`
	DirOwner   string            `mapstructure:"dir-owner"`
	Fixtures   db.FixtureOptions `mapstructure:"fixtures"`
}

// New returns a viper instance carrying the defaults and reading
// PMDATABASE_* environment variables. Dashes and dots in keys become
// underscores, so fixtures.hitcount_rotations is read from
// PMDATABASE_FIXTURES_HITCOUNT_ROTATIONS.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault(KeyDB, db.DefaultDBPath)
	v.SetDefault(KeyMode, string(model.DevelopmentInstance))
	v.SetDefault(KeyLog, logging.DefaultLevel)
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyForce, false)
	v.SetDefault(KeyBackup, false)
	v.SetDefault(KeyMaxBackups, db.DefaultMaxBackups)
	v.SetDefault(KeyFileOwner, "")
	v.SetDefault(KeyDirOwner, "")

	// every fixture key needs a default for AutomaticEnv to see it
	f := db.DefaultFixtureOptions()
	v.SetDefault("fixtures.hitcount_rotations", f.HitCountRotations)
	v.SetDefault("fixtures.hitcount_interval", f.HitCountInterval)
	v.SetDefault("fixtures.hitcount_max_hits", f.HitCountMaxHits)
	v.SetDefault("fixtures.pulseheight_csv", f.PulseHeightCSV)
	v.SetDefault("fixtures.pulseheight_samples", f.PulseHeightSamples)
	v.SetDefault("fixtures.pulseheight_interval", f.PulseHeightInterval)
	v.SetDefault("fixtures.housekeeping_samples", f.HousekeepingSamples)
	v.SetDefault("fixtures.housekeeping_interval", f.HousekeepingInterval)
	v.SetDefault("fixtures.housekeeping_max_value", f.HousekeepingMaxValue)
	v.SetDefault("fixtures.seed", f.Seed)
	return v
}

// LoadDotEnv exports the variables of a .env file that are not already set.
// A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: reading %s: %v", db.ErrInvalidArgument, path, err)
	}
	return nil
}

// Load reads the optional config file and decodes v into a Config.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config %s: %v", db.ErrInvalidArgument, configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", db.ErrInvalidArgument, err)
	}
	return &cfg, nil
}

// Level returns the configured log level.
func (c *Config) Level() (zapcore.Level, error) {
	lvl, err := logging.ParseLevel(c.Log)
	if err != nil {
		return lvl, fmt.Errorf("%w: %v", db.ErrInvalidArgument, err)
	}
	return lvl, nil
}

// Options converts the configuration into provisioning options. Every
// value is validated here, before anything on disk is touched.
func (c *Config) Options(logger *zap.SugaredLogger) (db.Options, error) {
	mode, err := model.ParseInstanceMode(c.Mode)
	if err != nil {
		return db.Options{}, fmt.Errorf("%w: %v", db.ErrInvalidArgument, err)
	}

	opts := db.Options{
		Path:       c.DB,
		Mode:       mode,
		Force:      c.Force,
		Backup:     c.Backup,
		MaxBackups: c.MaxBackups,
		Fixtures:   c.Fixtures,
		Logger:     logger,
	}
	if c.FileOwner != "" {
		if opts.FileOwner, err = db.ParseOwner(c.FileOwner); err != nil {
			return db.Options{}, err
		}
	}
	if c.DirOwner != "" {
		if opts.DirOwner, err = db.ParseOwner(c.DirOwner); err != nil {
			return db.Options{}, err
		}
	}
	if err := opts.Validate(); err != nil {
		return db.Options{}, err
	}
	return opts, nil
}
