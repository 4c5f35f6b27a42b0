package db

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"pmdatabase/model"

	sq "github.com/Masterminds/squirrel"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	// SQLITE_MAX_VARIABLE_NUMBER of the bundled SQLite (3.32+).
	sqliteMaxVariables = 32766

	sampleLabel = "Created to insert sample data"

	// Columns 20..28 of the calibration export: hit mask, then the eight ADCs.
	csvHitMaskColumn = 20
	csvFirstADC      = 21
	csvHeaderRows    = 2
	pulseHeightADCs  = 8
	pulseHeightMax   = 1<<12 - 1

	// upper bound of generated counter and housekeeping values
	maxFixtureValue = math.MaxInt32
)

// FixtureOptions sizes the development content generated in DEV mode.
type FixtureOptions struct {
	HitCountRotations    int           `mapstructure:"hitcount_rotations"`
	HitCountInterval     time.Duration `mapstructure:"hitcount_interval"`
	HitCountMaxHits      int           `mapstructure:"hitcount_max_hits"`
	PulseHeightCSV       string        `mapstructure:"pulseheight_csv"`
	PulseHeightSamples   int           `mapstructure:"pulseheight_samples"`
	PulseHeightInterval  time.Duration `mapstructure:"pulseheight_interval"`
	HousekeepingSamples  int           `mapstructure:"housekeeping_samples"`
	HousekeepingInterval time.Duration `mapstructure:"housekeeping_interval"`
	HousekeepingMaxValue int           `mapstructure:"housekeeping_max_value"`
	// Seed makes the generated values reproducible; zero seeds from the clock.
	Seed uint64 `mapstructure:"seed"`
}

// DefaultFixtureOptions is one day of science data at one rotation per 15
// seconds, with 21-bit hit counters.
func DefaultFixtureOptions() FixtureOptions {
	return FixtureOptions{
		HitCountRotations:    5760,
		HitCountInterval:     15 * time.Second,
		HitCountMaxHits:      1 << 21,
		PulseHeightSamples:   1000,
		PulseHeightInterval:  15 * time.Second,
		HousekeepingSamples:  1000,
		HousekeepingInterval: 60 * time.Second,
		HousekeepingMaxValue: 255,
	}
}

func (f FixtureOptions) Validate() error {
	counts := map[string]int{
		"hitcount_rotations":   f.HitCountRotations,
		"pulseheight_samples":  f.PulseHeightSamples,
		"housekeeping_samples": f.HousekeepingSamples,
	}
	for name, n := range counts {
		if n < 1 {
			return fmt.Errorf("%w: fixtures.%s must be at least 1, got %d", ErrInvalidArgument, name, n)
		}
	}
	// timestamps are primary keys, so rows must be at least a second apart
	intervals := map[string]time.Duration{
		"hitcount_interval":     f.HitCountInterval,
		"pulseheight_interval":  f.PulseHeightInterval,
		"housekeeping_interval": f.HousekeepingInterval,
	}
	for name, d := range intervals {
		if d < time.Second {
			return fmt.Errorf("%w: fixtures.%s must be at least 1s, got %s", ErrInvalidArgument, name, d)
		}
	}
	if f.HitCountMaxHits < 1 || f.HitCountMaxHits > maxFixtureValue {
		return fmt.Errorf("%w: fixtures.hitcount_max_hits must be in [1, %d], got %d", ErrInvalidArgument, maxFixtureValue, f.HitCountMaxHits)
	}
	if f.HousekeepingMaxValue < 0 || f.HousekeepingMaxValue > maxFixtureValue {
		return fmt.Errorf("%w: fixtures.housekeeping_max_value must be in [0, %d], got %d", ErrInvalidArgument, maxFixtureValue, f.HousekeepingMaxValue)
	}
	if f.PulseHeightCSV != "" {
		if info, err := os.Stat(f.PulseHeightCSV); err != nil || info.IsDir() {
			return fmt.Errorf("%w: fixtures.pulseheight_csv %q is not a readable file", ErrInvalidArgument, f.PulseHeightCSV)
		}
	}
	return nil
}

type fixtureLoader struct {
	tx     *gorm.DB
	opts   FixtureOptions
	rng    *rand.Rand
	start  int64
	logger *zap.SugaredLogger
}

func newFixtureLoader(tx *gorm.DB, opts FixtureOptions, now time.Time, logger *zap.SugaredLogger) *fixtureLoader {
	seed := opts.Seed
	if seed == 0 {
		seed = uint64(now.UnixNano())
	}
	return &fixtureLoader{
		tx:     tx,
		opts:   opts,
		rng:    rand.New(rand.NewPCG(seed, seed>>1|1)),
		start:  now.Unix(),
		logger: logger,
	}
}

// loadFixtures fills the development tables inside tx.
func loadFixtures(tx *gorm.DB, opts FixtureOptions, now time.Time, logger *zap.SugaredLogger) error {
	l := newFixtureLoader(tx, opts, now, logger)

	sessionID, err := l.ensureSession(now)
	if err != nil {
		return fmt.Errorf("testing session: %w", err)
	}
	if err := l.loadHitCounts(sessionID); err != nil {
		return fmt.Errorf("%s: %w", HitCountTable, err)
	}
	if err := l.loadPulseHeights(sessionID); err != nil {
		return fmt.Errorf("%s: %w", PulseHeightTable, err)
	}
	if err := l.loadHousekeeping(sessionID); err != nil {
		return fmt.Errorf("%s: %w", HousekeepingTable, err)
	}
	return nil
}

// ensureSession returns the first testing session, creating it (and a PATE
// to own it) when the table is empty.
func (l *fixtureLoader) ensureSession(now time.Time) (uint, error) {
	var session model.TestingSession
	err := l.tx.Order("id").First(&session).Error
	if err == nil {
		return session.ID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	var pate model.Pate
	if err := l.tx.Order("id").First(&pate).Error; err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
		pate = model.Pate{IDMin: 0, IDMax: 1000, Label: sampleLabel}
		if err := l.tx.Create(&pate).Error; err != nil {
			return 0, fmt.Errorf("failed to insert pate: %w", err)
		}
	}

	started := now.UTC().Truncate(time.Second)
	session = model.TestingSession{
		Started:      &started,
		PateID:       pate.ID,
		PateFirmware: sampleLabel,
	}
	if err := l.tx.Create(&session).Error; err != nil {
		return 0, fmt.Errorf("failed to insert testing_session: %w", err)
	}
	l.logger.Debugf("created testing session %d for pate %d", session.ID, pate.ID)
	return session.ID, nil
}

func (l *fixtureLoader) loadHitCounts(sessionID uint) error {
	cols := HitCountColumns()
	step := seconds(l.opts.HitCountInterval)
	l.logger.Infof("creating %d rotations of hitcount data", l.opts.HitCountRotations)
	return l.insertBatched(HitCountTable, cols, l.opts.HitCountRotations, func(i int) []any {
		row := make([]any, 0, len(cols)+2)
		row = append(row, l.start+int64(i)*step, sessionID)
		for range cols {
			row = append(row, l.rng.IntN(l.opts.HitCountMaxHits))
		}
		return row
	})
}

func (l *fixtureLoader) loadHousekeeping(sessionID uint) error {
	cols := HousekeepingColumns()
	step := seconds(l.opts.HousekeepingInterval)
	l.logger.Infof("creating %d samples of housekeeping data", l.opts.HousekeepingSamples)
	return l.insertBatched(HousekeepingTable, cols, l.opts.HousekeepingSamples, func(i int) []any {
		row := make([]any, 0, len(cols)+2)
		row = append(row, l.start+int64(i)*step, sessionID)
		for range cols {
			row = append(row, l.rng.IntN(l.opts.HousekeepingMaxValue+1))
		}
		return row
	})
}

var pulseHeightColumns = []string{"ac1", "d1a", "d1b", "d1c", "d2a", "d2b", "d3", "ac2"}

func (l *fixtureLoader) loadPulseHeights(sessionID uint) error {
	var samples [][pulseHeightADCs]int
	if l.opts.PulseHeightCSV != "" {
		var err error
		if samples, err = ReadPulseHeightCSV(l.opts.PulseHeightCSV); err != nil {
			return err
		}
		l.logger.Infof("importing %d pulseheight samples from %s", len(samples), l.opts.PulseHeightCSV)
	} else {
		samples = make([][pulseHeightADCs]int, l.opts.PulseHeightSamples)
		for i := range samples {
			for j := range samples[i] {
				samples[i][j] = l.rng.IntN(pulseHeightMax + 1)
			}
		}
		l.logger.Infof("creating %d samples of pulseheight data", len(samples))
	}

	step := seconds(l.opts.PulseHeightInterval)
	return l.insertBatched(PulseHeightTable, pulseHeightColumns, len(samples), func(i int) []any {
		row := make([]any, 0, pulseHeightADCs+2)
		row = append(row, l.start+int64(i)*step, sessionID)
		for _, v := range samples[i] {
			row = append(row, v)
		}
		return row
	})
}

// insertBatched writes total rows into table using multi-row INSERTs that
// stay under the bound parameter limit. row(i) yields timestamp,
// session_id and then one value per column.
func (l *fixtureLoader) insertBatched(table string, columns []string, total int, row func(i int) []any) error {
	all := append([]string{"timestamp", "session_id"}, columns...)
	perStmt := max(1, sqliteMaxVariables/len(all))

	for done := 0; done < total; {
		n := min(perStmt, total-done)
		q := sq.Insert(table).Columns(all...)
		for i := 0; i < n; i++ {
			q = q.Values(row(done + i)...)
		}
		query, args, err := q.ToSql()
		if err != nil {
			return fmt.Errorf("building insert: %w", err)
		}
		if err := l.tx.Exec(query, args...).Error; err != nil {
			return fmt.Errorf("inserting rows %d..%d: %w", done, done+n-1, err)
		}
		done += n
		l.logger.Debugf("%s: %6.2f %% (%d/%d)", table, 100*float64(done)/float64(total), done, total)
	}
	return nil
}

// ReadPulseHeightCSV parses a calibration export: semicolon separated,
// two header rows, the binary hit mask in column 20 followed by the eight
// ADC values.
func ReadPulseHeightCSV(path string) ([][pulseHeightADCs]int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pulseheight CSV: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = ';'
	r.FieldsPerRecord = -1

	var samples [][pulseHeightADCs]int
	for line := 1; ; line++ {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if line <= csvHeaderRows {
			continue
		}
		if len(rec) < csvFirstADC+pulseHeightADCs {
			return nil, fmt.Errorf("%s:%d: expected at least %d columns, got %d", path, line, csvFirstADC+pulseHeightADCs, len(rec))
		}
		if _, err := strconv.ParseUint(strings.TrimSpace(rec[csvHitMaskColumn]), 2, 8); err != nil {
			return nil, fmt.Errorf("%s:%d: hit mask %q is not an 8-bit binary value", path, line, rec[csvHitMaskColumn])
		}
		var sample [pulseHeightADCs]int
		for i := range sample {
			v, err := strconv.Atoi(strings.TrimSpace(rec[csvFirstADC+i]))
			if err != nil {
				return nil, fmt.Errorf("%s:%d: column %d: %w", path, line, csvFirstADC+i, err)
			}
			sample[i] = v
		}
		samples = append(samples, sample)
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%s: no pulseheight samples after %d header rows", path, csvHeaderRows)
	}
	return samples, nil
}

func seconds(d time.Duration) int64 {
	return int64(d / time.Second)
}
