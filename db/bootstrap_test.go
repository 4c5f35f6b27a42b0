package db

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pmdatabase/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var fixedNow = time.Date(2018, 11, 26, 12, 0, 0, 0, time.UTC)

// smallFixtures keeps DEV runs fast while still crossing a batch boundary
// on the wide hitcount table.
func smallFixtures() FixtureOptions {
	f := DefaultFixtureOptions()
	f.HitCountRotations = 50
	f.PulseHeightSamples = 20
	f.HousekeepingSamples = 30
	f.Seed = 1
	return f
}

func testOptions(t *testing.T, mode model.InstanceMode) Options {
	t.Helper()
	return Options{
		Path:     filepath.Join(t.TempDir(), "pmdata.sqlite3"),
		Mode:     mode,
		Fixtures: smallFixtures(),
		Logger:   zaptest.NewLogger(t).Sugar(),
		Now:      func() time.Time { return fixedNow },
	}
}

// openTestStore opens a provisioned datafile and closes it with the test.
func openTestStore(t *testing.T, path string) *SQLStore {
	t.Helper()
	store, err := OpenSQLStore(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, store.Close()) })
	return store
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o640))
}

func assertNoDatafile(t *testing.T, path string) {
	t.Helper()
	for _, p := range append([]string{path}, sidecars(path)...) {
		_, err := os.Stat(p)
		assert.True(t, errors.Is(err, os.ErrNotExist), "%s should not exist", p)
	}
}

func TestBootstrapSQLiteCreatesSchemaForEveryMode(t *testing.T) {
	for _, mode := range model.InstanceModes {
		t.Run(string(mode), func(t *testing.T) {
			opts := testOptions(t, mode)

			res, err := BootstrapSQLite(context.Background(), opts)
			require.NoError(t, err)
			assert.Equal(t, opts.Path, res.Path)
			assert.Equal(t, mode, res.Mode)
			assert.False(t, res.Replaced)
			assert.Positive(t, res.Size)

			store := openTestStore(t, opts.Path)
			objects, err := store.SchemaObjects()
			require.NoError(t, err)
			assert.Empty(t, MissingObjects(objects))

			counts, err := store.RowCounts()
			require.NoError(t, err)
			for _, table := range DevelopmentTables {
				if mode.SeedsFixtures() {
					assert.Positive(t, counts[table], "table %s", table)
				} else {
					assert.Zero(t, counts[table], "table %s", table)
				}
			}
			for _, table := range []string{"register", "note", "command", "psu"} {
				assert.Zero(t, counts[table], "table %s", table)
			}
		})
	}
}

func TestBootstrapSQLiteExistingFileWithoutForce(t *testing.T) {
	opts := testOptions(t, model.DevelopmentInstance)
	original := "not a database, but precious"
	writeFile(t, opts.Path, original)

	res, err := BootstrapSQLite(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAlreadyExists)
	assert.Nil(t, res)

	got, err := os.ReadFile(opts.Path)
	require.NoError(t, err)
	assert.Equal(t, original, string(got))
}

func TestBootstrapSQLiteForceReplacesExistingFile(t *testing.T) {
	opts := testOptions(t, model.UATInstance)
	opts.Force = true
	writeFile(t, opts.Path, "stale content")
	writeFile(t, opts.Path+"-wal", "stale wal")

	first, err := BootstrapSQLite(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, first.Replaced)
	_, err = os.Stat(opts.Path + "-wal")
	assert.True(t, errors.Is(err, os.ErrNotExist), "stale WAL must be removed with the old datafile")

	schemaOf := func() []SchemaObject {
		store, err := OpenSQLStore(opts.Path, nil)
		require.NoError(t, err)
		defer store.Close()
		objects, err := store.SchemaObjects()
		require.NoError(t, err)
		return objects
	}
	firstSchema := schemaOf()

	second, err := BootstrapSQLite(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, second.Replaced)
	assert.Equal(t, firstSchema, schemaOf())
}

func TestBootstrapSQLiteForceOnFreshPath(t *testing.T) {
	opts := testOptions(t, model.DevelopmentInstance)
	opts.Force = true

	res, err := BootstrapSQLite(context.Background(), opts)
	require.NoError(t, err)
	assert.False(t, res.Replaced)
	assert.Empty(t, res.BackupPath)

	store := openTestStore(t, opts.Path)
	n, err := store.CountRows(HitCountTable)
	require.NoError(t, err)
	assert.EqualValues(t, opts.Fixtures.HitCountRotations, n)
}

func TestBootstrapSQLiteInvalidArguments(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{name: "unknown mode", mutate: func(o *Options) { o.Mode = "FOO" }},
		{name: "empty mode", mutate: func(o *Options) { o.Mode = "" }},
		{name: "empty path", mutate: func(o *Options) { o.Path = "" }},
		{name: "negative max backups", mutate: func(o *Options) { o.MaxBackups = -1 }},
		{name: "negative rotations", mutate: func(o *Options) { o.Fixtures.HitCountRotations = -5 }},
		{name: "no housekeeping samples", mutate: func(o *Options) { o.Fixtures.HousekeepingSamples = 0 }},
		{name: "housekeeping max overflows", mutate: func(o *Options) { o.Fixtures.HousekeepingMaxValue = math.MaxInt }},
		{name: "sub-second interval", mutate: func(o *Options) { o.Fixtures.HousekeepingInterval = time.Millisecond }},
		{name: "missing pulseheight csv", mutate: func(o *Options) { o.Fixtures.PulseHeightCSV = "/nonexistent/sample.csv" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := testOptions(t, model.DevelopmentInstance)
			opts.Force = true
			existing := opts.Path
			writeFile(t, existing, "keep me")
			tt.mutate(&opts)

			_, err := BootstrapSQLite(context.Background(), opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidArgument)

			got, err := os.ReadFile(existing)
			require.NoError(t, err)
			assert.Equal(t, "keep me", string(got))
		})
	}
}

func TestBootstrapSQLiteInvalidModeLeavesFreshPathUntouched(t *testing.T) {
	opts := testOptions(t, "FOO")

	_, err := BootstrapSQLite(context.Background(), opts)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assertNoDatafile(t, opts.Path)
}

func TestBootstrapSQLiteFixtureOptionsIgnoredOutsideDev(t *testing.T) {
	opts := testOptions(t, model.ProductionInstance)
	opts.Fixtures = FixtureOptions{HitCountRotations: -1}

	_, err := BootstrapSQLite(context.Background(), opts)
	require.NoError(t, err)
}

func TestBootstrapSQLitePathIsDirectory(t *testing.T) {
	opts := testOptions(t, model.DevelopmentInstance)
	opts.Force = true
	require.NoError(t, os.Mkdir(opts.Path, 0o755))

	_, err := BootstrapSQLite(context.Background(), opts)
	assert.ErrorIs(t, err, ErrInvalidArgument)

	info, err := os.Stat(opts.Path)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestBootstrapSQLitePermissionDenied(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses directory permissions")
	}
	opts := testOptions(t, model.DevelopmentInstance)
	dir := filepath.Dir(opts.Path)
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o700) })

	_, err := BootstrapSQLite(context.Background(), opts)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assertNoDatafile(t, opts.Path)
}

func TestBootstrapSQLiteFixtureFailureRemovesFile(t *testing.T) {
	opts := testOptions(t, model.DevelopmentInstance)
	csvPath := filepath.Join(t.TempDir(), "broken.csv")
	writeFile(t, csvPath, "h1\nh2\nonly;three;columns\n")
	opts.Fixtures.PulseHeightCSV = csvPath

	_, err := BootstrapSQLite(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFixture)
	assert.NotErrorIs(t, err, ErrSchemaCreation)
	assertNoDatafile(t, opts.Path)
}

func TestBootstrapSQLiteEmptyPulseHeightCSV(t *testing.T) {
	opts := testOptions(t, model.DevelopmentInstance)
	csvPath := filepath.Join(t.TempDir(), "headers.csv")
	writeFile(t, csvPath, "h1\nh2\n")
	opts.Fixtures.PulseHeightCSV = csvPath

	_, err := BootstrapSQLite(context.Background(), opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFixture)
	assert.Contains(t, err.Error(), "no pulseheight samples")
	assertNoDatafile(t, opts.Path)
}

func TestBootstrapSQLiteDirOwnerFailureRestoresDirectory(t *testing.T) {
	opts := testOptions(t, model.UATInstance)
	dir := filepath.Dir(opts.Path)
	before, err := os.Stat(dir)
	require.NoError(t, err)
	uid, gid := statOwner(t, dir)
	calls := fakeOwnership(t, dir)

	opts.FileOwner = &Owner{User: "pmonitor", Group: "pmonitor", UID: 4242, GID: 4343}
	opts.DirOwner = opts.FileOwner

	_, err = BootstrapSQLite(context.Background(), opts)
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assertNoDatafile(t, opts.Path)

	assert.Equal(t, []chownCall{
		{opts.Path, 4242, 4343},
		{dir, 4242, 4343},
		{dir, uid, gid},
	}, *calls)
	after, err := os.Stat(dir)
	require.NoError(t, err)
	assert.Equal(t, before.Mode(), after.Mode())
}

func TestBootstrapSQLiteCanceledContextRemovesFile(t *testing.T) {
	opts := testOptions(t, model.DevelopmentInstance)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := BootstrapSQLite(ctx, opts)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaCreation)
	assert.ErrorIs(t, err, context.Canceled)
	assertNoDatafile(t, opts.Path)
}

func TestBootstrapSQLiteBackupBeforeForce(t *testing.T) {
	opts := testOptions(t, model.UATInstance)
	opts.Force = true
	opts.Backup = true
	opts.MaxBackups = 2
	writeFile(t, opts.Path, "generation 0")

	res, err := BootstrapSQLite(context.Background(), opts)
	require.NoError(t, err)
	require.NotEmpty(t, res.BackupPath)
	assert.True(t, strings.HasSuffix(res.BackupPath, ".20181126-120000.bak"))

	got, err := os.ReadFile(res.BackupPath)
	require.NoError(t, err)
	assert.Equal(t, "generation 0", string(got))
}

func TestBootstrapSQLiteNoBackupForFreshFile(t *testing.T) {
	opts := testOptions(t, model.UATInstance)
	opts.Force = true
	opts.Backup = true

	res, err := BootstrapSQLite(context.Background(), opts)
	require.NoError(t, err)
	assert.Empty(t, res.BackupPath)

	backups, err := backupsOf(opts.Path)
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestBootstrapSQLiteDevContent(t *testing.T) {
	opts := testOptions(t, model.DevelopmentInstance)
	_, err := BootstrapSQLite(context.Background(), opts)
	require.NoError(t, err)

	store := openTestStore(t, opts.Path)
	gdb := store.db

	t.Run("one pate and one session", func(t *testing.T) {
		session, err := store.GetTestingSession()
		require.NoError(t, err)
		require.NotNil(t, session)
		assert.Equal(t, sampleLabel, session.PateFirmware)
		assert.Equal(t, 0, session.Pate.IDMin)
		assert.Equal(t, 1000, session.Pate.IDMax)
		require.NotNil(t, session.Started)
		assert.True(t, fixedNow.Equal(*session.Started))

		counts, err := store.RowCounts()
		require.NoError(t, err)
		assert.EqualValues(t, 1, counts["pate"])
		assert.EqualValues(t, 1, counts["testing_session"])
	})

	t.Run("row counts follow fixture options", func(t *testing.T) {
		counts, err := store.RowCounts()
		require.NoError(t, err)
		assert.EqualValues(t, opts.Fixtures.HitCountRotations, counts[HitCountTable])
		assert.EqualValues(t, opts.Fixtures.PulseHeightSamples, counts[PulseHeightTable])
		assert.EqualValues(t, opts.Fixtures.HousekeepingSamples, counts[HousekeepingTable])
	})

	t.Run("hitcount rows are one interval apart", func(t *testing.T) {
		var stamps []int64
		require.NoError(t, gdb.Table(HitCountTable).Order("timestamp").Pluck("timestamp", &stamps).Error)
		require.Len(t, stamps, opts.Fixtures.HitCountRotations)
		assert.Equal(t, fixedNow.Unix(), stamps[0])
		for i := 1; i < len(stamps); i++ {
			assert.Equal(t, int64(15), stamps[i]-stamps[i-1])
		}
	})

	t.Run("values stay within their registers", func(t *testing.T) {
		var maxHit, maxHK, maxADC int64
		require.NoError(t, gdb.Raw("SELECT MAX(MAX(s00p01, s36e08, stac1, rttrash2)) FROM hitcount").Scan(&maxHit).Error)
		require.NoError(t, gdb.Raw("SELECT MAX(MAX(s_c00, r_c36)) FROM housekeeping").Scan(&maxHK).Error)
		require.NoError(t, gdb.Raw("SELECT MAX(MAX(ac1, d1a, d3, ac2)) FROM pulseheight").Scan(&maxADC).Error)
		assert.Less(t, maxHit, int64(opts.Fixtures.HitCountMaxHits))
		assert.LessOrEqual(t, maxHK, int64(opts.Fixtures.HousekeepingMaxValue))
		assert.LessOrEqual(t, maxADC, int64(pulseHeightMax))
	})
}

func TestBootstrapSQLiteSeedIsReproducible(t *testing.T) {
	sample := func() []int64 {
		opts := testOptions(t, model.DevelopmentInstance)
		_, err := BootstrapSQLite(context.Background(), opts)
		require.NoError(t, err)
		store := openTestStore(t, opts.Path)
		var values []int64
		require.NoError(t, store.db.Table(HitCountTable).Order("timestamp").Pluck("s17p05", &values).Error)
		return values
	}
	assert.Equal(t, sample(), sample())
}

func TestSchemaConstraints(t *testing.T) {
	opts := testOptions(t, model.UATInstance)
	_, err := BootstrapSQLite(context.Background(), opts)
	require.NoError(t, err)
	gdb := openTestStore(t, opts.Path).db

	t.Run("foreign keys are enforced", func(t *testing.T) {
		err := gdb.Create(&model.PulseHeight{Timestamp: 1, SessionID: 999}).Error
		assert.Error(t, err)
	})

	t.Run("psu holds a single row", func(t *testing.T) {
		old := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
		require.NoError(t, gdb.Create(&model.PSU{ID: 0, Power: model.PowerOff, VoltageSetting: 3.3, Modified: old}).Error)

		err := gdb.Exec("INSERT INTO psu (id, power, voltage_setting, current_limit, measured_current, measured_voltage) VALUES (1, 'ON', 0, 0, 0, 0)").Error
		assert.Error(t, err)
	})

	t.Run("psu power is ON or OFF", func(t *testing.T) {
		err := gdb.Exec("UPDATE psu SET power = 'MAYBE' WHERE id = 0").Error
		assert.Error(t, err)
	})

	t.Run("psu update refreshes modified", func(t *testing.T) {
		require.NoError(t, gdb.Model(&model.PSU{}).Where("id = ?", 0).Update("power", model.PowerOn).Error)

		store := NewSQLStore(gdb)
		psu, err := store.GetPSU()
		require.NoError(t, err)
		require.NotNil(t, psu)
		assert.Equal(t, model.PowerOn, psu.Power)
		assert.True(t, psu.Modified.After(time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)), "modified = %s", psu.Modified)
	})

	t.Run("hitcount is flat", func(t *testing.T) {
		var columns int64
		require.NoError(t, gdb.Raw("SELECT COUNT(*) FROM pragma_table_info('hitcount')").Scan(&columns).Error)
		assert.EqualValues(t, len(HitCountColumns())+2, columns)
	})
}
