package db

import (
	"fmt"
	"strings"

	"pmdatabase/model"

	"gorm.io/gorm"
)

const (
	HitCountTable     = "hitcount"
	HousekeepingTable = "housekeeping"
	PulseHeightTable  = "pulseheight"

	// Sector 00 is the sun-pointing telescope, 01..36 follow the rotation.
	hitCountSectors   = 37
	protonClasses     = 12
	electronClasses   = 8
	housekeepingChans = 37

	psuTrigger = "psu_ari"
)

// SchemaObject is an entry of sqlite_master.
type SchemaObject struct {
	Type    string
	Name    string
	TblName string `gorm:"column:tbl_name"`
	SQL     string `gorm:"column:sql"`
}

// ExpectedTables lists every table a provisioned datafile holds.
var ExpectedTables = []string{
	"pate",
	"testing_session",
	HitCountTable,
	PulseHeightTable,
	"register",
	"note",
	"command",
	"psu",
	HousekeepingTable,
}

// ExpectedTriggers lists every trigger a provisioned datafile holds.
var ExpectedTriggers = []string{psuTrigger}

// DevelopmentTables are the tables populated only in DEV mode.
var DevelopmentTables = []string{
	"pate",
	"testing_session",
	HitCountTable,
	PulseHeightTable,
	HousekeepingTable,
}

// HitCountColumns returns the counter columns of the hitcount table.
//
// Every sector carries 12 proton and 8 electron energy classes (sNNpMM,
// sNNeMM). Both telescopes, st (sun-pointing) and rt (rotating), add two AC,
// four D1, one D2 and two trash counters. SQLite allows 2000 columns.
func HitCountColumns() []string {
	cols := make([]string, 0, hitCountSectors*(protonClasses+electronClasses)+18)
	for sector := 0; sector < hitCountSectors; sector++ {
		for p := 1; p <= protonClasses; p++ {
			cols = append(cols, fmt.Sprintf("s%02dp%02d", sector, p))
		}
		for e := 1; e <= electronClasses; e++ {
			cols = append(cols, fmt.Sprintf("s%02de%02d", sector, e))
		}
	}
	for _, telescope := range []string{"st", "rt"} {
		for ac := 1; ac <= 2; ac++ {
			cols = append(cols, fmt.Sprintf("%sac%d", telescope, ac))
		}
		for d1 := 1; d1 <= 4; d1++ {
			cols = append(cols, fmt.Sprintf("%sd1p%d", telescope, d1))
		}
		cols = append(cols, telescope+"d2p1")
		for trash := 1; trash <= 2; trash++ {
			cols = append(cols, fmt.Sprintf("%strash%d", telescope, trash))
		}
	}
	return cols
}

// HousekeepingColumns returns the data columns of the housekeeping table,
// sun-pointing (s_cNN) and rotating (r_cNN) channels interleaved.
func HousekeepingColumns() []string {
	cols := make([]string, 0, 2*housekeepingChans)
	for c := 0; c < housekeepingChans; c++ {
		cols = append(cols, fmt.Sprintf("s_c%02d", c), fmt.Sprintf("r_c%02d", c))
	}
	return cols
}

// timeSeriesDDL builds a table keyed by a Unix timestamp and bound to a
// testing session, with one NOT NULL integer column per name.
func timeSeriesDDL(table string, columns []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (\n", table)
	b.WriteString("\ttimestamp INTEGER NOT NULL DEFAULT (strftime('%s', 'now')) PRIMARY KEY,\n")
	b.WriteString("\tsession_id INTEGER NOT NULL,\n")
	for _, c := range columns {
		fmt.Fprintf(&b, "\t%s INTEGER NOT NULL,\n", c)
	}
	b.WriteString("\tFOREIGN KEY (session_id) REFERENCES testing_session (id)\n)")
	return b.String()
}

const psuTriggerDDL = `CREATE TRIGGER psu_ari
AFTER UPDATE ON psu
FOR EACH ROW
BEGIN
	UPDATE psu
	SET    modified = CURRENT_TIMESTAMP
	WHERE  id = old.id;
END`

// createSchema defines every schema object inside tx.
func createSchema(tx *gorm.DB) error {
	if err := tx.AutoMigrate(model.Models()...); err != nil {
		return fmt.Errorf("auto-migration failed: %w", err)
	}

	statements := []struct {
		name string
		sql  string
	}{
		{HitCountTable, timeSeriesDDL(HitCountTable, HitCountColumns())},
		{HousekeepingTable, timeSeriesDDL(HousekeepingTable, HousekeepingColumns())},
		{psuTrigger, psuTriggerDDL},
	}
	for _, stmt := range statements {
		if err := tx.Exec(stmt.sql).Error; err != nil {
			return fmt.Errorf("creating %s: %w", stmt.name, err)
		}
	}
	return nil
}

// MissingObjects compares found against the expected tables and triggers
// and returns the names that are absent.
func MissingObjects(found []SchemaObject) []string {
	have := make(map[string]bool, len(found))
	for _, o := range found {
		have[o.Type+":"+o.Name] = true
	}
	var missing []string
	for _, t := range ExpectedTables {
		if !have["table:"+t] {
			missing = append(missing, t)
		}
	}
	for _, t := range ExpectedTriggers {
		if !have["trigger:"+t] {
			missing = append(missing, t)
		}
	}
	return missing
}
