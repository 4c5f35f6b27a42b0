package model

import (
	"database/sql/driver"
	"fmt"
	"strings"
	"time"
)

type InstanceMode string

const (
	DevelopmentInstance InstanceMode = "DEV"
	UATInstance         InstanceMode = "UAT"
	ProductionInstance  InstanceMode = "PRD"
)

// InstanceModes lists the known modes in display order.
var InstanceModes = []InstanceMode{DevelopmentInstance, UATInstance, ProductionInstance}

// ParseInstanceMode accepts a mode name in any letter case.
func ParseInstanceMode(s string) (InstanceMode, error) {
	m := InstanceMode(strings.ToUpper(strings.TrimSpace(s)))
	if !m.IsValid() {
		return "", fmt.Errorf("invalid instance mode %q, expected one of %s", s, JoinModes("|"))
	}
	return m, nil
}

// IsValid returns true if InstanceMode is known
func (m InstanceMode) IsValid() bool {
	switch m {
	case DevelopmentInstance, UATInstance, ProductionInstance:
		return true
	}
	return false
}

// SeedsFixtures reports whether development content is generated for this mode.
func (m InstanceMode) SeedsFixtures() bool {
	return m == DevelopmentInstance
}

func (m InstanceMode) String() string {
	return string(m)
}

func JoinModes(sep string) string {
	names := make([]string, len(InstanceModes))
	for i, m := range InstanceModes {
		names[i] = string(m)
	}
	return strings.Join(names, sep)
}

type PowerState string

const (
	PowerOn  PowerState = "ON"
	PowerOff PowerState = "OFF"
)

func (p PowerState) IsValid() bool {
	switch p {
	case PowerOn, PowerOff:
		return true
	}
	return false
}

func (p *PowerState) Scan(value any) error {
	switch v := value.(type) {
	case string:
		*p = PowerState(v)
	case []byte:
		*p = PowerState(v)
	default:
		return fmt.Errorf("cannot scan %T into PowerState", value)
	}
	return nil
}

func (p PowerState) Value() (driver.Value, error) {
	if !p.IsValid() {
		return nil, fmt.Errorf("invalid PowerState %q", p)
	}
	return string(p), nil
}

// A Pate is a PATE instrument. Units are told apart by an ADC channel wired
// to a unit specific resistor; a reading within [IDMin, IDMax] identifies
// the unit described by the row.
type Pate struct {
	ID    uint   `gorm:"primaryKey;autoIncrement"`
	IDMin int    `gorm:"column:id_min;not null"`
	IDMax int    `gorm:"column:id_max;not null"`
	Label string `gorm:"not null"`
}

func (Pate) TableName() string { return "pate" }

// A TestingSession records the instrument and the firmware it reported.
// Firmware may change between sessions.
type TestingSession struct {
	ID           uint `gorm:"primaryKey;autoIncrement"`
	Started      *time.Time
	PateID       uint   `gorm:"not null"`
	PateFirmware string `gorm:"not null"`
	Pate         Pate   `gorm:"foreignKey:PateID"`
}

func (TestingSession) TableName() string { return "testing_session" }

// PulseHeight is raw calibration data: ADC values giving the pulse heights
// seen on each detector disk.
type PulseHeight struct {
	Timestamp int64          `gorm:"column:timestamp;primaryKey;autoIncrement:false"`
	SessionID uint           `gorm:"column:session_id;not null"`
	AC1       int            `gorm:"column:ac1;not null"`
	D1A       int            `gorm:"column:d1a;not null"`
	D1B       int            `gorm:"column:d1b;not null"`
	D1C       int            `gorm:"column:d1c;not null"`
	D2A       int            `gorm:"column:d2a;not null"`
	D2B       int            `gorm:"column:d2b;not null"`
	D3        int            `gorm:"column:d3;not null"`
	AC2       int            `gorm:"column:ac2;not null"`
	Session   TestingSession `gorm:"foreignKey:SessionID"`
}

func (PulseHeight) TableName() string { return "pulseheight" }

// Register caches PATE register values read at the start of a session.
type Register struct {
	PateID    uint      `gorm:"column:pate_id;not null"`
	Retrieved time.Time `gorm:"not null"`
	Reg01     int       `gorm:"column:reg01;not null"`
	Reg02     int       `gorm:"column:reg02;not null"`
	Pate      Pate      `gorm:"foreignKey:PateID"`
}

func (Register) TableName() string { return "register" }

// Note is an operator issued note made during a testing session.
type Note struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	SessionID uint           `gorm:"not null"`
	Text      *string        `gorm:"column:text"`
	Created   int64          `gorm:"not null;default:(strftime('%s', 'now'))"`
	Session   TestingSession `gorm:"foreignKey:SessionID"`
}

func (Note) TableName() string { return "note" }

// Command is a request queued by the UI for the backend to execute.
type Command struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	SessionID uint           `gorm:"not null"`
	Interface string         `gorm:"not null"`
	Command   string         `gorm:"not null"`
	Value     string         `gorm:"not null"`
	Created   time.Time      `gorm:"not null;default:CURRENT_TIMESTAMP"`
	Handled   *time.Time
	Result    *string
	Session   TestingSession `gorm:"foreignKey:SessionID"`
}

func (Command) TableName() string { return "command" }

// PSU holds the state of the laboratory power supply. The table has zero or
// one rows.
type PSU struct {
	ID              int        `gorm:"primaryKey;autoIncrement:false;default:0;check:single_row_chk,id = 0"`
	Power           PowerState `gorm:"type:text;not null;check:power_chk,power IN ('ON', 'OFF')"`
	VoltageSetting  float64    `gorm:"not null"`
	CurrentLimit    float64    `gorm:"not null"`
	MeasuredCurrent float64    `gorm:"not null"`
	MeasuredVoltage float64    `gorm:"not null"`
	Modified        time.Time  `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

func (PSU) TableName() string { return "psu" }

// Models returns the tables created through AutoMigrate.
func Models() []any {
	return []any{
		&Pate{},
		&TestingSession{},
		&PulseHeight{},
		&Register{},
		&Note{},
		&Command{},
		&PSU{},
	}
}
