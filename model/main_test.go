package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseInstanceMode(t *testing.T) {
	tests := []struct {
		input   string
		want    InstanceMode
		wantErr bool
	}{
		{input: "DEV", want: DevelopmentInstance},
		{input: "uat", want: UATInstance},
		{input: " Prd ", want: ProductionInstance},
		{input: "FOO", wantErr: true},
		{input: "", wantErr: true},
		{input: "PROD", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseInstanceMode(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "DEV|UAT|PRD")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestInstanceModeSeedsFixtures(t *testing.T) {
	assert.True(t, DevelopmentInstance.SeedsFixtures())
	assert.False(t, UATInstance.SeedsFixtures())
	assert.False(t, ProductionInstance.SeedsFixtures())
	assert.False(t, InstanceMode("dev").IsValid(), "IsValid is case sensitive; use ParseInstanceMode")
}

func TestPowerState(t *testing.T) {
	var p PowerState
	require.NoError(t, p.Scan([]byte("ON")))
	assert.Equal(t, PowerOn, p)
	require.NoError(t, p.Scan("OFF"))
	assert.Equal(t, PowerOff, p)
	assert.Error(t, p.Scan(42))

	v, err := PowerOn.Value()
	require.NoError(t, err)
	assert.Equal(t, "ON", v)

	_, err = PowerState("STANDBY").Value()
	assert.Error(t, err)
}

func TestModels(t *testing.T) {
	names := make([]string, 0)
	for _, m := range Models() {
		tabler, ok := m.(interface{ TableName() string })
		require.True(t, ok, "%T has no TableName", m)
		names = append(names, tabler.TableName())
	}
	assert.Equal(t, []string{"pate", "testing_session", "pulseheight", "register", "note", "command", "psu"}, names)
}
