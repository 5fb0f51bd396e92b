package conf

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tphakala/offlinecache/internal/errors"
	"gopkg.in/yaml.v3"
)

func TestDuration_JSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		input   string
		want    Duration
		wantErr bool
	}{
		{"string", `"24h"`, Duration(24 * time.Hour), false},
		{"compound string", `"1h30m"`, Duration(90 * time.Minute), false},
		{"nanoseconds", `5000000000`, Duration(5 * time.Second), false},
		{"days", `"7d"`, Duration(7 * 24 * time.Hour), false},
		{"negative days", `"-1d"`, 0, true},
		{"null", `null`, 0, false},
		{"garbage string", `"soon"`, 0, true},
		{"boolean", `true`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := Duration(time.Minute)
			err := json.Unmarshal([]byte(tt.input), &d)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, d)
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	t.Parallel()

	b, err := json.Marshal(struct {
		Retention Duration `json:"retention"`
	}{Duration(24 * time.Hour)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"retention":"24h0m0s"}`, string(b))
}

func TestDuration_YAML(t *testing.T) {
	t.Parallel()

	type server struct {
		ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	}

	var s server
	require.NoError(t, yaml.Unmarshal([]byte("shutdown_timeout: 10s"), &s))
	assert.Equal(t, Duration(10*time.Second), s.ShutdownTimeout)

	require.NoError(t, yaml.Unmarshal([]byte("shutdown_timeout: 250"), &s))
	assert.Equal(t, Duration(250), s.ShutdownTimeout, "bare integers are nanoseconds")

	require.NoError(t, yaml.Unmarshal([]byte("shutdown_timeout: 2d"), &s))
	assert.Equal(t, Duration(48*time.Hour), s.ShutdownTimeout)

	err := yaml.Unmarshal([]byte("shutdown_timeout: [1, 2]"), &s)
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConfiguration, errors.CategoryOf(err))

	out, err := yaml.Marshal(server{ShutdownTimeout: Duration(time.Minute)})
	require.NoError(t, err)
	assert.Contains(t, string(out), "1m0s")
}

func TestDurationDecodeHook(t *testing.T) {
	t.Parallel()

	type target struct {
		Retention Duration      `mapstructure:"retention"`
		Read      time.Duration `mapstructure:"read"`
		Schemes   []string      `mapstructure:"schemes"`
	}

	var got target
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: DurationDecodeHook(),
		Result:     &got,
	})
	require.NoError(t, err)

	require.NoError(t, dec.Decode(map[string]any{
		"retention": "2d",
		"read":      "15s",
		"schemes":   "chrome-extension,moz-extension",
	}))

	assert.Equal(t, Duration(48*time.Hour), got.Retention)
	assert.Equal(t, 15*time.Second, got.Read)
	assert.Equal(t, []string{"chrome-extension", "moz-extension"}, got.Schemes)
	assert.Equal(t, 48*time.Hour, got.Retention.Std())

	err = dec.Decode(map[string]any{"retention": true})
	require.Error(t, err)
}

func TestParseDuration(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want Duration
	}{
		{"30s", Duration(30 * time.Second)},
		{" 5m ", Duration(5 * time.Minute)},
		{"0", 0},
		{"1d", Duration(24 * time.Hour)},
		{"250", Duration(250)},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseDuration("1.5d")
	require.Error(t, err)
	assert.Equal(t, errors.CategoryConfiguration, errors.CategoryOf(err))
}
