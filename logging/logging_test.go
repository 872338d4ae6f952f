package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{Level: "loud", Format: "json"}.Validate())
	assert.Error(t, Config{Level: "info", Format: "xml"}.Validate())
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jiggy.log")
	lg, closer, err := New(Config{Level: "warn", Format: "json", Output: path}, "jiggy")
	require.NoError(t, err)

	lg.Info().Msg("dropped")
	lg.Warn().Str("job_id", "j1").Msg("kept")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var event map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &event), string(data))
	assert.Equal(t, "kept", event["message"])
	assert.Equal(t, "jiggy", event["app"])
	assert.Equal(t, "j1", event["job_id"])
	assert.Equal(t, "warn", event["level"])
}

func TestNewRejectsBadConfig(t *testing.T) {
	_, _, err := New(Config{Level: "info", Format: "yaml"}, "")
	assert.Error(t, err)
}
