package flag

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bililive-go/segcast/src/configs"
)

func TestParseRunAndOverrides(t *testing.T) {
	input := filepath.Join(t.TempDir(), "movie.mov")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0644))

	cmd, err := app.Parse([]string{
		"--debug",
		"--target", "openlist",
		"--threshold", "42",
		"--upload-url", "http://127.0.0.1:3000/upload",
		"run", "--timeout", "1m", input,
	})
	require.NoError(t, err)
	assert.Equal(t, RunCmd.FullCommand(), cmd)
	assert.Equal(t, []string{input}, *RunFiles)
	assert.Equal(t, "1m0s", Deadline().String())

	cfg := GenConfigFromFlags()
	assert.True(t, cfg.Debug)
	assert.Equal(t, configs.UploadTargetOpenList, cfg.Upload.Target)
	assert.EqualValues(t, 42, cfg.Upload.ThresholdBytes)
	assert.Equal(t, "http://127.0.0.1:3000/upload", cfg.Upload.URL)
	// 未指定的项保持默认值
	assert.Equal(t, configs.NewConfig().Upload.ResolutionLabel, cfg.Upload.ResolutionLabel)
}
