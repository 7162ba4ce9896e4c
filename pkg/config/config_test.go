package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`
	Fee struct {
		Percent int64 `mapstructure:"percent"`
	} `mapstructure:"fee"`
}

func TestLoadWithEnvOverride(t *testing.T) {
	dir := t.TempDir()
	yaml := "http:\n  addr: \":8080\"\nfee:\n  percent: 10\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "unit.yaml"), []byte(yaml), 0o644))

	t.Setenv("TOKENEX_HTTP_ADDR", ":9090")

	var cfg sample
	v, err := Load("unit", &cfg, dir)
	require.NoError(t, err)
	assert.Equal(t, int64(10), cfg.Fee.Percent)
	assert.Equal(t, ":9090", v.GetString("http.addr"))
}

func TestLoadMissingFile(t *testing.T) {
	var cfg sample
	_, err := Load("does-not-exist", &cfg, t.TempDir())
	assert.Error(t, err)
}
