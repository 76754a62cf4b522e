// Copyright (C) 2019 Storj Labs, Inc.
// See LICENSE for copying information.

package cfgstruct

import (
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestBind(t *testing.T) {
	flags := pflag.NewFlagSet("test", pflag.PanicOnError)
	var cfg struct {
		String   string        `default:"dev" help:"a string"`
		Bool     bool          `default:"true"`
		Int      int           `default:"15"`
		Int64    int64         `default:"16"`
		Uint     uint          `default:"17"`
		Uint64   uint64        `default:"18"`
		Duration time.Duration `default:"30s"`
		Float    float64       `default:"2.5"`
		Nested   struct {
			WorkDir string `default:"$CONFDIR/work"`
		}
	}
	Bind(flags, &cfg, ConfDir("/tmp/conf"))

	require.Equal(t, "dev", cfg.String)
	require.Equal(t, true, cfg.Bool)
	require.Equal(t, 15, cfg.Int)
	require.Equal(t, int64(16), cfg.Int64)
	require.Equal(t, uint(17), cfg.Uint)
	require.Equal(t, uint64(18), cfg.Uint64)
	require.Equal(t, 30*time.Second, cfg.Duration)
	require.Equal(t, 2.5, cfg.Float)
	require.Equal(t, "/tmp/conf/work", cfg.Nested.WorkDir)

	require.NoError(t, flags.Parse([]string{"--nested.work-dir=/other", "--int=7"}))
	require.Equal(t, "/other", cfg.Nested.WorkDir)
	require.Equal(t, 7, cfg.Int)
}

func TestHyphenate(t *testing.T) {
	for in, expected := range map[string]string{
		"WorkDir":      "work-dir",
		"DB":           "db",
		"MaxIdleConns": "max-idle-conns",
		"PollFrequency": "poll-frequency",
	} {
		require.Equal(t, expected, hyphenate(in), in)
	}
}
