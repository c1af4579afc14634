// Copyright 2020 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux && amd64

package perfpt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// writePMU lays out a fake sysfs PMU directory.
func writePMU(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "format"), 0o755))
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestLoadPMU(t *testing.T) {
	dir := writePMU(t, map[string]string{
		"type":              "8\n",
		"format/tsc":        "config:10\n",
		"format/noretcomp":  "config:11\n",
		"format/branch":     "config:13\n",
		"format/psb_period": "config:24-27\n",
		"format/cyc_thresh": "config:19-22\n",
	})

	p, err := loadPMU(dir)
	require.NoError(t, err)
	require.Equal(t, uint32(8), p.typ)
	require.Equal(t, bitfield{lo: 10, hi: 10}, p.fields["tsc"])
	require.Equal(t, bitfield{lo: 24, hi: 27}, p.fields["psb_period"])

	cfg, err := p.config(map[string]uint64{"branch": 1, "noretcomp": 1, "tsc": 0})
	require.NoError(t, err)
	require.Equal(t, uint64(1<<13|1<<11), cfg)
}

func TestLoadPMUMissing(t *testing.T) {
	_, err := loadPMU(filepath.Join(t.TempDir(), "no_such_pmu"))
	require.True(t, os.IsNotExist(err))
}

func TestParseBitfield(t *testing.T) {
	tests := []struct {
		in   string
		want bitfield
		ok   bool
		err  bool
	}{
		{"config:10", bitfield{lo: 10, hi: 10}, true, false},
		{"config:24-27", bitfield{lo: 24, hi: 27}, true, false},
		{"config:0-63", bitfield{lo: 0, hi: 63}, true, false},
		{"config1:0-7", bitfield{}, false, false},
		{"config:banana", bitfield{}, false, true},
		{"config:27-24", bitfield{}, false, true},
		{"config:60-70", bitfield{}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			f, ok, err := parseBitfield(tt.in)
			if tt.err {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, f)
		})
	}
}

func TestPMUConfig(t *testing.T) {
	p := &pmu{typ: 8, fields: map[string]bitfield{"psb_period": {lo: 24, hi: 27}}}

	_, err := p.config(map[string]uint64{"branch": 1})
	require.ErrorContains(t, err, `"branch"`)

	_, err = p.config(map[string]uint64{"psb_period": 16})
	require.ErrorContains(t, err, "overflows")

	cfg, err := p.config(map[string]uint64{"psb_period": 15})
	require.NoError(t, err)
	require.Equal(t, uint64(15)<<24, cfg)
}
