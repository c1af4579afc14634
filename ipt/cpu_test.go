package ipt

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCPUErrata(t *testing.T) {
	tests := []struct {
		name  string
		cpu   CPU
		loose bool
	}{
		{"broadwell desktop", CPU{Vendor: "GenuineIntel", Family: 6, Model: 61}, true},
		{"broadwell server", CPU{Vendor: "GenuineIntel", Family: 6, Model: 79}, true},
		{"skylake", CPU{Vendor: "GenuineIntel", Family: 6, Model: 94}, false},
		{"wrong family", CPU{Vendor: "GenuineIntel", Family: 15, Model: 61}, false},
		{"amd", CPU{Vendor: "AuthenticAMD", Family: 6, Model: 61}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.loose, tt.cpu.Errata().LoosePSBPreamble)
		})
	}
}

func TestReadCPU(t *testing.T) {
	if _, err := os.Stat("/proc/cpuinfo"); err != nil {
		t.Skipf("no /proc/cpuinfo: %v", err)
	}
	cpu, err := ReadCPU()
	require.NoError(t, err)
	require.NotEmpty(t, cpu.String())
}
