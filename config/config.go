// Package config loads gpumemctl's runtime configuration: which pooled
// allocators are enabled per memory type and their tuning knobs.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/christerso/gpumem/pkg/gpumem"
)

// MemoryTypeSettings is the on-disk/flag representation of one memory
// type's MemoryTypeConfig: zero values mean "disabled", mirroring
// gpumem.MemoryTypeConfig's nil-pointer-means-disabled convention.
type MemoryTypeSettings struct {
	LinearEnabled  bool   `mapstructure:"linear_enabled"`
	LineSize       uint64 `mapstructure:"line_size"`
	GeneralEnabled bool   `mapstructure:"general_enabled"`

	BlockSizeGranularity uint64 `mapstructure:"block_size_granularity"`
	MaxChunkSizeFraction uint32 `mapstructure:"max_chunk_size_fraction"`
	MinDeviceAllocation  uint64 `mapstructure:"min_device_allocation"`
	SignificantSizeBits  uint32 `mapstructure:"significant_size_bits"`
}

// Settings is the full configuration surface for gpumemctl, read by viper
// from the optional --config file. No command-line flag is bound to these
// fields.
type Settings struct {
	Types      []MemoryTypeSettings `mapstructure:"types"`
	MetricsAddr string               `mapstructure:"metrics_addr"`
}

// Load reads configuration from v (already populated from flags/env/file
// by the caller) into a Settings value.
func Load(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return s, nil
}

// HeapsConfig translates Settings into the gpumem.HeapsConfig the core
// expects, one MemoryTypeConfig per configured memory type.
func (s Settings) HeapsConfig() gpumem.HeapsConfig {
	types := make([]gpumem.MemoryTypeConfig, len(s.Types))
	for i, t := range s.Types {
		var tc gpumem.MemoryTypeConfig
		if t.LinearEnabled {
			lineSize := t.LineSize
			if lineSize == 0 {
				lineSize = 1 << 20
			}
			tc.Linear = &gpumem.LinearConfig{LineSize: lineSize}
		}
		if t.GeneralEnabled {
			granularity := t.BlockSizeGranularity
			if granularity == 0 {
				granularity = 256
			}
			minDeviceAlloc := t.MinDeviceAllocation
			if minDeviceAlloc == 0 {
				minDeviceAlloc = 1 << 20
			}
			tc.General = &gpumem.GeneralConfig{
				BlockSizeGranularity: granularity,
				MaxChunkSizeFraction: t.MaxChunkSizeFraction,
				MinDeviceAllocation:  minDeviceAlloc,
				SignificantSizeBits:  t.SignificantSizeBits,
			}
		}
		types[i] = tc
	}
	return gpumem.HeapsConfig{Types: types}
}

// Default returns the built-in settings gpumemctl uses when no --config
// file is given: linear and general pooling enabled on every memory type
// reported by the demo device.
func Default(numTypes int) Settings {
	types := make([]MemoryTypeSettings, numTypes)
	for i := range types {
		types[i] = MemoryTypeSettings{
			LinearEnabled:        true,
			LineSize:             1 << 20,
			GeneralEnabled:       true,
			BlockSizeGranularity: 256,
			MaxChunkSizeFraction: 64,
			MinDeviceAllocation:  1 << 20,
			SignificantSizeBits:  1,
		}
	}
	return Settings{Types: types, MetricsAddr: ":9090"}
}
