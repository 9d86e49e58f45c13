package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/christerso/gpumem/config"
	"github.com/christerso/gpumem/internal/fakedevice"
	"github.com/christerso/gpumem/pkg/gpumem"
)

var (
	allocCount int
	allocUsage string
)

var allocCmd = &cobra.Command{
	Use:   "alloc",
	Short: "Allocate and free a synthetic workload, then print utilization",
	RunE:  runAlloc,
}

func init() {
	allocCmd.Flags().IntVar(&allocCount, "count", 64, "number of alloc/free pairs to issue")
	allocCmd.Flags().StringVar(&allocUsage, "usage", "gpu-only", "usage hint: gpu-only, upload, readback, transient, dedicated")
	rootCmd.AddCommand(allocCmd)
}

func usageFromFlag(s string) (gpumem.MemoryUsage, error) {
	switch s {
	case "gpu-only":
		return gpumem.UsageGPUOnly, nil
	case "upload":
		return gpumem.UsageUpload, nil
	case "readback":
		return gpumem.UsageReadback, nil
	case "transient":
		return gpumem.UsageTransient, nil
	case "dedicated":
		return gpumem.UsageDedicated, nil
	default:
		return 0, fmt.Errorf("unknown usage %q", s)
	}
}

func runAlloc(cmd *cobra.Command, args []string) error {
	usage, err := usageFromFlag(allocUsage)
	if err != nil {
		return err
	}

	settings := config.Default(4)
	if cfgFile != "" {
		if settings, err = config.Load(v); err != nil {
			return err
		}
	}
	device := fakedevice.New()
	props := fakedevice.DefaultHeapsProperties()
	heaps := gpumem.NewHeaps(settings.HeapsConfig(), props, log)

	const mask = ^uint64(0)
	var blocks []gpumem.BlockFlavor

	for i := 0; i < allocCount; i++ {
		size := gpumem.RawSize(64 << (i % 10))
		blk, err := heaps.Allocate(device, mask, usage, size, 16)
		if err != nil {
			log.Warn("allocation failed", zap.Int("iteration", i), zap.Error(err))
			continue
		}
		blocks = append(blocks, blk)
	}

	for _, blk := range blocks {
		heaps.Free(device, blk)
	}

	u := heaps.Utilization()
	fmt.Printf("heaps id: %s\n", heaps.ID())
	for _, t := range u.Types {
		fmt.Printf("  type %d: used=%d effective=%d\n", t.MemoryTypeIndex, t.Used, t.Effective)
	}
	for _, h := range u.Heaps {
		fmt.Printf("  heap %d: size=%d used=%d effective=%d\n", h.HeapIndex, h.Size, h.Used, h.Effective)
	}
	fmt.Printf("device live allocations remaining: %d\n", device.LiveAllocations())
	return nil
}
