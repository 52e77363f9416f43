package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rvkernel/internal/addrspace"
	"rvkernel/internal/config"
	"rvkernel/internal/filetrack"
	"rvkernel/internal/hart"
	"rvkernel/internal/klog"
	"rvkernel/internal/mem"
	"rvkernel/internal/metrics"
	"rvkernel/internal/pt"
)

// newBenchCmd exercises the frame allocator and address-space fork/COW path
// across the configured hart count, printing frame-allocator occupancy
// before and after.
func newBenchCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Exercise the frame allocator and COW fork path across harts",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			log, err := klog.New(cfg.Debug)
			if err != nil {
				return err
			}
			defer log.Sync()

			reg := metrics.New()
			arena, err := mem.NewArena(cfg.ArenaBytes, cfg.DMAFrames, reg.FramesFree, reg.FramesUsed)
			if err != nil {
				return err
			}
			files := filetrack.New(arena, log)

			parent, err := addrspace.New(arena, files, log)
			if err != nil {
				return err
			}
			const vpn, npages = 0x1000, 16
			if err := parent.MapFramedLazy(vpn, npages, pt.R|pt.W|pt.U); err != nil {
				return err
			}
			for i := uint64(0); i < npages; i++ {
				if err := parent.PageFault(vpn+i, addrspace.FaultStore); err != nil {
					return err
				}
			}

			stopWatch := make(chan struct{})
			watchDone := make(chan struct{})
			oomWarned := klog.NewDeduper()
			go func() {
				defer close(watchDone)
				for {
					select {
					case msg := <-arena.OomCh():
						oomWarned.Once("frame-exhausted", func() {
							log.Warn("frame allocator exhausted", zap.Int("need", msg.Need))
						})
					case <-stopWatch:
						return
					}
				}
			}()

			acct := hart.NewAccnt()
			before := arena.FreeFrames()
			err = hart.RunAccounted(context.Background(), cfg.Harts, acct, func(ctx context.Context, hartID int) error {
				child, err := parent.Fork()
				if err != nil {
					return err
				}
				return child.PageFault(vpn, addrspace.FaultStore)
			})
			close(stopWatch)
			<-watchDone
			if err != nil {
				return err
			}
			after := arena.FreeFrames()
			fmt.Printf("bench: free frames %d -> %d across %d harts, %dus total hart runtime\n",
				before, after, cfg.Harts, acct.TotalNanos()/1000)
			return nil
		},
	}
}
