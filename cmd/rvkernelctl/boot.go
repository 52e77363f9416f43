package main

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rvkernel/internal/addrspace"
	"rvkernel/internal/blockdev"
	"rvkernel/internal/config"
	"rvkernel/internal/filetrack"
	"rvkernel/internal/fs"
	"rvkernel/internal/hart"
	"rvkernel/internal/klog"
	"rvkernel/internal/mem"
	"rvkernel/internal/metrics"
	"rvkernel/internal/pt"
)

func newBootCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "boot",
		Short: "Boot the simulated kernel over a formatted disk image",
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
			session := klog.NewBootSession()
			log = log.With(session.Field())

			reg := metrics.New()

			dev, err := blockdev.OpenFileDisk(cfg.DiskImage, cfg.DiskSectors)
			if err != nil {
				return err
			}
			defer dev.Close()

			cache := fs.NewBlockCache(dev, cfg.CacheBlocks, reg.CacheHits, reg.CacheMiss, log)
			fsys, err := fs.Mount(cache, log)
			if err != nil {
				return err
			}

			arena, err := mem.NewArena(cfg.ArenaBytes, cfg.DMAFrames, reg.FramesFree, reg.FramesUsed)
			if err != nil {
				return err
			}
			files := filetrack.New(arena, log)

			// A real trap-entry collaborator would own a fixed trampoline
			// code page shared by every address space; this core only
			// needs a physical page to point every mapping's trampoline
			// PTE at, so it allocates one itself.
			trampolinePA, err := arena.AllocateOne()
			if err != nil {
				return errors.Wrap(err, "boot: allocate trampoline page")
			}
			kernelTextPA, err := arena.AllocateOne()
			if err != nil {
				return errors.Wrap(err, "boot: allocate kernel text page")
			}
			kernel, err := addrspace.NewKernel(arena, files, log, trampolinePA, []addrspace.IdentityRegion{
				{VPN: 0x80000, PA: kernelTextPA, NPages: 1, Perm: pt.R | pt.X},
			})
			if err != nil {
				return errors.Wrap(err, "boot: build kernel address space")
			}
			kernelSatp := kernel.Activate()

			var userSpace *addrspace.AddressSpace
			var userEntry uint64
			if cfg.InitPath != "" {
				elfBytes, err := os.ReadFile(cfg.InitPath)
				if err != nil {
					return errors.Wrap(err, "boot: read init binary")
				}
				userSpace, userEntry, err = addrspace.FromELF(arena, files, log, trampolinePA, elfBytes)
				if err != nil {
					return errors.Wrap(err, "boot: build init address space")
				}
			}

			return hart.Run(context.Background(), cfg.Harts, func(ctx context.Context, hartID int) error {
				hlog := log.With(zap.Int("hart", hartID))
				if hartID == 0 {
					names, err := fs.RootInode(fsys).Ls()
					if err != nil {
						return err
					}
					hlog.Info("root directory", zap.Strings("entries", names))
				}
				if userSpace != nil && hartID == 0 {
					userSatp := userSpace.Activate()
					hlog.Info("init address space activated",
						zap.Uint64("satp", userSatp), zap.Uint64("entry", userEntry))
				}
				hlog.Info("hart idle, nothing scheduled", zap.Uint64("kernel_satp", kernelSatp))
				return nil
			})
		},
	}
}
