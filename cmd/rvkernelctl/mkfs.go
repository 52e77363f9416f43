package main

import (
	"github.com/spf13/cobra"

	"rvkernel/internal/blockdev"
	"rvkernel/internal/config"
	"rvkernel/internal/fs"
	"rvkernel/internal/klog"
)

func newMkfsCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "mkfs",
		Short: "Format a fresh disk image",
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

			dev, err := blockdev.OpenFileDisk(cfg.DiskImage, cfg.DiskSectors)
			if err != nil {
				return err
			}
			defer dev.Close()

			totalBlocks := cfg.DiskSectors / (fs.BlockSize / fs.SectorSize)
			if _, err := fs.MkFS(dev, totalBlocks, log); err != nil {
				return err
			}
			log.Info("formatted disk image", klog.NewBootSession().Field())
			return dev.Sync()
		},
	}
}
