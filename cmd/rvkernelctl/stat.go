package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"rvkernel/internal/blockdev"
	"rvkernel/internal/config"
	"rvkernel/internal/fs"
	"rvkernel/internal/klog"
)

func newStatCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "stat <path>",
		Short: "Resolve a path and print the target inode's metadata",
		Args:  cobra.ExactArgs(1),
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

			cache := fs.NewBlockCache(dev, cfg.CacheBlocks, nil, nil, log)
			fsys, err := fs.Mount(cache, log)
			if err != nil {
				return err
			}

			ino, err := fs.Resolve(fs.RootInode(fsys), args[0])
			if err != nil {
				return err
			}
			st, err := ino.Stat()
			if err != nil {
				return err
			}
			kind := "file"
			if st.IsDir() {
				kind = "dir"
			}
			fmt.Printf("ino=%d kind=%s size=%d links=%d blocks=%d\n",
				st.Ino(), kind, st.Size(), st.Links(), st.Blocks())
			return nil
		},
	}
}
