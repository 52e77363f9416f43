package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"rvkernel/internal/blockdev"
	"rvkernel/internal/config"
	"rvkernel/internal/fs"
	"rvkernel/internal/klog"
)

func newFsckCmd(loadConfig func() (*config.Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "fsck",
		Short: "Walk the filesystem tree and report basic consistency",
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

			var visited, dirs int
			var walk func(ino *fs.Inode, path string) error
			walk = func(ino *fs.Inode, path string) error {
				visited++
				isDir, err := ino.IsDir()
				if err != nil {
					return err
				}
				if !isDir {
					return nil
				}
				dirs++
				names, err := ino.Ls()
				if err != nil {
					return err
				}
				for _, name := range names {
					if name == "." || name == ".." {
						continue
					}
					child, err := ino.Find(name)
					if err != nil {
						return err
					}
					if err := walk(child, path+"/"+name); err != nil {
						return err
					}
				}
				return nil
			}
			if err := walk(fs.RootInode(fsys), ""); err != nil {
				return err
			}
			fmt.Printf("fsck: %d inodes visited, %d directories\n", visited, dirs)
			return nil
		},
	}
}
