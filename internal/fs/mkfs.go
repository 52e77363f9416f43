package fs

import (
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// MkFS formats totalBlocks worth of dev as a fresh filesystem image: it
// lays out the superblock, inode bitmap/area, and data bitmap/area, then
// creates the root directory inode (id 0).
func MkFS(dev Device, totalBlocks uint64, log *zap.Logger) (*FS, error) {
	if log == nil {
		log = zap.NewNop()
	}
	cache := NewBlockCache(dev, DefaultCacheBlocks, nil, nil, log)

	inodeAreaBlocks := (totalBlocks / 10) + 1
	inodeCount := inodeAreaBlocks * inodesPerBlock
	inodeBitmapBlocks := (inodeCount + BlockSize*8 - 1) / (BlockSize * 8)
	if inodeBitmapBlocks == 0 {
		inodeBitmapBlocks = 1
	}

	reserved := 1 + inodeBitmapBlocks + inodeAreaBlocks
	if reserved >= totalBlocks {
		return nil, errors.New("fs: mkfs: disk too small for inode metadata")
	}
	remaining := totalBlocks - reserved
	// data bitmap blocks b satisfy b*BlockSize*8 >= remaining - b, solved
	// conservatively by over-provisioning by one bitmap block's worth of
	// bits per iteration.
	dataBitmapBlocks := uint64(1)
	for {
		dataAreaBlocks := remaining - dataBitmapBlocks
		if dataBitmapBlocks*BlockSize*8 >= dataAreaBlocks {
			break
		}
		dataBitmapBlocks++
	}
	dataAreaBlocks := remaining - dataBitmapBlocks

	var sb Superblock
	sb.init(totalBlocks, inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks, dataAreaBlocks)
	if err := cache.Write(0, 0, sb.data[:]); err != nil {
		return nil, err
	}

	for b := uint64(1); b < 1+inodeBitmapBlocks; b++ {
		if err := cache.Zero(b); err != nil {
			return nil, err
		}
	}
	dataBitmapStart := 1 + inodeBitmapBlocks + inodeAreaBlocks
	for b := dataBitmapStart; b < dataBitmapStart+dataBitmapBlocks; b++ {
		if err := cache.Zero(b); err != nil {
			return nil, err
		}
	}

	fsys := &FS{cache: cache, sb: sb, log: log}

	rootID, err := fsys.allocInodeID()
	if err != nil {
		return nil, err
	}
	if rootID != 0 {
		return nil, errors.New("fs: mkfs: root inode did not land at id 0")
	}
	root := &DiskInode{Kind: KindDir, Links: 1}
	if err := fsys.writeDiskInode(rootID, root); err != nil {
		return nil, err
	}
	if err := cache.SyncAll(); err != nil {
		return nil, err
	}

	return Mount(cache, log)
}
