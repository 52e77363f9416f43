package fs

import (
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"rvkernel/internal/defs"
	"rvkernel/internal/stat"
	"rvkernel/internal/util"
)

/// FS is the inode/directory layer over a BlockCache. A single mutex
/// serializes every directory/link mutation -- there is deliberately no
/// fine-grained per-inode locking. The block cache carries its own,
/// separate mutex -- see DESIGN.md's resolution of the get_links Open
/// Question.
type FS struct {
	mu    sync.Mutex
	cache *BlockCache
	sb    Superblock

	// MountID correlates log lines and metrics for one boot/mount session;
	// it is never written to disk.
	MountID uuid.UUID

	log *zap.Logger
}

/// Mount reads the superblock from cache and validates its magic.
func Mount(cache *BlockCache, log *zap.Logger) (*FS, error) {
	if log == nil {
		log = zap.NewNop()
	}
	fsys := &FS{cache: cache, MountID: uuid.New(), log: log}
	buf := make([]byte, BlockSize)
	if err := cache.Read(0, 0, buf); err != nil {
		return nil, errors.Wrap(err, "fs: read superblock")
	}
	copy(fsys.sb.data[:], buf)
	if !fsys.sb.MagicOK() {
		return nil, errors.Wrap(defs.EInval, "fs: bad superblock magic")
	}
	log.Info("mounted filesystem", zap.String("mount_id", fsys.MountID.String()))
	return fsys, nil
}

func (fsys *FS) dataBitmapStart() uint64 {
	return fsys.sb.InodeAreaStart() + fsys.sb.InodeAreaBlocks()
}

// --- bitmaps -----------------------------------------------------------

func (fsys *FS) bitAlloc(bitmapStart, bitmapBlocks uint64) (uint64, error) {
	buf := make([]byte, BlockSize)
	for blk := uint64(0); blk < bitmapBlocks; blk++ {
		if err := fsys.cache.Read(bitmapStart+blk, 0, buf); err != nil {
			return 0, err
		}
		for i, b := range buf {
			if b == 0xff {
				continue
			}
			for bit := 0; bit < 8; bit++ {
				if b&(1<<uint(bit)) != 0 {
					continue
				}
				buf[i] = b | (1 << uint(bit))
				if err := fsys.cache.Write(bitmapStart+blk, 0, buf); err != nil {
					return 0, err
				}
				return blk*BlockSize*8 + uint64(i)*8 + uint64(bit), nil
			}
		}
	}
	return 0, errors.Wrap(defs.ENomem, "fs: bitmap exhausted")
}

func (fsys *FS) bitFree(bitmapStart, bit uint64) error {
	blk := bit / (BlockSize * 8)
	rem := bit % (BlockSize * 8)
	byteIdx := int(rem / 8)
	bitIdx := uint(rem % 8)
	buf := make([]byte, 1)
	if err := fsys.cache.Read(bitmapStart+blk, byteIdx, buf); err != nil {
		return err
	}
	buf[0] &^= 1 << bitIdx
	return fsys.cache.Write(bitmapStart+blk, byteIdx, buf)
}

func (fsys *FS) allocInodeID() (uint32, error) {
	idx, err := fsys.bitAlloc(1, fsys.sb.InodeBitmapBlocks())
	return uint32(idx), err
}

func (fsys *FS) freeInodeID(id uint32) error {
	return fsys.bitFree(1, uint64(id))
}

func (fsys *FS) allocDataBlock() (uint32, error) {
	idx, err := fsys.bitAlloc(fsys.dataBitmapStart(), fsys.sb.DataBitmapBlocks())
	if err != nil {
		return 0, err
	}
	blockNo := uint32(fsys.sb.DataAreaStart()) + uint32(idx)
	if err := fsys.cache.Zero(uint64(blockNo)); err != nil {
		return 0, err
	}
	return blockNo, nil
}

func (fsys *FS) freeDataBlock(blockNo uint32) error {
	idx := uint64(blockNo) - fsys.sb.DataAreaStart()
	return fsys.bitFree(fsys.dataBitmapStart(), idx)
}

// --- disk inode access ---------------------------------------------------

func (fsys *FS) inodeLoc(id uint32) (blockNo uint64, off int) {
	blockNo = fsys.sb.InodeAreaStart() + uint64(id)/inodesPerBlock
	off = int(uint64(id)%inodesPerBlock) * inodeBytes
	return
}

func (fsys *FS) readDiskInode(id uint32) (*DiskInode, error) {
	blockNo, off := fsys.inodeLoc(id)
	buf := make([]byte, inodeBytes)
	if err := fsys.cache.Read(blockNo, off, buf); err != nil {
		return nil, errors.Wrapf(err, "fs: read inode %d", id)
	}
	di := &DiskInode{}
	di.unmarshal(buf)
	return di, nil
}

func (fsys *FS) writeDiskInode(id uint32, di *DiskInode) error {
	blockNo, off := fsys.inodeLoc(id)
	buf := make([]byte, inodeBytes)
	di.marshal(buf)
	return errors.Wrapf(fsys.cache.Write(blockNo, off, buf), "fs: write inode %d", id)
}

// --- indirect block chasing ----------------------------------------------

func (fsys *FS) readIndex(blockNo uint32, idx uint32) (uint32, error) {
	buf := make([]byte, 4)
	if err := fsys.cache.Read(uint64(blockNo), int(idx)*4, buf); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf), nil
}

func (fsys *FS) writeIndex(blockNo uint32, idx uint32, v uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	return fsys.cache.Write(uint64(blockNo), int(idx)*4, buf)
}

// getBlock resolves the data block backing logical block index within di
// without allocating; ok is false for unallocated (sparse) blocks.
func (fsys *FS) getBlock(di *DiskInode, index uint32) (blockNo uint32, ok bool, err error) {
	if index < NDirect {
		return di.Direct[index], di.Direct[index] != 0, nil
	}
	index -= NDirect
	if index < indirectEntries {
		if di.Indirect1 == 0 {
			return 0, false, nil
		}
		v, err := fsys.readIndex(di.Indirect1, index)
		return v, v != 0, err
	}
	index -= indirectEntries
	if di.Indirect2 == 0 {
		return 0, false, nil
	}
	i2, within := index/indirectEntries, index%indirectEntries
	l2, err := fsys.readIndex(di.Indirect2, i2)
	if err != nil || l2 == 0 {
		return 0, false, err
	}
	v, err := fsys.readIndex(l2, within)
	return v, v != 0, err
}

// ensureBlock is getBlock but allocates missing index and data blocks,
// mutating di's direct/indirect pointers as needed.
func (fsys *FS) ensureBlock(di *DiskInode, index uint32) (uint32, error) {
	if index < NDirect {
		if di.Direct[index] == 0 {
			nb, err := fsys.allocDataBlock()
			if err != nil {
				return 0, err
			}
			di.Direct[index] = nb
		}
		return di.Direct[index], nil
	}
	index -= NDirect
	if index < indirectEntries {
		if di.Indirect1 == 0 {
			nb, err := fsys.allocDataBlock()
			if err != nil {
				return 0, err
			}
			di.Indirect1 = nb
		}
		cur, err := fsys.readIndex(di.Indirect1, index)
		if err != nil {
			return 0, err
		}
		if cur == 0 {
			nb, err := fsys.allocDataBlock()
			if err != nil {
				return 0, err
			}
			if err := fsys.writeIndex(di.Indirect1, index, nb); err != nil {
				return 0, err
			}
			cur = nb
		}
		return cur, nil
	}
	index -= indirectEntries
	i2, within := index/indirectEntries, index%indirectEntries
	if di.Indirect2 == 0 {
		nb, err := fsys.allocDataBlock()
		if err != nil {
			return 0, err
		}
		di.Indirect2 = nb
	}
	l2, err := fsys.readIndex(di.Indirect2, i2)
	if err != nil {
		return 0, err
	}
	if l2 == 0 {
		nb, err := fsys.allocDataBlock()
		if err != nil {
			return 0, err
		}
		if err := fsys.writeIndex(di.Indirect2, i2, nb); err != nil {
			return 0, err
		}
		l2 = nb
	}
	cur, err := fsys.readIndex(l2, within)
	if err != nil {
		return 0, err
	}
	if cur == 0 {
		nb, err := fsys.allocDataBlock()
		if err != nil {
			return 0, err
		}
		if err := fsys.writeIndex(l2, within, nb); err != nil {
			return 0, err
		}
		cur = nb
	}
	return cur, nil
}

// freeAllDataBlocks releases every data and index block owned by di,
// returning the count freed (used to cross-check totalBlocksFor(di.Size)).
func (fsys *FS) freeAllDataBlocks(di *DiskInode) (uint32, error) {
	var freed uint32
	db := dataBlocksFor(di.Size)
	for i := uint32(0); i < db && i < NDirect; i++ {
		if di.Direct[i] != 0 {
			if err := fsys.freeDataBlock(di.Direct[i]); err != nil {
				return freed, err
			}
			freed++
		}
	}
	if db > NDirect && di.Indirect1 != 0 {
		n := db - NDirect
		if n > indirectEntries {
			n = indirectEntries
		}
		for i := uint32(0); i < n; i++ {
			v, err := fsys.readIndex(di.Indirect1, i)
			if err != nil {
				return freed, err
			}
			if v != 0 {
				if err := fsys.freeDataBlock(v); err != nil {
					return freed, err
				}
				freed++
			}
		}
		if err := fsys.freeDataBlock(di.Indirect1); err != nil {
			return freed, err
		}
		freed++
	}
	if db > NDirect+indirectEntries && di.Indirect2 != 0 {
		remaining := db - NDirect - indirectEntries
		n2 := (remaining + indirectEntries - 1) / indirectEntries
		for i2 := uint32(0); i2 < n2; i2++ {
			l2, err := fsys.readIndex(di.Indirect2, i2)
			if err != nil {
				return freed, err
			}
			if l2 == 0 {
				continue
			}
			count := indirectEntries
			if i2 == n2-1 && remaining%indirectEntries != 0 {
				count = int(remaining % indirectEntries)
			}
			for i := 0; i < count; i++ {
				v, err := fsys.readIndex(l2, uint32(i))
				if err != nil {
					return freed, err
				}
				if v != 0 {
					if err := fsys.freeDataBlock(v); err != nil {
						return freed, err
					}
					freed++
				}
			}
			if err := fsys.freeDataBlock(l2); err != nil {
				return freed, err
			}
			freed++
		}
		if err := fsys.freeDataBlock(di.Indirect2); err != nil {
			return freed, err
		}
		freed++
	}
	return freed, nil
}

// --- byte-range read/write through blocks, fs.mu already held -----------

func (fsys *FS) readBytes(di *DiskInode, offset int64, buf []byte) (int, error) {
	if offset >= int64(di.Size) {
		return 0, io.EOF
	}
	end := offset + int64(len(buf))
	if end > int64(di.Size) {
		end = int64(di.Size)
	}
	n := 0
	for pos := offset; pos < end; {
		blkIdx := uint32(pos / BlockSize)
		blkOff := int(pos % BlockSize)
		chunk := util.Min(BlockSize-blkOff, int(end-pos))
		blockNo, ok, err := fsys.getBlock(di, blkIdx)
		if err != nil {
			return n, err
		}
		if ok {
			if err := fsys.cache.Read(uint64(blockNo), blkOff, buf[n:n+chunk]); err != nil {
				return n, err
			}
		} else {
			for i := 0; i < chunk; i++ {
				buf[n+i] = 0
			}
		}
		n += chunk
		pos += int64(chunk)
	}
	return n, nil
}

func (fsys *FS) writeBytes(di *DiskInode, offset int64, buf []byte) (int, error) {
	end := offset + int64(len(buf))
	// Allocate every block up to the new end of file, including any gap
	// between the old end and offset, so no block below Size is left
	// unallocated: freeAllDataBlocks and Unlink's check against
	// totalBlocksFor(size) count on that.
	if end > int64(di.Size) {
		for idx := dataBlocksFor(di.Size); idx < dataBlocksFor(uint32(end)); idx++ {
			if _, err := fsys.ensureBlock(di, idx); err != nil {
				return 0, err
			}
		}
		di.Size = uint32(end)
	}
	n := 0
	for pos := offset; pos < end; {
		blkIdx := uint32(pos / BlockSize)
		blkOff := int(pos % BlockSize)
		chunk := util.Min(BlockSize-blkOff, int(end-pos))
		blockNo, err := fsys.ensureBlock(di, blkIdx)
		if err != nil {
			return n, err
		}
		if err := fsys.cache.Write(uint64(blockNo), blkOff, buf[n:n+chunk]); err != nil {
			return n, err
		}
		n += chunk
		pos += int64(chunk)
	}
	return n, nil
}

// --- directory entries ----------------------------------------------------

func (fsys *FS) readDirEntries(di *DiskInode) ([]DirEntry, error) {
	count := di.Size / direntSize
	entries := make([]DirEntry, 0, count)
	buf := make([]byte, direntSize)
	for i := uint32(0); i < count; i++ {
		if _, err := fsys.readBytes(di, int64(i)*direntSize, buf); err != nil {
			return nil, err
		}
		entries = append(entries, unmarshalDirent(buf))
	}
	return entries, nil
}

func (fsys *FS) appendDirEntry(di *DiskInode, ent DirEntry) error {
	buf := make([]byte, direntSize)
	ent.marshal(buf)
	_, err := fsys.writeBytes(di, int64(di.Size), buf)
	return err
}

// rewriteDirEntries compacts di's directory block(s) down to exactly
// entries, shrinking di.Size; it does not free now-unused trailing data
// blocks -- left as slack rather than reclaimed eagerly.
func (fsys *FS) rewriteDirEntries(di *DiskInode, entries []DirEntry) error {
	buf := make([]byte, direntSize)
	for i, ent := range entries {
		ent.marshal(buf)
		if _, err := fsys.writeBytes(di, int64(i)*direntSize, buf); err != nil {
			return err
		}
	}
	di.Size = uint32(len(entries)) * direntSize
	return nil
}

// --- Inode: the in-memory handle -----------------------------------------

/// Inode is a handle to one on-disk inode, usable as a filetrack.Backing.
type Inode struct {
	fs *FS
	ID uint32
}

func RootInode(fsys *FS) *Inode { return &Inode{fs: fsys, ID: 0} }

func (ino *Inode) InodeID() uint64 { return uint64(ino.ID) }

func (ino *Inode) IsDir() (bool, error) {
	di, err := ino.diskInode()
	if err != nil {
		return false, err
	}
	return di.isDir(), nil
}

func (ino *Inode) IsFile() (bool, error) {
	di, err := ino.diskInode()
	if err != nil {
		return false, err
	}
	return di.isFile(), nil
}

func (ino *Inode) diskInode() (*DiskInode, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()
	return ino.fs.readDiskInode(ino.ID)
}

// GetLinks reads the disk inode while holding the filesystem lock; the block
// cache read underneath also takes the cache's own, independent mutex -- see
// DESIGN.md.
func (ino *Inode) GetLinks() (uint32, error) {
	di, err := ino.diskInode()
	if err != nil {
		return 0, err
	}
	return di.Links, nil
}

// Stat fills out a stat.Stat_t describing ino's current metadata.
func (ino *Inode) Stat() (stat.Stat_t, error) {
	di, err := ino.diskInode()
	if err != nil {
		return stat.Stat_t{}, err
	}
	var st stat.Stat_t
	st.Wino(uint(ino.ID))
	if di.isDir() {
		st.Wmode(stat.KindDir)
	} else {
		st.Wmode(stat.KindFile)
	}
	st.Wsize(uint(di.Size))
	st.Wlinks(uint(di.Links))
	st.Wblocks(uint(totalBlocksFor(di.Size)))
	return st, nil
}

func (ino *Inode) Ls() ([]string, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()
	di, err := ino.fs.readDiskInode(ino.ID)
	if err != nil {
		return nil, err
	}
	if !di.isDir() {
		return nil, errors.Wrap(defs.ENotDir, "fs: Ls on a non-directory")
	}
	entries, err := ino.fs.readDirEntries(di)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name
	}
	return names, nil
}

func (ino *Inode) Find(name string) (*Inode, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()
	di, err := ino.fs.readDiskInode(ino.ID)
	if err != nil {
		return nil, err
	}
	if !di.isDir() {
		return nil, errors.Wrap(defs.ENotDir, "fs: Find on a non-directory")
	}
	entries, err := ino.fs.readDirEntries(di)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == name {
			return &Inode{fs: ino.fs, ID: e.InodeID}, nil
		}
	}
	return nil, errors.Wrapf(defs.ENameNotFound, "fs: %q", name)
}

func (ino *Inode) Create(name string, kind Kind) (*Inode, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()
	di, err := ino.fs.readDiskInode(ino.ID)
	if err != nil {
		return nil, err
	}
	if !di.isDir() {
		return nil, errors.Wrap(defs.ENotDir, "fs: Create on a non-directory")
	}
	entries, err := ino.fs.readDirEntries(di)
	if err != nil {
		return nil, err
	}
	for _, e := range entries {
		if e.Name == name {
			return nil, errors.Wrapf(defs.ENameExists, "fs: %q", name)
		}
	}
	newID, err := ino.fs.allocInodeID()
	if err != nil {
		return nil, err
	}
	ndi := &DiskInode{Kind: kind, Links: 1}
	if err := ino.fs.writeDiskInode(newID, ndi); err != nil {
		return nil, err
	}
	if err := ino.fs.appendDirEntry(di, DirEntry{Name: name, InodeID: newID}); err != nil {
		return nil, err
	}
	if err := ino.fs.writeDiskInode(ino.ID, di); err != nil {
		return nil, err
	}
	if err := ino.fs.cache.SyncAll(); err != nil {
		return nil, err
	}
	return &Inode{fs: ino.fs, ID: newID}, nil
}

// Link adds a directory entry in ino naming target, bumping target's link
// count. It deliberately does not SyncAll -- see DESIGN.md for the
// link/create durability asymmetry this leaves in place.
func (ino *Inode) Link(name string, target *Inode) error {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()
	di, err := ino.fs.readDiskInode(ino.ID)
	if err != nil {
		return err
	}
	if !di.isDir() {
		return errors.Wrap(defs.ENotDir, "fs: Link on a non-directory")
	}
	entries, err := ino.fs.readDirEntries(di)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.Name == name {
			return errors.Wrapf(defs.ENameExists, "fs: %q", name)
		}
	}
	if err := ino.fs.appendDirEntry(di, DirEntry{Name: name, InodeID: target.ID}); err != nil {
		return err
	}
	if err := ino.fs.writeDiskInode(ino.ID, di); err != nil {
		return err
	}
	tdi, err := ino.fs.readDiskInode(target.ID)
	if err != nil {
		return err
	}
	tdi.Links++
	return ino.fs.writeDiskInode(target.ID, tdi)
}

// Unlink removes name from ino's directory, decrementing the target's link
// count and, on reaching zero, freeing its inode and data blocks. It returns
// the target inode's id and its link count immediately before this unlink,
// so a caller can tell a still-referenced inode (previous count > 1) from
// one it just finalized (previous count == 1). A mismatch between the
// blocks actually freed and totalBlocksFor(size) means the on-disk bitmap
// and inode size disagree -- filesystem corruption -- and panics rather
// than returning an error.
func (ino *Inode) Unlink(name string) (uint32, int, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()
	di, err := ino.fs.readDiskInode(ino.ID)
	if err != nil {
		return 0, 0, err
	}
	if !di.isDir() {
		return 0, 0, errors.Wrap(defs.ENotDir, "fs: Unlink on a non-directory")
	}
	entries, err := ino.fs.readDirEntries(di)
	if err != nil {
		return 0, 0, err
	}
	idx := -1
	for i, e := range entries {
		if e.Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, 0, errors.Wrapf(defs.ENameNotFound, "fs: %q", name)
	}
	targetID := entries[idx].InodeID
	remaining := append(entries[:idx], entries[idx+1:]...)
	if err := ino.fs.rewriteDirEntries(di, remaining); err != nil {
		return 0, 0, err
	}
	if err := ino.fs.writeDiskInode(ino.ID, di); err != nil {
		return 0, 0, err
	}

	tdi, err := ino.fs.readDiskInode(targetID)
	if err != nil {
		return 0, 0, err
	}
	prevLinks := int(tdi.Links)
	tdi.Links--
	if tdi.Links > 0 {
		if err := ino.fs.writeDiskInode(targetID, tdi); err != nil {
			return 0, 0, err
		}
		return targetID, prevLinks, nil
	}

	want := totalBlocksFor(tdi.Size)
	freed, err := ino.fs.freeAllDataBlocks(tdi)
	if err != nil {
		return 0, 0, err
	}
	if freed != want {
		panic(fmt.Sprintf("fs: Unlink inode %d freed %d blocks, totalBlocksFor(size=%d) wants %d",
			targetID, freed, tdi.Size, want))
	}
	*tdi = DiskInode{}
	if err := ino.fs.writeDiskInode(targetID, tdi); err != nil {
		return 0, 0, err
	}
	if err := ino.fs.freeInodeID(targetID); err != nil {
		return 0, 0, err
	}
	if err := ino.fs.cache.SyncAll(); err != nil {
		return 0, 0, err
	}
	return targetID, prevLinks, nil
}

func (ino *Inode) ReadAt(buf []byte, offset int64) (int, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()
	di, err := ino.fs.readDiskInode(ino.ID)
	if err != nil {
		return 0, err
	}
	return ino.fs.readBytes(di, offset, buf)
}

func (ino *Inode) WriteAt(buf []byte, offset int64) (int, error) {
	ino.fs.mu.Lock()
	defer ino.fs.mu.Unlock()
	di, err := ino.fs.readDiskInode(ino.ID)
	if err != nil {
		return 0, err
	}
	n, err := ino.fs.writeBytes(di, offset, buf)
	if err != nil {
		return n, err
	}
	return n, ino.fs.writeDiskInode(ino.ID, di)
}

func (ino *Inode) Size() (uint32, error) {
	di, err := ino.diskInode()
	if err != nil {
		return 0, err
	}
	return di.Size, nil
}
