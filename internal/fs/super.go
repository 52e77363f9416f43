package fs

import "encoding/binary"

/// Magic identifies a block device formatted by this filesystem.
const Magic = uint64(0x9a1f5e57)

// Superblock occupies block 0, laid out as eight 8-byte fields accessed via
// a fieldr/fieldw indexing idiom: magic, total blocks, inode bitmap blocks,
// inode area blocks, data bitmap blocks, data area blocks, inode area start
// block, data area start block.
type superFields int

const (
	fMagic superFields = iota
	fTotalBlocks
	fInodeBitmapBlocks
	fInodeAreaBlocks
	fDataBitmapBlocks
	fDataAreaBlocks
	fInodeAreaStart
	fDataAreaStart
)

func fieldr(blk []byte, idx superFields) uint64 {
	return binary.LittleEndian.Uint64(blk[int(idx)*8:])
}

func fieldw(blk []byte, idx superFields, v uint64) {
	binary.LittleEndian.PutUint64(blk[int(idx)*8:], v)
}

/// Superblock is the in-memory view of block 0.
type Superblock struct {
	data [BlockSize]byte
}

func (sb *Superblock) MagicOK() bool           { return fieldr(sb.data[:], fMagic) == Magic }
func (sb *Superblock) TotalBlocks() uint64      { return fieldr(sb.data[:], fTotalBlocks) }
func (sb *Superblock) InodeBitmapBlocks() uint64 { return fieldr(sb.data[:], fInodeBitmapBlocks) }
func (sb *Superblock) InodeAreaBlocks() uint64  { return fieldr(sb.data[:], fInodeAreaBlocks) }
func (sb *Superblock) DataBitmapBlocks() uint64 { return fieldr(sb.data[:], fDataBitmapBlocks) }
func (sb *Superblock) DataAreaBlocks() uint64   { return fieldr(sb.data[:], fDataAreaBlocks) }
func (sb *Superblock) InodeAreaStart() uint64   { return fieldr(sb.data[:], fInodeAreaStart) }
func (sb *Superblock) DataAreaStart() uint64    { return fieldr(sb.data[:], fDataAreaStart) }

func (sb *Superblock) init(totalBlocks, inodeBitmapBlocks, inodeAreaBlocks, dataBitmapBlocks, dataAreaBlocks uint64) {
	fieldw(sb.data[:], fMagic, Magic)
	fieldw(sb.data[:], fTotalBlocks, totalBlocks)
	fieldw(sb.data[:], fInodeBitmapBlocks, inodeBitmapBlocks)
	fieldw(sb.data[:], fInodeAreaBlocks, inodeAreaBlocks)
	fieldw(sb.data[:], fDataBitmapBlocks, dataBitmapBlocks)
	fieldw(sb.data[:], fDataAreaBlocks, dataAreaBlocks)
	inodeAreaStart := uint64(1) + inodeBitmapBlocks
	dataAreaStart := inodeAreaStart + inodeAreaBlocks + dataBitmapBlocks
	fieldw(sb.data[:], fInodeAreaStart, inodeAreaStart)
	fieldw(sb.data[:], fDataAreaStart, dataAreaStart)
}
