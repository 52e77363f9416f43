// Package blockdev implements the block device side of the Device contract
// the filesystem's block cache assumes: synchronous 512-byte sector
// read/write, modeled as a memory-mapped os.File-backed disk, plus a plain
// in-memory disk for tests.
package blockdev

import (
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"rvkernel/internal/fs"
)

/// FileDisk is a block device backed by a real file, memory-mapped via
/// golang.org/x/sys/unix.Mmap so reads are plain slice copies and writes
/// are ordinary memory stores, msync'd on Sync.
type FileDisk struct {
	mu   sync.Mutex
	f    *os.File
	data []byte
}

/// OpenFileDisk mmaps path, truncating/extending it to hold sectors worth
/// of 512-byte sectors if it is not already that size.
func OpenFileDisk(path string, sectors uint64) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "blockdev: open")
	}
	size := int64(sectors) * fs.SectorSize
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "blockdev: truncate")
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "blockdev: mmap")
	}
	return &FileDisk{f: f, data: data}, nil
}

func (d *FileDisk) bounds(id uint64) (int, int, error) {
	off := int(id) * fs.SectorSize
	if off < 0 || off+fs.SectorSize > len(d.data) {
		return 0, 0, errors.Errorf("blockdev: sector %d out of range", id)
	}
	return off, off + fs.SectorSize, nil
}

func (d *FileDisk) ReadSector(id uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	lo, hi, err := d.bounds(id)
	if err != nil {
		return err
	}
	copy(buf, d.data[lo:hi])
	return nil
}

func (d *FileDisk) WriteSector(id uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	lo, hi, err := d.bounds(id)
	if err != nil {
		return err
	}
	copy(d.data[lo:hi], buf)
	return nil
}

/// Sync flushes the mmap'd region back to the file.
func (d *FileDisk) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return unix.Msync(d.data, unix.MS_SYNC)
}

/// Close unmaps and closes the backing file.
func (d *FileDisk) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := unix.Munmap(d.data); err != nil {
		return err
	}
	return d.f.Close()
}

/// MemDisk is a plain in-memory Device for tests that never touch a real
/// file.
type MemDisk struct {
	mu   sync.Mutex
	data []byte
}

func NewMemDisk(sectors uint64) *MemDisk {
	return &MemDisk{data: make([]byte, sectors*fs.SectorSize)}
}

func (d *MemDisk) bounds(id uint64) (int, int, error) {
	off := int(id) * fs.SectorSize
	if off < 0 || off+fs.SectorSize > len(d.data) {
		return 0, 0, errors.Errorf("blockdev: sector %d out of range", id)
	}
	return off, off + fs.SectorSize, nil
}

func (d *MemDisk) ReadSector(id uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	lo, hi, err := d.bounds(id)
	if err != nil {
		return err
	}
	copy(buf, d.data[lo:hi])
	return nil
}

func (d *MemDisk) WriteSector(id uint64, buf []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	lo, hi, err := d.bounds(id)
	if err != nil {
		return err
	}
	copy(d.data[lo:hi], buf)
	return nil
}
