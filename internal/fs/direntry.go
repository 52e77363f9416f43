package fs

import "encoding/binary"

// direntNameLen and direntSize are chosen so BlockSize divides evenly by
// direntSize -- a directory block holds a whole number of entries.
const (
	direntNameLen = 28
	direntSize    = direntNameLen + 4
	direntsPerBlk = BlockSize / direntSize
)

/// DirEntry is one directory entry: a name and the inode id it names.
type DirEntry struct {
	Name    string
	InodeID uint32
}

func (d DirEntry) marshal(b []byte) {
	var nb [direntNameLen]byte
	copy(nb[:], d.Name)
	copy(b[0:direntNameLen], nb[:])
	binary.LittleEndian.PutUint32(b[direntNameLen:], d.InodeID)
}

func unmarshalDirent(b []byte) DirEntry {
	nameEnd := 0
	for nameEnd < direntNameLen && b[nameEnd] != 0 {
		nameEnd++
	}
	return DirEntry{
		Name:    string(b[:nameEnd]),
		InodeID: binary.LittleEndian.Uint32(b[direntNameLen:]),
	}
}
