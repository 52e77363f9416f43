package fs

import (
	"rvkernel/internal/defs"
	"rvkernel/internal/ustr"
)

// Resolve walks path component by component starting at root, returning the
// inode it names. An absolute path (leading '/') always starts at root; a
// relative path also starts at root, since this filesystem has no per-task
// current-working-directory concept of its own -- callers that need one
// layer it on top by choosing a different start inode via ResolveFrom.
func Resolve(root *Inode, path string) (*Inode, error) {
	return ResolveFrom(root, path)
}

// ResolveFrom walks path component by component starting at start, which
// must be a directory unless path is empty or ".".
func ResolveFrom(start *Inode, path string) (*Inode, error) {
	us := ustr.MkUstrSlice([]byte(path))
	cur := start
	for _, comp := range splitComponents(us) {
		if comp.Isdot() {
			continue
		}
		isDir, err := cur.IsDir()
		if err != nil {
			return nil, err
		}
		if !isDir {
			return nil, defs.ENotDir
		}
		next, err := cur.Find(comp.String())
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

// splitComponents splits an Ustr path on '/' into its non-empty components.
func splitComponents(us ustr.Ustr) []ustr.Ustr {
	var out []ustr.Ustr
	for len(us) > 0 {
		if us.IsAbsolute() {
			us = us[1:]
			continue
		}
		idx := us.IndexByte('/')
		if idx < 0 {
			out = append(out, us)
			break
		}
		if idx > 0 {
			out = append(out, us[:idx])
		}
		us = us[idx+1:]
	}
	return out
}
