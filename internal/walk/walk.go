// Package walk provides the depth-first directory visitor shared by the
// snapshot copier and the archive writers.
package walk

import (
	"io/fs"
	"path/filepath"
)

// Kind classifies an entry handed to a VisitFunc.
type Kind int

const (
	Dir Kind = iota
	File
	Other // symlinks, sockets, devices
)

// Entry is one node below the walk root.
type Entry struct {
	Path string // absolute or root-joined path on disk
	Rel  string // slash-separated path relative to the root
	Kind Kind
	Info fs.FileInfo
}

// Name returns the base name of the entry.
func (e Entry) Name() string {
	return e.Info.Name()
}

// VisitFunc is called once per entry. Returning filepath.SkipDir from a
// directory entry skips its contents.
type VisitFunc func(e Entry) error

// Tree visits every entry below root in lexical order within each directory,
// parents before children. The root itself is never visited. Symlinks are
// reported as Other and never followed.
func Tree(root string, fn VisitFunc) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		return fn(Entry{
			Path: path,
			Rel:  filepath.ToSlash(rel),
			Kind: kindOf(info.Mode()),
			Info: info,
		})
	})
}

func kindOf(m fs.FileMode) Kind {
	switch {
	case m.IsDir():
		return Dir
	case m.IsRegular():
		return File
	default:
		return Other
	}
}
