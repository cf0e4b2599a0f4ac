package catalog

import (
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	apperrors "github.com/lupppig/backupx/internal/errors"
)

// All asks List for every entry.
const All = -1

// Entry is one archive found in the backup directory.
type Entry struct {
	Name    string
	Size    int64
	ModTime time.Time
}

func (e Entry) HumanSize() string {
	return humanize.IBytes(uint64(e.Size))
}

// Catalog reads the backup directory. The archive files are the only record.
type Catalog struct {
	dir string
}

func New(dir string) *Catalog {
	return &Catalog{dir: dir}
}

func (c *Catalog) Dir() string {
	return c.dir
}

// List returns up to limit archives, newest first, and the total number found.
// A negative limit returns everything.
func (c *Catalog) List(limit int) ([]Entry, int, error) {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to create backup directory", "Check permissions on output_directory.")
	}

	dirEntries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, 0, apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to read backup directory", "")
	}

	var entries []Entry
	for _, d := range dirEntries {
		if !d.Type().IsRegular() {
			continue
		}
		info, err := d.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		entries = append(entries, Entry{
			Name:    d.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].ModTime.Equal(entries[j].ModTime) {
			return entries[i].Name > entries[j].Name
		}
		return entries[i].ModTime.After(entries[j].ModTime)
	})

	total := len(entries)
	if limit >= 0 && limit < total {
		entries = entries[:limit]
	}
	return entries, total, nil
}
