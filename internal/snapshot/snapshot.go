package snapshot

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/logger"
	"github.com/lupppig/backupx/internal/walk"
)

// Copier stages a consistent copy of the server's source directories.
type Copier struct {
	DataRoot    string   // server data directory the sources live under
	StagingRoot string   // where the copies are placed
	Ignore      []string // exact file names to leave out, at any depth
	Logger      *logger.Logger
}

// Stats summarises one Copy call.
type Stats struct {
	Files   int
	Dirs    int
	Bytes   int64
	Ignored int
	Skipped int
}

// Copy copies each named source directory from DataRoot into StagingRoot in
// order, replacing any copy left over from an earlier run.
func (c *Copier) Copy(sources []string) (Stats, error) {
	var stats Stats

	ignore := make(map[string]struct{}, len(c.Ignore))
	for _, name := range c.Ignore {
		ignore[name] = struct{}{}
	}

	if err := os.MkdirAll(c.StagingRoot, 0755); err != nil {
		return stats, apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to create staging directory", "Check permissions on staging_directory.")
	}

	for _, name := range sources {
		src := filepath.Join(c.DataRoot, name)
		info, err := os.Stat(src)
		if err != nil || !info.IsDir() {
			if err == nil {
				err = fmt.Errorf("%s is not a directory", src)
			}
			return stats, apperrors.Wrap(err, apperrors.TypeSourceMissing,
				fmt.Sprintf("source directory %q not found", name),
				"Check server_directory and source_directories in the configuration.")
		}

		dst := filepath.Join(c.StagingRoot, name)
		if _, err := os.Stat(dst); err == nil {
			if err := os.RemoveAll(dst); err != nil {
				return stats, apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to remove stale staged copy", "")
			}
		}

		if err := os.MkdirAll(dst, info.Mode().Perm()); err != nil {
			return stats, apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to create staged directory", "")
		}

		err = walk.Tree(src, func(e walk.Entry) error {
			target := filepath.Join(dst, filepath.FromSlash(e.Rel))
			switch e.Kind {
			case walk.Dir:
				stats.Dirs++
				return os.MkdirAll(target, e.Info.Mode().Perm())
			case walk.File:
				if _, skip := ignore[e.Name()]; skip {
					stats.Ignored++
					return nil
				}
				n, err := copyFile(e.Path, target, e.Info)
				stats.Files++
				stats.Bytes += n
				return err
			default:
				stats.Skipped++
				if c.Logger != nil {
					c.Logger.Debug("Skipping non-regular file", "path", e.Path)
				}
				return nil
			}
		})
		if err != nil {
			return stats, apperrors.Wrap(err, apperrors.TypeFilesystem,
				fmt.Sprintf("failed to copy %q", name), "Check free space and permissions on staging_directory.")
		}

		if err := os.Chtimes(dst, info.ModTime(), info.ModTime()); err != nil {
			return stats, apperrors.Wrap(err, apperrors.TypeFilesystem, "failed to preserve directory times", "")
		}
	}

	return stats, nil
}

func copyFile(src, dst string, info os.FileInfo) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, in)
	if err != nil {
		out.Close()
		return n, err
	}
	if err := out.Close(); err != nil {
		return n, err
	}

	return n, os.Chtimes(dst, info.ModTime(), info.ModTime())
}
