package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/logger"
	"github.com/lupppig/backupx/internal/walk"
)

type Options struct {
	Password   string
	SevenZip   string    // 7z binary, looked up on PATH when empty
	OnProgress func(int) // bytes of file content consumed
	Logger     *logger.Logger
}

type Result struct {
	Path     string
	Entries  int
	Bytes    int64 // size of the finished archive
	Warnings []string
}

// Writer serializes a directory tree into a single archive file.
type Writer struct {
	format Format
	opts   Options
}

func NewWriter(f Format, opts Options) *Writer {
	return &Writer{format: f, opts: opts}
}

func (w *Writer) Format() Format {
	return w.format
}

// entrySink receives the walk in order. Implementations own the output stream.
type entrySink interface {
	Dir(rel string, info fs.FileInfo) error
	File(rel string, info fs.FileInfo, r io.Reader) error
	Close() error
}

// Write archives every directory and regular file below root into base plus
// the format suffix. A failed write removes the partial archive.
func (w *Writer) Write(ctx context.Context, base, root string) (*Result, error) {
	res := &Result{Path: w.format.FileName(base)}

	if w.opts.Password != "" && !w.format.Encryption {
		msg := fmt.Sprintf("a backup password is configured but format %s does not support encryption; the archive is written unencrypted", w.format.Name)
		res.Warnings = append(res.Warnings, msg)
		if w.opts.Logger != nil {
			w.opts.Logger.Warn(msg)
		}
	}

	var err error
	if w.format.container == containerSevenZip {
		err = w.writeSevenZip(ctx, res, root)
	} else {
		err = w.writeStream(res, root)
	}
	if err != nil {
		return nil, err
	}

	if info, statErr := os.Stat(res.Path); statErr == nil {
		res.Bytes = info.Size()
	}
	return res, nil
}

func (w *Writer) writeStream(res *Result, root string) (err error) {
	f, err := os.OpenFile(res.Path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeArchive, "failed to create archive file", "An archive with this name may already exist.")
	}
	defer func() {
		if err != nil {
			f.Close()
			os.Remove(res.Path)
		}
	}()

	var sink entrySink
	switch w.format.container {
	case containerZip:
		sink = newZipSink(f, w.opts.Password)
	case containerTar:
		sink, err = newTarSink(f, w.format.codec)
		if err != nil {
			return apperrors.Wrap(err, apperrors.TypeArchive, "failed to initialise compressor", "")
		}
	default:
		return apperrors.New(apperrors.TypeUnsupportedFormat, "no stream writer for format "+w.format.Name, "")
	}

	err = walk.Tree(root, func(e walk.Entry) error {
		switch e.Kind {
		case walk.Dir:
			res.Entries++
			return sink.Dir(e.Rel, e.Info)
		case walk.File:
			res.Entries++
			return w.addFile(sink, e)
		default:
			return nil
		}
	})
	if err != nil {
		sink.Close()
		return apperrors.Wrap(err, apperrors.TypeArchive, "failed to write archive entries", "Check free space in output_directory.")
	}

	if err = sink.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.TypeArchive, "failed to finalise archive", "")
	}
	if err = f.Close(); err != nil {
		return apperrors.Wrap(err, apperrors.TypeArchive, "failed to close archive file", "")
	}
	return nil
}

func (w *Writer) addFile(sink entrySink, e walk.Entry) error {
	src, err := os.Open(e.Path)
	if err != nil {
		return err
	}
	defer src.Close()

	var r io.Reader = src
	if w.opts.OnProgress != nil {
		r = &progressReader{r: src, fn: w.opts.OnProgress}
	}
	if err := sink.File(e.Rel, e.Info, r); err != nil {
		return fmt.Errorf("%s: %w", e.Rel, err)
	}
	return nil
}

// TreeSize sums the size of regular files below root, for progress totals.
func TreeSize(root string) (int64, error) {
	var total int64
	err := walk.Tree(root, func(e walk.Entry) error {
		if e.Kind == walk.File {
			total += e.Info.Size()
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
