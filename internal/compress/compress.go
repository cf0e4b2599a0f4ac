package compress

import (
	stdbzip2 "compress/bzip2"
	"io"
	"strings"

	"github.com/dsnet/compress/bzip2"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Algorithm is the stream codec wrapped around a tar archive.
type Algorithm string

const (
	None  Algorithm = "none"
	Gzip  Algorithm = "gzip"
	Bzip2 Algorithm = "bzip2"
	Xz    Algorithm = "xz"
	Zstd  Algorithm = "zstd"
	Lz4   Algorithm = "lz4"
)

// Extension returns the file extension appended after ".tar".
func (a Algorithm) Extension() string {
	switch a {
	case Gzip:
		return ".gz"
	case Bzip2:
		return ".bz2"
	case Xz:
		return ".xz"
	case Zstd:
		return ".zst"
	case Lz4:
		return ".lz4"
	default:
		return ""
	}
}

// NewWriter wraps w with the algorithm's encoder. Closing the returned writer
// flushes the encoder but never closes w.
func NewWriter(w io.Writer, algo Algorithm) (io.WriteCloser, error) {
	switch algo {
	case None, "":
		return nopWriteCloser{w}, nil
	case Gzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case Bzip2:
		return bzip2.NewWriter(w, &bzip2.WriterConfig{Level: bzip2.DefaultCompression})
	case Xz:
		return xz.NewWriter(w)
	case Zstd:
		return zstd.NewWriter(w)
	case Lz4:
		return lz4.NewWriter(w), nil
	default:
		return nil, ErrUnsupportedAlgo(algo)
	}
}

// NewReader wraps r with the algorithm's decoder.
func NewReader(r io.Reader, algo Algorithm) (io.ReadCloser, error) {
	switch algo {
	case None, "":
		return io.NopCloser(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case Bzip2:
		return io.NopCloser(stdbzip2.NewReader(r)), nil
	case Xz:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	case Zstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case Lz4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, ErrUnsupportedAlgo(algo)
	}
}

// DetectAlgorithm guesses the codec from a file name.
func DetectAlgorithm(filename string) Algorithm {
	name := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(name, ".gz"), strings.HasSuffix(name, ".tgz"):
		return Gzip
	case strings.HasSuffix(name, ".bz2"):
		return Bzip2
	case strings.HasSuffix(name, ".xz"):
		return Xz
	case strings.HasSuffix(name, ".zst"):
		return Zstd
	case strings.HasSuffix(name, ".lz4"):
		return Lz4
	default:
		return None
	}
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }

type ErrUnsupportedAlgo Algorithm

func (e ErrUnsupportedAlgo) Error() string {
	return "unsupported compression algorithm: " + string(e)
}
