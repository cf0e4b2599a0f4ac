package archive

import (
	"archive/tar"
	"io"
	"io/fs"

	"github.com/lupppig/backupx/internal/compress"
)

// tarSink is shared by every tar variant; only the codec differs.
type tarSink struct {
	tw    *tar.Writer
	codec io.WriteCloser
}

func newTarSink(w io.Writer, algo compress.Algorithm) (*tarSink, error) {
	codec, err := compress.NewWriter(w, algo)
	if err != nil {
		return nil, err
	}
	return &tarSink{tw: tar.NewWriter(codec), codec: codec}, nil
}

func (s *tarSink) header(rel string, info fs.FileInfo) (*tar.Header, error) {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return nil, err
	}
	hdr.Name = rel
	hdr.Uname, hdr.Gname = "", ""
	return hdr, nil
}

func (s *tarSink) Dir(rel string, info fs.FileInfo) error {
	hdr, err := s.header(rel+"/", info)
	if err != nil {
		return err
	}
	return s.tw.WriteHeader(hdr)
}

func (s *tarSink) File(rel string, info fs.FileInfo, r io.Reader) error {
	hdr, err := s.header(rel, info)
	if err != nil {
		return err
	}
	if err := s.tw.WriteHeader(hdr); err != nil {
		return err
	}
	// The header size is fixed; a file that grew since Lstat is cut to fit.
	_, err = io.CopyN(s.tw, r, hdr.Size)
	return err
}

func (s *tarSink) Close() error {
	if err := s.tw.Close(); err != nil {
		s.codec.Close()
		return err
	}
	return s.codec.Close()
}
