package archive

import (
	"io"
	"io/fs"

	"github.com/yeka/zip"
)

// zipSink writes deflated entries; with a password every file is sealed with
// WinZip AES-256, which authenticates the content as well.
type zipSink struct {
	zw       *zip.Writer
	password string
}

func newZipSink(w io.Writer, password string) *zipSink {
	return &zipSink{zw: zip.NewWriter(w), password: password}
}

func (s *zipSink) Dir(rel string, info fs.FileInfo) error {
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	hdr.Name = rel + "/"
	hdr.Method = zip.Store
	_, err = s.zw.CreateHeader(hdr)
	return err
}

func (s *zipSink) File(rel string, info fs.FileInfo, r io.Reader) error {
	var (
		dst io.Writer
		err error
	)
	if s.password != "" {
		dst, err = s.zw.Encrypt(rel, s.password, zip.AES256Encryption)
	} else {
		var hdr *zip.FileHeader
		hdr, err = zip.FileInfoHeader(info)
		if err != nil {
			return err
		}
		hdr.Name = rel
		hdr.Method = zip.Deflate
		dst, err = s.zw.CreateHeader(hdr)
	}
	if err != nil {
		return err
	}
	_, err = io.Copy(dst, r)
	return err
}

func (s *zipSink) Close() error {
	return s.zw.Close()
}
