package archive

import (
	"fmt"
	"sort"
	"strings"

	"github.com/lupppig/backupx/internal/compress"
	apperrors "github.com/lupppig/backupx/internal/errors"
)

type container int

const (
	containerZip container = iota
	containerSevenZip
	containerTar
)

// Format describes one archive container/codec combination.
type Format struct {
	Name       string
	Suffix     string
	Encryption bool

	container container
	codec     compress.Algorithm
}

var registry = map[string]Format{}

// Short names accepted by older configurations.
var aliases = map[string]string{
	"gz":  "tar.gz",
	"tgz": "tar.gz",
	"bz2": "tar.bz2",
	"xz":  "tar.xz",
	"zst": "tar.zst",
	"lz4": "tar.lz4",
}

func register(f Format) {
	registry[f.Name] = f
}

func init() {
	register(Format{Name: "zip", Suffix: ".zip", Encryption: true, container: containerZip})
	register(Format{Name: "7z", Suffix: ".7z", Encryption: true, container: containerSevenZip})
	for _, algo := range []compress.Algorithm{compress.None, compress.Gzip, compress.Bzip2, compress.Xz, compress.Zstd, compress.Lz4} {
		suffix := ".tar" + algo.Extension()
		register(Format{
			Name:      strings.TrimPrefix(suffix, "."),
			Suffix:    suffix,
			container: containerTar,
			codec:     algo,
		})
	}
}

// Lookup resolves a format name or alias.
func Lookup(name string) (Format, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := aliases[key]; ok {
		key = canonical
	}
	f, ok := registry[key]
	if !ok {
		return Format{}, apperrors.New(apperrors.TypeUnsupportedFormat,
			fmt.Sprintf("unsupported archive format %q", name),
			fmt.Sprintf("archive_format must be one of %s.", strings.Join(Names(), ", ")))
	}
	return f, nil
}

// Formats lists every registered format ordered by name.
func Formats() []Format {
	out := make([]Format, 0, len(registry))
	for _, f := range registry {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func Names() []string {
	var names []string
	for _, f := range Formats() {
		names = append(names, f.Name)
	}
	return names
}

// FileName appends the format suffix to base unless it is already there.
func (f Format) FileName(base string) string {
	if strings.HasSuffix(base, f.Suffix) {
		return base
	}
	return base + f.Suffix
}

func (f Format) String() string {
	return f.Name
}
