package archive

import (
	"io"

	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

// progressReader reports bytes read to fn.
type progressReader struct {
	r  io.Reader
	fn func(int)
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.fn(n)
	}
	return n, err
}

func NewProgressContainer(w io.Writer) *mpb.Progress {
	return mpb.New(mpb.WithWidth(64), mpb.WithOutput(w))
}

// AddArchiveBar adds a byte counter bar for one archive run. The returned
// function is suitable for Options.OnProgress.
func AddArchiveBar(p *mpb.Progress, name string, total int64) (*mpb.Bar, func(int)) {
	if p == nil {
		return nil, nil
	}
	bar := p.AddBar(total,
		mpb.PrependDecorators(
			decor.Name(name, decor.WC{W: len(name) + 1}),
			decor.Percentage(),
		),
		mpb.AppendDecorators(
			decor.OnComplete(
				decor.CountersKibiByte("% .2f / % .2f"),
				"DONE",
			),
		),
	)
	return bar, func(n int) { bar.IncrBy(n) }
}
