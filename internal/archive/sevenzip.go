package archive

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	apperrors "github.com/lupppig/backupx/internal/errors"
	"github.com/lupppig/backupx/internal/walk"
)

var sevenZipCandidates = []string{"7z", "7zz", "7za"}

// FindSevenZip resolves the 7z binary: the configured name first, then the
// usual p7zip/7-Zip names on PATH.
func FindSevenZip(configured string) (string, error) {
	candidates := sevenZipCandidates
	if configured != "" {
		candidates = append([]string{configured}, candidates...)
	}
	for _, name := range candidates {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", apperrors.New(apperrors.TypeArchive, "7z binary not found",
		"Install p7zip or 7-Zip, or set sevenzip_binary in the configuration.")
}

// writeSevenZip hands the top-level entries of root to the native 7z tool,
// which recurses into directories itself.
func (w *Writer) writeSevenZip(ctx context.Context, res *Result, root string) error {
	bin, err := FindSevenZip(w.opts.SevenZip)
	if err != nil {
		return err
	}

	dest, err := filepath.Abs(res.Path)
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeArchive, "failed to resolve archive path", "")
	}
	if _, err := os.Stat(dest); err == nil {
		return apperrors.New(apperrors.TypeArchive, "archive "+dest+" already exists", "")
	}

	var top []string
	err = walk.Tree(root, func(e walk.Entry) error {
		if e.Kind == walk.Other {
			return nil
		}
		res.Entries++
		if !strings.Contains(e.Rel, "/") {
			top = append(top, e.Rel)
		}
		return nil
	})
	if err != nil {
		return apperrors.Wrap(err, apperrors.TypeArchive, "failed to scan staging directory", "")
	}
	if len(top) == 0 {
		return apperrors.New(apperrors.TypeArchive, "nothing to archive in "+root, "7z cannot create an empty archive.")
	}

	cmd := exec.CommandContext(ctx, bin, sevenZipArgs(dest, top, w.opts.Password != "")...)
	cmd.Dir = root
	if w.opts.Password != "" {
		// 7z prompts for the password and its confirmation on stdin.
		cmd.Stdin = strings.NewReader(w.opts.Password + "\n" + w.opts.Password + "\n")
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	if err := cmd.Run(); err != nil {
		os.Remove(dest)
		return apperrors.Wrap(fmt.Errorf("%w: %s", err, lastLines(out.String(), 5)), apperrors.TypeArchive,
			"7z failed to write archive", "Run the 7z command manually to see the full output.")
	}
	if w.opts.OnProgress != nil {
		if size, err := TreeSize(root); err == nil {
			w.opts.OnProgress(int(size))
		}
	}
	return nil
}

// sevenZipArgs never carries the password, which would otherwise show up in ps.
func sevenZipArgs(dest string, top []string, encrypt bool) []string {
	args := []string{"a", "-t7z", "-bd", "-y"}
	if encrypt {
		args = append(args, "-p", "-mhe=on")
	}
	args = append(args, dest, "--")
	return append(args, top...)
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, " | ")
}
