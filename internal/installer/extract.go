package installer

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extraction errors. Both mark the job Invalid.
var (
	ErrArchiveTraversal = errors.New("archive entry escapes extraction root")
	ErrArchiveInvalid   = errors.New("invalid archive")
)

// archiveKind returns the format implied by name, or "" if unsupported.
func archiveKind(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	case strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"):
		return "tar.gz"
	}
	return ""
}

// limits caps what a single archive may unpack.
type limits struct {
	maxFileSize  int64
	maxTotalSize int64
	maxEntries   int
}

// budget tracks what one extraction has consumed against its limits.
type budget struct {
	limits
	written int64
	entries int
}

func (b *budget) entry() error {
	b.entries++
	if b.entries > b.maxEntries {
		return fmt.Errorf("%w: more than %d entries", ErrArchiveInvalid, b.maxEntries)
	}
	return nil
}

// extract unpacks archivePath into dest, which must already exist.
// Symlinks and special files are skipped.
func extract(ctx context.Context, archivePath, dest string, lim limits) error {
	b := &budget{limits: lim}
	switch archiveKind(archivePath) {
	case "zip":
		return extractZip(ctx, archivePath, dest, b)
	case "tar.gz":
		return extractTarGz(ctx, archivePath, dest, b)
	}
	return fmt.Errorf("%w: unsupported format %q", ErrArchiveInvalid, filepath.Base(archivePath))
}

func extractZip(ctx context.Context, archivePath, dest string, b *budget) error {
	zr, err := zip.OpenReader(archivePath)
	if errors.Is(err, zip.ErrInsecurePath) {
		return fmt.Errorf("%w: %v", ErrArchiveTraversal, err)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
	}
	defer zr.Close()

	// Validate every name and the entry count before writing anything.
	for _, f := range zr.File {
		if _, err := entryPath(f.Name, dest); err != nil {
			return err
		}
		if err := b.entry(); err != nil {
			return err
		}
	}

	for _, f := range zr.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		target, _ := entryPath(f.Name, dest)
		mode := f.Mode()
		switch {
		case mode.IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrArchiveInvalid, f.Name, err)
			}
			err = writeFile(rc, target, mode.Perm(), b)
			rc.Close()
			if err != nil {
				return fmt.Errorf("extract %s: %w", f.Name, err)
			}
		}
	}
	return nil
}

func extractTarGz(ctx context.Context, archivePath, dest string, b *budget) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer f.Close()

	gr, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
	}
	defer gr.Close()

	tr := tar.NewReader(gr)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if errors.Is(err, tar.ErrInsecurePath) {
			return fmt.Errorf("%w: %v", ErrArchiveTraversal, err)
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
		}

		target, err := entryPath(hdr.Name, dest)
		if err != nil {
			return err
		}
		if err := b.entry(); err != nil {
			return err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := writeFile(tr, target, os.FileMode(hdr.Mode&0o777), b); err != nil { //nolint:gosec // G115: masked to permission bits
				return fmt.Errorf("extract %s: %w", hdr.Name, err)
			}
		}
	}
}

// entryPath resolves an archive entry name under dest, rejecting absolute
// names and anything whose cleaned path leaves dest.
func entryPath(name, dest string) (string, error) {
	slashed := strings.ReplaceAll(name, `\`, "/")
	if filepath.IsAbs(slashed) || strings.HasPrefix(slashed, "/") || filepath.VolumeName(slashed) != "" {
		return "", fmt.Errorf("%w: absolute path %q", ErrArchiveTraversal, name)
	}
	cleaned := filepath.Clean(filepath.FromSlash(slashed))
	if cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q", ErrArchiveTraversal, name)
	}

	absDest, err := filepath.Abs(dest)
	if err != nil {
		return "", fmt.Errorf("resolve extraction root: %w", err)
	}
	target := filepath.Join(absDest, cleaned)
	if target != absDest && !strings.HasPrefix(target, absDest+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %q resolves outside root", ErrArchiveTraversal, name)
	}
	return target, nil
}

// writeFile copies r into path, failing once the entry exceeds the per-file
// cap or the archive exceeds its total size budget.
func writeFile(r io.Reader, path string, perm os.FileMode, b *budget) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm|0o600)
	if err != nil {
		return err
	}
	limit := min(b.maxFileSize, b.maxTotalSize-b.written)
	n, err := io.Copy(out, io.LimitReader(entryReader{r}, limit+1))
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if n > b.maxFileSize {
		return fmt.Errorf("%w: entry larger than %d bytes", ErrArchiveInvalid, b.maxFileSize)
	}
	b.written += n
	if b.written > b.maxTotalSize {
		return fmt.Errorf("%w: archive expands beyond %d bytes", ErrArchiveInvalid, b.maxTotalSize)
	}
	return nil
}

// entryReader marks decompression failures as ErrArchiveInvalid so they are
// not mistaken for local I/O errors.
type entryReader struct{ r io.Reader }

func (e entryReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err != nil && err != io.EOF {
		err = fmt.Errorf("%w: %v", ErrArchiveInvalid, err)
	}
	return n, err
}
