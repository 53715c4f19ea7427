package host

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/HerbHall/plughost/internal/manifest"
)

// materializeBin exposes every regular file in the package's bin/ directory
// under the host bin directory, as a symlink when possible and a copy
// otherwise. Both the source and the exposed file end up executable.
func (h *Host) materializeBin(m *manifest.Manifest) error {
	if m.Dir == "" || h.cfg.BinDir == "" {
		return nil
	}
	src := filepath.Join(m.Dir, "bin")
	entries, err := os.ReadDir(src)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read bin dir: %w", err)
	}
	if err := os.MkdirAll(h.cfg.BinDir, 0o755); err != nil {
		return fmt.Errorf("create bin dir: %w", err)
	}

	var errs []error
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		from, err := filepath.Abs(filepath.Join(src, e.Name()))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if err := os.Chmod(from, 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		to := filepath.Join(h.cfg.BinDir, e.Name())
		if err := os.Remove(to); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
			continue
		}
		if err := os.Symlink(from, to); err == nil {
			continue
		}
		if err := copyExecutable(from, to); err != nil {
			errs = append(errs, fmt.Errorf("expose %s: %w", e.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func copyExecutable(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o755)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
