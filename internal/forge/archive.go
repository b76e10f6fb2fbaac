package forge

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Extract unpacks the zip archive at src into dest, keeping file modes.
// progress, when set, is called after each entry. Entries that would land
// outside dest are rejected.
func Extract(ctx context.Context, src, dest string, progress func(done, total int)) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return fmt.Errorf("opening archive %s: %w", src, err)
	}
	defer func() { _ = r.Close() }()

	root, err := filepath.Abs(dest)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}

	total := len(r.File)
	for i, f := range r.File {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := extractFile(f, root); err != nil {
			return err
		}
		if progress != nil {
			progress(i+1, total)
		}
	}
	return nil
}

func extractFile(f *zip.File, root string) error {
	target := filepath.Join(root, filepath.FromSlash(f.Name))
	if target != root && !strings.HasPrefix(target, root+string(os.PathSeparator)) {
		return Errorf("archive entry %q escapes the destination directory", f.Name)
	}

	mode := f.Mode()
	if f.FileInfo().IsDir() {
		return os.MkdirAll(target, dirMode(mode))
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	in, err := f.Open()
	if err != nil {
		return fmt.Errorf("reading %s from archive: %w", f.Name, err)
	}
	defer func() { _ = in.Close() }()

	perm := mode.Perm()
	if perm == 0 {
		perm = 0o644
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return fmt.Errorf("extracting %s: %w", f.Name, err)
	}
	if err := out.Close(); err != nil {
		return err
	}
	// OpenFile applies the umask; restore the archived bits.
	return os.Chmod(target, perm)
}

func dirMode(mode os.FileMode) os.FileMode {
	if perm := mode.Perm(); perm != 0 {
		return perm | 0o700
	}
	return 0o755
}
