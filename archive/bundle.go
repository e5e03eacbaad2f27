package archive

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"
)

// Bundle zips the regular files of dir into dst and returns dst. Entries
// are stored under the directory's base name.
func Bundle(dir, dst string) (string, error) {
	files, err := listFiles(dir)
	if err != nil {
		return "", err
	}
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create bundle: %w", err)
	}
	zw := zip.NewWriter(out)
	base := filepath.Base(dir)
	for _, name := range files {
		if err := addFile(zw, filepath.Join(dir, name), base+"/"+name); err != nil {
			_ = zw.Close()
			_ = out.Close()
			_ = os.Remove(dst)
			return "", err
		}
	}
	if err := zw.Close(); err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		return "", fmt.Errorf("finish bundle: %w", err)
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(dst)
		return "", fmt.Errorf("close bundle: %w", err)
	}
	return dst, nil
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", name, err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", name, err)
	}
	hdr, err := zip.FileInfoHeader(info)
	if err != nil {
		return fmt.Errorf("header %s: %w", name, err)
	}
	hdr.Name = name
	hdr.Method = zip.Deflate
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, f); err != nil {
		return fmt.Errorf("copy %s: %w", name, err)
	}
	return nil
}
