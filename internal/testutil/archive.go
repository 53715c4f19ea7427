package testutil

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

// WriteZip writes files into a zip archive at path. Entry names are written
// verbatim, so hostile names like "../x" are preserved.
func WriteZip(t testing.TB, path string, files ...File) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	zw := zip.NewWriter(out)
	for _, f := range files {
		hdr := &zip.FileHeader{Name: f.Name, Method: zip.Deflate}
		switch {
		case f.Dir:
			hdr.SetMode(os.ModeDir | os.FileMode(f.mode()))
			if hdr.Name[len(hdr.Name)-1] != '/' {
				hdr.Name += "/"
			}
		case f.Symlink != "":
			hdr.SetMode(os.ModeSymlink | 0o777)
		default:
			hdr.SetMode(os.FileMode(f.mode()))
		}
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatal(err)
		}
		body := f.Body
		if f.Symlink != "" {
			body = f.Symlink
		}
		if !f.Dir {
			if _, err := w.Write([]byte(body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}

// WriteTarGz writes files into a gzip-compressed tar archive at path.
func WriteTarGz(t testing.TB, path string, files ...File) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	out, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer out.Close()

	gw := gzip.NewWriter(out)
	tw := tar.NewWriter(gw)
	for _, f := range files {
		hdr := &tar.Header{Name: f.Name, Mode: f.mode()}
		switch {
		case f.Dir:
			hdr.Typeflag = tar.TypeDir
		case f.Symlink != "":
			hdr.Typeflag = tar.TypeSymlink
			hdr.Linkname = f.Symlink
		default:
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(f.Body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(f.Body)); err != nil {
				t.Fatal(err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := gw.Close(); err != nil {
		t.Fatal(err)
	}
	return path
}
