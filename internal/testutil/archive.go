// Package testutil builds fixtures shared by package and integration tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"io"
	"io/fs"
	"sort"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
)

// File is one archive entry. Names ending in "/" are directories.
type File struct {
	Name string
	Body string
	Mode int64
}

// Script returns an executable shell script entry.
func Script(name, body string) File {
	return File{Name: name, Body: "#!/bin/sh\n" + body + "\n", Mode: 0o755}
}

// Text returns a regular file entry.
func Text(name, body string) File {
	return File{Name: name, Body: body, Mode: 0o644}
}

// TarGz returns a gzip compressed tarball of files.
func TarGz(t *testing.T, files ...File) []byte {
	t.Helper()

	var buf bytes.Buffer

	gz := gzip.NewWriter(&buf)
	writeTar(t, gz, files)
	require.NoError(t, gz.Close())

	return buf.Bytes()
}

// TarZst returns a zstd compressed tarball of files.
func TarZst(t *testing.T, files ...File) []byte {
	t.Helper()

	var buf bytes.Buffer

	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	writeTar(t, enc, files)
	require.NoError(t, enc.Close())

	return buf.Bytes()
}

// Zip returns a zip archive of files.
func Zip(t *testing.T, files ...File) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for _, f := range sorted(files) {
		header := &zip.FileHeader{Name: f.Name, Method: zip.Deflate}
		if strings.HasSuffix(f.Name, "/") {
			header.SetMode(fs.ModeDir | 0o755)
		} else {
			header.SetMode(fileMode(f))
		}

		w, err := zw.CreateHeader(header)
		require.NoError(t, err)

		_, err = w.Write([]byte(f.Body))
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

func writeTar(t *testing.T, w io.Writer, files []File) {
	t.Helper()

	tw := tar.NewWriter(w)

	for _, f := range sorted(files) {
		header := &tar.Header{Name: f.Name, Mode: f.Mode, Size: int64(len(f.Body)), Typeflag: tar.TypeReg}
		if strings.HasSuffix(f.Name, "/") {
			header.Typeflag = tar.TypeDir
			header.Mode = 0o755
			header.Size = 0
		}

		if header.Mode == 0 {
			header.Mode = 0o644
		}

		require.NoError(t, tw.WriteHeader(header))

		if header.Typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(f.Body))
			require.NoError(t, err)
		}
	}

	require.NoError(t, tw.Close())
}

func sorted(files []File) []File {
	out := append([]File(nil), files...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	return out
}

func fileMode(f File) fs.FileMode {
	if f.Mode == 0 {
		return 0o644
	}

	return fs.FileMode(f.Mode)
}
