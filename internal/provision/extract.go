package provision

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/klauspost/compress/zstd"
)

// Format is a detected archive encoding.
type Format string

const (
	FormatTarGzip Format = "tar.gz"
	FormatTarZstd Format = "tar.zst"
	FormatZip     Format = "zip"
	FormatUnknown Format = "unknown"
)

const (
	dirPermissions  = 0o755
	maxEntryModeBit = 0o777
)

var (
	errUnknownFormat = errors.New("unrecognized archive format")
	errIllegalPath   = errors.New("archive entry escapes destination")
	errEmptyArchive  = errors.New("archive has no entries")
)

//nolint:gochecknoglobals // Read-only magic numbers.
var (
	magicGzip = []byte{0x1f, 0x8b}
	magicZstd = []byte{0x28, 0xb5, 0x2f, 0xfd}
	magicZip  = []byte{'P', 'K', 0x03, 0x04}
)

// DetectFormat inspects the leading bytes of payload.
func DetectFormat(payload []byte) Format {
	switch {
	case bytes.HasPrefix(payload, magicGzip):
		return FormatTarGzip
	case bytes.HasPrefix(payload, magicZstd):
		return FormatTarZstd
	case bytes.HasPrefix(payload, magicZip):
		return FormatZip
	default:
		return FormatUnknown
	}
}

// Extract unpacks payload into destDir, which must exist. No entry is
// written outside destDir, including through symlinks the archive creates.
func Extract(payload []byte, destDir string) error {
	format := DetectFormat(payload)
	if format == FormatUnknown {
		return errUnknownFormat
	}

	dest, err := newPlacer(destDir)
	if err != nil {
		return err
	}

	switch format {
	case FormatTarGzip:
		return extractTarGzip(payload, dest)
	case FormatTarZstd:
		return extractTarZstd(payload, dest)
	default:
		return extractZip(payload, dest)
	}
}

func extractTarGzip(payload []byte, dest *placer) error {
	reader, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create gzip reader: %w", err)
	}

	defer func() {
		_ = reader.Close()
	}()

	return extractTar(reader, dest)
}

func extractTarZstd(payload []byte, dest *placer) error {
	decoder, err := zstd.NewReader(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create zstd reader: %w", err)
	}
	defer decoder.Close()

	return extractTar(decoder, dest)
}

//nolint:cyclop // One branch per tar entry type.
func extractTar(r io.Reader, dest *placer) error {
	tarReader := tar.NewReader(r)
	entries := 0

	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}

		if err != nil {
			return fmt.Errorf("read tar header: %w", err)
		}

		target, err := dest.place(header.Name)
		if err != nil {
			return err
		}

		entries++

		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, dirPermissions); err != nil {
				return fmt.Errorf("create directory %s: %w", header.Name, err)
			}
		case tar.TypeReg:
			if err = writeFile(target, tarReader, os.FileMode(header.Mode)&maxEntryModeBit); err != nil {
				return fmt.Errorf("write %s: %w", header.Name, err)
			}
		case tar.TypeSymlink:
			if err = dest.symlink(target, header.Linkname); err != nil {
				return fmt.Errorf("create symlink %s: %w", header.Name, err)
			}
		case tar.TypeLink:
			source, placeErr := dest.resolve(header.Linkname)
			if placeErr != nil {
				return placeErr
			}

			if err = os.Link(source, target); err != nil {
				return fmt.Errorf("create hard link %s: %w", header.Name, err)
			}
		default:
			// Devices, fifos and pax headers carry nothing a component needs.
			entries--
		}
	}

	if entries == 0 {
		return errEmptyArchive
	}

	return nil
}

func extractZip(payload []byte, dest *placer) error {
	reader, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return fmt.Errorf("open zip: %w", err)
	}

	if len(reader.File) == 0 {
		return errEmptyArchive
	}

	for _, file := range reader.File {
		target, err := dest.place(file.Name)
		if err != nil {
			return err
		}

		if file.FileInfo().IsDir() {
			if err = os.MkdirAll(target, dirPermissions); err != nil {
				return fmt.Errorf("create directory %s: %w", file.Name, err)
			}

			continue
		}

		if err = extractZipFile(file, target); err != nil {
			return fmt.Errorf("write %s: %w", file.Name, err)
		}
	}

	return nil
}

func extractZipFile(file *zip.File, target string) error {
	rc, err := file.Open()
	if err != nil {
		return err
	}

	defer func() {
		_ = rc.Close()
	}()

	mode := file.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}

	return writeFile(target, rc, mode)
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
		return err
	}

	out, err := os.OpenFile(filepath.Clean(target), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, r); err != nil { //nolint:gosec // Archive size is bounded by the downloaded payload.
		_ = out.Close()
		return err
	}

	return out.Close()
}

// placer maps archive entry names to real paths below one directory.
type placer struct {
	root string
}

func newPlacer(destDir string) (*placer, error) {
	root, err := filepath.EvalSymlinks(destDir)
	if err != nil {
		return nil, fmt.Errorf("resolve destination: %w", err)
	}

	return &placer{root: root}, nil
}

// resolve returns the real path of name below the root. Symlinks already
// extracted are followed for the parent directories.
func (p *placer) resolve(name string) (string, error) {
	target, err := safeJoin(p.root, name)
	if err != nil {
		return "", err
	}

	if target == p.root {
		return target, nil
	}

	parent, err := resolveExisting(filepath.Dir(target))
	if err != nil {
		return "", fmt.Errorf("%s: %w", name, err)
	}

	if !within(p.root, parent) {
		return "", fmt.Errorf("%s: %w", name, errIllegalPath)
	}

	return filepath.Join(parent, filepath.Base(target)), nil
}

// place is resolve for an entry about to be written. A symlink at the entry
// itself is removed so the write replaces it instead of following it.
func (p *placer) place(name string) (string, error) {
	target, err := p.resolve(name)
	if err != nil {
		return "", err
	}

	if info, statErr := os.Lstat(target); statErr == nil && info.Mode()&fs.ModeSymlink != 0 {
		if err = os.Remove(target); err != nil {
			return "", fmt.Errorf("replace symlink %s: %w", name, err)
		}
	}

	return target, nil
}

// symlink creates target pointing at linkname once the link is known to
// resolve inside the root, with every symlink along linkname followed.
func (p *placer) symlink(target, linkname string) error {
	current := filepath.Dir(target)
	if filepath.IsAbs(linkname) {
		current = string(os.PathSeparator)
	}

	for _, element := range strings.Split(filepath.ToSlash(linkname), "/") {
		switch element {
		case "", ".":
			continue
		case "..":
			current = filepath.Dir(current)
		default:
			current = filepath.Join(current, element)

			if info, err := os.Lstat(current); err == nil && info.Mode()&fs.ModeSymlink != 0 {
				resolved, evalErr := filepath.EvalSymlinks(current)
				if evalErr != nil {
					return fmt.Errorf("%s -> %s: %w", target, linkname, errIllegalPath)
				}

				current = resolved
			}
		}

		if !within(p.root, current) {
			return fmt.Errorf("%s -> %s: %w", target, linkname, errIllegalPath)
		}
	}

	if !within(p.root, current) {
		return fmt.Errorf("%s -> %s: %w", target, linkname, errIllegalPath)
	}

	if err := os.MkdirAll(filepath.Dir(target), dirPermissions); err != nil {
		return err
	}

	return os.Symlink(linkname, target)
}

// resolveExisting evaluates the symlinks of the longest existing prefix of
// path and appends the missing remainder.
func resolveExisting(path string) (string, error) {
	var missing []string

	current := path

	for {
		resolved, err := filepath.EvalSymlinks(current)
		if err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...), nil
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}

		parent := filepath.Dir(current)
		if parent == current {
			return path, nil
		}

		missing = append([]string{filepath.Base(current)}, missing...)
		current = parent
	}
}

// safeJoin resolves an archive entry name below destDir.
func safeJoin(destDir, name string) (string, error) {
	target := filepath.Join(destDir, name)
	if !within(destDir, target) {
		return "", fmt.Errorf("%s: %w", name, errIllegalPath)
	}

	return target, nil
}

func within(dir, path string) bool {
	dir = filepath.Clean(dir)
	path = filepath.Clean(path)

	return path == dir || strings.HasPrefix(path, dir+string(os.PathSeparator))
}

// LiftSingleRoot moves the children of a lone top-level directory into dir,
// turning the npm pack "package/" layout into a flat component root.
// Directories with any other shape are left untouched.
func LiftSingleRoot(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list %s: %w", dir, err)
	}

	if len(entries) != 1 || !entries[0].IsDir() {
		return nil
	}

	nested := filepath.Join(dir, entries[0].Name())

	children, err := os.ReadDir(nested)
	if err != nil {
		return fmt.Errorf("list %s: %w", nested, err)
	}

	// Rename the wrapper first so a child sharing its name cannot collide.
	holding := filepath.Join(dir, ".lift-"+entries[0].Name())
	if err = os.Rename(nested, holding); err != nil {
		return fmt.Errorf("lift %s: %w", nested, err)
	}

	for _, child := range children {
		if err = os.Rename(filepath.Join(holding, child.Name()), filepath.Join(dir, child.Name())); err != nil {
			return fmt.Errorf("lift %s: %w", child.Name(), err)
		}
	}

	return os.Remove(holding)
}
