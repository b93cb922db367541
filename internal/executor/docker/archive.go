package docker

import (
	"archive/tar"
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// containerWorkdir is where the host workspace is mirrored inside a container.
const containerWorkdir = "/workspace"

// maxArchiveBytes bounds what a program may copy back out of its container.
const maxArchiveBytes = 64 << 20

// packWorkspace archives dir as a tar stream rooted at "workspace/". Modes are
// widened so the unprivileged container user can read, write and execute.
func packWorkspace(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	root := strings.TrimPrefix(containerWorkdir, "/")
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := path.Join(root, filepath.ToSlash(rel))

		info, err := d.Info()
		if err != nil {
			return err
		}
		switch {
		case d.IsDir():
			return tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeDir,
				Name:     name + "/",
				Mode:     0o777,
				ModTime:  info.ModTime(),
			})
		case info.Mode().IsRegular():
			mode := int64(0o666)
			if info.Mode()&0o111 != 0 {
				mode = 0o777
			}
			if err := tw.WriteHeader(&tar.Header{
				Typeflag: tar.TypeReg,
				Name:     name,
				Mode:     mode,
				Size:     info.Size(),
				ModTime:  info.ModTime(),
			}); err != nil {
				return err
			}
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			defer f.Close()
			_, err = io.Copy(tw, f)
			return err
		default:
			// Symlinks and devices are never produced by a toolchain.
			return nil
		}
	})
	if err != nil {
		return nil, fmt.Errorf("docker: archiving workspace: %w", err)
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("docker: archiving workspace: %w", err)
	}
	return &buf, nil
}

// unpackWorkspace extracts a CopyFromContainer stream into dir. The first path
// component (the "workspace" directory itself) is stripped. Only regular files
// and directories are extracted, and nothing may escape dir.
func unpackWorkspace(r io.Reader, dir string) error {
	tr := tar.NewReader(r)
	var total int64
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("docker: reading workspace archive: %w", err)
		}

		rel, ok := stripFirst(hdr.Name)
		if !ok {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, "../") || path.IsAbs(rel) {
			return fmt.Errorf("docker: archive entry %q escapes the workspace", hdr.Name)
		}
		target := filepath.Join(dir, filepath.FromSlash(rel))

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > maxArchiveBytes {
				return fmt.Errorf("docker: workspace archive exceeds %d bytes", maxArchiveBytes)
			}
			if err := writeFile(target, tr, hdr.Size, os.FileMode(hdr.Mode)&0o755|0o600); err != nil {
				return err
			}
		}
	}
}

func writeFile(target string, r io.Reader, size int64, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.CopyN(f, r, size); err != nil {
		f.Close()
		return fmt.Errorf("docker: extracting %s: %w", target, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	// O_CREATE ignores mode for existing files; the build may have made one executable.
	return os.Chmod(target, mode)
}

// stripFirst drops the leading path component; ok is false for the root entry.
func stripFirst(name string) (string, bool) {
	name = path.Clean(strings.TrimPrefix(name, "/"))
	i := strings.IndexByte(name, '/')
	if i < 0 {
		return "", false
	}
	return name[i+1:], true
}
