package objectclient

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/markdave123-py/docvault/internal/core"
)

var _ core.BlobBackend = (*FlatFS)(nil)

// FlatFS stores each blob as one file under basePath. Blob paths map directly
// onto the directory tree; callers shard their paths (see ChunkPath) so no
// directory grows unbounded. Files hold raw bytes without any metadata.
type FlatFS struct {
	basePath string
}

func NewFlatFS(basePath string) (*FlatFS, error) {
	basePath = filepath.Clean(basePath)

	if err := ensureDir(basePath); err != nil {
		return nil, err
	}

	log.Infof("Opened FlatFS at %s", basePath)

	return &FlatFS{basePath: basePath}, nil
}

// ensureDir checks if a directory exists at the given path, and if not, creates it.
func ensureDir(path string) error {
	stat, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(path, 0755)
		}
		return err
	}
	if !stat.IsDir() {
		return &os.PathError{Op: "ensureDir", Path: path, Err: os.ErrExist}
	}
	return nil
}

// resolve turns a blob path into a file path, refusing anything that would
// escape basePath.
func (f *FlatFS) resolve(path string) (string, error) {
	clean := filepath.Clean("/" + filepath.FromSlash(path))
	full := filepath.Join(f.basePath, clean)
	if full == f.basePath || !strings.HasPrefix(full, f.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("flatfs: invalid blob path %q", path)
	}
	return full, nil
}

// Upload writes through a temp file and renames it into place, so readers
// never observe a partially written blob. The bytes and the rename are synced
// before Upload returns.
func (f *FlatFS) Upload(ctx context.Context, path string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(full)
	if err := ensureDir(dir); err != nil {
		return fmt.Errorf("flatfs mkdir: %w: %w", core.ErrStorageUnavailable, err)
	}

	tmp, err := writeSynced(dir, data)
	if err != nil {
		return fmt.Errorf("flatfs %w: %w", core.ErrStorageUnavailable, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("flatfs rename: %w: %w", core.ErrStorageUnavailable, err)
	}
	if err := syncDir(dir); err != nil {
		return fmt.Errorf("flatfs sync dir: %w: %w", core.ErrStorageUnavailable, err)
	}
	return nil
}

// writeSynced writes data to a new temp file in dir, fsyncs it and returns its
// name. On error no temp file is left behind.
func writeSynced(dir string, data []byte) (string, error) {
	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create: %w", err)
	}
	fail := func(step string, err error) (string, error) {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("%s: %w", step, err)
	}
	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("close: %w", err)
	}
	return tmp.Name(), nil
}

// syncDir makes a rename inside dir durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}

func (f *FlatFS) DownloadToStream(ctx context.Context, path string, sink io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	file, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("flatfs open %s: %w", path, core.ErrBlobNotFound)
		}
		return fmt.Errorf("flatfs open %s: %w: %w", path, core.ErrStorageUnavailable, err)
	}
	defer file.Close()

	if _, err := io.Copy(sink, file); err != nil {
		return fmt.Errorf("flatfs read %s: %w", path, err)
	}
	return nil
}

func (f *FlatFS) Exists(ctx context.Context, path string) (bool, error) {
	full, err := f.resolve(path)
	if err != nil {
		return false, err
	}
	stat, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return !stat.IsDir(), nil
}

// TemporaryReadURL returns a file:// URL. Local files carry no expiry, so the
// validity is advisory only.
func (f *FlatFS) TemporaryReadURL(ctx context.Context, path string, validity time.Duration) (string, error) {
	full, err := f.resolve(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(full)
	if err != nil {
		return "", err
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}
	return u.String(), nil
}

func (f *FlatFS) Delete(ctx context.Context, path string) error {
	full, err := f.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		if os.IsNotExist(err) {
			// Already gone counts as deleted.
			return nil
		}
		return err
	}
	return nil
}
