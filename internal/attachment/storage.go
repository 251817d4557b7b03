package attachment

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Storage persists validated images and resolves references back to them.
type Storage interface {
	// Save stores data under name and returns the reference to record on
	// the message.
	Save(ctx context.Context, name, contentType string, data []byte) (string, error)
	// Delete removes the object behind ref. Missing objects are not an
	// error.
	Delete(ctx context.Context, ref string) error
}

// NewName returns a fresh collision-free object name with the given
// extension.
func NewName(ext string) string {
	return uuid.NewString() + ext
}

// DefaultURLPrefix is where DiskStorage objects are served from.
const DefaultURLPrefix = "/uploads/"

// DiskStorage keeps images in a local directory served under /uploads/.
type DiskStorage struct {
	dir    string
	prefix string
}

// NewDiskStorage creates dir if needed and returns a DiskStorage rooted
// there.
func NewDiskStorage(dir string) (*DiskStorage, error) {
	if dir == "" {
		dir = "uploads"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &DiskStorage{dir: dir, prefix: DefaultURLPrefix}, nil
}

// Dir returns the directory images are written to.
func (d *DiskStorage) Dir() string { return d.dir }

// Save implements Storage.
func (d *DiskStorage) Save(ctx context.Context, name, _ string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	name = filepath.Base(name)
	if name == "." || name == string(filepath.Separator) {
		return "", errors.New("invalid attachment name")
	}

	target := filepath.Join(d.dir, name)
	tmp, err := os.CreateTemp(d.dir, ".upload-*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close attachment: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("chmod attachment: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename attachment: %w", err)
	}

	return d.prefix + name, nil
}

// Delete implements Storage. Only references under the served prefix are
// honored.
func (d *DiskStorage) Delete(_ context.Context, ref string) error {
	if !strings.HasPrefix(ref, d.prefix) {
		return fmt.Errorf("reference %q is not a local upload", ref)
	}
	name := path.Base(strings.TrimPrefix(ref, d.prefix))
	if name == "." || name == "/" || name == ".." {
		return fmt.Errorf("reference %q is not a local upload", ref)
	}

	err := os.Remove(filepath.Join(d.dir, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove attachment: %w", err)
	}
	return nil
}

// Handler serves stored images. Mount it at the URL prefix. Directory
// requests get 404 so stored names cannot be listed.
func (d *DiskStorage) Handler() http.Handler {
	return http.StripPrefix(d.prefix, http.FileServer(filesOnly{http.Dir(d.dir)}))
}

// filesOnly hides directories from http.FileServer.
type filesOnly struct {
	root http.FileSystem
}

func (f filesOnly) Open(name string) (http.File, error) {
	file, err := f.root.Open(name)
	if err != nil {
		return nil, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	if info.IsDir() {
		file.Close()
		return nil, fs.ErrNotExist
	}
	return file, nil
}
