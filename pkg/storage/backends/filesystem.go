package backends

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/forest6511/mediaq/pkg/storage"
)

// isPathUnder checks if childPath is under parentPath in a cross-platform way
func isPathUnder(parentPath, childPath string) bool {
	absParent, err := filepath.Abs(parentPath)
	if err != nil {
		return false
	}
	absChild, err := filepath.Abs(childPath)
	if err != nil {
		return false
	}

	absParent = filepath.Clean(absParent)
	absChild = filepath.Clean(absChild)

	// On Windows, paths are case-insensitive
	if runtime.GOOS == "windows" {
		absParent = strings.ToLower(absParent)
		absChild = strings.ToLower(absChild)
	}

	rel, err := filepath.Rel(absParent, absChild)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..") && rel != "."
}

// FileSystemBackend writes media files under a base directory.
//
// Config keys: "basePath" (required) and "minFreeSpace" (bytes that must remain free
// on the volume after a write, 0 disables the check).
type FileSystemBackend struct {
	basePath     string
	minFreeSpace uint64
}

// NewFileSystemBackend creates a new file system storage backend
func NewFileSystemBackend() *FileSystemBackend {
	return &FileSystemBackend{}
}

// Init initializes the file system backend with configuration
func (fs *FileSystemBackend) Init(config map[string]interface{}) error {
	basePath, ok := config["basePath"].(string)
	if !ok || basePath == "" {
		return fmt.Errorf("%w: basePath is required for filesystem backend", storage.ErrInvalidConfig)
	}

	// Expand tilde to home directory (Unix-style only)
	if strings.HasPrefix(basePath, "~/") && runtime.GOOS != "windows" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get user home directory: %w", err)
		}
		basePath = filepath.Join(homeDir, basePath[2:])
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return fmt.Errorf("failed to get absolute path: %w", err)
	}
	fs.basePath = absPath

	if v, ok := config["minFreeSpace"]; ok {
		n, err := toInt64(v)
		if err != nil || n < 0 {
			return fmt.Errorf("%w: minFreeSpace must be a non-negative number", storage.ErrInvalidConfig)
		}
		fs.minFreeSpace = uint64(n)
	}

	if err := os.MkdirAll(fs.basePath, 0750); err != nil {
		return fmt.Errorf("failed to create base directory %s: %w", fs.basePath, err)
	}

	return nil
}

// Save writes data to a temporary file next to the target and renames it into place,
// so an interrupted write never leaves a truncated media file behind.
func (fs *FileSystemBackend) Save(ctx context.Context, key string, data io.Reader) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if fs.basePath == "" {
		return storage.ErrBackendNotReady
	}

	cleanPath, err := fs.resolve(key)
	if err != nil {
		return err
	}

	dir := filepath.Dir(cleanPath)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	if err := fs.checkSpace(dir, data); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".mediaq-*")
	if err != nil {
		return fmt.Errorf("failed to create file in %s: %w", dir, err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if removeErr := os.Remove(tmpName); removeErr != nil && !os.IsNotExist(removeErr) {
			log.Warn().Err(removeErr).Str("path", tmpName).Msg("Failed to clean up partial file")
		}
	}

	_, copyErr := io.Copy(tmp, &contextAwareReader{ReadCloser: io.NopCloser(data), ctx: ctx})
	closeErr := tmp.Close()
	if copyErr != nil {
		cleanup()
		return fmt.Errorf("failed to save data to %s: %w", cleanPath, copyErr)
	}
	if closeErr != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", cleanPath, closeErr)
	}

	if err := os.Chmod(tmpName, 0644); err != nil {
		log.Debug().Err(err).Str("path", tmpName).Msg("Failed to set file mode")
	}
	if err := os.Rename(tmpName, cleanPath); err != nil {
		cleanup()
		return fmt.Errorf("failed to move %s into place: %w", cleanPath, err)
	}
	return nil
}

// checkSpace refuses a write that would leave less than minFreeSpace on the volume.
// The payload size is only known for readers that expose Len.
func (fs *FileSystemBackend) checkSpace(dir string, data io.Reader) error {
	if fs.minFreeSpace == 0 {
		return nil
	}

	free, err := freeSpace(dir)
	if err != nil {
		log.Debug().Err(err).Str("path", dir).Msg("Free space unavailable, skipping check")
		return nil
	}

	var need uint64
	if l, ok := data.(interface{ Len() int }); ok && l.Len() > 0 {
		need = uint64(l.Len())
	}
	if free < need+fs.minFreeSpace {
		return fmt.Errorf("%w: %d bytes free in %s, need %d", storage.ErrInsufficientSpace, free, dir, need+fs.minFreeSpace)
	}
	return nil
}

// Load retrieves data from the file system for the given key/path
func (fs *FileSystemBackend) Load(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fs.basePath == "" {
		return nil, storage.ErrBackendNotReady
	}

	cleanPath, err := fs.resolve(key)
	if err != nil {
		return nil, err
	}

	file, err := os.Open(cleanPath) // #nosec G304 - path is validated by resolve
	if os.IsNotExist(err) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", cleanPath, err)
	}

	return &contextAwareReader{ReadCloser: file, ctx: ctx}, nil
}

// Exists checks if data exists at the given key/path
func (fs *FileSystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	if fs.basePath == "" {
		return false, storage.ErrBackendNotReady
	}

	cleanPath, err := fs.resolve(key)
	if err != nil {
		return false, err
	}

	_, err = os.Stat(cleanPath)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to check file existence %s: %w", cleanPath, err)
}

// List returns the keys under the base directory that start with prefix. Temporary
// files of in-progress writes are not listed.
func (fs *FileSystemBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if fs.basePath == "" {
		return nil, storage.ErrBackendNotReady
	}

	var keys []string
	err := filepath.Walk(fs.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), ".mediaq-") {
			return nil
		}

		key := fs.pathToKey(path)
		if prefix == "" || strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}

	sort.Strings(keys)
	return keys, nil
}

// Close cleans up resources (no-op for file system)
func (fs *FileSystemBackend) Close() error {
	return nil
}

// BasePath returns the absolute directory files are written to.
func (fs *FileSystemBackend) BasePath() string {
	return fs.basePath
}

func (fs *FileSystemBackend) resolve(key string) (string, error) {
	cleanPath := filepath.Clean(fs.keyToPath(key))
	if !isPathUnder(fs.basePath, cleanPath) {
		return "", fmt.Errorf("path outside base directory not allowed: %s", key)
	}
	return cleanPath, nil
}

// keyToPath converts a storage key to a file system path
func (fs *FileSystemBackend) keyToPath(key string) string {
	cleanKey := filepath.Clean(filepath.FromSlash(key))
	cleanKey = strings.TrimPrefix(cleanKey, string(filepath.Separator))

	return filepath.Join(fs.basePath, cleanKey)
}

// pathToKey converts a file system path back to a storage key
func (fs *FileSystemBackend) pathToKey(path string) string {
	relPath, err := filepath.Rel(fs.basePath, path)
	if err != nil {
		return path
	}
	return filepath.ToSlash(relPath)
}

// contextAwareReader wraps a ReadCloser to respect context cancellation
type contextAwareReader struct {
	io.ReadCloser
	ctx context.Context
}

func (r *contextAwareReader) Read(p []byte) (n int, err error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.ReadCloser.Read(p)
}
