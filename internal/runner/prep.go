package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// BuildFunc fills dir with prepared dependencies
type BuildFunc func(ctx context.Context, dir string) error

// PrepCache tracks prepared dependency directories by function and manifest hash. Concurrent builds of the
// same key collapse into one, and a directory is only published once its build succeeded.
type PrepCache struct {
	root  string
	group singleflight.Group

	mu    sync.RWMutex
	ready map[string]struct{}
}

func NewPrepCache(dataDir string) *PrepCache {
	return &PrepCache{
		root:  filepath.Join(dataDir, "functions"),
		ready: make(map[string]struct{}),
	}
}

// Dir is where the dependencies of a function for a manifest hash live
func (c *PrepCache) Dir(functionID int64, hash string) string {
	return filepath.Join(c.root, strconv.FormatInt(functionID, 10), "deps", hash)
}

// Ensure returns the dependency directory, running build when it does not exist yet. hit reports whether
// an earlier build was reused.
func (c *PrepCache) Ensure(ctx context.Context, functionID int64, hash string, build BuildFunc) (dir string, hit bool, err error) {
	dir = c.Dir(functionID, hash)
	if c.isReady(dir) {
		return dir, true, nil
	}

	v, err, _ := c.group.Do(dir, func() (any, error) {
		if c.isReady(dir) {
			return true, nil
		}

		tmp := dir + ".tmp-" + uuid.NewString()
		if err := os.MkdirAll(tmp, 0o755); err != nil {
			return false, fmt.Errorf("could not create dependency directory: %w", err)
		}
		// a build outlives the request that started it, other callers may be waiting on it
		if err := build(context.WithoutCancel(ctx), tmp); err != nil {
			_ = os.RemoveAll(tmp)
			return false, err
		}
		if err := os.Rename(tmp, dir); err != nil {
			_ = os.RemoveAll(tmp)
			if !isDir(dir) {
				return false, fmt.Errorf("could not publish dependency directory: %w", err)
			}
		}

		c.markReady(dir)
		log.Info().Int64("function_id", functionID).Str("hash", hash).Msg("Dependencies prepared")
		return false, nil
	})
	if err != nil {
		return "", false, err
	}
	return dir, v.(bool), nil
}

func (c *PrepCache) isReady(dir string) bool {
	c.mu.RLock()
	_, ok := c.ready[dir]
	c.mu.RUnlock()
	if ok {
		return true
	}

	// survives restarts
	if isDir(dir) {
		c.markReady(dir)
		return true
	}
	return false
}

func (c *PrepCache) markReady(dir string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready[dir] = struct{}{}
}

func isDir(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.IsDir()
}
