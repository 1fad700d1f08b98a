// Package filemanager 将从网格获取的文件缓存到工作目录。
//
// 文件缓存在 {workingDir}/filemanager/{fileId}/{filename}，
// 目录以 zip 归档传输，到达后解压到同一位置。
package filemanager

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"yqhp/grid-agent/pkg/logger"
	"yqhp/grid-agent/pkg/types"
)

// Fetcher 从网格获取文件。
type Fetcher interface {
	Fetch(ctx context.Context, fileID string) (types.FileVersion, error)
}

type cached struct {
	version types.FileVersion
	path    string
}

// Manager 文件缓存管理器。
type Manager struct {
	root    string
	fetcher Fetcher
	logger  *zap.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cache map[string]cached
}

// New 创建文件管理器，缓存根目录为 {workingDir}/filemanager。
func New(workingDir string, fetcher Fetcher, l *zap.Logger) *Manager {
	return &Manager{
		root:    filepath.Join(workingDir, "filemanager"),
		fetcher: fetcher,
		logger:  logger.OrNop(l).Named("filemanager"),
		cache:   make(map[string]cached),
	}
}

// Root 返回缓存根目录。
func (m *Manager) Root() string {
	return m.root
}

// GetFile 返回文件的本地路径，必要时从网格获取。
// 返回的 FileVersion 不包含内容。
func (m *Manager) GetFile(ctx context.Context, fileID string) (types.FileVersion, string, error) {
	if err := validateID(fileID); err != nil {
		return types.FileVersion{}, "", err
	}

	if c, ok := m.lookup(fileID); ok {
		return c.version, c.path, nil
	}

	v, err, shared := m.group.Do(fileID, func() (any, error) {
		if c, ok := m.lookup(fileID); ok {
			return c, nil
		}
		return m.retrieve(ctx, fileID)
	})
	if err != nil {
		return types.FileVersion{}, "", err
	}
	c := v.(cached)
	if shared {
		m.logger.Debug("File retrieval shared", zap.String("file_id", fileID))
	}
	return c.version, c.path, nil
}

func (m *Manager) lookup(fileID string) (cached, bool) {
	m.mu.RLock()
	c, ok := m.cache[fileID]
	m.mu.RUnlock()
	if !ok {
		return cached{}, false
	}
	if _, err := os.Stat(c.path); err != nil {
		m.mu.Lock()
		delete(m.cache, fileID)
		m.mu.Unlock()
		return cached{}, false
	}
	return c, true
}

func (m *Manager) retrieve(ctx context.Context, fileID string) (cached, error) {
	fv, err := m.fetcher.Fetch(ctx, fileID)
	if err != nil {
		return cached{}, err
	}
	if err := validateName(fv.Filename); err != nil {
		return cached{}, fmt.Errorf("%w: %v", types.ErrFileTransport, err)
	}

	dir := filepath.Join(m.root, fileID)
	if err := os.RemoveAll(dir); err != nil {
		return cached{}, fmt.Errorf("清理缓存目录失败: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return cached{}, fmt.Errorf("创建缓存目录失败: %w", err)
	}

	path := filepath.Join(dir, fv.Filename)
	if fv.IsDirectory {
		err = extractZip(fv.Content, path)
	} else {
		err = os.WriteFile(path, fv.Content, 0o644)
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		return cached{}, err
	}

	c := cached{
		version: types.FileVersion{FileID: fileID, Filename: fv.Filename, IsDirectory: fv.IsDirectory},
		path:    path,
	}
	m.mu.Lock()
	m.cache[fileID] = c
	m.mu.Unlock()

	m.logger.Info("File cached",
		zap.String("file_id", fileID),
		zap.String("path", path),
		zap.Bool("directory", fv.IsDirectory),
		zap.Int("size", len(fv.Content)))
	return c, nil
}

// Evict 删除缓存的文件。
func (m *Manager) Evict(fileID string) error {
	if err := validateID(fileID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.cache, fileID)
	m.mu.Unlock()
	return os.RemoveAll(filepath.Join(m.root, fileID))
}

// Cached 返回已缓存的文件数量。
func (m *Manager) Cached() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

func validateID(fileID string) error {
	if fileID == "" || strings.ContainsAny(fileID, `/\`) || fileID == "." || fileID == ".." {
		return fmt.Errorf("invalid file id %q", fileID)
	}
	return nil
}

func validateName(name string) error {
	if name == "" || name != filepath.Base(name) || name == "." || name == ".." {
		return fmt.Errorf("invalid file name %q", name)
	}
	return nil
}

// extractZip 将 zip 内容解压到 dest，拒绝指向 dest 之外的条目。
func extractZip(content []byte, dest string) error {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return fmt.Errorf("%w: 目录内容不是有效的 zip: %v", types.ErrFileTransport, err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	prefix := filepath.Clean(dest) + string(os.PathSeparator)
	for _, f := range zr.File {
		target := filepath.Join(dest, f.Name)
		if !strings.HasPrefix(target, prefix) && target != filepath.Clean(dest) {
			return fmt.Errorf("%w: zip 条目 %q 越界", types.ErrFileTransport, f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		if err := writeEntry(f, target); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, rc)
	closeErr := out.Close()
	return errors.Join(copyErr, closeErr)
}
