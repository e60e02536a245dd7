package releases

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Publish recursively copies the release store into outDir so a static file
// server can serve the bundles and the update manifest. A missing store is
// not an error. Hidden files and directories are skipped. It returns the
// number of files copied.
func Publish(storeDir, outDir string) (int, error) {
	info, err := os.Stat(storeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to stat release store: %w", err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("release store %s is not a directory", storeDir)
	}

	files, err := discoverFiles(storeDir)
	if err != nil {
		return 0, fmt.Errorf("failed to discover release files: %w", err)
	}

	if err := os.MkdirAll(outDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create output directory: %w", err)
	}

	for _, src := range files {
		rel, err := filepath.Rel(storeDir, src)
		if err != nil {
			return 0, fmt.Errorf("failed to compute relative path: %w", err)
		}
		if err := copyFile(src, filepath.Join(outDir, rel)); err != nil {
			return 0, fmt.Errorf("failed to publish %s: %w", rel, err)
		}
	}

	return len(files), nil
}

// discoverFiles finds all regular files below dir, skipping hidden entries.
func discoverFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if path != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if info.Mode().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// copyFile copies a file from src to dst with atomic write
func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = srcFile.Close()
	}()

	tmpFile, err := os.CreateTemp(filepath.Dir(dst), ".iwarelease-tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if _, err := io.Copy(tmpFile, srcFile); err != nil {
		_ = tmpFile.Close()
		return err
	}

	srcInfo, err := srcFile.Stat()
	if err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Chmod(srcInfo.Mode()); err != nil {
		_ = tmpFile.Close()
		return err
	}

	if err := tmpFile.Close(); err != nil {
		return err
	}

	return os.Rename(tmpPath, dst)
}
