package sandbox

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// CreateTarFromDirWithExcludes creates a tar.gz archive from a directory,
// skipping entries matched by excludePatterns. A pattern ending in "/" excludes
// a directory and everything below it; any other pattern is matched against
// the base name of each file.
func CreateTarFromDirWithExcludes(srcDir string, excludePatterns []string) ([]byte, error) {
	var buf bytes.Buffer
	gzipWriter := gzip.NewWriter(&buf)
	tarWriter := tar.NewWriter(gzipWriter)

	err := filepath.Walk(srcDir, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(srcDir, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		if fi.IsDir() && shouldExcludeDir(relPath, excludePatterns) {
			return filepath.SkipDir
		}
		if !fi.IsDir() && shouldExcludeFile(relPath, excludePatterns) {
			return nil
		}

		header, err := tar.FileInfoHeader(fi, file)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tarWriter.WriteHeader(header); err != nil {
			return err
		}

		if !fi.IsDir() {
			data, err := os.Open(file)
			if err != nil {
				return err
			}
			defer data.Close()

			if _, err := io.Copy(tarWriter, data); err != nil {
				return err
			}
		}

		return nil
	})

	if err != nil {
		return nil, err
	}

	if err := tarWriter.Close(); err != nil {
		return nil, err
	}

	if err := gzipWriter.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// shouldExcludeFile reports whether the file at relPath matches a pattern
func shouldExcludeFile(relPath string, excludePatterns []string) bool {
	relPath = filepath.ToSlash(relPath)
	base := path.Base(relPath)
	parents := strings.Split(path.Dir(relPath), "/")

	for _, pattern := range excludePatterns {
		if dir, ok := strings.CutSuffix(pattern, "/"); ok {
			for _, parent := range parents {
				if parent == dir {
					return true
				}
			}
			continue
		}
		if matched, _ := path.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// shouldExcludeDir reports whether a directory pattern names relPath
func shouldExcludeDir(relPath string, excludePatterns []string) bool {
	base := path.Base(filepath.ToSlash(relPath))
	for _, pattern := range excludePatterns {
		if dir, ok := strings.CutSuffix(pattern, "/"); ok && dir == base {
			return true
		}
	}
	return false
}
