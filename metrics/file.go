package metrics

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

const maxLineSize = 1 << 20

var _ Store = (*FileStore)(nil)

// FileStore appends records as JSON Lines to a local file
type FileStore struct {
	logger *zap.Logger
	path   string

	mu   sync.Mutex
	file *os.File
}

// NewFileStore opens path for appending. An existing file in which no line
// parses is moved aside to <path>.corrupt-<unix seconds> and a new history is
// started. A partial last line left by an interrupted append is cut off so
// the next record starts on a line of its own.
func NewFileStore(logger *zap.Logger, path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create metrics dir: %w", err)
	}

	if err := quarantineCorrupt(logger, path); err != nil {
		return nil, err
	}
	if err := truncateTornTail(logger, path); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open metrics file: %w", err)
	}

	return &FileStore{logger: logger, path: path, file: f}, nil
}

// Record appends rec as a single line
func (s *FileStore) Record(_ context.Context, rec MetricRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal metric record: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return errors.New("metrics file is closed")
	}
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("failed to append metric record: %w", err)
	}
	return nil
}

// Records reads back the history, skipping lines that do not parse
func (s *FileStore) Records(_ context.Context) ([]MetricRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, skipped, err := readRecords(s.path)
	if err != nil {
		return nil, err
	}
	if skipped > 0 {
		s.logger.Warn("skipped unreadable metric records", zap.String("path", s.path), zap.Int("count", skipped))
	}
	return records, nil
}

// Close closes the underlying file
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

func readRecords(path string) (records []MetricRecord, skipped int, err error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open metrics file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec MetricRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			skipped++
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to read metrics file: %w", err)
	}
	return records, skipped, nil
}

func quarantineCorrupt(logger *zap.Logger, path string) error {
	records, skipped, err := readRecords(path)
	if err == nil && (skipped == 0 || len(records) > 0) {
		return nil
	}

	aside := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
	if renameErr := os.Rename(path, aside); renameErr != nil {
		return fmt.Errorf("failed to move corrupt metrics file aside: %w", renameErr)
	}
	logger.Warn("metrics file is corrupt, starting a new history",
		zap.String("path", path),
		zap.String("moved_to", aside),
		zap.Int("bad_lines", skipped),
		zap.Error(err),
	)
	return nil
}

// truncateTornTail drops everything after the last newline
func truncateTornTail(logger *zap.Logger, path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open metrics file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat metrics file: %w", err)
	}
	size := info.Size()

	keep := int64(0)
	buf := make([]byte, 4096)
	for end := size; end > 0; {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("failed to read metrics file: %w", err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			keep = start + int64(i) + 1
			break
		}
		end = start
	}
	if keep == size {
		return nil
	}

	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("failed to drop partial metric record: %w", err)
	}
	logger.Warn("dropped partial metric record", zap.String("path", path), zap.Int64("bytes", size-keep))
	return nil
}
