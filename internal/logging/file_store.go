package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"ollama_logger/internal/models"
)

// FileStore appends request logs as JSON lines to a size-rotated file. It is
// the store used when no database is configured.
type FileStore struct {
	path          string
	out           *lumberjack.Logger
	flushInterval time.Duration // flush the buffer every flushInterval if not empty

	mu       sync.Mutex
	buf      bytes.Buffer // whole lines only, so rotation never splits a record
	bufBytes int
	seq      int64

	doneCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewFileStore opens the log at path and starts the periodic flush. The
// file rotates at maxSizeMB; maxFiles counts the active file, and a value
// of one or less keeps every rotated file.
func NewFileStore(path string, maxSizeMB int, maxFiles int, bufferSizeKB int, flushInterval time.Duration) (*FileStore, error) {
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}
	if bufferSizeKB <= 0 {
		bufferSizeKB = 100
	}
	if maxSizeMB <= 0 {
		maxSizeMB = 10
	}
	backups := 0
	if maxFiles > 1 {
		backups = maxFiles - 1
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	bufBytes := bufferSizeKB * 1024
	if limit := maxSizeMB * 1024 * 1024; bufBytes > limit {
		bufBytes = limit
	}

	store := &FileStore{
		path: path,
		out: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    maxSizeMB,
			MaxBackups: backups,
		},
		flushInterval: flushInterval,
		bufBytes:      bufBytes,
		doneCh:        make(chan struct{}),
	}

	store.wg.Add(1)
	go store.run()

	return store, nil
}

// run flushes the buffer periodically until Close.
func (s *FileStore) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			_ = s.flushLocked()
			s.mu.Unlock()
		case <-s.doneCh:
			return
		}
	}
}

// flushLocked hands the buffered lines to the rotating writer in one write.
// Callers hold s.mu.
func (s *FileStore) flushLocked() error {
	if s.buf.Len() == 0 {
		return nil
	}
	_, err := s.out.Write(s.buf.Bytes())
	s.buf.Reset()
	if err != nil {
		return fmt.Errorf("failed to write request log: %w", err)
	}
	return nil
}

// writeEntry serializes rec and buffers it. Callers hold s.mu.
func (s *FileStore) writeEntry(rec *models.RequestLog) error {
	if s.closed {
		return fmt.Errorf("file store is closed")
	}
	if rec.ID == 0 {
		s.seq++
		rec.ID = s.seq
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal request log: %w", err)
	}
	data = append(data, '\n')

	if s.buf.Len() > 0 && s.buf.Len()+len(data) > s.bufBytes {
		if err := s.flushLocked(); err != nil {
			return err
		}
	}
	s.buf.Write(data)
	if s.buf.Len() >= s.bufBytes {
		return s.flushLocked()
	}
	return nil
}

// Insert appends one record
func (s *FileStore) Insert(ctx context.Context, rec *models.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeEntry(rec)
}

// InsertBatch appends all records
func (s *FileStore) InsertBatch(ctx context.Context, recs []*models.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if err := s.writeEntry(rec); err != nil {
			return err
		}
	}
	return nil
}

// Path returns the active log file
func (s *FileStore) Path() string {
	return s.path
}

// Close flushes the buffer and closes the file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.doneCh)
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.flushLocked(); err != nil {
		_ = s.out.Close()
		return err
	}
	return s.out.Close()
}
