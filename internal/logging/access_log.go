package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// AccessEntry is one line of the access log. Request bodies and headers are
// never recorded since they carry keys and upstream tokens.
type AccessEntry struct {
	Timestamp  time.Time `json:"timestamp"`
	RequestID  string    `json:"request_id"`
	Method     string    `json:"method"`
	Path       string    `json:"path"`
	Status     int       `json:"status"`
	DurationMS int64     `json:"duration_ms"`
	RemoteAddr string    `json:"remote_addr"`
}

// AccessLog implements asynchronous, buffered JSONL logging with rotation and
// periodic flush.
type AccessLog struct {
	fileTemplate  string        // e.g. "/var/log/broker/access-%s.jsonl"
	maxSize       int64         // maximum size in bytes before rotation
	maxFiles      int           // maximum number of rotated files to keep
	flushInterval time.Duration // flush the buffer every flushInterval if not empty

	mu          sync.Mutex
	currentFile string
	file        *os.File
	writer      *bufio.Writer
	currentSize int64

	logCh  chan AccessEntry
	doneCh chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// NewAccessLog creates an access log writing to files named by applying a
// timestamp to fileTemplate, which must contain one %s.
func NewAccessLog(fileTemplate string, maxSize int64, maxFiles, bufferSize int, flushInterval time.Duration) (*AccessLog, error) {
	if fileTemplate == "" {
		return nil, fmt.Errorf("access log file template is required")
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	if bufferSize <= 0 {
		bufferSize = 1
	}

	logger := &AccessLog{
		fileTemplate:  fileTemplate,
		maxSize:       maxSize,
		maxFiles:      maxFiles,
		flushInterval: flushInterval,
		logCh:         make(chan AccessEntry, bufferSize),
		doneCh:        make(chan struct{}),
	}

	if err := logger.openFile(); err != nil {
		return nil, err
	}

	logger.wg.Add(1)
	go logger.run()

	return logger, nil
}

// newFileName applies the current timestamp to the file template.
func (logger *AccessLog) newFileName() string {
	timestamp := time.Now().Format("20060102150405.000000")
	return fmt.Sprintf(logger.fileTemplate, timestamp)
}

// openFile opens the active log file, creating its directory if needed.
func (logger *AccessLog) openFile() error {
	logger.currentFile = logger.newFileName()
	dir := filepath.Dir(logger.currentFile)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.OpenFile(logger.currentFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return err
	}
	logger.currentSize = fi.Size()
	logger.file = file
	logger.writer = bufio.NewWriter(file)
	return nil
}

// rotateIfNeeded starts a new file when adding n bytes would exceed maxSize.
// Caller must hold mu.
func (logger *AccessLog) rotateIfNeeded(n int) error {
	if logger.maxSize <= 0 || logger.currentSize+int64(n) < logger.maxSize {
		return nil
	}

	if err := logger.writer.Flush(); err != nil {
		return err
	}
	if err := logger.file.Close(); err != nil {
		return err
	}
	if err := logger.openFile(); err != nil {
		return err
	}
	return logger.cleanupOldFiles()
}

// cleanupOldFiles removes the oldest rotated files if more than maxFiles exist.
func (logger *AccessLog) cleanupOldFiles() error {
	if logger.maxFiles <= 0 {
		return nil
	}
	pattern := fmt.Sprintf(logger.fileTemplate, "*")
	matches, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}

	// File names embed the timestamp, so lexical order is creation order.
	sort.Strings(matches)

	excess := len(matches) - logger.maxFiles
	for i := 0; i < excess; i++ {
		_ = os.Remove(matches[i])
	}
	return nil
}

func (logger *AccessLog) run() {
	defer logger.wg.Done()
	ticker := time.NewTicker(logger.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-logger.logCh:
			logger.writeEntry(entry)
		case <-ticker.C:
			logger.mu.Lock()
			_ = logger.writer.Flush()
			logger.mu.Unlock()
		case <-logger.doneCh:
			// Drain remaining entries.
			for {
				select {
				case entry := <-logger.logCh:
					logger.writeEntry(entry)
				default:
					logger.mu.Lock()
					_ = logger.writer.Flush()
					_ = logger.file.Close()
					logger.mu.Unlock()
					return
				}
			}
		}
	}
}

func (logger *AccessLog) writeEntry(entry AccessEntry) {
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if err := logger.rotateIfNeeded(len(data)); err != nil {
		return
	}
	n, _ := logger.writer.Write(data)
	logger.currentSize += int64(n)
}

// Log queues an entry. If the queue is full, or the log is shut down, the
// entry is dropped.
func (logger *AccessLog) Log(entry AccessEntry) {
	if logger == nil {
		return
	}
	logger.mu.Lock()
	closed := logger.closed
	logger.mu.Unlock()
	if closed {
		return
	}

	select {
	case logger.logCh <- entry:
	default:
	}
}

// CurrentFile returns the file currently being written.
func (logger *AccessLog) CurrentFile() string {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	return logger.currentFile
}

// Shutdown flushes queued entries and closes the file. Safe to call more than
// once.
func (logger *AccessLog) Shutdown() {
	if logger == nil {
		return
	}
	logger.mu.Lock()
	if logger.closed {
		logger.mu.Unlock()
		return
	}
	logger.closed = true
	logger.mu.Unlock()

	close(logger.doneCh)
	logger.wg.Wait()
}
