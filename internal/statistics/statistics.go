package statistics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics contains the counters for one compression batch.
type Statistics struct {
	BatchID string
	Method  string

	FilesSubmitted  int64
	FilesRejected   int64
	FilesStaged     int64
	FilesCompressed int64
	FilesFailed     int64
	FilesGrew       int64

	RenamesApplied int64
	RenameFailures int64
	PollAttempts   int64

	BytesIn  int64
	BytesOut int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64

	Errors []StatError

	mutex sync.RWMutex

	AdapterStats map[string]*AdapterStats
}

// StatError represents an error that occurred during processing.
type StatError struct {
	FilePath  string
	Operation string
	Error     string
	Timestamp time.Time
}

// AdapterStats aggregates results per codec adapter.
type AdapterStats struct {
	Files    int64
	Failures int64
	BytesIn  int64
	BytesOut int64
}

// NewStatistics returns a new Statistics instance.
func NewStatistics(batchID, method string) *Statistics {
	return &Statistics{
		BatchID:      batchID,
		Method:       method,
		StartTime:    time.Now(),
		AdapterStats: make(map[string]*AdapterStats),
		Errors:       make([]StatError, 0),
	}
}

func (s *Statistics) AddSubmitted(n int) { atomic.AddInt64(&s.FilesSubmitted, int64(n)) }

func (s *Statistics) IncrementRejected() { atomic.AddInt64(&s.FilesRejected, 1) }

func (s *Statistics) IncrementStaged() { atomic.AddInt64(&s.FilesStaged, 1) }

func (s *Statistics) IncrementPollAttempts() { atomic.AddInt64(&s.PollAttempts, 1) }

// AddRenames records reconciliation renames.
func (s *Statistics) AddRenames(applied, failed int) {
	atomic.AddInt64(&s.RenamesApplied, int64(applied))
	atomic.AddInt64(&s.RenameFailures, int64(failed))
}

// RecordCompressed adds one successful file to the totals and to the adapter breakdown.
func (s *Statistics) RecordCompressed(adapter string, originalSize, compressedSize int64) {
	atomic.AddInt64(&s.FilesCompressed, 1)
	atomic.AddInt64(&s.BytesIn, originalSize)
	atomic.AddInt64(&s.BytesOut, compressedSize)
	if compressedSize > originalSize {
		atomic.AddInt64(&s.FilesGrew, 1)
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()
	as := s.adapter(adapter)
	as.Files++
	as.BytesIn += originalSize
	as.BytesOut += compressedSize
}

// RecordFailed adds one failed file.
func (s *Statistics) RecordFailed(adapter, filePath, errorMsg string) {
	atomic.AddInt64(&s.FilesFailed, 1)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	if adapter != "" {
		s.adapter(adapter).Failures++
	}
	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: "compress",
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

// AddError records an error that occurred outside compression.
func (s *Statistics) AddError(filePath, operation, errorMsg string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.Errors = append(s.Errors, StatError{
		FilePath:  filePath,
		Operation: operation,
		Error:     errorMsg,
		Timestamp: time.Now(),
	})
}

func (s *Statistics) adapter(name string) *AdapterStats {
	as, ok := s.AdapterStats[name]
	if !ok {
		as = &AdapterStats{}
		s.AdapterStats[name] = as
	}
	return as
}

// Finalize calculates duration and throughput.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)

	done := atomic.LoadInt64(&s.FilesCompressed) + atomic.LoadInt64(&s.FilesFailed)
	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(done) / s.Duration.Seconds()
	}
}

// BytesSaved returns input minus output bytes. Negative when outputs grew overall.
func (s *Statistics) BytesSaved() int64 {
	return atomic.LoadInt64(&s.BytesIn) - atomic.LoadInt64(&s.BytesOut)
}

// SavedPercent returns the aggregate signed reduction.
func (s *Statistics) SavedPercent() float64 {
	in := atomic.LoadInt64(&s.BytesIn)
	if in <= 0 {
		return 0
	}
	return float64(s.BytesSaved()) * 100 / float64(in)
}

// GetSummary returns a formatted summary of the batch.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	duration, fps := s.Duration, s.FilesPerSecond
	s.mutex.RUnlock()

	return fmt.Sprintf(`Compression Summary (batch %s, method %s):

Files:
		Submitted: %d
		Rejected: %d
		Staged: %d
		Compressed: %d
		Failed: %d
		Grew After Compression: %d

Output:
		Renamed: %d
		Rename Failures: %d
		Poll Attempts: %d

Size:
		Bytes In: %s
		Bytes Out: %s
		Saved: %s (%.1f%%)

Performance:
		Duration: %v
		Files/Second: %.2f`,
		s.BatchID,
		s.Method,
		atomic.LoadInt64(&s.FilesSubmitted),
		atomic.LoadInt64(&s.FilesRejected),
		atomic.LoadInt64(&s.FilesStaged),
		atomic.LoadInt64(&s.FilesCompressed),
		atomic.LoadInt64(&s.FilesFailed),
		atomic.LoadInt64(&s.FilesGrew),
		atomic.LoadInt64(&s.RenamesApplied),
		atomic.LoadInt64(&s.RenameFailures),
		atomic.LoadInt64(&s.PollAttempts),
		formatBytes(atomic.LoadInt64(&s.BytesIn)),
		formatBytes(atomic.LoadInt64(&s.BytesOut)),
		formatBytes(s.BytesSaved()),
		s.SavedPercent(),
		duration,
		fps)
}

// GetAdapterBreakdown returns per-adapter totals, sorted by adapter name.
func (s *Statistics) GetAdapterBreakdown() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.AdapterStats) == 0 {
		return "No adapter statistics available"
	}

	names := make([]string, 0, len(s.AdapterStats))
	for name := range s.AdapterStats {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Adapter Breakdown:\n")
	for _, name := range names {
		as := s.AdapterStats[name]
		fmt.Fprintf(&b, "  %s: %d ok, %d failed, %s -> %s\n",
			name, as.Files, as.Failures, formatBytes(as.BytesIn), formatBytes(as.BytesOut))
	}
	return b.String()
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Operation,
			err.FilePath,
			err.Error)
	}
	return result
}

// formatBytes returns a human-readable string for a byte count.
func formatBytes(bytes int64) string {
	if bytes < 0 {
		return "-" + formatBytes(-bytes)
	}
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
