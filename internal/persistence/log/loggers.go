package log

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"urbanflow.ai/internal/sim/world"
)

// Stream is one kind of run log. Its files live in <runDir>/<stream>/ and
// rotate every UTC hour: <stream>-YYYY-MM-DD-HH.jsonl.zst.
type Stream string

const (
	Ticks    Stream = "ticks"
	Episodes Stream = "episodes"
)

const hourLayout = "2006-01-02-15"

func (s Stream) path(runDir string, hour time.Time) string {
	name := fmt.Sprintf("%s-%s.jsonl.zst", s, hour.UTC().Format(hourLayout))
	return filepath.Join(runDir, string(s), name)
}

// Files lists the stream's files below runDir, oldest first.
func (s Stream) Files(runDir string) ([]string, error) {
	out, err := filepath.Glob(filepath.Join(runDir, string(s), string(s)+"-*.jsonl.zst"))
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// Appender writes entries of one stream as zstd compressed JSON lines.
// Reopening an hour that already has a file appends a new frame to it.
type Appender[T any] struct {
	runDir string
	stream Stream
	now    func() time.Time

	mu   sync.Mutex
	hour time.Time
	seg  *segment
}

func NewAppender[T any](runDir string, s Stream) *Appender[T] {
	return &Appender[T]{runDir: runDir, stream: s, now: time.Now}
}

func (a *Appender[T]) Append(v T) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	hour := a.now().UTC().Truncate(time.Hour)
	if a.seg == nil || !hour.Equal(a.hour) {
		if err := a.closeLocked(); err != nil {
			return err
		}
		seg, err := openSegment(a.stream.path(a.runDir, hour))
		if err != nil {
			return err
		}
		a.seg, a.hour = seg, hour
	}
	return a.seg.writeLine(b)
}

func (a *Appender[T]) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closeLocked()
}

func (a *Appender[T]) closeLocked() error {
	if a.seg == nil {
		return nil
	}
	err := a.seg.close()
	a.seg = nil
	return err
}

// segment is one open hourly file.
type segment struct {
	f  *os.File
	zw *zstd.Encoder
	bw *bufio.Writer
}

func openSegment(path string) (*segment, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &segment{f: f, zw: zw, bw: bufio.NewWriterSize(zw, 64*1024)}, nil
}

func (s *segment) writeLine(b []byte) error {
	if _, err := s.bw.Write(b); err != nil {
		return err
	}
	if err := s.bw.WriteByte('\n'); err != nil {
		return err
	}
	return s.bw.Flush()
}

func (s *segment) close() error {
	return errors.Join(s.bw.Flush(), s.zw.Close(), s.f.Close())
}

// TickLogger records one entry per simulation tick.
type TickLogger struct {
	*Appender[world.TickLogEntry]
}

func NewTickLogger(runDir string) *TickLogger {
	return &TickLogger{NewAppender[world.TickLogEntry](runDir, Ticks)}
}

func (l *TickLogger) WriteTick(e world.TickLogEntry) error { return l.Append(e) }

// EpisodeLogger records one entry per finished episode.
type EpisodeLogger struct {
	*Appender[world.EpisodeResult]
}

func NewEpisodeLogger(runDir string) *EpisodeLogger {
	return &EpisodeLogger{NewAppender[world.EpisodeResult](runDir, Episodes)}
}

func (l *EpisodeLogger) WriteEpisode(res world.EpisodeResult) error { return l.Append(res) }
