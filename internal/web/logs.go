package web

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	defaultLogTail = 200
	maxLogTail     = 5000
)

// LogBuffer keeps the most recent log lines in memory for /api/logs. It is
// the Tee of the process logger, so lines are usually zerolog JSON.
type LogBuffer struct {
	mu      sync.Mutex
	max     int
	lines   []string
	partial []byte
	dropped uint64
}

func NewLogBuffer(maxLines int) *LogBuffer {
	if maxLines <= 0 {
		maxLines = 2000
	}
	return &LogBuffer{max: maxLines}
}

// Write splits p into lines. A trailing fragment without '\n' is held until
// the next Write completes it.
func (b *LogBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data := p
	if len(b.partial) > 0 {
		data = append(b.partial, p...)
		b.partial = nil
	}
	for {
		line, rest, ok := bytes.Cut(data, []byte{'\n'})
		if !ok {
			if len(line) > 0 {
				b.partial = append([]byte(nil), line...)
			}
			break
		}
		b.appendLocked(string(line))
		data = rest
	}
	return len(p), nil
}

func (b *LogBuffer) appendLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if line == "" {
		return
	}
	b.lines = append(b.lines, line)
	if over := len(b.lines) - b.max; over > 0 {
		b.lines = b.lines[over:]
		b.dropped += uint64(over)
	}
}

// Snapshot returns up to tail of the newest lines and the number of lines
// evicted so far.
func (b *LogBuffer) Snapshot(tail int) (lines []string, dropped uint64) {
	return b.snapshot(tail, zerolog.TraceLevel)
}

// snapshot keeps lines at or above floor. Lines without a parsable "level"
// field are always kept.
func (b *LogBuffer) snapshot(tail int, floor zerolog.Level) ([]string, uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tail <= 0 {
		tail = defaultLogTail
	}
	out := make([]string, 0, min(tail, len(b.lines)))
	for i := len(b.lines) - 1; i >= 0 && len(out) < tail; i-- {
		if lineLevel(b.lines[i]) >= floor {
			out = append(out, b.lines[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, b.dropped
}

func lineLevel(line string) zerolog.Level {
	if !strings.HasPrefix(line, "{") {
		return zerolog.NoLevel
	}
	var v struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal([]byte(line), &v); err != nil || v.Level == "" {
		return zerolog.NoLevel
	}
	lvl, err := zerolog.ParseLevel(v.Level)
	if err != nil {
		return zerolog.NoLevel
	}
	return lvl
}

type LogsResponse struct {
	NowUTC  string   `json:"now_utc"`
	Dropped uint64   `json:"dropped"`
	Lines   []string `json:"lines"`
}

// Handler serves the buffer. Query: tail (1..5000), level (minimum zerolog
// level) and format=text for plain output.
func (b *LogBuffer) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		tail := defaultLogTail
		if s := strings.TrimSpace(q.Get("tail")); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v < 1 || v > maxLogTail {
				http.Error(w, fmt.Sprintf("tail must be an integer in [1,%d]", maxLogTail), http.StatusBadRequest)
				return
			}
			tail = v
		}
		level := zerolog.TraceLevel
		if s := strings.TrimSpace(q.Get("level")); s != "" {
			v, err := zerolog.ParseLevel(strings.ToLower(s))
			if err != nil || v == zerolog.NoLevel {
				http.Error(w, "unknown level", http.StatusBadRequest)
				return
			}
			level = v
		}

		lines, dropped := b.snapshot(tail, level)
		w.Header().Set("Cache-Control", "no-store")

		if strings.EqualFold(q.Get("format"), "text") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			if dropped > 0 {
				_, _ = fmt.Fprintf(w, "[dropped=%d]\n", dropped)
			}
			for _, line := range lines {
				_, _ = fmt.Fprintln(w, line)
			}
			return
		}

		writeJSON(w, http.StatusOK, LogsResponse{
			NowUTC:  time.Now().UTC().Format(time.RFC3339Nano),
			Dropped: dropped,
			Lines:   lines,
		})
	})
}
