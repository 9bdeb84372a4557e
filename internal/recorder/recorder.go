// Package recorder writes relay traces: one JSONL file per relay run, with
// only the newest few runs kept on disk.
package recorder

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	MaxRotatedFiles = 5
	filePrefix      = "relay_"
)

// Event is one line of a trace.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	Kind      string          `json:"kind"`
	TabID     string          `json:"tab_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Recorder appends events to the current trace file. A nil *Recorder
// discards everything.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	file    *os.File
	encoder *json.Encoder
	path    string
}

// Open rotates old traces in dir and starts a new one.
func Open(dir, run string) (*Recorder, error) {
	if dir == "" {
		return nil, errors.New("trace directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	r := &Recorder{dir: dir}
	if err := r.rotate(); err != nil {
		return nil, fmt.Errorf("rotate traces: %w", err)
	}

	name := fmt.Sprintf("%s%s_%d.jsonl", filePrefix, run, time.Now().UnixMilli())
	r.path = filepath.Join(dir, name)
	f, err := os.Create(r.path)
	if err != nil {
		return nil, err
	}
	r.file = f
	r.encoder = json.NewEncoder(f)
	return r, nil
}

// Path is the file being written.
func (r *Recorder) Path() string {
	if r == nil {
		return ""
	}
	return r.path
}

// Record writes one event. data is marshalled as is; marshal failures are
// recorded as a string so the line is never lost.
func (r *Recorder) Record(kind, tabID string, data interface{}) {
	if r == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		raw, _ = json.Marshal(err.Error())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.encoder == nil {
		return
	}
	_ = r.encoder.Encode(Event{Timestamp: time.Now(), Kind: kind, TabID: tabID, Data: raw})
}

// rotate keeps the newest MaxRotatedFiles-1 traces to make room for a new one.
func (r *Recorder) rotate() error {
	traces, err := List(r.dir)
	if err != nil {
		return err
	}
	keep := MaxRotatedFiles - 1
	for i := keep; i < len(traces); i++ {
		_ = os.Remove(traces[i])
	}
	return nil
}

func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	r.encoder = nil
	return err
}

// List returns trace paths in dir, newest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type trace struct {
		path string
		mod  time.Time
	}
	var traces []trace
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), filePrefix) || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		traces = append(traces, trace{filepath.Join(dir, e.Name()), info.ModTime()})
	}
	sort.Slice(traces, func(i, j int) bool {
		if traces[i].mod.Equal(traces[j].mod) {
			return traces[i].path > traces[j].path
		}
		return traces[i].mod.After(traces[j].mod)
	})

	out := make([]string, len(traces))
	for i, t := range traces {
		out[i] = t.path
	}
	return out, nil
}

// Read loads every event of a trace file.
func Read(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 64<<20)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return events, fmt.Errorf("%s: %w", path, err)
		}
		events = append(events, e)
	}
	return events, scanner.Err()
}
