// Package recorder captures terminal session traffic as asciinema v2 cast
// files, one per session. Recording is optional; a nil *Recorder disables it
// everywhere.
package recorder

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// castHeader is the asciinema v2 header line.
type castHeader struct {
	Version   int   `json:"version"`
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Timestamp int64 `json:"timestamp"`
}

// cast is one recording in progress. Events are JSON lines of the form
// [offset_seconds, "o"|"i", data].
type cast struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
	start  time.Time
}

func (c *cast) writeEvent(kind string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	line, err := json.Marshal([]any{time.Since(c.start).Seconds(), kind, string(data)})
	if err != nil {
		return err
	}
	_, err = c.w.Write(append(line, '\n'))
	return err
}

func (c *cast) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closer != nil {
		return c.closer.Close()
	}
	return nil
}

// Recorder manages one cast file per recorded session.
type Recorder struct {
	dir string
	log *zap.Logger

	mu    sync.Mutex
	casts map[string]*cast
}

// New creates a Recorder writing <dir>/<session-id>.cast files.
func New(dir string, log *zap.Logger) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create recording directory: %w", err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		dir:   dir,
		log:   log,
		casts: make(map[string]*cast),
	}, nil
}

// Start opens a cast file for a session and writes the header. Starting an
// already-recording session restarts its cast.
func (r *Recorder) Start(id string, cols, rows uint16) error {
	if r == nil {
		return nil
	}

	file, err := os.Create(filepath.Join(r.dir, id+".cast"))
	if err != nil {
		return fmt.Errorf("failed to create cast file: %w", err)
	}

	c := &cast{w: file, closer: file, start: time.Now()}
	header, err := json.Marshal(castHeader{
		Version:   2,
		Width:     int(cols),
		Height:    int(rows),
		Timestamp: c.start.Unix(),
	})
	if err != nil {
		file.Close()
		return err
	}
	if _, err := file.Write(append(header, '\n')); err != nil {
		file.Close()
		return err
	}

	r.mu.Lock()
	if old, ok := r.casts[id]; ok {
		old.close()
	}
	r.casts[id] = c
	r.mu.Unlock()
	return nil
}

// Output records process output for a session. Unknown ids are ignored.
func (r *Recorder) Output(id string, data []byte) {
	r.record(id, "o", data)
}

// Input records client keystrokes for a session.
func (r *Recorder) Input(id string, data []byte) {
	r.record(id, "i", data)
}

func (r *Recorder) record(id, kind string, data []byte) {
	if r == nil {
		return
	}
	r.mu.Lock()
	c := r.casts[id]
	r.mu.Unlock()
	if c == nil {
		return
	}
	if err := c.writeEvent(kind, data); err != nil {
		r.log.Warn("failed to record event", zap.String("id", id), zap.Error(err))
	}
}

// Stop closes the cast for a session, keeping the file.
func (r *Recorder) Stop(id string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	c := r.casts[id]
	delete(r.casts, id)
	r.mu.Unlock()
	if c != nil {
		if err := c.close(); err != nil {
			r.log.Warn("failed to close cast", zap.String("id", id), zap.Error(err))
		}
	}
}

// Close stops every recording in progress.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.mu.Lock()
	casts := r.casts
	r.casts = make(map[string]*cast)
	r.mu.Unlock()
	for _, c := range casts {
		c.close()
	}
}
