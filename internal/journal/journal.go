// Package journal is a file-backed saga run store for deployments without Postgres.
package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"orderflow/internal/saga"
)

// Journal appends every saved run as a JSON line and fsyncs before returning.
// The latest line per run wins on reload.
type Journal struct {
	mu    sync.Mutex
	f     *os.File
	index *saga.MemoryStore
	state map[string]saga.State
}

// Open replays path into memory and opens it for appending.
func Open(path string) (*Journal, error) {
	j := &Journal{
		index: saga.NewMemoryStore(),
		state: make(map[string]saga.State),
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	good, err := j.replay(f, path)
	if err == nil {
		// Drop a torn final line left by a crash mid-write; that save never returned.
		err = f.Truncate(good)
	}
	if err == nil {
		_, err = f.Seek(good, io.SeekStart)
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	j.f = f
	return j, nil
}

// replay loads every complete line and returns the offset just past the last one.
func (j *Journal) replay(f *os.File, path string) (int64, error) {
	r := bufio.NewReader(f)
	ctx := context.Background()
	var offset int64
	for line := 1; ; line++ {
		raw, err := r.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			return offset, nil
		}
		if err != nil {
			return 0, err
		}
		var run saga.Run
		if err := json.Unmarshal(raw, &run); err != nil {
			return 0, fmt.Errorf("journal %s line %d: %w", path, line, err)
		}
		offset += int64(len(raw))
		if j.state[run.ID].Terminal() {
			continue
		}
		j.state[run.ID] = run.State
		if err := j.index.Save(ctx, &run); err != nil {
			return 0, err
		}
	}
}

// Save appends run. Saves of a run already recorded as terminal are ignored.
func (j *Journal) Save(ctx context.Context, run *saga.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run %s: %w", run.ID, err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.state[run.ID].Terminal() {
		return nil
	}
	n, err := j.f.Write(append(data, '\n'))
	if err != nil {
		return err
	}
	if n != len(data)+1 {
		return fmt.Errorf("partial write: wrote %d of %d bytes", n, len(data)+1)
	}
	if err := j.f.Sync(); err != nil {
		return err
	}
	j.state[run.ID] = run.State
	return j.index.Save(context.WithoutCancel(ctx), run)
}

func (j *Journal) Latest(ctx context.Context, orderID string) (*saga.Run, error) {
	return j.index.Latest(ctx, orderID)
}

func (j *Journal) List(ctx context.Context, state saga.State, limit int) ([]*saga.Run, error) {
	return j.index.List(ctx, state, limit)
}

// Close releases the underlying file handle.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}
