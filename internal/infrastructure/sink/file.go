package sink

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/davidleathers/guardian-core/internal/domain/activity"
)

// FileSink stores events as JSON lines and fsyncs after every append. An
// index of line offsets is rebuilt on open so pages can be read by seeking.
type FileSink struct {
	logger *zap.Logger

	mu      sync.RWMutex
	f       *os.File
	size    int64
	seqs    []uint64
	offsets []int64
}

// OpenFileSink opens or creates the log file at path. A torn final line
// left by a crash mid-write is truncated away.
func OpenFileSink(path string, logger *zap.Logger) (*FileSink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open activity file: %w", err)
	}

	s := &FileSink{logger: logger.Named("filesink"), f: f}
	if err := s.rebuildIndex(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return s, nil
}

func (s *FileSink) rebuildIndex() error {
	if _, err := s.f.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("seek activity file: %w", err)
	}
	r := bufio.NewReader(s.f)
	var offset int64
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			var ev activity.Event
			if jerr := json.Unmarshal(bytes.TrimSpace(line), &ev); jerr != nil {
				return fmt.Errorf("corrupt activity record at offset %d: %w", offset, jerr)
			}
			s.seqs = append(s.seqs, ev.Sequence)
			s.offsets = append(s.offsets, offset)
			offset += int64(len(line))
			continue
		}
		if err == io.EOF {
			if len(line) > 0 {
				s.logger.Warn("truncating torn activity record",
					zap.Int64("offset", offset),
					zap.Int("bytes", len(line)),
				)
				if terr := s.f.Truncate(offset); terr != nil {
					return fmt.Errorf("truncate torn record: %w", terr)
				}
			}
			break
		}
		if err != nil {
			return fmt.Errorf("read activity file: %w", err)
		}
	}
	s.size = offset
	return nil
}

func (s *FileSink) Append(ctx context.Context, event activity.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode activity event: %w", err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.seqs); n > 0 && event.Sequence <= s.seqs[n-1] {
		return fmt.Errorf("out of order append: sequence %d after %d", event.Sequence, s.seqs[n-1])
	}
	if _, err := s.f.WriteAt(line, s.size); err != nil {
		// drop any partial bytes so the next append starts on a clean line
		_ = s.f.Truncate(s.size)
		return fmt.Errorf("write activity event: %w", err)
	}
	if err := s.f.Sync(); err != nil {
		_ = s.f.Truncate(s.size)
		return fmt.Errorf("sync activity file: %w", err)
	}
	s.seqs = append(s.seqs, event.Sequence)
	s.offsets = append(s.offsets, s.size)
	s.size += int64(len(line))
	return nil
}

func (s *FileSink) ReadPage(ctx context.Context, after uint64, limit int) ([]activity.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.seqs), func(i int) bool { return s.seqs[i] > after })
	if start == len(s.seqs) {
		return nil, nil
	}
	end := len(s.seqs)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	stop := s.size
	if end < len(s.offsets) {
		stop = s.offsets[end]
	}

	r := bufio.NewReader(io.NewSectionReader(s.f, s.offsets[start], stop-s.offsets[start]))
	out := make([]activity.Event, 0, end-start)
	dec := json.NewDecoder(r)
	for i := start; i < end; i++ {
		var ev activity.Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("decode activity record %d: %w", s.seqs[i], err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *FileSink) LastSequence(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.seqs) == 0 {
		return 0, nil
	}
	return s.seqs[len(s.seqs)-1], nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.f.Close()
}
