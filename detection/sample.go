// Nightguard
// Copyright (c) 2025, DCSO GmbH

package detection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
)

// ErrReadTimeout is returned when a sample could not be read in time.
var ErrReadTimeout = errors.New("sample read timed out")

type sampleResult struct {
	data []byte
	err  error
}

// ReadSample reads up to size bytes from the head of the file at path. A
// read error after the file was opened is not returned: whatever bytes were
// obtained make up the window. Open failures are returned. The read is
// abandoned when timeout elapses or ctx is done; the reading goroutine then
// finishes on its own.
func ReadSample(ctx context.Context, path string, size int, timeout time.Duration) ([]byte, error) {
	if size <= 0 {
		size = DefaultWindowSize
	}
	done := make(chan sampleResult, 1)
	go func() {
		data, err := readHead(path, size)
		done <- sampleResult{data: data, err: err}
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case res := <-done:
		return res.data, res.err
	case <-timer:
		return nil, fmt.Errorf("%s: %w", path, ErrReadTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func readHead(path string, size int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	buf := make([]byte, size)
	n, err := io.ReadFull(f, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		log.Debugf("partial read of %s (%d bytes): %s", path, n, err)
	}
	return buf[:n], nil
}

// ReadSample reads the sample window of path using the pipeline's window
// size and read timeout.
func (p *Pipeline) ReadSample(ctx context.Context, path string) ([]byte, error) {
	return ReadSample(ctx, path, p.cfg.WindowSize, p.cfg.ReadTimeout)
}
