// Package audio plays synthesized speech on a local output device.
package audio

import (
	"context"
	"errors"
	"io"
	"sync"
)

// Output plays an audio byte stream to completion.
type Output interface {
	// Play consumes r until EOF and returns once playback has drained.
	// onStart is invoked once, when the first audio reaches the device.
	// Cancelling ctx stops playback immediately and returns ctx.Err().
	Play(ctx context.Context, r io.Reader, onStart func()) error

	// SupportsStreaming reports whether Play can begin before r is complete.
	SupportsStreaming() bool
}

// startReader fires onStart on the first successful non-empty read.
type startReader struct {
	r       io.Reader
	once    sync.Once
	onStart func()
}

func newStartReader(r io.Reader, onStart func()) *startReader {
	return &startReader{r: r, onStart: onStart}
}

func (s *startReader) Read(p []byte) (int, error) {
	n, err := s.r.Read(p)
	if n > 0 && s.onStart != nil {
		s.once.Do(s.onStart)
	}
	return n, err
}

// Discard is an Output that consumes audio without producing sound.
type Discard struct{}

func (Discard) SupportsStreaming() bool { return true }

func (Discard) Play(ctx context.Context, r io.Reader, onStart func()) error {
	sr := newStartReader(r, onStart)
	done := make(chan error, 1)
	go func() {
		_, err := io.Copy(io.Discard, sr)
		done <- err
	}()
	select {
	case err := <-done:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
