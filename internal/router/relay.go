package router

import (
	"context"
	"io"
)

// forwardError is a failure talking to the selected peer.
type forwardError struct {
	stage string // encode, connect, status or stream
	err   error
}

func (e *forwardError) Error() string { return "forward " + e.stage + ": " + e.err.Error() }
func (e *forwardError) Unwrap() error { return e.err }

// sinkError is a failure writing to the original caller. It is never
// answered with a local fallback.
type sinkError struct {
	err error
}

func (e *sinkError) Error() string { return "write response: " + e.err.Error() }
func (e *sinkError) Unwrap() error { return e.err }

// relay copies src into sink chunk by chunk through a one-slot channel. The
// reader stays at most one chunk ahead of the writer, so a slow sink slows
// down reads from src. cancel aborts the upstream read when the sink fails.
func relay(ctx context.Context, cancel context.CancelFunc, src io.Reader, sink Sink, chunkSize int) (bool, error) {
	chunks := make(chan []byte, 1)
	readErr := make(chan error, 1)

	go func() {
		defer close(chunks)
		for {
			buf := make([]byte, chunkSize)
			n, err := src.Read(buf)
			if n > 0 {
				select {
				case chunks <- buf[:n]:
				case <-ctx.Done():
					readErr <- ctx.Err()
					return
				}
			}
			if err == io.EOF {
				readErr <- nil
				return
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	relayed := false
	for chunk := range chunks {
		if _, err := sink.Write(chunk); err != nil {
			cancel()
			for range chunks {
			}
			return relayed, &sinkError{err: err}
		}
		sink.Flush()
		relayed = true
	}

	if err := <-readErr; err != nil {
		return relayed, &forwardError{stage: "stream", err: err}
	}
	return relayed, nil
}
