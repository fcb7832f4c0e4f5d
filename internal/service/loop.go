package service

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"

	"chatd/internal/apperr"
)

// maxLineBytes bounds a single input line.
const maxLineBytes = 64 << 20

// errOutput marks failures writing to the output stream; they end Serve.
var errOutput = errors.New("write response")

// Serve reads one JSON command per line from r and writes one JSON response
// per command to w until r reaches EOF or ctx ends. Commands run one at a
// time on the calling goroutine. Only read and write failures are returned.
func (s *Service) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	out := &lineWriter{w: w}
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
		close(lines)
	}()

	s.log.Info().Msg("service ready; waiting for commands on stdin")
	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("shutdown requested")
			return nil
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; err != nil {
					return apperr.Wrapf(apperr.IoError, err, "read command")
				}
				s.log.Info().Msg("input closed")
				return nil
			}
			if err := s.handleLine(ctx, line, out); err != nil {
				return err
			}
		}
	}
}

// handleLine answers one input line. It returns an error only when the
// response could not be written.
func (s *Service) handleLine(ctx context.Context, line []byte, out *lineWriter) error {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil
	}
	reqID := uuid.NewString()
	log := s.log.With().Str("req_id", reqID).Logger()

	req, err := decodeRequest(line)
	if err != nil {
		log.Warn().Err(err).Msg("malformed command")
		s.metrics.observe("invalid", 0, err)
		return s.finish(out.fail(req.ID, err))
	}

	log = log.With().Str("method", req.Method).Logger()
	log.Debug().Msg("command received")
	start := time.Now()
	result, err := s.dispatch(log.WithContext(ctx), req, out)
	dur := time.Since(start)
	s.metrics.observe(metricMethod(req.Method), dur, err)
	if errors.Is(err, errOutput) {
		return err
	}
	if err != nil {
		log.Warn().Err(err).Int64("dur_ms", dur.Milliseconds()).Msg("command failed")
		return s.finish(out.fail(req.ID, err))
	}
	log.Info().Int64("dur_ms", dur.Milliseconds()).Msg("command done")
	return s.finish(out.result(req.ID, result))
}

func (s *Service) finish(writeErr error) error {
	if err := s.metrics.Flush(); err != nil {
		s.log.Warn().Err(err).Msg("write metrics textfile")
	}
	if writeErr != nil {
		return errors.Join(errOutput, writeErr)
	}
	return nil
}

// metricMethod keeps label cardinality bounded.
func metricMethod(m string) string {
	switch m {
	case MethodInitialize, MethodChat, MethodListModels, MethodStatus, MethodSetSystemPrompt, MethodClearHistory:
		return m
	default:
		return "unknown"
	}
}
