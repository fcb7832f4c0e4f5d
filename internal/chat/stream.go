package chat

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"chatd/internal/apperr"
	"chatd/internal/llm"
)

// streamBuffer bounds the token channel; a slow consumer stalls the
// producer rather than dropping fragments.
const streamBuffer = 64

type streamEvent struct {
	token string
	end   bool
}

// stream runs generation on one worker goroutine that pushes decoded
// fragments through a FIFO channel followed by a terminal end event. The
// caller drains the channel, forwards fragments to onToken and joins the
// worker.
func (e *Engine) stream(ctx context.Context, ids []llm.TokenID, gc llm.GenerationConfig, onToken func(string)) (string, int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	events := make(chan streamEvent, streamBuffer)
	g, gctx := errgroup.WithContext(ctx)

	var generated int
	g.Go(func() (err error) {
		defer func() { events <- streamEvent{end: true} }()
		defer func() {
			if rec := recover(); rec != nil {
				err = apperr.New(apperr.ModelError, fmt.Sprintf("panic in stream worker: %v", rec))
			}
		}()
		send := func(frag string) error {
			if frag == "" {
				return nil
			}
			select {
			case events <- streamEvent{token: frag}:
				return nil
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		ts := &textStreamer{tok: e.tok}
		out, err := e.safeGenerate(gctx, ids, gc, func(id llm.TokenID) error {
			frag, err := ts.put(gctx, id)
			if err != nil {
				return err
			}
			return send(frag)
		})
		generated = len(out)
		if err != nil {
			return err
		}
		frag, err := ts.flush(gctx)
		if err != nil {
			return err
		}
		return send(frag)
	})

	// A panicking onToken must not strand the worker: stop it and drain
	// until its end event before unwinding.
	defer func() {
		if rec := recover(); rec != nil {
			cancel()
			go drain(events)
			panic(rec)
		}
	}()

	var b strings.Builder
	for ev := range events {
		if ev.end {
			break
		}
		b.WriteString(ev.token)
		if onToken != nil {
			onToken(ev.token)
		}
	}
	if err := g.Wait(); err != nil {
		return "", generated, err
	}
	return b.String(), generated, nil
}

func drain(events <-chan streamEvent) {
	for ev := range events {
		if ev.end {
			return
		}
	}
}

// textStreamer turns a token stream into printable text deltas. Tokens
// accumulate until a newline completes a line; text ending in an incomplete
// UTF-8 sequence is held back.
type textStreamer struct {
	tok      llm.Tokenizer
	cache    []llm.TokenID
	printLen int
}

func (s *textStreamer) decode(ctx context.Context) (text string, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = apperr.New(apperr.TokenizationError, fmt.Sprintf("panic in Decode: %v", rec))
		}
	}()
	text, err = s.tok.Decode(ctx, s.cache, true)
	return text, apperr.Wrap(apperr.TokenizationError, err)
}

func (s *textStreamer) put(ctx context.Context, id llm.TokenID) (string, error) {
	s.cache = append(s.cache, id)
	text, err := s.decode(ctx)
	if err != nil {
		return "", err
	}
	switch {
	case len(text) < s.printLen:
		return "", nil
	case strings.HasSuffix(text, "\n"):
		frag := text[s.printLen:]
		s.cache = s.cache[:0]
		s.printLen = 0
		return frag, nil
	case strings.HasSuffix(text, "\uFFFD"):
		return "", nil
	default:
		frag := text[s.printLen:]
		s.printLen = len(text)
		return frag, nil
	}
}

// flush returns whatever is still buffered at end of generation.
func (s *textStreamer) flush(ctx context.Context) (string, error) {
	if len(s.cache) == 0 {
		return "", nil
	}
	text, err := s.decode(ctx)
	if err != nil {
		return "", err
	}
	var frag string
	if len(text) > s.printLen {
		frag = text[s.printLen:]
	}
	s.cache = s.cache[:0]
	s.printLen = 0
	return frag, nil
}
