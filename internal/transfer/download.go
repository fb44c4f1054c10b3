package transfer

import (
	"context"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/tonimelisma/dracoon-go/internal/api"
)

// maxFetchAttempts bounds how often a chunk that fails verification is
// fetched before giving up.
const maxFetchAttempts = 2

type plannedChunk struct {
	index  int
	offset int64 // stored offset
	length int64 // stored length
	last   bool
}

type fetchResult struct {
	data []byte
	err  error
}

// Download streams the plaintext of id in order. Each chunk is verified
// against the server checksum, re-fetched once on mismatch, and decrypted
// before it is yielded. With an unordered cipher, up to Concurrency chunks
// are fetched ahead of the consumer.
func (e *Engine) Download(ctx context.Context, id string) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		info, err := e.downloads.OpenDownload(ctx, id)
		if err != nil {
			yield(nil, fmt.Errorf("transfer: opening download %s: %w", id, err))
			return
		}

		plan := e.planDownload(info.Size)

		e.logger.Info("download started",
			slog.String("id", id),
			slog.Int64("size", info.Size),
			slog.Int("chunks", len(plan)),
		)

		var (
			sink  = &progressSink{observer: e.opts.Observer, logger: e.logger}
			total = info.Size - int64(len(plan))*int64(e.opts.Cipher.Overhead())
			done  int64
		)

		emit := func(plain []byte) bool {
			done += int64(len(plain))
			sink.emit(ProgressEvent{TransferID: id, Bytes: done, Total: total})

			return yield(plain, nil)
		}

		if e.opts.Cipher.Ordered() || e.opts.Concurrency <= 1 {
			for _, pc := range plan {
				plain, err := e.fetchChunk(ctx, id, pc)
				if err != nil {
					yield(nil, err)
					return
				}

				if !emit(plain) {
					return
				}
			}

			return
		}

		e.prefetch(ctx, id, plan, emit, yield)
	}
}

// prefetch keeps a window of Concurrency fetches running ahead of the
// consumer and yields their results in index order.
func (e *Engine) prefetch(ctx context.Context, id string, plan []plannedChunk,
	emit func([]byte) bool, yield func([]byte, error) bool,
) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	window := make([]chan fetchResult, 0, e.opts.Concurrency)
	next := 0

	start := func() {
		pc := plan[next]
		next++

		ch := make(chan fetchResult, 1)
		window = append(window, ch)

		go func() {
			data, err := e.fetchChunk(ctx, id, pc)
			ch <- fetchResult{data: data, err: err}
		}()
	}

	for next < len(plan) && len(window) < e.opts.Concurrency {
		start()
	}

	for len(window) > 0 {
		var res fetchResult

		select {
		case res = <-window[0]:
		case <-ctx.Done():
			yield(nil, fmt.Errorf("%w: %w", api.ErrCanceled, ctx.Err()))
			return
		}

		window = window[1:]

		if res.err != nil {
			yield(nil, res.err)
			return
		}

		if next < len(plan) {
			start()
		}

		if !emit(res.data) {
			return
		}
	}
}

func (e *Engine) planDownload(stored int64) []plannedChunk {
	if stored <= 0 {
		return nil
	}

	step := e.opts.ChunkSize + int64(e.opts.Cipher.Overhead())
	n := int((stored + step - 1) / step)
	plan := make([]plannedChunk, n)

	for i := range n {
		offset, length := chunkBounds(i, stored, step)
		plan[i] = plannedChunk{index: i, offset: offset, length: length, last: i == n-1}
	}

	return plan
}

// fetchChunk downloads, verifies and decrypts one chunk.
func (e *Engine) fetchChunk(ctx context.Context, id string, pc plannedChunk) ([]byte, error) {
	var lastErr error

	for attempt := range maxFetchAttempts {
		if err := e.opts.Limiter.Wait(ctx, int(pc.length)); err != nil {
			return nil, fmt.Errorf("%w: %w", api.ErrCanceled, err)
		}

		cd, err := e.downloads.FetchChunk(ctx, id, pc.offset, pc.length)
		if err != nil {
			return nil, fmt.Errorf("transfer: chunk %d of %s: %w", pc.index, id, err)
		}

		lastErr = e.verify(cd, pc)
		if lastErr == nil {
			plain, err := e.opts.Cipher.DecryptChunk(cd.Data, ChunkContext{
				Index:  pc.index,
				Offset: int64(pc.index) * e.opts.ChunkSize,
				Last:   pc.last,
			})
			if err != nil {
				return nil, fmt.Errorf("transfer: decrypting chunk %d of %s: %w", pc.index, id, err)
			}

			return plain, nil
		}

		e.logger.Warn("chunk failed verification",
			slog.String("id", id),
			slog.Int("index", pc.index),
			slog.Int("attempt", attempt+1),
			slog.String("error", lastErr.Error()),
		)
	}

	return nil, fmt.Errorf("transfer: chunk %d of %s: %w", pc.index, id, lastErr)
}

func (e *Engine) verify(cd ChunkData, pc plannedChunk) error {
	if int64(len(cd.Data)) != pc.length {
		return fmt.Errorf("%w: got %d bytes, want %d", api.ErrIntegrity, len(cd.Data), pc.length)
	}

	if cd.Checksum == "" {
		return nil
	}

	if got := e.opts.Checksum(cd.Data); !strings.EqualFold(got, cd.Checksum) {
		return fmt.Errorf("%w: checksum %s, server says %s", api.ErrIntegrity, got, cd.Checksum)
	}

	return nil
}

// DownloadTo writes the plaintext of id to w and returns the bytes written.
func (e *Engine) DownloadTo(ctx context.Context, id string, w io.Writer) (int64, error) {
	var n int64

	for chunk, err := range e.Download(ctx, id) {
		if err != nil {
			return n, err
		}

		written, err := w.Write(chunk)
		n += int64(written)

		if err != nil {
			return n, fmt.Errorf("transfer: writing %s: %w", id, err)
		}
	}

	return n, nil
}
