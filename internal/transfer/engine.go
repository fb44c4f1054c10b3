package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/dracoon-go/internal/api"
)

// DefaultConcurrency is the number of chunks moved in parallel.
const DefaultConcurrency = 4

// progressBuffer is the capacity of a Handle's progress channel.
const progressBuffer = 16

// Checkpointer persists a session after each change so that an upload can
// be resumed by a later process. Failures are logged, not fatal.
type Checkpointer interface {
	Checkpoint(ctx context.Context, s *Session) error
}

// Options configures an Engine. Zero values select the defaults.
type Options struct {
	ChunkSize   int64
	Concurrency int
	// OrderedUpload sends chunks one at a time in index order, for
	// services that reject out-of-order parts.
	OrderedUpload bool
	Cipher        Cipher
	Limiter       *BandwidthLimiter
	Observer      Observer
	Checkpointer  Checkpointer
	// Checksum digests ciphertext for integrity checks. Defaults to MD5Hex.
	Checksum func([]byte) string
	Logger   *slog.Logger
}

// Engine runs chunked uploads and downloads against a backend.
type Engine struct {
	uploads   UploadBackend
	downloads DownloadBackend
	opts      Options
	logger    *slog.Logger
}

// NewEngine creates an engine. Either backend may be nil if the engine is
// only used in one direction.
func NewEngine(uploads UploadBackend, downloads DownloadBackend, opts Options) *Engine {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}

	if opts.Cipher == nil {
		opts.Cipher = PlainCipher{}
	}

	if opts.Checksum == nil {
		opts.Checksum = MD5Hex
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Engine{
		uploads:   uploads,
		downloads: downloads,
		opts:      opts,
		logger:    opts.Logger,
	}
}

// NewSession creates an upload session for size bytes using the engine's
// chunk size.
func (e *Engine) NewSession(size int64) (*Session, error) {
	return NewSession(size, e.opts.ChunkSize)
}

// ChunkSize returns the plaintext chunk size new sessions use.
func (e *Engine) ChunkSize() int64 { return e.opts.ChunkSize }

// Handle tracks an upload running in the background.
type Handle struct {
	engine *Engine
	sess   *Session
	sink   *progressSink
	events chan ProgressEvent
	cancel context.CancelCauseFunc
	done   chan struct{}
	err    error
}

// StartUpload begins uploading size bytes from src in the background.
func (e *Engine) StartUpload(ctx context.Context, src io.ReaderAt, size int64) (*Handle, error) {
	sess, err := e.NewSession(size)
	if err != nil {
		return nil, err
	}

	return e.ResumeUpload(ctx, src, sess)
}

// ResumeUpload continues sess in the background, sending only the chunks
// it does not yet have. sess must have been created with this engine's
// chunk size.
func (e *Engine) ResumeUpload(ctx context.Context, src io.ReaderAt, sess *Session) (*Handle, error) {
	if err := e.checkChunkSize(sess); err != nil {
		return nil, err
	}

	if err := sess.acquire(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	events := make(chan ProgressEvent, progressBuffer)

	h := &Handle{
		engine: e,
		sess:   sess,
		events: events,
		sink:   &progressSink{observer: e.opts.Observer, events: events, logger: e.logger},
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		defer cancel(nil)
		defer h.sink.close()
		defer sess.release()

		h.err = e.run(runCtx, src, sess, h.sink)
	}()

	return h, nil
}

// Session returns the session the handle drives.
func (h *Handle) Session() *Session { return h.sess }

// Progress returns a channel of progress events that is closed when the
// upload stops. Events are dropped if the channel is not drained.
func (h *Handle) Progress() <-chan ProgressEvent { return h.events }

// Done is closed when the upload stops.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the upload stops and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Abort stops the upload, waits for in-flight chunks to settle, and
// releases the transfer.
func (h *Handle) Abort(ctx context.Context) error {
	h.cancel(ErrAborted)
	<-h.done

	return h.engine.Abort(ctx, h.sess)
}

// Upload runs sess to completion in the calling goroutine. On failure the
// session is left in StateFailed with its completed chunks intact, and
// calling Upload again resumes it.
func (e *Engine) Upload(ctx context.Context, src io.ReaderAt, sess *Session) error {
	if err := e.checkChunkSize(sess); err != nil {
		return err
	}

	if err := sess.acquire(); err != nil {
		return err
	}
	defer sess.release()

	return e.run(ctx, src, sess, &progressSink{observer: e.opts.Observer, logger: e.logger})
}

func (e *Engine) checkChunkSize(sess *Session) error {
	if sess.ChunkSize() != e.opts.ChunkSize {
		return fmt.Errorf("%w: session %d, engine %d", ErrChunkSizeMismatch, sess.ChunkSize(), e.opts.ChunkSize)
	}

	return nil
}

// Abort moves sess to StateAborted and asks the server to release the
// transfer. A failed server notification is logged only.
func (e *Engine) Abort(ctx context.Context, sess *Session) error {
	if _, err := sess.transition(EventAbort); err != nil {
		return err
	}

	e.checkpoint(ctx, sess)

	id := sess.TransferID()
	if id == "" {
		return nil
	}

	if err := e.uploads.Abort(context.WithoutCancel(ctx), id); err != nil {
		e.logger.Warn("abort notification failed",
			slog.String("transfer_id", id),
			slog.String("error", err.Error()),
		)
	}

	e.logger.Info("upload aborted", slog.String("transfer_id", id))

	return nil
}

func (e *Engine) run(ctx context.Context, src io.ReaderAt, sess *Session, sink *progressSink) error {
	switch sess.State() {
	case StateCompleted:
		return nil
	case StateAborted:
		return ErrAborted
	}

	// A session that failed before the server accepted it has no ID yet.
	if sess.TransferID() == "" {
		size := storedSize(sess.TotalSize(), sess.ChunkSize(), e.opts.Cipher.Overhead())

		id, err := e.uploads.CreateTransfer(ctx, size)
		if err != nil {
			return e.fail(ctx, sess, fmt.Errorf("creating upload: %w", err))
		}

		sess.setTransferID(id)

		e.logger.Info("upload created",
			slog.String("transfer_id", id),
			slog.Int64("size", sess.TotalSize()),
			slog.Int("chunks", sess.ChunkCount()),
		)
	}

	if sess.State() != StateCompleting {
		if _, err := sess.transition(EventStart); err != nil {
			return e.fail(ctx, sess, err)
		}

		e.checkpoint(ctx, sess)

		if err := e.sendMissing(ctx, src, sess, sink); err != nil {
			return e.fail(ctx, sess, err)
		}

		if _, err := sess.transition(EventChunksDone); err != nil {
			return e.fail(ctx, sess, err)
		}

		e.checkpoint(ctx, sess)
	}

	resultID, err := e.uploads.Finalize(ctx, sess.TransferID(), sess.Parts())
	if err != nil {
		return e.fail(ctx, sess, fmt.Errorf("finalizing: %w", err))
	}

	sess.setResultID(resultID)

	if _, err := sess.transition(EventFinalized); err != nil {
		return e.fail(ctx, sess, err)
	}

	e.checkpoint(ctx, sess)

	e.logger.Info("upload completed",
		slog.String("transfer_id", sess.TransferID()),
		slog.String("result_id", resultID),
	)

	return nil
}

// fail records a failed run. Aborted sessions stay aborted; everything else
// moves to StateFailed and can be resumed.
func (e *Engine) fail(ctx context.Context, sess *Session, err error) error {
	if errors.Is(context.Cause(ctx), ErrAborted) || sess.State() == StateAborted {
		return ErrAborted
	}

	if _, tErr := sess.transition(EventFail); tErr != nil {
		e.logger.Warn("cannot mark session failed", slog.String("error", tErr.Error()))
	}

	e.checkpoint(ctx, sess)

	id := sess.TransferID()
	done := sess.ChunkCount() - len(sess.Missing())

	e.logger.Warn("upload failed",
		slog.String("transfer_id", id),
		slog.Int("chunks_done", done),
		slog.Int("chunks", sess.ChunkCount()),
		slog.String("error", err.Error()),
	)

	if ctx.Err() != nil && !errors.Is(err, api.ErrCanceled) {
		err = fmt.Errorf("%w: %w", api.ErrCanceled, err)
	}

	return fmt.Errorf("transfer: upload %s (%d/%d chunks): %w", id, done, sess.ChunkCount(), err)
}

// sendMissing reads, encrypts and uploads every missing chunk. The reader
// runs in the calling goroutine and hands each finished chunk to a worker;
// at most Concurrency chunks are in flight.
func (e *Engine) sendMissing(ctx context.Context, src io.ReaderAt, sess *Session, sink *progressSink) error {
	missing := sess.Missing()
	if len(missing) == 0 {
		return nil
	}

	workers := e.opts.Concurrency
	if e.opts.OrderedUpload {
		workers = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)

	// Requests already on the wire are left to finish when the group is
	// canceled; only retries and new chunks stop.
	reqCtx := api.WithInterrupt(context.WithoutCancel(gctx), gctx.Done())

	var readErr error

	for _, idx := range missing {
		if err := gctx.Err(); err != nil {
			break
		}

		c, err := e.readChunk(src, sess, idx)
		if err != nil {
			readErr = err
			break
		}

		g.Go(func() error {
			return e.sendChunk(gctx, reqCtx, sess, c, sink)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	if readErr != nil {
		return readErr
	}

	return ctx.Err()
}

func (e *Engine) readChunk(src io.ReaderAt, sess *Session, idx int) (Chunk, error) {
	offset, length := chunkBounds(idx, sess.TotalSize(), sess.ChunkSize())

	plain := make([]byte, length)
	if _, err := io.ReadFull(io.NewSectionReader(src, offset, length), plain); err != nil {
		return Chunk{}, fmt.Errorf("reading chunk %d at offset %d: %w", idx, offset, err)
	}

	ct, err := e.opts.Cipher.EncryptChunk(plain, ChunkContext{
		Index:  idx,
		Offset: offset,
		Last:   idx == sess.ChunkCount()-1,
	})
	if err != nil {
		return Chunk{}, fmt.Errorf("encrypting chunk %d: %w", idx, err)
	}

	return Chunk{
		Index:        idx,
		Offset:       offset,
		PlaintextLen: length,
		Ciphertext:   ct,
		Checksum:     e.opts.Checksum(ct),
	}, nil
}

func (e *Engine) sendChunk(ctx, reqCtx context.Context, sess *Session, c Chunk, sink *progressSink) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.opts.Limiter.Wait(ctx, len(c.Ciphertext)); err != nil {
		return err
	}

	receipt, err := e.uploads.UploadChunk(reqCtx, sess.TransferID(), c)
	if err != nil {
		return fmt.Errorf("chunk %d: %w", c.Index, err)
	}

	done, err := sess.markCompleted(c.Index, receipt)
	if err != nil {
		return err
	}

	e.logger.Debug("chunk uploaded",
		slog.String("transfer_id", sess.TransferID()),
		slog.Int("index", c.Index),
		slog.Int64("bytes", c.PlaintextLen),
	)

	e.checkpoint(ctx, sess)

	sink.emit(ProgressEvent{TransferID: sess.TransferID(), Bytes: done, Total: sess.TotalSize()})

	return nil
}

func (e *Engine) checkpoint(ctx context.Context, sess *Session) {
	if e.opts.Checkpointer == nil {
		return
	}

	if err := e.opts.Checkpointer.Checkpoint(context.WithoutCancel(ctx), sess); err != nil {
		e.logger.Warn("session checkpoint failed",
			slog.String("transfer_id", sess.TransferID()),
			slog.String("error", err.Error()),
		)
	}
}
