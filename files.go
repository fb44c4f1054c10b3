package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/dracoon-go/internal/api"
	"github.com/tonimelisma/dracoon-go/internal/config"
	"github.com/tonimelisma/dracoon-go/internal/dracoon"
	"github.com/tonimelisma/dracoon-go/internal/transfer"
)

const partialSuffix = ".partial"

func newLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls [path]",
		Short: "List rooms, folders and files",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runLs,
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <remote-path> [local-path]",
		Short: "Download a file",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runGet,
	}
}

func newPutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "put <local-path> <remote-path>",
		Short: "Upload a file (resumable)",
		Long: `Upload a file to a room or folder.

remote-path is either an existing room or folder, in which case the local
file name is kept, or the full path of the new file. An interrupted upload
is resumed by running the same command again.`,
		Args: cobra.ExactArgs(2),
		RunE: runPut,
	}
}

// cleanRemotePath strips leading/trailing slashes, returns "" for root.
func cleanRemotePath(path string) string {
	return strings.Trim(path, "/")
}

// splitParentAndName splits "a/b/c" into ("a/b", "c").
func splitParentAndName(path string) (string, string) {
	clean := cleanRemotePath(path)
	idx := strings.LastIndex(clean, "/")

	if idx < 0 {
		return "", clean
	}

	return clean[:idx], clean[idx+1:]
}

func runLs(cmd *cobra.Command, args []string) error {
	remotePath := "/"
	if len(args) > 0 {
		remotePath = args[0]
	}

	ctx := cmd.Context()

	sess, err := openSession()
	if err != nil {
		return err
	}

	sess.logger.Debug("ls", "path", remotePath)

	node, err := sess.dracoon.ResolvePath(ctx, remotePath)
	if err != nil {
		return err
	}

	nodes := []dracoon.Node{*node}

	if node.IsContainer() {
		nodes, err = sess.dracoon.Children(node.ID, api.ListParams{}).Collect(ctx)
		if err != nil {
			return fmt.Errorf("listing %q: %w", remotePath, err)
		}
	}

	if flagJSON {
		return printNodesJSON(nodes)
	}

	printNodesTable(nodes)

	return nil
}

// lsJSONItem is the JSON output schema for a single node in ls output.
type lsJSONItem struct {
	ID         uint64 `json:"id"`
	Name       string `json:"name"`
	Type       string `json:"type"`
	Size       int64  `json:"size"`
	Encrypted  bool   `json:"encrypted"`
	ModifiedAt string `json:"modified_at,omitempty"`
}

func printNodesJSON(nodes []dracoon.Node) error {
	out := make([]lsJSONItem, 0, len(nodes))

	for i := range nodes {
		item := lsJSONItem{
			ID:        nodes[i].ID,
			Name:      nodes[i].Name,
			Type:      string(nodes[i].Type),
			Size:      nodes[i].Size,
			Encrypted: nodes[i].IsEncrypted,
		}

		if mt := nodes[i].ModTime(); !mt.IsZero() {
			item.ModifiedAt = mt.UTC().Format(time.RFC3339)
		}

		out = append(out, item)
	}

	return printJSON(out)
}

// printNodesTable prints containers first, then files, each alphabetical.
func printNodesTable(nodes []dracoon.Node) {
	slices.SortFunc(nodes, func(a, b dracoon.Node) int {
		if a.IsContainer() != b.IsContainer() {
			if a.IsContainer() {
				return -1
			}

			return 1
		}

		return strings.Compare(a.Name, b.Name)
	})

	headers := []string{"NAME", "TYPE", "SIZE", "MODIFIED"}
	rows := make([][]string, 0, len(nodes))

	for i := range nodes {
		name := nodes[i].Name
		if nodes[i].IsContainer() {
			name += "/"
		}

		rows = append(rows, []string{
			name, string(nodes[i].Type), formatSize(nodes[i].Size), formatTime(nodes[i].ModTime()),
		})
	}

	printTable(os.Stdout, headers, rows)
}

// engineOptions maps the resolved transfer settings onto engine options.
func engineOptions(cfg *config.Resolved, logger *slog.Logger, observer transfer.Observer) transfer.Options {
	return transfer.Options{
		ChunkSize:     cfg.ChunkSize,
		Concurrency:   cfg.Concurrency,
		OrderedUpload: cfg.OrderedUpload,
		Limiter:       transfer.NewBandwidthLimiter(cfg.BandwidthLimit, logger),
		Observer:      observer,
		Logger:        logger,
	}
}

// transferJSON is the JSON output schema for get and put.
type transferJSON struct {
	ID    string `json:"id"`
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

func runGet(cmd *cobra.Command, args []string) error {
	remotePath := args[0]
	ctx := cmd.Context()

	sess, err := openSession()
	if err != nil {
		return err
	}

	node, err := sess.dracoon.ResolvePath(ctx, remotePath)
	if err != nil {
		return err
	}

	if node.IsContainer() {
		return fmt.Errorf("%q is a %s, not a file", remotePath, node.Type)
	}

	if err := node.CheckUnencrypted(); err != nil {
		return err
	}

	localPath := node.Name
	if len(args) > 1 {
		localPath = args[1]
	}

	if fi, statErr := os.Stat(localPath); statErr == nil && fi.IsDir() {
		localPath = filepath.Join(localPath, node.Name)
	}

	sess.logger.Debug("get", "remote_path", remotePath, "local_path", localPath, "size", node.Size)

	id := strconv.FormatUint(node.ID, 10)
	observer, finish := newProgressObserver("Downloading")
	engine := transfer.NewEngine(nil, sess.dracoon.NewDownloader(), engineOptions(resolvedCfg, sess.logger, observer))

	n, err := downloadToFile(ctx, engine, id, localPath)
	finish()

	if err != nil {
		return fmt.Errorf("downloading %q: %w", remotePath, err)
	}

	if mt := node.ModTime(); !mt.IsZero() {
		if err := os.Chtimes(localPath, mt, mt); err != nil {
			sess.logger.Warn("failed to set modification time", "path", localPath, "error", err)
		}
	}

	if flagJSON {
		return printJSON(transferJSON{ID: id, Path: localPath, Bytes: n})
	}

	statusf("Downloaded %s (%s)\n", localPath, formatSize(n))

	return nil
}

// downloadToFile writes to a .partial file next to localPath and renames it
// into place only after every chunk verified.
func downloadToFile(ctx context.Context, engine *transfer.Engine, id, localPath string) (int64, error) {
	partialPath := localPath + partialSuffix

	f, err := os.Create(partialPath)
	if err != nil {
		return 0, fmt.Errorf("creating partial file: %w", err)
	}

	n, err := engine.DownloadTo(ctx, id, f)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}

	if err != nil {
		os.Remove(partialPath)
		return n, err
	}

	if err := os.Rename(partialPath, localPath); err != nil {
		os.Remove(partialPath)
		return n, fmt.Errorf("renaming partial file: %w", err)
	}

	return n, nil
}

func runPut(cmd *cobra.Command, args []string) error {
	localPath, remotePath := args[0], args[1]
	ctx := cmd.Context()

	fi, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("stating local file: %w", err)
	}

	if fi.IsDir() {
		return fmt.Errorf("%q is a directory, not a file", localPath)
	}

	absLocal, err := filepath.Abs(localPath)
	if err != nil {
		return fmt.Errorf("resolving local path: %w", err)
	}

	sess, err := openSession()
	if err != nil {
		return err
	}

	parent, name, err := resolveUploadTarget(ctx, sess.dracoon, remotePath, filepath.Base(localPath))
	if err != nil {
		return err
	}

	strategy, err := dracoon.ParseResolutionStrategy(resolvedCfg.ResolutionStrategy)
	if err != nil {
		return err
	}

	uploader, err := sess.dracoon.NewUploader(dracoon.UploadTarget{
		ParentID:   parent.ID,
		Name:       name,
		Resolution: strategy,
		ModifiedAt: fi.ModTime(),
	})
	if err != nil {
		return err
	}

	store, err := transfer.OpenSessionStore(ctx, resolvedCfg.SessionDB, sess.logger)
	if err != nil {
		return err
	}
	defer store.Close()

	if _, err := store.CleanStale(ctx, resolvedCfg.SessionMaxAge); err != nil {
		sess.logger.Warn("failed to clean stale upload sessions", "error", err)
	}

	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening local file: %w", err)
	}
	defer f.Close()

	job := uploadJob{
		store:       store,
		key:         transfer.SessionKey(serverRoot(resolvedCfg.BaseURL), strconv.FormatUint(parent.ID, 10), name, absLocal),
		fingerprint: fileFingerprint(fi),
		size:        fi.Size(),
		logger:      sess.logger,
	}

	sess.logger.Debug("put", "local_path", localPath, "parent_id", parent.ID, "name", name, "size", fi.Size())

	observer, finish := newProgressObserver("Uploading")
	opts := engineOptions(resolvedCfg, sess.logger, observer)
	opts.Checkpointer = store.Checkpointer(job.key, job.fingerprint)

	upload, err := job.run(ctx, transfer.NewEngine(uploader, nil, opts), f)
	finish()

	if err != nil {
		if upload != nil && !upload.State().Terminal() {
			statusf("Upload session saved. Re-run the same command to resume.\n")
		}

		return fmt.Errorf("uploading %q: %w", localPath, err)
	}

	if flagJSON {
		return printJSON(transferJSON{ID: upload.ResultID(), Path: cleanRemotePath(remotePath), Bytes: fi.Size()})
	}

	statusf("Uploaded %s (%s)\n", name, formatSize(fi.Size()))

	return nil
}

// resolveUploadTarget returns the container an upload lands in and the file
// name to use. remotePath may name an existing container or the new file.
func resolveUploadTarget(
	ctx context.Context, c *dracoon.Client, remotePath, localName string,
) (*dracoon.Node, string, error) {
	var parent *dracoon.Node

	name := localName

	node, err := c.ResolvePath(ctx, remotePath)

	switch {
	case err == nil && node.IsContainer():
		parent = node
	case err == nil || errors.Is(err, api.ErrNotFound):
		var parentPath string

		parentPath, name = splitParentAndName(remotePath)

		parent, err = c.ResolvePath(ctx, parentPath)
		if err != nil {
			return nil, "", err
		}

		if !parent.IsContainer() {
			return nil, "", fmt.Errorf("%q is not a room or folder", parentPath)
		}
	default:
		return nil, "", err
	}

	// ID 0 is the virtual top level, which only holds rooms.
	if parent.ID == 0 {
		return nil, "", fmt.Errorf("files cannot be uploaded to the top level; name a room in %q", remotePath)
	}

	if err := parent.CheckUnencrypted(); err != nil {
		return nil, "", err
	}

	return parent, name, nil
}

// fileFingerprint identifies a version of a local file. A saved session is
// only resumed while the fingerprint is unchanged.
func fileFingerprint(fi os.FileInfo) string {
	return fmt.Sprintf("%d:%d", fi.Size(), fi.ModTime().UnixNano())
}

// uploadJob resumes or starts one upload and keeps its saved session in
// step with the outcome.
type uploadJob struct {
	store       *transfer.SessionStore
	key         string
	fingerprint string
	size        int64
	logger      *slog.Logger
}

// run resumes the saved session when it still matches the file, and falls
// back to a fresh upload when it does not or when the server no longer
// knows the saved transfer. It returns the session that ran.
func (j uploadJob) run(ctx context.Context, engine *transfer.Engine, src io.ReaderAt) (*transfer.Session, error) {
	saved, err := j.resumable(ctx, engine)
	if err != nil {
		return nil, err
	}

	if saved != nil {
		statusf("Resuming upload (%d of %d chunks already sent)\n", len(saved.Parts()), saved.ChunkCount())

		err := engine.Upload(ctx, src, saved)
		if err == nil {
			j.forget(ctx)
			return saved, nil
		}

		if !errors.Is(err, api.ErrNotFound) {
			return saved, err
		}

		j.logger.Info("saved upload expired on the server, starting over", "transfer_id", saved.TransferID())
		j.forget(ctx)
	}

	sess, err := engine.NewSession(j.size)
	if err != nil {
		return nil, err
	}

	if err := engine.Upload(ctx, src, sess); err != nil {
		return sess, err
	}

	j.forget(ctx)

	return sess, nil
}

// resumable loads the saved session for the job, discarding it when the
// file changed or the chunk size differs. Returns nil when there is
// nothing to resume.
func (j uploadJob) resumable(ctx context.Context, engine *transfer.Engine) (*transfer.Session, error) {
	rec, err := j.store.Load(ctx, j.key)
	if err != nil {
		return nil, err
	}

	if rec == nil {
		return nil, nil
	}

	sess := rec.Session

	switch {
	case rec.Fingerprint != j.fingerprint:
		j.logger.Info("local file changed since the saved upload, starting over")
	case sess.State().Terminal():
		// Finished or aborted; only the record is left to drop.
	case sess.ChunkSize() != engine.ChunkSize():
		j.logger.Info("chunk size changed since the saved upload, starting over",
			"saved", sess.ChunkSize(), "configured", engine.ChunkSize())
	default:
		return sess, nil
	}

	if !sess.State().Terminal() {
		// Best effort: releases the server-side transfer.
		if err := engine.Abort(ctx, sess); err != nil {
			j.logger.Debug("discarding saved upload", "error", err)
		}
	}

	j.forget(ctx)

	return nil, nil
}

func (j uploadJob) forget(ctx context.Context) {
	if err := j.store.Delete(context.WithoutCancel(ctx), j.key); err != nil {
		j.logger.Warn("failed to delete upload session", "error", err)
	}
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Manage saved upload sessions",
	}

	var all bool

	clean := &cobra.Command{
		Use:   "clean",
		Short: "Remove stale upload sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			maxAge := resolvedCfg.SessionMaxAge
			if all {
				maxAge = 0
			}

			return runSessionsClean(cmd.Context(), maxAge)
		},
	}

	clean.Flags().BoolVar(&all, "all", false, "remove every saved session, not only stale ones")
	cmd.AddCommand(clean)

	return cmd
}

func runSessionsClean(ctx context.Context, maxAge time.Duration) error {
	logger := buildLogger()

	store, err := transfer.OpenSessionStore(ctx, resolvedCfg.SessionDB, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	n, err := store.CleanStale(ctx, maxAge)
	if err != nil {
		return err
	}

	if flagJSON {
		return printJSON(map[string]int64{"removed": n})
	}

	statusf("Removed %d upload session(s)\n", n)

	return nil
}
