package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cheggaaa/pb/v3"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/fressi-elastic/rally/internal/adapter"
	"github.com/fressi-elastic/rally/internal/config"
	"github.com/fressi-elastic/rally/internal/supervisor"
)

// usageError marks a flag-validation failure as distinct from a transfer
// failure, so main can map it to exit code 2 instead of 1.
type usageError struct{ error }

func isUsageError(err error) bool {
	var u usageError
	return errors.As(err, &u)
}

type getOpts struct {
	path           string
	expectedSize   int64
	localDir       string
	maxConnections int
	multipartSize  int64
	chunkSize      int
	headTTL        time.Duration
	resolveTTL     time.Duration
	monitorEvery   time.Duration
	maxRetries     int
	mirrorFiles    []string
	seed           int64
	useSeed        bool
	awsProfile     string
	poolSize       int
	wait           bool
}

func newGetCmd() *cobra.Command {
	o := &getOpts{}

	cmd := &cobra.Command{
		Use:   "get <url> [url...]",
		Short: "Download one or more artifacts into the local cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd.Context(), args, o)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&o.path, "path", "", "destination path (only valid for a single URL; default derives from local_dir + URL path)")
	flags.Int64Var(&o.expectedSize, "expected-size", 0, "fail fast if the HEAD response disagrees with this size, in bytes (0 = unchecked)")
	flags.StringVar(&o.localDir, "local-dir", config.DefaultLocalDir, "root of the local cache")
	flags.IntVar(&o.maxConnections, "max-connections", config.DefaultMaxConnections, "per-transfer upper bound on concurrent range fetches")
	flags.Int64Var(&o.multipartSize, "multipart-size", config.DefaultMultipartSize, "target range-fetch size in bytes (must be >= 1 MiB)")
	flags.IntVar(&o.chunkSize, "chunk-size", config.DefaultChunkSize, "bytes per stream chunk")
	flags.DurationVar(&o.headTTL, "head-ttl", config.DefaultHeadTTL, "HEAD cache TTL")
	flags.DurationVar(&o.resolveTTL, "resolve-ttl", config.DefaultResolveTTL, "mirror/DNS cache TTL")
	flags.DurationVar(&o.monitorEvery, "monitor-interval", config.DefaultMonitorInterval, "supervisor tick period")
	flags.IntVar(&o.maxRetries, "max-retries", config.DefaultMaxRetries, "mirror rotation budget per request")
	flags.StringSliceVar(&o.mirrorFiles, "mirror-file", nil, "path to a mirror JSON file (repeatable)")
	flags.Int64Var(&o.seed, "random-seed", 0, "seed mirror selection for reproducible tests")
	flags.StringVar(&o.awsProfile, "aws-profile", "", "named AWS profile for s3:// URLs")
	flags.IntVar(&o.poolSize, "workers", 8, "process-wide worker pool size")
	flags.BoolVar(&o.wait, "wait", true, "block until every transfer reaches a terminal state; with --wait=false, report current status once and exit")

	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		o.useSeed = cmd.Flags().Changed("random-seed")
		if o.path != "" && len(args) > 1 {
			return usageError{fmt.Errorf("raldl get: --path cannot be combined with more than one URL")}
		}
		return nil
	}

	return cmd
}

func runGet(ctx context.Context, urls []string, o *getOpts) error {
	if o.multipartSize > 0 && o.multipartSize < 1<<20 {
		return usageError{fmt.Errorf("raldl get: --multipart-size must be >= 1 MiB")}
	}
	if o.maxConnections < 1 {
		return usageError{fmt.Errorf("raldl get: --max-connections must be >= 1")}
	}

	cfg := config.Default()
	cfg.LocalDir = o.localDir
	cfg.MaxConnections = o.maxConnections
	cfg.MultipartSize = o.multipartSize
	cfg.ChunkSize = o.chunkSize
	cfg.HeadTTL = o.headTTL
	cfg.ResolveTTL = o.resolveTTL
	cfg.MonitorInterval = o.monitorEvery
	cfg.MaxRetries = o.maxRetries
	cfg.AWSProfile = o.awsProfile
	if len(o.mirrorFiles) > 0 {
		cfg.MirrorFiles = o.mirrorFiles
	}
	if o.useSeed {
		cfg.RandomSeed = &o.seed
	}
	if err := cfg.Validate(); err != nil {
		return usageError{err}
	}

	adapters := []adapter.Adapter{}
	if needsS3(urls) {
		s3a, err := adapter.NewS3Adapter(ctx, cfg.AWSProfile, cfg.ChunkSize)
		if err != nil {
			return fmt.Errorf("raldl get: %w", err)
		}
		adapters = append(adapters, s3a)
	}
	adapters = append(adapters, adapter.NewHTTPAdapter(o.chunkSize))

	sup, err := supervisor.New(cfg, adapters, o.poolSize)
	if err != nil {
		return usageError{err}
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx, cancelRun := context.WithCancel(context.Background())
	go sup.Run(runCtx)
	defer func() {
		sup.Shutdown()
		cancelRun()
	}()

	if !o.wait {
		return reportOnce(ctx, sup, urls, o)
	}

	pool, err := pb.StartPool()
	if err != nil {
		return fmt.Errorf("raldl get: starting progress pool: %w", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		anyError bool
	)
	for _, u := range urls {
		u := u
		path := o.path
		var expected *int64
		if o.expectedSize > 0 {
			expected = &o.expectedSize
		}

		bar := pb.New64(0).SetTemplateString(
			fmt.Sprintf(`{{ "%s:" }} {{ bar . }} {{percent . }} {{speed . "%%s/s"}} {{etime .}}`, filepath.Base(u)),
		)
		pool.Add(bar)

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer bar.Finish()

			status, err := pollUntilDone(ctx, sup, u, path, expected, bar)
			if err != nil {
				mu.Lock()
				anyError = true
				mu.Unlock()
				color.Red("FAILED %s: %v", u, err)
				return
			}
			color.Green("DONE %s -> %s", u, status.Path)
		}()
	}

	wg.Wait()
	pool.Stop()

	if anyError {
		return errTransferFailed
	}
	return nil
}

// reportOnce implements --wait=false: it registers (or reuses) each transfer
// with a single non-blocking GetRequest, prints its current snapshot, and
// returns without waiting for completion. A transfer that is merely still
// RUNNING is not a failure in this mode; only an already-FAILED transfer is.
func reportOnce(ctx context.Context, sup *supervisor.Supervisor, urls []string, o *getOpts) error {
	anyError := false
	for _, u := range urls {
		var expected *int64
		if o.expectedSize > 0 {
			expected = &o.expectedSize
		}

		status, err := sup.Get(ctx, u, o.path, expected, false)
		if err != nil {
			anyError = true
			color.Red("FAILED %s: %v", u, err)
			continue
		}

		switch {
		case status.Finished:
			color.Green("DONE %s -> %s", u, status.Path)
		default:
			fmt.Printf("PENDING %s -> %s\n", u, status.Path)
		}
	}

	if anyError {
		return errTransferFailed
	}
	return nil
}

// errTransferFailed is a sentinel that carries no usage-error marking, so
// main maps it to exit code 1 rather than 2.
var errTransferFailed = errors.New("raldl get: one or more transfers failed")

// pollUntilDone repeatedly issues a non-waiting GetRequest to both start (or
// reuse) the transfer and render its progress, the CLI-side stand-in for
// the user-facing progress rendering the core transfer manager leaves to its
// callers. It stops polling once the transfer reaches a terminal state or
// ctx is cancelled.
func pollUntilDone(ctx context.Context, sup *supervisor.Supervisor, url, path string, expected *int64, bar *pb.ProgressBar) (supervisor.TransferStatus, error) {
	const pollEvery = 200 * time.Millisecond

	ticker := time.NewTicker(pollEvery)
	defer ticker.Stop()

	for {
		status, err := sup.Get(ctx, url, path, expected, false)
		if err != nil {
			return status, err
		}
		if status.Size != nil {
			bar.SetTotal(*status.Size)
		}
		if status.Transferred != nil {
			bar.SetCurrent(*status.Transferred)
		}
		if status.Finished {
			return status, nil
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

func needsS3(urls []string) bool {
	for _, u := range urls {
		if len(u) >= 5 && u[:5] == "s3://" {
			return true
		}
	}
	return false
}
