package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/vectorbench/chunkcache/internal/chunkpool"
	"github.com/vectorbench/chunkcache/internal/painter"
	"github.com/vectorbench/chunkcache/internal/termcolor"
)

var (
	fetchOffset      int64
	fetchLength      int64
	fetchMaxInFlight int
	fetchToken       string
	fetchPoolDir     string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <remote-url> <local-path>",
	Short: "Fetch and verify a byte range of a remote artifact on demand",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		remoteURL, localPath := args[0], args[1]

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()

		opts := painter.DefaultOptions()
		opts.Token = fetchToken
		if fetchMaxInFlight > 0 {
			opts.MaxInFlight = fetchMaxInFlight
		}
		if fetchPoolDir != "" {
			pool, err := chunkpool.NewFilePool(fetchPoolDir)
			if err != nil {
				return err
			}
			opts.ChunkPool = pool
		}

		bar := newProgressBar(localPath)
		opts.Progress = func(done, total int64) { bar.update(done, total) }

		p, err := painter.Open(ctx, localPath, remoteURL, opts)
		if err != nil {
			return err
		}
		defer p.Close()

		length := fetchLength
		if length <= 0 {
			length = p.Shape().ContentLength - fetchOffset
		}

		start := time.Now()
		err = p.EnsureRange(ctx, fetchOffset, length)
		bar.finish()
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, termcolor.Success(fmt.Sprintf(
			"fetched and verified %d bytes from %s in %s", length, remoteURL, time.Since(start).Round(time.Millisecond))))
		return nil
	},
}

func init() {
	fetchCmd.Flags().Int64Var(&fetchOffset, "offset", 0, "byte offset to start fetching from")
	fetchCmd.Flags().Int64Var(&fetchLength, "length", 0, "number of bytes to fetch (default: to end of artifact)")
	fetchCmd.Flags().IntVar(&fetchMaxInFlight, "max-inflight", 0, "bound on concurrent HTTP fetches (default: painter default)")
	fetchCmd.Flags().StringVar(&fetchToken, "token", "", "bearer token for the remote host (default: CHUNKCACHE_TOKEN or .netrc)")
	fetchCmd.Flags().StringVar(&fetchPoolDir, "pool-dir", "", "shared chunk pool directory, checked before every network fetch")
}
