package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vectorbench/chunkcache/internal/merkleref"
	"github.com/vectorbench/chunkcache/internal/termcolor"
)

var (
	createChunkSize int64
	createForce     bool
	createDryRun    bool
)

var createCmd = &cobra.Command{
	Use:   "create <file>",
	Short: "Build a .mref sidecar for a local file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		bar := newProgressBar(path)
		res, err := merkleref.CreateMerkleFile(path, merkleref.CreateOptions{
			ChunkSize: createChunkSize,
			Force:     createForce,
			DryRun:    createDryRun,
			Progress:  bar.update,
		})
		bar.finish()
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, termcolor.Success(res.String()))
		return nil
	},
}

func init() {
	createCmd.Flags().Int64Var(&createChunkSize, "chunk-size", 1<<20, "chunk size in bytes, must be a power of two")
	createCmd.Flags().BoolVar(&createForce, "force", false, "rebuild even if an up-to-date .mref already exists")
	createCmd.Flags().BoolVar(&createDryRun, "dry-run", false, "report what would happen without writing anything")
}

// progressBar renders leaf-hashing progress on stderr, and only when
// stdout is a TTY (SPEC_FULL.md §3: golang.org/x/term gates it).
type progressBar struct {
	label       string
	interactive bool
}

func newProgressBar(label string) *progressBar {
	return &progressBar{label: label, interactive: termcolor.IsInteractive()}
}

func (b *progressBar) update(done, total int64) {
	if !b.interactive {
		return
	}
	fmt.Fprintf(os.Stderr, "\r%s: hashing %d/%d leaves", b.label, done, total)
}

func (b *progressBar) finish() {
	if b.interactive {
		fmt.Fprintln(os.Stderr)
	}
}
