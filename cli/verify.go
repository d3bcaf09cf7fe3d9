package cli

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vectorbench/chunkcache/internal/cerrors"
	"github.com/vectorbench/chunkcache/internal/merkleref"
	"github.com/vectorbench/chunkcache/internal/termcolor"
)

var verifyRefPath string

var verifyCmd = &cobra.Command{
	Use:   "verify <file>",
	Short: "Recompute every leaf hash of a local file and compare it to its .mref",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		refPath := verifyRefPath
		if refPath == "" {
			refPath = path + ".mref"
		}

		ref, err := merkleref.Load(refPath)
		if err != nil {
			return err
		}

		f, err := os.Open(path)
		if err != nil {
			return cerrors.New("cli.verify", cerrors.Io, err)
		}
		defer f.Close()

		sh := ref.Shape()
		bar := newProgressBar(path)
		var firstFailure *cerrors.Error
		mismatches := 0

		for i := int64(0); i < sh.LeafCount; i++ {
			start, end, err := sh.RangeForLeaf(i)
			if err != nil {
				return err
			}
			buf := make([]byte, end-start)
			if _, err := f.ReadAt(buf, start); err != nil {
				return cerrors.New("cli.verify", cerrors.Io, err)
			}
			observed := sha256.Sum256(buf)
			expected, err := ref.LeafHash(i)
			if err != nil {
				return err
			}
			if observed != expected {
				mismatches++
				failure := cerrors.Checksum("cli.verify", int(i), expected, observed)
				if firstFailure == nil {
					firstFailure = failure
				}
				if verbose {
					fmt.Fprintln(os.Stderr, failure.Error())
				}
			}
			bar.update(i+1, sh.LeafCount)
		}
		bar.finish()

		if firstFailure != nil {
			fmt.Fprintf(os.Stderr, "%s: %d of %d leaves failed verification\n",
				termcolor.Failure("chunkcache"), mismatches, sh.LeafCount)
			return firstFailure
		}

		fmt.Fprintln(os.Stdout, termcolor.Success(fmt.Sprintf("%s: all %d leaves verified (root %x)", path, sh.LeafCount, ref.RootHash())))
		return nil
	},
}

func init() {
	verifyCmd.Flags().StringVar(&verifyRefPath, "ref", "", "path to the .mref sidecar (default: <file>.mref)")
}
