// Package cli is a thin cobra wrapper over chunkcache's library surface
// (SPEC_FULL.md §5): create, verify, fetch, bundle export/import, and a
// serve fixture for manual testing against a local directory. It adds no
// behavior beyond argument parsing, progress/error printing, and exit
// codes — every operation itself lives in internal/.
package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vectorbench/chunkcache/internal/cerrors"
	"github.com/vectorbench/chunkcache/internal/termcolor"
)

const version = "0.1.0"

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "chunkcache",
	Short: "Content-addressed chunk cache and verified remote-fetch engine",
	Long:  "chunkcache builds and verifies Merkle-tree sidecars for large artifacts, and fetches them on demand over HTTP range requests.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showVersion {
			fmt.Printf("chunkcache version %s\n", version)
			return nil
		}
		return cmd.Help()
	},
}

var showVersion bool

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "print expected/observed hashes on verification failures")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print the chunkcache version")

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(fetchCmd)
	rootCmd.AddCommand(bundleCmd)
	bundleCmd.AddCommand(bundleExportCmd, bundleImportCmd)
	rootCmd.AddCommand(serveCmd)
}

// Execute runs the root command and maps chunkcache's error taxonomy to
// the exit codes from spec.md §6.4: 0 success, 1 generic failure, 2
// verification mismatch.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		os.Exit(0)
	}

	printFailure(err)

	if cerrors.Is(err, cerrors.ChecksumFailed) {
		os.Exit(2)
	}
	os.Exit(1)
}

// printFailure prints a single line: for a checksum failure it names the
// leaf index and the condition, otherwise it prints the error text. The
// artifact path is not added to either. Verbose mode adds the
// expected/observed SHA-256 values for a checksum failure.
func printFailure(err error) {
	var ce *cerrors.Error
	if errors.As(err, &ce) && ce.Kind == cerrors.ChecksumFailed {
		fmt.Fprintf(os.Stderr, "%s: leaf %d checksum mismatch\n", failureLabel(), ce.LeafIndex)
		if verbose {
			fmt.Fprintf(os.Stderr, "  expected: %x\n  observed: %x\n", ce.Expected, ce.Observed)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "%s: %v\n", failureLabel(), err)
}

func failureLabel() string {
	return termcolor.Faint("chunkcache")
}
