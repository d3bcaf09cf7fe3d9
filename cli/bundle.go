package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vectorbench/chunkcache/internal/bundle"
	"github.com/vectorbench/chunkcache/internal/merkleref"
	"github.com/vectorbench/chunkcache/internal/merklestate"
	"github.com/vectorbench/chunkcache/internal/termcolor"
)

var bundleCmd = &cobra.Command{
	Use:   "bundle",
	Short: "Export or import a session bundle of already-verified chunks",
}

var bundleExportCmd = &cobra.Command{
	Use:   "export <local-file> <bundle-out>",
	Short: "Pack every currently-valid chunk of a local artifact into a bundle",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		localPath, bundlePath := args[0], args[1]

		state, err := merklestate.Load(localPath + ".mrkl")
		if err != nil {
			return err
		}
		defer state.Close()

		dataFile, err := os.Open(localPath)
		if err != nil {
			return err
		}
		defer dataFile.Close()

		out, err := os.Create(bundlePath)
		if err != nil {
			return err
		}
		defer out.Close()

		if err := bundle.ExportBundle(out, state, dataFile); err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, termcolor.Success(fmt.Sprintf(
			"exported %d valid leaves to %s", state.ValidLeafCount(), bundlePath)))
		return nil
	},
}

var bundleImportCmd = &cobra.Command{
	Use:   "import <bundle-in> <local-file>",
	Short: "Replay a bundle's chunks into a local artifact, verifying every record",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		bundlePath, localPath := args[0], args[1]

		ref, err := merkleref.Load(localPath + ".mref")
		if err != nil {
			return err
		}

		statePath := localPath + ".mrkl"
		var state *merklestate.MerkleState
		if _, statErr := os.Stat(statePath); statErr == nil {
			state, err = merklestate.Load(statePath)
		} else {
			state, err = merklestate.FromRef(ref, statePath)
		}
		if err != nil {
			return err
		}
		defer state.Close()

		dataFile, err := os.OpenFile(localPath, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return err
		}
		defer dataFile.Close()
		if err := dataFile.Truncate(ref.Shape().ContentLength); err != nil {
			return err
		}

		in, err := os.Open(bundlePath)
		if err != nil {
			return err
		}
		defer in.Close()

		res, err := bundle.ImportBundle(in, state, func(leaf int64, data []byte) error {
			start, _, err := ref.Shape().RangeForLeaf(leaf)
			if err != nil {
				return err
			}
			_, err = dataFile.WriteAt(data, start)
			return err
		})
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, termcolor.Success(fmt.Sprintf(
			"imported %d leaves (%d rejected) from %s", res.LeavesAccepted, res.LeavesRejected, bundlePath)))
		return nil
	},
}
