package merkleref

import (
	"fmt"
	"os"

	"github.com/vectorbench/chunkcache/internal/cerrors"
)

// CreateOptions configures CreateMerkleFile.
type CreateOptions struct {
	ChunkSize int64
	Force     bool // rebuild even if an up-to-date .mref already exists
	DryRun    bool // report what would happen without writing anything
	Progress  ProgressFunc
}

// CreateResult summarizes what CreateMerkleFile did or would do.
type CreateResult struct {
	SidecarPath string
	Skipped     bool // an up-to-date .mref already existed and Force was false
	WouldWrite  bool // DryRun was set and a write would otherwise have happened
	Root        [32]byte
}

// CreateMerkleFile produces a .mref next to path. It skips work if an
// up-to-date sidecar already exists (source mtime <= sidecar mtime)
// unless opts.Force is set; opts.DryRun reports what would happen
// without writing.
func CreateMerkleFile(path string, opts CreateOptions) (CreateResult, error) {
	sidecarPath := path + ".mref"

	srcInfo, err := os.Stat(path)
	if err != nil {
		return CreateResult{}, cerrors.New("merkleref.CreateMerkleFile", cerrors.Io, err)
	}

	if !opts.Force {
		if sideInfo, err := os.Stat(sidecarPath); err == nil {
			if !srcInfo.ModTime().After(sideInfo.ModTime()) {
				ref, loadErr := Load(sidecarPath)
				if loadErr == nil {
					return CreateResult{
						SidecarPath: sidecarPath,
						Skipped:     true,
						Root:        ref.RootHash(),
					}, nil
				}
				// Fall through and rebuild: existing sidecar didn't load cleanly.
			}
		}
	}

	if opts.DryRun {
		return CreateResult{SidecarPath: sidecarPath, WouldWrite: true}, nil
	}

	ref, err := Build(path, opts.ChunkSize, opts.Progress)
	if err != nil {
		return CreateResult{}, err
	}
	if err := ref.Save(sidecarPath); err != nil {
		return CreateResult{}, err
	}

	return CreateResult{SidecarPath: sidecarPath, Root: ref.RootHash()}, nil
}

// String renders a human-readable summary, used by the CLI.
func (r CreateResult) String() string {
	switch {
	case r.Skipped:
		return fmt.Sprintf("%s up to date (root %x)", r.SidecarPath, r.Root)
	case r.WouldWrite:
		return fmt.Sprintf("would write %s", r.SidecarPath)
	default:
		return fmt.Sprintf("wrote %s (root %x)", r.SidecarPath, r.Root)
	}
}
