package cli

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vectorbench/chunkcache/internal/termcolor"
)

var serveAddr string

// serveCmd is a thin stand-in for the original test web-server fixture
// (out of scope per spec.md §1): it serves one directory over plain
// http.ServeFile, which natively honors Range requests, so a fetch
// command can be pointed at it for manual testing.
var serveCmd = &cobra.Command{
	Use:   "serve <directory>",
	Short: "Serve a local directory over HTTP with Range-request support (manual testing only)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := args[0]

		mux := http.NewServeMux()
		mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
			http.ServeFile(w, r, filepath.Join(dir, filepath.Clean(r.URL.Path)))
		})

		fmt.Fprintln(os.Stdout, termcolor.Info(fmt.Sprintf("serving %s on %s", dir, serveAddr)))
		return http.ListenAndServe(serveAddr, mux)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "127.0.0.1:8791", "address to listen on")
}
