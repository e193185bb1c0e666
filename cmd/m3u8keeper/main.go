package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	version = "1.0.0"
	commit  = "dev"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
	logFormat  string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}

	root := &cobra.Command{
		Use:   "m3u8keeper",
		Short: "Download HLS playlists and keep them as local MP4 files",
		Long: `m3u8keeper fetches an HLS media playlist, downloads and decrypts its
segments, remuxes the stream to MP4 with ffmpeg (falling back to the raw
MPEG-TS stream when that fails) and saves the result.

Configuration is read from --config (YAML) and M3U8KEEPER_* environment
variables, e.g. M3U8KEEPER_STORAGE_TYPE=s3.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&f.configPath, "config", "", "path to a YAML config file")
	pf.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	pf.StringVar(&f.logFormat, "log-format", "", "log format: text, json")
	pf.BoolVarP(&f.verbose, "verbose", "v", false, "shorthand for --log-level=debug")

	root.AddCommand(
		newDownloadCmd(f),
		newServeCmd(f),
		newHistoryCmd(f),
		newDetectCmd(f),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "m3u8keeper %s (%s)\n", version, commit)
		},
	}
}
