package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	keeper "github.com/mohaanymo/m3u8keeper"
	"github.com/mohaanymo/m3u8keeper/internal/api"
	"github.com/mohaanymo/m3u8keeper/internal/capture"
	"github.com/mohaanymo/m3u8keeper/internal/config"
	"github.com/mohaanymo/m3u8keeper/internal/engine"
	"github.com/mohaanymo/m3u8keeper/internal/history"
	"github.com/mohaanymo/m3u8keeper/internal/logger"
	"github.com/mohaanymo/m3u8keeper/internal/models"
	"github.com/mohaanymo/m3u8keeper/internal/tui"
)

// loadConfig reads the config file and environment, then applies the root flags.
func loadConfig(f *rootFlags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, w io.Writer) logger.Logger {
	return logger.New(w, cfg.Log.Level, cfg.Log.Format)
}

type downloadFlags struct {
	name          string
	outputDir     string
	concurrency   int
	headers       []string
	skipTranscode bool
	ffmpegPath    string
	noTUI         bool
}

func newDownloadCmd(root *rootFlags) *cobra.Command {
	f := &downloadFlags{}

	cmd := &cobra.Command{
		Use:   "download <playlist-url>",
		Short: "Download one HLS media playlist",
		Example: `  m3u8keeper download https://example.com/show/ep1.m3u8
  m3u8keeper download -n ep1 -c 8 -H "Referer: https://example.com/" https://example.com/index.m3u8
  m3u8keeper download --skip-transcode --no-tui https://example.com/ep1.m3u8`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if err := f.apply(cmd, cfg); err != nil {
				return err
			}

			url := strings.TrimSpace(args[0])
			name := f.name
			if name == "" {
				name = models.NameFromURL(url)
			}

			if f.noTUI {
				return downloadPlain(cmd.Context(), cmd.OutOrStdout(), cfg, newLogger(cfg, cmd.ErrOrStderr()), url, name)
			}
			return downloadTUI(cmd.Context(), cmd.OutOrStdout(), cfg, url, name)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&f.name, "name", "n", "", "output name without extension (default: derived from the URL)")
	fl.StringVarP(&f.outputDir, "output", "o", "", "output directory (filesystem storage)")
	fl.IntVarP(&f.concurrency, "concurrency", "c", config.DefaultConcurrency, "segments fetched per batch")
	fl.StringArrayVarP(&f.headers, "header", "H", nil, `custom header "Key: Value" (repeatable)`)
	fl.BoolVar(&f.skipTranscode, "skip-transcode", false, "save the MPEG-TS stream without remuxing")
	fl.StringVar(&f.ffmpegPath, "ffmpeg", "", "path to the ffmpeg binary")
	fl.BoolVar(&f.noTUI, "no-tui", false, "print progress lines instead of the interactive view")
	return cmd
}

// apply overrides cfg with the flags the user actually set.
func (f *downloadFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	fl := cmd.Flags()
	if fl.Changed("output") {
		cfg.Storage.OutputDir = f.outputDir
	}
	if fl.Changed("concurrency") {
		cfg.Download.Concurrency = f.concurrency
	}
	if fl.Changed("skip-transcode") {
		cfg.Download.SkipTranscode = f.skipTranscode
	}
	if fl.Changed("ffmpeg") {
		cfg.Transcode.FFmpegPath = f.ffmpegPath
	}
	for _, h := range f.headers {
		k, v, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(k) == "" {
			return fmt.Errorf("invalid header %q, want \"Key: Value\"", h)
		}
		cfg.Download.Headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return cfg.Validate()
}

func downloadPlain(ctx context.Context, out io.Writer, cfg *config.Config, log logger.Logger, url, name string) error {
	k, err := keeper.New(keeper.WithConfig(cfg), keeper.WithLogger(log))
	if err != nil {
		return err
	}
	defer k.Close()

	res, err := k.Download(ctx, url, name, func(ev models.ProgressEvent) {
		if ev.Stage == models.StageDownloading && ev.Current > 0 {
			fmt.Fprintf(out, "[%3d%%] %s\n", ev.Percent, ev.Message)
			return
		}
		fmt.Fprintf(out, "[%s] %s\n", ev.Stage, ev.Message)
	})
	if err != nil {
		return err
	}
	printResult(out, res)
	return nil
}

func downloadTUI(ctx context.Context, out io.Writer, cfg *config.Config, url, name string) error {
	// Log lines would tear the progress view.
	k, err := keeper.New(keeper.WithConfig(cfg), keeper.WithLogger(logger.Nop()))
	if err != nil {
		return err
	}
	defer k.Close()

	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan models.ProgressEvent, 64)
	model := tui.NewModel(url, name, events)
	p := tea.NewProgram(model)

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := k.Download(jobCtx, url, name, engine.ChannelProgress(jobCtx, events))
		if err != nil {
			p.Send(tui.ErrorMsg{Err: err})
			return
		}
		p.Send(tui.DoneMsg{Result: res})
	}()

	_, runErr := p.Run()
	cancel()
	<-done

	if runErr != nil {
		return fmt.Errorf("TUI error: %w", runErr)
	}
	if err := model.Err(); err != nil {
		return err
	}
	if res := model.Result(); res != nil {
		printResult(out, res)
		return nil
	}
	return context.Canceled
}

func printResult(out io.Writer, res *models.Result) {
	fmt.Fprintf(out, "\n✓ Saved to: %s\n", res.Location)
	if res.FellBack {
		fmt.Fprintln(out, "  MP4 conversion failed, the stream was kept as MPEG-TS")
	}
}

func newServeCmd(root *rootFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local control API",
		Long: `Run the local control API.

  POST /api/downloads          start a download {"url": "...", "name": "..."}
  GET  /api/downloads/current  status of the running download
  GET  /api/jobs               job history
  POST /api/observations       report a network request seen by a capture agent
  GET  /api/observations       playlist URLs detected so far`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Addr = addr
			}
			log := newLogger(cfg, cmd.ErrOrStderr())

			k, err := keeper.New(keeper.WithConfig(cfg), keeper.WithLogger(log))
			if err != nil {
				return err
			}
			defer k.Close()

			var hist api.HistoryLister
			if h := k.History(); h != nil {
				hist = h
			}
			return api.NewServer(cmd.Context(), k, hist, log).ListenAndServe(cmd.Context(), cfg.Server.Addr)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", config.DefaultServerAddr, "listen address")
	return cmd
}

func newHistoryCmd(root *rootFlags) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "history [job-id]",
		Short: "List recorded jobs, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			if !cfg.History.Enabled {
				return errors.New("job history is disabled")
			}

			store, err := history.Open(cfg.History.SQLitePath)
			if err != nil {
				return err
			}
			defer store.Close()

			var entries []history.Entry
			if len(args) == 1 {
				e, err := store.Get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				entries = []history.Entry{*e}
			} else if entries, err = store.List(cmd.Context(), limit); err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}
			printEntries(cmd.OutOrStdout(), entries)
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "l", history.DefaultLimit, "number of jobs to list")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func printEntries(out io.Writer, entries []history.Entry) {
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFINISHED\tSTAGE\tFORMAT\tSIZE\tLOCATION / ERROR")
	for _, e := range entries {
		detail := e.Location
		if e.Error != "" {
			detail = e.Error
		}
		format := string(e.Format)
		if e.FellBack {
			format += " (fallback)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\n",
			e.ID, e.FinishedAt.Local().Format(time.DateTime), e.Stage, format, e.Size, detail)
	}
	tw.Flush()
}

func newDetectCmd(root *rootFlags) *cobra.Command {
	var download bool

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect playlist URLs in captured network traffic",
		Long: `Read observed network requests from stdin, one per line, and print every
HLS playlist URL seen for the first time. A line is either a JSON object
{"url": "...", "content_type": "...", "body": "..."} or a bare URL.`,
		Example: `  capture-agent | m3u8keeper detect --download`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(root)
			if err != nil {
				return err
			}
			log := newLogger(cfg, cmd.ErrOrStderr())
			out := cmd.OutOrStdout()

			var k *keeper.Keeper
			if download {
				if k, err = keeper.New(keeper.WithConfig(cfg), keeper.WithLogger(log)); err != nil {
					return err
				}
				defer k.Close()
			}

			ctx := cmd.Context()
			return capture.Watch(ctx, capture.NewJSONSource(cmd.InOrStdin()), func(u string) {
				fmt.Fprintln(out, u)
				if k == nil {
					return
				}
				res, err := k.Download(ctx, u, models.NameFromURL(u), nil)
				if err != nil {
					log.Errorf("download %s: %v", u, err)
					return
				}
				printResult(out, res)
			})
		},
	}

	cmd.Flags().BoolVar(&download, "download", false, "download every detected playlist")
	return cmd
}
