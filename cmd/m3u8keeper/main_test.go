package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mohaanymo/m3u8keeper/internal/config"
)

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.True(t, strings.HasPrefix(out.String(), "m3u8keeper "+version))
}

func TestDownloadFlags_Apply(t *testing.T) {
	cmd := newDownloadCmd(&rootFlags{})
	require.NoError(t, cmd.ParseFlags([]string{
		"-o", "/tmp/out",
		"-c", "8",
		"-H", "Referer: https://example.com/",
		"-H", "X-Token:abc",
		"--skip-transcode",
	}))

	cfg := config.New()
	fl := cmd.Flags()
	f := &downloadFlags{}
	f.outputDir, _ = fl.GetString("output")
	f.concurrency, _ = fl.GetInt("concurrency")
	f.headers, _ = fl.GetStringArray("header")
	f.skipTranscode, _ = fl.GetBool("skip-transcode")

	require.NoError(t, f.apply(cmd, cfg))
	assert.Equal(t, "/tmp/out", cfg.Storage.OutputDir)
	assert.Equal(t, 8, cfg.Download.Concurrency)
	assert.True(t, cfg.Download.SkipTranscode)
	assert.Equal(t, "https://example.com/", cfg.Download.Headers["Referer"])
	assert.Equal(t, "abc", cfg.Download.Headers["X-Token"])
	assert.Equal(t, config.DefaultFFmpegPath, cfg.Transcode.FFmpegPath)
}

func TestDownloadFlags_BadHeader(t *testing.T) {
	cmd := newDownloadCmd(&rootFlags{})
	f := &downloadFlags{headers: []string{"no-colon"}}
	assert.Error(t, f.apply(cmd, config.New()))
}

func TestDownloadCommand_RequiresURL(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"download"})
	assert.Error(t, root.Execute())
}
