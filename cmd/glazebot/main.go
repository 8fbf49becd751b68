package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"

	"github.com/nlaroche/glazebot/internal/dotenv"
	"github.com/nlaroche/glazebot/pkg/config"
	"github.com/nlaroche/glazebot/pkg/core/voice/audio"
	"github.com/nlaroche/glazebot/pkg/memory"
)

type appDeps struct {
	loadConfig   func() (config.Config, error)
	loadRoster   func(path string) (config.Roster, error)
	openStore    func(path string) (*memory.SQLiteStore, error)
	newOutput    func(cfg config.Config) audio.Output
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultAppDeps() appDeps {
	return appDeps{
		loadConfig: config.LoadFromEnv,
		loadRoster: config.LoadRoster,
		openStore:  memory.NewSQLiteStore,
		newOutput:  newOutput,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

func newOutput(cfg config.Config) audio.Output {
	if cfg.AudioOutput == config.AudioDiscard {
		return audio.Discard{}
	}
	sc := audio.DefaultSpeakerConfig()
	sc.Format = cfg.AudioFormat
	sc.SampleRate = cfg.AudioSampleRate
	return audio.NewSpeaker(sc)
}

func newLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}

	if err := dotenv.LoadFiles(".env.local", ".env"); err != nil {
		fmt.Fprintf(stderr, "glazebot: %v\n", err)
		return 1
	}

	root := newRootCmd(deps, stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "glazebot: %v\n", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(runMain(context.Background(), os.Args[1:], os.Stdout, os.Stderr, defaultAppDeps()))
}
