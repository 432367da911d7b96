package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stackpilot/stackpilot/cmd/stackpilot/commands"
	"github.com/stackpilot/stackpilot/pkg/engine"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

func main() {
	log.Logger = cliLogger(os.Getenv("STACKPILOT_LOG_LEVEL"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := commands.Execute(ctx, Version, Commit, BuildDate)
	if err == nil {
		return
	}
	if code := engine.CodeOf(err); code != "" {
		fmt.Fprintf(os.Stderr, "Error [%s]: %v\n", code, err)
		for _, v := range engine.ViolationsOf(err) {
			fmt.Fprintf(os.Stderr, "  - %s\n", v)
		}
	} else {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(1)
}

// cliLogger writes human-readable logs to stderr so that command output on
// stdout stays parseable. The level applies to this logger only; serve
// installs its own configured logger.
func cliLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(lvl).
		With().Timestamp().Logger()
}
