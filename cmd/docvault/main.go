package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/markdave123-py/docvault/internal/app"
	"github.com/markdave123-py/docvault/internal/config"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle SIGINT/SIGTERM so an interrupted upload never commits
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		<-c
		cancel()
	}()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "-h" || args[0] == "--help" {
		printUsage(stdout)
		return nil
	}

	cmd, ok := lookupCommand(args[0])
	if !ok {
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", args[0])
	}

	flags := cmd.flags()
	if err := flags.Parse(args[1:]); err != nil {
		return err
	}

	cfg := config.LoadConfig()
	app.ConfigureLogging(cfg)

	application, err := app.NewApp(ctx, cfg)
	if err != nil {
		return fmt.Errorf("startup failed: %w", err)
	}
	defer application.Close()

	log.WithField("command", cmd.name).Debug("docvault: running")
	return cmd.run(ctx, application, stdout)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: docvault <command> [flags]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	for _, c := range commands() {
		fmt.Fprintf(w, "  %-16s %s\n", c.name, c.summary)
	}
}
