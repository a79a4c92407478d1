// Command chatsystem runs the real-time chat server.
package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/saad7170/chatsystem/cmd/internal/app"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("chatsystem", pflag.ContinueOnError)
	envFile := flags.String("env-file", ".env", "dotenv file loaded before reading CHAT_* variables (missing file is ignored)")
	addr := flags.String("addr", "", "listen address (overrides CHAT_HTTP_ADDR)")
	logLevel := flags.String("log-level", "", "debug, info, warn or error (overrides CHAT_LOG_LEVEL)")
	logFormat := flags.String("log-format", "", "json or pretty (overrides CHAT_LOG_FORMAT)")
	help := flags.BoolP("help", "h", false, "show help")

	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if *help {
		fmt.Fprintln(os.Stderr, "Usage: chatsystem [flags]")
		flags.PrintDefaults()
		return nil
	}

	// Variables already present in the environment win over the file.
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", *envFile, err)
		}
	}

	cfg := app.LoadConfig()
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *logFormat != "" {
		cfg.LogFormat = *logFormat
	}
	return app.Run(cfg)
}
