// main.go
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"fanoutbench/config"
	"fanoutbench/logging"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const usage = `usage: fanoutbench <command> [flags]

commands:
  fanout    measure fan-out latency across N stream listeners
  verify    check a final item state against a bid submission log
  monitor   sample an item's state and report whether it keeps advancing
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var code int
	switch os.Args[1] {
	case "fanout":
		code = runFanout(ctx, os.Args[2:])
	case "verify":
		code = runVerify(ctx, os.Args[2:])
	case "monitor":
		code = runMonitor(ctx, os.Args[2:])
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		code = 2
	}
	stop()
	os.Exit(code)
}

// loadConfig reads path when given and falls back to the environment when
// the file is unusable.
func loadConfig(path string) *config.Config {
	if path == "" {
		return config.LoadFromEnv()
	}
	cfg, err := config.LoadFromFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config file error: %v, using defaults\n", err)
		return config.LoadFromEnv()
	}
	config.ApplyEnv(cfg)
	return cfg
}

func newLogger(cfg *config.Config) *zap.SugaredLogger {
	log, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v, falling back to info\n", err)
		log, _ = logging.New("info", false)
	}
	return log
}

// writeOutput runs write against path, or stdout when path is empty.
func writeOutput(path string, write func(io.Writer) error) error {
	if path == "" {
		return write(os.Stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
