package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/codefionn/inferlink/internal/consts"
	"github.com/codefionn/inferlink/internal/devserver"
	"github.com/codefionn/inferlink/internal/logger"
	"github.com/codefionn/inferlink/internal/pprof"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("inferlink-devserver", flag.ContinueOnError)
	var (
		socketPath  = fs.String("socket", consts.DefaultSocketPath, "Unix socket path, empty to disable")
		httpAddr    = fs.String("http", "127.0.0.1:8765", "HTTP listen address, empty to disable")
		delay       = fs.Duration("delay", 30*time.Millisecond, "Delay between generated tokens")
		logLevel    = fs.String("log-level", "info", "Log level: debug, info, warn, error or none")
		profiling   = fs.Bool("pprof", false, "Serve runtime profiles under /debug/pprof/")
		cpuProfile  = fs.String("cpuprofile", "", "Write a CPU profile to this file")
		heapProfile = fs.String("memprofile", "", "Write a heap profile to this file on exit")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	log := logger.NewWriter(logger.ParseLevel(*logLevel), os.Stderr, "")
	logger.SetGlobal(log)

	recorder := pprof.NewRecorder(pprof.Config{CPUProfile: *cpuProfile, HeapProfile: *heapProfile})
	if err := recorder.Start(); err != nil {
		return err
	}
	defer func() {
		if err := recorder.Stop(); err != nil {
			log.Warn("Failed to write profiles: %v", err)
		}
	}()

	srv := devserver.New(devserver.Options{
		SocketPath: *socketPath,
		HTTPAddr:   *httpAddr,
		Generator:  devserver.EchoGenerator{Delay: *delay},
		Logger:     log,
		Profiling:  *profiling,
	})
	if err := srv.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Serve(ctx)
}
