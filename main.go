package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"krx-trader/app"
	"krx-trader/config"
)

const usage = `usage: krx-trader <command>

commands:
  start    run the trading core until interrupted
  stop     signal a running core to shut down
  init     pre-market account sync and open-order check
  status   print positions, limits and account state
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	// stop only talks to the pid file; it must work even when the
	// database or broker are unreachable.
	if os.Args[1] == "stop" {
		os.Exit(runStop())
	}

	cfg := config.Load()

	application, err := app.New(cfg)
	if err != nil {
		log.Printf("❌ Startup failed: %v", err)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		os.Exit(runStart(application))
	case "init":
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := application.Init(ctx); err != nil {
			log.Printf("❌ Init failed: %v", err)
			os.Exit(1)
		}
	case "status":
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := application.Status(ctx); err != nil {
			log.Printf("❌ Status failed: %v", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(1)
	}
}

// runStart runs until SIGINT/SIGTERM, then shuts down in order.
// Returns 130 when stopped by a signal, matching shell convention.
func runStart(application *app.App) int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := pidFilePath()
	if err := writePIDFile(path, os.Getpid()); err != nil {
		log.Printf("⚠️  PID file write failed: %v", err)
	} else {
		defer os.Remove(path)
	}

	if err := application.Start(ctx); err != nil {
		log.Printf("❌ Start failed: %v", err)
		return 1
	}

	<-ctx.Done()
	stop()
	application.Stop()
	return 130
}

// runStop reads the pid file and sends SIGTERM to the running core.
func runStop() int {
	path := pidFilePath()
	pid, err := readPIDFile(path)
	if err != nil {
		log.Printf("❌ Stop: no running core found (%v)", err)
		return 1
	}
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		log.Printf("❌ Stop: signal to pid %d failed: %v", pid, err)
		return 1
	}
	log.Printf("🛑 Stop signal sent to pid %d", pid)
	return 0
}

// pidFilePath resolves the pid file location, overridable for multiple
// instances on one host.
func pidFilePath() string {
	if p := os.Getenv("PID_FILE"); p != "" {
		return p
	}
	return filepath.Join(os.TempDir(), "krx-trader.pid")
}

func writePIDFile(path string, pid int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0o644)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("malformed pid file %s", path)
	}
	return pid, nil
}
