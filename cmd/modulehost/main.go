// Command modulehost runs the module host HTTP server: admission,
// per-task workspace management, isolated execution, and log/result
// retrieval for the echo reference module.
//
// Grounded on kazuph-wallfacer's root main.go/server.go for its flag +
// envOrDefault convention and startup sequencing (store/runner/handler
// wiring, then listen).
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/kazuph/modulehost/internal/apihttp"
	"github.com/kazuph/modulehost/internal/capacity"
	"github.com/kazuph/modulehost/internal/examplemodule"
	"github.com/kazuph/modulehost/internal/logger"
	"github.com/kazuph/modulehost/internal/modulehost"
	"github.com/kazuph/modulehost/internal/storage"
	"github.com/kazuph/modulehost/internal/supervisor"
)

const apiVersion = "1"

func main() {
	registry := modulehost.NewRegistry()
	registry.Register(examplemodule.Name, examplemodule.Callback)

	// A worker re-exec of this same binary never reaches flag parsing or
	// HTTP serving: it runs the callback and exits.
	if supervisor.IsWorkerProcess() {
		supervisor.RunWorker(registry)
		return
	}

	var host string
	flag.StringVar(&host, "H", envOrDefault("MODULEHOST_HOST", "0.0.0.0"), "listen host")
	flag.StringVar(&host, "host", envOrDefault("MODULEHOST_HOST", "0.0.0.0"), "listen host (alias for -H)")

	var port int
	flag.IntVar(&port, "P", envOrDefaultInt("MODULEHOST_PORT", 5000), "listen port")
	flag.IntVar(&port, "port", envOrDefaultInt("MODULEHOST_PORT", 5000), "listen port (alias for -P)")

	var debug bool
	flag.BoolVar(&debug, "D", false, "enable verbose debug logging")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logging (alias for -D)")

	storagePath := flag.String("storage", envOrDefault("MODULEHOST_STORAGE", "storage"), "storage root directory")
	maxTasks := flag.Int("max-tasks", envOrDefaultInt("MODULEHOST_MAX_TASKS", 0), "maximum simultaneously RUNNING tasks (0 = unbounded)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: modulehost [flags]\n\nFlags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	logger.Init(debug)

	layout, err := storage.New(*storagePath)
	if err != nil {
		logger.Fatal(logger.Main, "storage init", "error", err)
	}

	sup := supervisor.New(layout, examplemodule.Name)
	if err := sup.ReapOrphans(context.Background()); err != nil {
		logger.Main.Warn("reap orphans", "error", err)
	}

	gate := capacity.New(layout, *maxTasks)

	h := apihttp.NewHandler(layout, gate, sup, apihttp.Info{
		APIVersion:         apiVersion,
		ModuleName:         examplemodule.Name,
		ImplementationName: "modulehost",
	})

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Fatal(logger.Main, "listen", "addr", addr, "error", err)
	}

	logger.Main.Info("listening", "addr", ln.Addr().String(), "storage", layout.Root(), "maxTasks", *maxTasks)
	srv := &http.Server{
		Handler:           apihttp.NewMux(h),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	if err := srv.Serve(ln); err != nil {
		logger.Fatal(logger.Main, "server", "error", err)
	}
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
