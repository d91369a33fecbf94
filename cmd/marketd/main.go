package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/swapmesh/marketd/pkg/auth"
	"github.com/swapmesh/marketd/pkg/config"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests.
var startServer = runServer

// Run is the entrypoint for testing: it dispatches on args[1] the same
// way any long-running service binary separates "serve" from its
// maintenance subcommands, trimmed to the subcommands marketd actually
// has.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		startServer()
		return 0
	}

	switch args[1] {
	case "server":
		startServer()
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stdout, "Unknown command: %s. Defaulting to server...\n", args[1])
		startServer()
		return 0
	}
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: marketd <command>")
	_, _ = fmt.Fprintln(w, "\nCommands:")
	_, _ = fmt.Fprintln(w, "  server     Run the marketd HTTP server (default)")
	_, _ = fmt.Fprintln(w, "  help       Show this message")
}

//nolint:gocognit,gocyclo
func runServer() {
	log.Println("[marketd] starting")
	logger := slog.Default()

	cfg := config.Load()

	svc, err := newServices(cfg)
	if err != nil {
		log.Fatalf("[marketd] service init failed: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := svc.obs.Shutdown(ctx); shutdownErr != nil {
			logger.Error("observability shutdown failed", "error", shutdownErr)
		}
	}()

	log.Printf("[marketd] store backend: %s (%s)", svc.store.Backend(), cfg.StorePath)

	mux := http.NewServeMux()
	svc.registerRoutes(mux)

	var handler http.Handler = mux
	handler = auth.Middleware(handler)
	handler = auth.CORSMiddleware(cfg.CORSOrigins)(handler)
	handler = auth.RequestIDMiddleware(handler)
	handler = auth.NewIPRateLimiter(50, 100).Middleware(handler)
	handler = svc.obs.Middleware("marketd")(handler)

	addr := ":" + cfg.Port
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("[marketd] listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("[marketd] server error: %v", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[marketd] shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("[marketd] graceful shutdown failed: %v", err)
	}
}
