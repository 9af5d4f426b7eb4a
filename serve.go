package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"karl/internal/httpapi"
	"karl/internal/runtime"

	"github.com/fatih/color"
)

// serveCommand starts the notebook kernel server: HTTP + WebSocket API,
// kernel pool, idle culler and session registry.
func serveCommand(args []string) int {
	cfg := runtime.ConfigFromEnv()

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "address to listen on")
	fs.StringVar(&cfg.DefaultKernelName, "kernel", cfg.DefaultKernelName, "default kernel spec name")
	fs.StringVar(&cfg.SessionDSN, "session-db", cfg.SessionDSN, "session store DSN (defaults to KARL_SESSION_DB)")
	fs.StringVar(&cfg.ServerURL, "server-url", cfg.ServerURL, "URL advertised to kernels via KARL_SERVER_URL")
	fs.BoolVar(&cfg.UsePendingKernels, "pending-kernels", cfg.UsePendingKernels, "return from kernel starts before the process is confirmed alive")
	fs.BoolVar(&cfg.AllowTracebacks, "allow-tracebacks", true, "forward kernel tracebacks to clients")
	fs.DurationVar(&cfg.KernelInfoTimeout, "kernel-info-timeout", cfg.KernelInfoTimeout, "how long a websocket open waits for a live kernel")
	fs.DurationVar(&cfg.CullInterval, "cull-interval", cfg.CullInterval, "how often the idle culler scans")
	fs.DurationVar(&cfg.CullIdleTimeout, "cull-idle-timeout", cfg.CullIdleTimeout, "cull kernels idle this long (0 disables culling)")
	fs.BoolVar(&cfg.CullBusy, "cull-busy", cfg.CullBusy, "cull kernels even while busy")
	fs.BoolVar(&cfg.CullConnected, "cull-connected", cfg.CullConnected, "cull kernels even with clients attached")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := runtime.New(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return 1
	}
	defer rt.Close()

	color.New(color.FgGreen, color.Bold).Fprintln(os.Stderr, "Karl notebook server")
	fmt.Fprintf(os.Stderr, "  listening on %s\n", cfg.Addr)
	names := rt.Specs.Names()
	if len(names) == 0 {
		color.New(color.FgYellow).Fprintln(os.Stderr, "  no kernel specs found on the search path")
	} else {
		fmt.Fprintf(os.Stderr, "  kernels: %s (default %s)\n", strings.Join(names, ", "), rt.Specs.Default())
	}

	srv := &http.Server{Addr: cfg.Addr, Handler: httpapi.New(rt)}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		return 1
	}
	return 0
}
