// Command abi-gateway runs the admission, authorization, and
// verified-emission gateway that stands between the Atomic Expert mesh's
// transport and its in-process event bus.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/atomic-mesh/abi-gateway/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("abi-gateway: config: %v", err)
	}

	gw, err := NewGateway(cfg)
	if err != nil {
		log.Fatalf("abi-gateway: startup: %v", err)
	}
	defer gw.Close()

	server := &http.Server{
		Addr:    cfg.Addr,
		Handler: gw.routes(),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErrCh := make(chan error, 1)
	go func() {
		log.Printf("abi-gateway: listening on %s", cfg.Addr)
		serveErrCh <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErrCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("abi-gateway: serve: %v", err)
		}
	case <-ctx.Done():
		log.Printf("abi-gateway: shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), gw.shutdownTimeout())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("abi-gateway: graceful shutdown failed: %v", err)
		}
	}
}
