// Command gracectl runs the Grace control plane: the Component Framework,
// Event Mesh, Unified Logic Hub, Gated Memory Fusion, Mission & Observation
// Loop, Component Handshake Protocol, Port Manager/Watchdog, Immutable
// Audit Log and CAPA/Learning Sink, wired together and served over HTTP.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/grace-platform/control-plane/internal/bootstrap"
	"github.com/grace-platform/control-plane/internal/httpapi"
	"github.com/grace-platform/control-plane/pkg/config"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	plane, err := bootstrap.Build(rootCtx, cfg)
	if err != nil {
		log.Fatalf("build control plane: %v", err)
	}

	router := httpapi.NewRouter(plane.Router)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		plane.Log.WithField("addr", addr).Info("grace control plane listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			plane.Log.WithField("error", err).Error("http server stopped unexpectedly")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	cancelRoot()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		plane.Log.WithField("error", err).Error("graceful shutdown failed")
	}
	if plane.DB != nil {
		_ = plane.DB.Close()
	}
}
