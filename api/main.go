package main

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/afero"

	"snapshot-tools/api/config"
	"snapshot-tools/api/engine"
	"snapshot-tools/api/handler"
	"snapshot-tools/api/hub"
	"snapshot-tools/api/operation"
	"snapshot-tools/api/state"
	"snapshot-tools/api/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	if cfg.Source != "" {
		log.Printf("config loaded from %s", cfg.Source)
	}

	fsys := afero.NewOsFs()
	if err := fsys.MkdirAll(filepath.Dir(cfg.StateFile), 0755); err != nil {
		log.Fatalf("state dir: %v", err)
	}
	if err := fsys.MkdirAll(cfg.ExportDir, 0755); err != nil {
		log.Fatalf("export dir: %v", err)
	}

	docker := engine.NewDocker(cfg.DockerBin)
	ops := operation.NewManager(docker, state.New(fsys, cfg.StateFile), fsys, cfg.ExportDir)

	// A running record left behind by a previous process has no executor.
	if err := ops.Recover(context.Background()); err != nil {
		log.Printf("WARNING: state recovery: %v", err)
	}

	var s3Client *storage.Client
	if cfg.S3Enabled() {
		var err error
		s3Client, err = storage.NewClient(storage.Config{
			Endpoint:  cfg.S3Endpoint,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			UseSSL:    cfg.S3UseSSL,
		})
		if err != nil {
			log.Printf("WARNING: S3 storage unavailable (%v)", err)
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := s3Client.EnsureBucket(ctx); err != nil {
				log.Printf("WARNING: S3 bucket %s: %v", cfg.S3Bucket, err)
			}
			cancel()
			ops.Uploader = s3Client
			log.Println("S3 storage connected at " + s3Client.Endpoint())
		}
	}

	// Parse allowed origins: always include localhost, plus configured extras.
	allowedOrigins := []string{"http://localhost:3000", "http://localhost:5173"}
	if cfg.AllowedOrigins != "" {
		for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}

	ws := hub.New(allowedOrigins)
	go ws.Run()
	ops.Events = ws

	h := handler.New(docker, ops, cfg, s3Client, ws)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	}))

	// Optional bearer token auth when SNAPSHOT_API_TOKEN is set
	if cfg.APIToken != "" {
		r.Use(bearerAuth(cfg.APIToken))
		log.Println("API token auth enabled")
	}

	h.Mount(r)
	r.Get("/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"version": Version})
	})
	r.Get("/ws", ws.HandleConnect)

	ln, err := listen(cfg)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}

	srv := &http.Server{Handler: r}

	go func() {
		log.Printf("snapshot-tools %s listening on %s", Version, ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(ctx)

	// docker commit/save are not interruptible; let them record their outcome.
	ops.Wait()
	ws.Stop()
}

// listen binds the TCP address when one is configured and the extension
// socket otherwise. A socket file left by a previous run is removed first.
func listen(cfg *config.Config) (net.Listener, error) {
	if cfg.Addr != "" {
		return net.Listen("tcp", cfg.Addr)
	}
	if err := os.Remove(cfg.Socket); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %s: %w", cfg.Socket, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Socket), 0755); err != nil {
		return nil, err
	}
	return net.Listen("unix", cfg.Socket)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Skip auth for WebSocket upgrade and health check
			if r.URL.Path == "/ws" || r.URL.Path == "/health" || r.URL.Path == "/version" {
				next.ServeHTTP(w, r)
				return
			}
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(auth[7:]), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
