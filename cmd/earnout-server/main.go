package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/tendant/chi-demo/app"
	"github.com/tendant/simple-earnout/pkg/earnout/api"
	"github.com/tendant/simple-earnout/pkg/earnout/config"
)

func main() {
	help := flag.Bool("h", false, "print the environment variables the server reads")
	flag.Parse()
	if *help {
		fmt.Println(config.EnvUsage())
		return
	}

	_ = godotenv.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	serverConfig, err := config.Load(config.WithEnv())
	if err != nil {
		slog.Error("Failed to load server configuration", "err", err)
		os.Exit(1)
	}

	ctx := context.Background()
	rt, err := serverConfig.BuildService(ctx, logger)
	if err != nil {
		slog.Error("Failed to build service", "err", err)
		os.Exit(1)
	}
	defer rt.Close()

	secret := serverConfig.JWTSecret
	if secret == "" {
		secret = "development-secret"
		slog.Warn("JWT_SECRET not set, using the development secret")
	}
	tokenAuth := api.NewTokenAuth(secret)

	server := app.DefaultApp()
	app.RoutesHealthz(server.R)
	app.RoutesHealthzReady(server.R)

	dealHandler := api.NewDealHandler(rt.Service)
	server.R.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequestID)
		r.Use(middleware.RealIP)
		r.Use(middleware.Recoverer)
		r.Use(middleware.Timeout(60 * time.Second))
		r.Group(func(r chi.Router) {
			r.Use(api.Authenticated(tokenAuth))
			r.Mount("/deals", dealHandler.Routes())
		})
	})

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%s", serverConfig.Port),
		Handler:           server.R,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("Earn-out server starting", "port", serverConfig.Port, "env", serverConfig.Environment,
			"postgres", serverConfig.UsesPostgres(), "evidence", serverConfig.EvidenceURL,
			"attestation", serverConfig.AttestationMode, "disburser", serverConfig.Disburser)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "err", err)
	}
	slog.Info("Server exiting")
}
