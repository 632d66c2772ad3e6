// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/debridarr/debridarr/internal/api"
	"github.com/debridarr/debridarr/internal/api/handlers"
	"github.com/debridarr/debridarr/internal/buildinfo"
	"github.com/debridarr/debridarr/internal/config"
	"github.com/debridarr/debridarr/internal/database"
	"github.com/debridarr/debridarr/internal/debrid"
	"github.com/debridarr/debridarr/internal/domain"
	"github.com/debridarr/debridarr/internal/logger"
	"github.com/debridarr/debridarr/internal/metrics"
	"github.com/debridarr/debridarr/internal/models"
	"github.com/debridarr/debridarr/internal/services/downloader"
	"github.com/debridarr/debridarr/internal/services/health"
	"github.com/debridarr/debridarr/internal/services/orchestrator"
	"github.com/debridarr/debridarr/internal/services/scanner"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "debridarr",
		Short: "Blackhole downloader bridging *arr tools and a debrid service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.toml")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the download engine and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath)
		},
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(buildinfo.String())
		},
	}

	genConfigCmd := &cobra.Command{
		Use:   "gen-config",
		Short: "Write a commented starter configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGenConfig(configPath)
		},
	}

	rootCmd.AddCommand(serveCmd, versionCmd, genConfigCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGenConfig(configPath string) error {
	if configPath == "" {
		configPath = "config.toml"
	}
	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("refusing to overwrite existing config at %s", configPath)
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(config.DefaultConfigTemplate), 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	fmt.Printf("wrote %s; set debridApiToken and the client folders before starting\n", configPath)
	return nil
}

func runServe(configPath string) error {
	appCfg, err := config.New(configPath, buildinfo.Version)
	if err != nil {
		return err
	}

	cfg := appCfg.Get()
	logger.Setup(cfg)
	appCfg.OnChange(func(c *domain.Config) {
		logger.Setup(c)
	})

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log.Info().
		Str("version", buildinfo.Version).
		Str("commit", buildinfo.Commit).
		Int("clients", len(cfg.DownloadClients)).
		Msg("starting debridarr")

	db, err := database.New(appCfg.DatabasePath())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	jobs := models.NewJobStore(db)

	// The resolution client binds the token at startup; a token change in
	// the config file takes effect on restart.
	client := debrid.NewClient(cfg.DebridAPIURL, cfg.DebridAPIToken,
		debrid.WithAttempts(uint(cfg.SubmitRetryLimit())))

	pool := downloader.NewPool(downloader.Config{
		FileRetries: cfg.FileRetryLimit(),
	})

	healthSvc := health.New(appCfg.Get, client, jobs)
	orch := orchestrator.New(appCfg.Get, jobs, client, pool, healthSvc)
	scan := scanner.New(appCfg.Get, orch, jobs)

	server := api.NewServer(appCfg.Get,
		handlers.NewJobsHandler(jobs, orch),
		handlers.NewHealthHandler(healthSvc),
		handlers.NewFoldersHandler(appCfg.Get, scan),
		metrics.NewManager(jobs, healthSvc),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	healthSvc.Start(ctx)
	if err := orch.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	if err := scan.Start(ctx); err != nil {
		return fmt.Errorf("start scanner: %w", err)
	}

	serveErr := server.Serve(ctx)

	log.Info().Msg("shutting down, waiting for jobs to checkpoint")
	stop()
	orch.Wait()

	return serveErr
}
