package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"github.com/agentmux/agentmux/internal/api"
	"github.com/agentmux/agentmux/internal/artifacts"
	"github.com/agentmux/agentmux/internal/broker"
	"github.com/agentmux/agentmux/internal/bus"
	"github.com/agentmux/agentmux/internal/config"
	"github.com/agentmux/agentmux/internal/hub"
	"github.com/agentmux/agentmux/internal/logging"
	"github.com/agentmux/agentmux/internal/redact"
	"github.com/agentmux/agentmux/internal/signing"
	"github.com/agentmux/agentmux/internal/store"
)

// Version information (set via ldflags during build).
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "agentmux-gateway",
	Short: "Agentmux gateway - control plane for remote AI workers",
	Long: `The agentmux gateway is the central control plane through which
operators create, observe, and steer long-running AI worker runs
executing on remote hosts. Workers poll for commands and stream
events back; the gateway fans them out to subscribed UI clients.`,
	Version: Version,
	RunE:    runGateway,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"agentmux-gateway version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
}

func runGateway(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadGateway()
	if err != nil {
		return err
	}
	logging.Init(logging.Config{Level: cfg.LogLevel, JSON: cfg.LogJSON})
	log := logging.WithComponent("gateway")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
		return fmt.Errorf("create database dir: %w", err)
	}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := bootstrapAdmin(cfg, db); err != nil {
		return err
	}

	var fanout bus.Bus
	if cfg.RedisAddr != "" {
		rb, err := bus.NewRedisBus(cfg.RedisAddr)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		fanout = rb
		log.Info().Str("addr", cfg.RedisAddr).Msg("using redis fan-out bus")
	} else {
		fanout = bus.NewMemoryBus()
		log.Info().Msg("using in-memory fan-out bus")
	}
	defer fanout.Close()

	redactor, err := redact.New(cfg.RedactPatterns)
	if err != nil {
		return err
	}

	bk := broker.New(db, fanout, redactor, cfg.AllowedCommands)
	h := hub.New(fanout)
	defer h.Close()

	files, err := artifacts.New(cfg.ArtifactsDir, cfg.MaxArtifactSize, db)
	if err != nil {
		return err
	}

	apiServer := api.New(cfg, db, bk, h, files)
	defer apiServer.Close()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           apiServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// bootstrapAdmin creates the initial admin account on an empty user table.
// Without ADMIN_PASSWORD a random password is generated and logged once.
func bootstrapAdmin(cfg *config.Gateway, db *store.Store) error {
	count, err := db.CountUsers()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	password := cfg.AdminPassword
	generated := false
	if password == "" {
		token, err := signing.NewToken(12)
		if err != nil {
			return err
		}
		password = token
		generated = true
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user := &store.User{
		ID:           strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Username:     cfg.AdminUsername,
		PasswordHash: string(hash),
		Role:         store.RoleAdmin,
	}
	if err := db.CreateUser(user); err != nil {
		return err
	}

	log := logging.WithComponent("gateway")
	if generated {
		log.Info().Str("username", cfg.AdminUsername).Str("password", password).
			Msg("bootstrap admin created with generated password, change it")
	} else {
		log.Info().Str("username", cfg.AdminUsername).Msg("bootstrap admin created")
	}
	return nil
}
