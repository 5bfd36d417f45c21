package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/custodia/certauth/api"
	"github.com/custodia/certauth/auth"
	"github.com/custodia/certauth/ca"
	"github.com/custodia/certauth/internal/util"
	"github.com/custodia/certauth/keystore"
	"github.com/custodia/certauth/storage"
	bboltstorage "github.com/custodia/certauth/storage/bbolt"
)

// passphraseEnv holds the keystore passphrase; it is never accepted as a
// flag so it cannot leak through process listings.
const passphraseEnv = "CERTAUTH_PASSPHRASE"

var (
	serverPort int
	dataPath   string
	tlsCert    string
	tlsKey     string
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the certificate authentication server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		// Flags override file values.
		if cmd.Flags().Changed("port") {
			cfg.Server.Port = serverPort
		}
		if cmd.Flags().Changed("data") {
			cfg.Storage.Path = dataPath
		}
		if cmd.Flags().Changed("tls-cert") {
			cfg.Server.TLSCert = tlsCert
		}
		if cmd.Flags().Changed("tls-key") {
			cfg.Server.TLSKey = tlsKey
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o700); err != nil {
			return fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Storage.Path, nil)
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer repo.Close()

		ks, err := openOrInitKeystore(repo, cfg.Keystore.Profile)
		if err != nil {
			return err
		}

		logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
		registry := ca.NewRegistry(repo, ks)
		manager := ca.NewManager(registry, ks, ca.WithLogger(logger))
		verifier := ca.NewVerifier(registry, ca.WithVerifierLogger(logger))
		enrollment := auth.NewEnrollment(repo, ks, auth.WithPendingTTL(cfg.PendingTTL()))
		machine := auth.NewMachine(verifier, enrollment, auth.NewMemorySessionStore(),
			auth.WithMachineLogger(logger),
			auth.WithAttemptLimit(cfg.Auth.AttemptLimit),
			auth.WithSessionTTL(cfg.SessionTTL()))

		proxies, err := cfg.TrustedProxyPrefixes()
		if err != nil {
			return err
		}
		a := api.New(machine, manager, enrollment,
			api.WithLogger(logger),
			api.WithVerifier(verifier),
			api.WithTrustedProxies(proxies),
			api.WithExemptPrefixes(cfg.Auth.ExemptPrefixes),
			api.WithAdminToken(cfg.Admin.Token))

		r := chi.NewRouter()
		r.Use(middleware.Logger)
		r.Use(middleware.Recoverer)

		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("OK"))
		})

		r.Mount("/api/v1", a.Router())

		var tlsConfig *tls.Config
		if cfg.Server.TLSCert != "" && cfg.Server.TLSKey != "" {
			cert, err := tls.LoadX509KeyPair(cfg.Server.TLSCert, cfg.Server.TLSKey)
			if err != nil {
				return fmt.Errorf("failed to load TLS key pair: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
		} else {
			cert, err := util.GenerateSelfSignedCert()
			if err != nil {
				return fmt.Errorf("failed to generate self-signed certificate: %w", err)
			}
			tlsConfig = &tls.Config{
				Certificates: []tls.Certificate{cert},
				MinVersion:   tls.VersionTLS12,
			}
			fmt.Println("Using self-signed runtime generated certificate for TLS")
		}

		server := &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           r,
			TLSConfig:         tlsConfig,
			ReadHeaderTimeout: 10 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		}

		// Graceful shutdown on SIGINT/SIGTERM.
		done := make(chan error, 1)
		go func() {
			if err := server.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("server failed: %w", err)
				return
			}
			done <- nil
		}()

		printBanner()
		fmt.Printf("Starting server on port %d (data: %s)...\n", cfg.Server.Port, cfg.Storage.Path)

		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

		select {
		case sig := <-quit:
			fmt.Printf("\nReceived %s, shutting down...\n", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := server.Shutdown(ctx); err != nil {
				return fmt.Errorf("server shutdown failed: %w", err)
			}
			return nil
		case err := <-done:
			return err
		}
	},
}

// openOrInitKeystore opens the keystore with the passphrase from the
// environment, initializing it on first run.
func openOrInitKeystore(repo storage.Repository, profile string) (*keystore.Store, error) {
	passphrase := os.Getenv(passphraseEnv)
	if passphrase == "" {
		return nil, fmt.Errorf("%s must be set", passphraseEnv)
	}
	ks, err := keystore.Open(repo, passphrase)
	if errors.Is(err, keystore.ErrNotInitialized) {
		fmt.Println("Initializing keystore...")
		return keystore.Initialize(repo, passphrase, profile)
	}
	return ks, err
}

func init() {
	rootCmd.AddCommand(serverCmd)
	serverCmd.Flags().IntVarP(&serverPort, "port", "p", 8444, "Port to listen on")
	serverCmd.Flags().StringVar(&dataPath, "data", "./data/certauth.db", "Path to the record store")
	serverCmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Path to TLS certificate file")
	serverCmd.Flags().StringVar(&tlsKey, "tls-key", "", "Path to TLS key file")
}
