package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"calmkit/internal/app"
	"calmkit/internal/config"
	"calmkit/internal/email"
	"calmkit/internal/passphrase"
	"calmkit/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer db.Close()

	applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
	if err != nil {
		log.Fatalf("migrations failed: %v", err)
	}
	for _, version := range applied {
		log.Printf("applied migration %s", version)
	}

	dataStore := store.NewPostgresStore(db)

	var tracker passphrase.Tracker
	if strings.TrimSpace(cfg.RedisURL) != "" {
		log.Printf("Using Redis for passphrase job status")
		redisTracker, err := passphrase.NewRedisTracker(cfg.RedisURL, cfg.JobTimeout+time.Minute, cfg.JobStatusTTL)
		if err != nil {
			log.Fatalf("redis connection failed: %v", err)
		}
		defer redisTracker.Close()
		tracker = redisTracker
	} else {
		log.Printf("Using process memory for passphrase job status")
		tracker = passphrase.NewMemoryTracker(cfg.JobStatusTTL)
	}

	runner := passphrase.NewRunner(dataStore, tracker, cfg.JobTimeout)
	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		backup, err := passphrase.NewMinioBackup(ctx, passphrase.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			log.Fatalf("object storage setup failed: %v", err)
		}
		runner.WithBackup(backup)
	}

	mail := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mail.IsConfigured() {
		runner.WithNotifier(email.NewMigrationNotifier(mail, dataStore))
	}

	service, err := app.New(cfg, dataStore, tracker, runner)
	if err != nil {
		log.Fatalf("service setup failed: %v", err)
	}

	httpServer := app.NewHTTPServer(service, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Printf("Calmkit API listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server failed: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
	// running jobs finish on their own timeout; give them until the deadline
	done := make(chan struct{})
	go func() {
		runner.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Printf("shutdown: passphrase jobs still running")
	}
}
