// Command mail-laser terminates inbound SMTP for an allow-listed set of
// recipients and relays each accepted message to a single webhook as JSON
// over HTTP. It keeps no disk queue and never relays mail onward over SMTP.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"mail-laser/internal/certgen"
	"mail-laser/internal/config"
	"mail-laser/internal/deliver"
	"mail-laser/internal/health"
	"mail-laser/internal/smtp"
	"mail-laser/lalog"
)

var logger = lalog.Logger{ComponentName: "main"}

func main() {
	release := flag.Bool("release", false, "run in release mode, rejecting a non-HTTPS webhook URL")
	flag.Parse()

	cfg, err := config.Load(config.Release(*release))
	if err != nil {
		logger.Fatal("main", "", err, "failed to load configuration")
	}

	deliverer := &deliver.Deliverer{
		WebhookURL:       cfg.WebhookURL,
		MaxRetries:       cfg.WebhookMaxRetries,
		CircuitThreshold: cfg.CircuitThreshold,
		CircuitResetSec:  cfg.CircuitResetSec,
		Logger:           &lalog.Logger{ComponentName: "deliver"},
	}
	if cfg.WebhookTimeoutSec > 0 {
		deliverer.Timeout = time.Duration(cfg.WebhookTimeoutSec) * time.Second
	}
	if err := deliverer.Initialise(); err != nil {
		logger.Fatal("main", "", err, "failed to initialise deliverer")
	}

	cert, err := certgen.SelfSigned()
	if err != nil {
		logger.Fatal("main", "", err, "failed to generate TLS certificate")
	}
	tlsConfig := &tls.Config{Certificates: []tls.Certificate{cert}}

	listener := &smtp.Listener{
		Addr:           cfg.SMTPAddr(),
		ServerName:     "MailLaser",
		TLSConfig:      tlsConfig,
		Targets:        cfg,
		Queue:          deliverer,
		HeaderPrefixes: cfg.HeaderPrefixes,
		Logger:         &lalog.Logger{ComponentName: "smtp"},
	}
	if err := listener.Initialise(); err != nil {
		logger.Fatal("main", "", err, "failed to initialise SMTP listener")
	}

	healthServer := &health.Server{
		Addr:      cfg.HealthAddr(),
		Deliverer: deliverer,
		Logger:    &lalog.Logger{ComponentName: "health"},
	}
	if err := healthServer.Initialise(); err != nil {
		logger.Fatal("main", "", err, "failed to initialise health server")
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		deliverer.Run(ctx)
	}()

	errCh := make(chan error, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := listener.StartAndBlock(); err != nil {
			errCh <- err
		}
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthServer.StartAndBlock(); err != nil {
			errCh <- err
		}
	}()

	componentFailed := false
	select {
	case sig := <-sigCh:
		logger.Info("main", "", nil, "received signal %v, shutting down", sig)
	case err := <-errCh:
		logger.Warning("main", "", err, "a component failed to start, shutting down")
		componentFailed = true
	}

	listener.Stop()
	healthServer.Stop()
	cancel()
	deliverer.Wait()
	wg.Wait()
	if componentFailed {
		os.Exit(1)
	}
}
