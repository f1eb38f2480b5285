package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	speech "cloud.google.com/go/speech/apiv1"
	"github.com/sirupsen/logrus"

	"triageassist/internal/config"
	"triageassist/internal/gateway"
	"triageassist/internal/logging"
)

const shutdownGrace = 10 * time.Second

func main() {
	cfg, err := config.LoadGateway()
	if err != nil {
		logrus.WithError(err).Fatal("load gateway config")
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		recognizer  gateway.Recognizer
		synthesizer gateway.Synthesizer
		configured  bool
	)
	if httpClient, err := gateway.DefaultHTTPClient(ctx); err != nil {
		logger.WithError(err).WithField("credentials", cfg.CredentialsFile).Warn("no Google credentials; speech routes disabled")
	} else {
		client, err := speech.NewClient(ctx)
		if err != nil {
			logger.WithError(err).Fatal("create speech client")
		}
		defer client.Close()

		recognizer = client
		synthesizer = gateway.NewTextToSpeech(cfg.TTSEndpoint, cfg.ProjectID, httpClient)
		configured = true
	}

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           gateway.NewServer(recognizer, synthesizer, configured, logger).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("gateway shutdown")
		}
	}()

	logger.WithFields(logrus.Fields{"addr": cfg.Addr, "configured": configured}).Info("speech gateway listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Fatal("gateway stopped")
	}
}
