package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"crm-voice-sync/internal/api"
	"crm-voice-sync/internal/auth"
	"crm-voice-sync/internal/config"
	"crm-voice-sync/internal/crm"
	"crm-voice-sync/internal/extractor"
	"crm-voice-sync/internal/logger"
	"crm-voice-sync/internal/pipeline"
	"crm-voice-sync/internal/queue"
	"crm-voice-sync/internal/ratelimit"
	"crm-voice-sync/internal/recording"
	"crm-voice-sync/internal/transcription"
)

const shutdownGrace = 30 * time.Second

func main() {
	_ = godotenv.Load() // loads .env

	log := logger.New()
	log.WithField("service", "crm-voice-sync").Info("starting service")

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("invalid configuration")
	}

	refresher := auth.NewOAuthRefresher(auth.OAuthConfig{
		TokenURL:     cfg.CRM.TokenURL,
		ClientID:     cfg.CRM.ClientID,
		ClientSecret: cfg.CRM.ClientSecret,
		RefreshToken: cfg.CRM.RefreshToken,
		MaxElapsed:   10 * time.Second,
	})
	tokens := auth.NewTokenCache(refresher, auth.CacheConfig{
		Skew: cfg.CRM.TokenSkew,
		Log:  log.Entry,
	})

	crmClient := crm.NewClient(crm.ClientConfig{
		APIDomain:         cfg.CRM.APIDomain,
		Module:            cfg.CRM.Module,
		AuthScheme:        cfg.CRM.AuthScheme,
		RequestsPerSecond: cfg.CRM.RequestsPerSecond,
		Log:               log.Entry,
	}, tokens)
	updater := crm.NewUpdater(crmClient, tokens, crm.Fields{
		Transcript: cfg.CRM.TranscriptField,
		Analysis:   cfg.CRM.AnalysisField,
	}, log.Entry)

	var lookup recording.RecordingLookup
	reauth := cfg.Telephony.ReauthDomains
	if cfg.Telephony.BaseURL != "" {
		lookup = recording.NewTelephonyClient(recording.TelephonyConfig{
			BaseURL:       cfg.Telephony.BaseURL,
			APIKey:        cfg.Telephony.APIKey,
			AuthToken:     cfg.Telephony.AuthToken,
			RecordingPath: cfg.Telephony.RecordingPath,
			MaxElapsed:    10 * time.Second,
			Log:           log.Entry,
		})
		if u, err := url.Parse(cfg.Telephony.BaseURL); err == nil && u.Hostname() != "" {
			reauth = append(reauth, u.Hostname())
		}
	} else {
		log.Warn("TELEPHONY_BASE_URL not set, provider-hosted recordings cannot be resolved")
	}
	resolver := recording.NewResolver(crmClient, lookup, recording.ResolverConfig{
		RecordingField: cfg.CRM.RecordingField,
		ReauthDomains:  reauth,
		Log:            log.Entry,
	})

	transcriber := transcription.New(transcription.Config{
		APIKey:     cfg.STT.APIKey,
		BaseURL:    cfg.STT.BaseURL,
		Model:      cfg.STT.Model,
		Language:   cfg.STT.Language,
		Translate:  cfg.STT.Translate,
		Timeout:    cfg.STT.RequestTimeout,
		MaxElapsed: cfg.STT.MaxRetryElapsed,
		Log:        log.Entry,
	})

	var analyzer pipeline.Analyzer
	if cfg.STT.AnalysisEnabled {
		analyzer = extractor.New(extractor.Config{
			APIKey:     cfg.STT.APIKey,
			BaseURL:    cfg.STT.BaseURL,
			Model:      cfg.STT.AnalysisModel,
			MaxChars:   cfg.STT.AnalysisMaxChars,
			Timeout:    cfg.STT.AnalysisTimeout,
			MaxElapsed: cfg.STT.MaxRetryElapsed,
			Log:        log.Entry,
		})
	}

	executor := pipeline.New(resolver, transcriber, analyzer, updater, pipeline.Config{
		TempDir:         cfg.TempDir,
		DownloadTimeout: cfg.DownloadTimeout,
		Log:             log.Entry,
	})

	scheduler := queue.New(queue.Config{
		MaxConcurrent: cfg.Queue.MaxConcurrent,
		MaxQueueSize:  cfg.Queue.MaxQueueSize,
		HistorySize:   cfg.Queue.HistorySize,
		Log:           log.Entry,
	})

	server := api.NewServer(api.Config{
		Admission: ratelimit.New(ratelimit.Config{
			Window: cfg.Queue.RateLimitWindow,
			Max:    cfg.Queue.RateLimitMax,
		}),
		Scheduler:  scheduler,
		Runner:     executor,
		AdminToken: cfg.AdminToken,
		Log:        log,
	})

	addr := fmt.Sprintf(":%s", cfg.Port)
	// /process-audio lifts the read and write deadlines once the event is queued
	srv := &http.Server{
		Addr:              addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.WithFields(map[string]any{
			"addr":           addr,
			"max_concurrent": cfg.Queue.MaxConcurrent,
			"max_queue":      cfg.Queue.MaxQueueSize,
			"analysis":       cfg.STT.AnalysisEnabled,
		}).Info("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("http shutdown incomplete")
		}
		return scheduler.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("server terminated")
	}
	log.Info("stopped")
}
