package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/cache"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/config"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/httpapi"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/service"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/store"
	"github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/store/memory"
	pgstore "github.com/robertpezdirc-eng/OMNIBOT12-sub007/internal/store/postgres"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid security configuration")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL, pgstore.Options{
			AllowNegativeStock: cfg.AllowNegativeStock,
			TaxInclusive:       cfg.TaxInclusive,
			MaxLineQty:         cfg.MaxLineQty,
			DiscountCapCents:   cfg.DiscountCapCents,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres unavailable and DATABASE_URL is set, refusing in-memory fallback")
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info().Msg("repository: postgres")
	} else {
		repo = memory.NewSeeded(memory.Options{
			AllowNegativeStock: cfg.AllowNegativeStock,
			TaxInclusive:       cfg.TaxInclusive,
			MaxLineQty:         cfg.MaxLineQty,
			DiscountCapCents:   cfg.DiscountCapCents,
		})
		logger.Info().Msg("repository: in-memory")
	}

	summaryCache := cache.SummaryCache(cache.NoopSummaryCache{})
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSummaryCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, using noop cache")
		} else {
			summaryCache = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info().Msg("cache: redis")
		}
	} else {
		logger.Info().Msg("cache: noop")
	}

	svc := service.New(repo, summaryCache, logger, service.Options{
		DefaultLocationID: cfg.LocationID,
		CurrencyCode:      cfg.CurrencyCode,
		ReceiptFooter:     cfg.ReceiptFooter,
		PaymentFees:       cfg.PaymentFees,
		SummaryTTL:        time.Duration(cfg.SummaryTTLSeconds) * time.Second,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, logger, cfg.AllowedOrigin)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Address()).Msg("POS engine listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Error().Err(err).Msg("close error")
		}
	}

	logger.Info().Msg("server stopped")
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
