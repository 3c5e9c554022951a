// Command navsyncd runs the watchlist NAV sync engine with its HTTP surface:
// /metrics, /healthz, the /ws gateway and the /api REST endpoints.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"navsync/config"
	"navsync/internal/gateway"
	"navsync/internal/logger"
	"navsync/internal/markethours"
	"navsync/internal/metrics"
	"navsync/internal/model"
	"navsync/internal/navsync"
)

// seedFile lists watchlists to upsert at startup.
type seedFile struct {
	Watchlists []struct {
		Slug  string   `yaml:"slug"`
		Name  string   `yaml:"name"`
		Open  bool     `yaml:"open"`
		Items []string `yaml:"symbols"`
	} `yaml:"watchlists"`
}

func main() {
	cfgPath := flag.String("config", "", "Path to YAML config (optional)")
	seedPath := flag.String("seed", "", "Path to YAML watchlist seed file (optional)")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		boot := logger.Init("navsyncd", zerolog.InfoLevel)
		boot.Fatal().Err(err).Msg("config")
	}

	level := logger.ParseLevel(cfg.Log.Level)
	log := logger.Init("navsyncd", level)
	if cfg.Log.Pretty {
		log = logger.InitWithWriter("navsyncd", level, logger.Console(os.Stdout))
	}
	log.Info().Str("market", markethours.StatusString(time.Now())).Msg("starting")

	if cfg.Store.Kind == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.SQLitePath), 0o755); err != nil {
			log.Fatal().Err(err).Msg("data dir")
		}
	}

	svc, err := navsync.New(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("init")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *seedPath != "" {
		if err := seed(ctx, svc, *seedPath, log); err != nil {
			log.Fatal().Err(err).Str("path", *seedPath).Msg("seed")
		}
	}

	srv := metrics.NewServer(cfg.HTTP.Addr, svc.Gatherer(), svc.Health(), log)
	gateway.RegisterRoutes(srv, svc.Hub())
	srv.Start()

	if err := svc.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	if err := svc.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("service shutdown")
	}
	cancel()
	log.Info().Msg("shutdown complete")
}

func seed(ctx context.Context, svc *navsync.Service, path string, log zerolog.Logger) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f seedFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return err
	}
	for _, w := range f.Watchlists {
		wl := model.Watchlist{Slug: w.Slug, Name: w.Name}
		for _, sym := range w.Items {
			wl.Items = append(wl.Items, model.Instrument{Symbol: sym})
		}
		saved, err := svc.PutWatchlist(ctx, wl)
		if err != nil {
			return err
		}
		if w.Open {
			if err := svc.OpenWatchlist(ctx, saved.Slug); err != nil {
				return err
			}
		}
		log.Info().Str("slug", saved.Slug).Int("symbols", len(saved.Items)).Bool("open", w.Open).Msg("seeded watchlist")
	}
	return nil
}
