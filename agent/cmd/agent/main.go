package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nestlog/nestlog/agent/internal/config"
	"github.com/nestlog/nestlog/agent/internal/scraper"
	"github.com/nestlog/nestlog/agent/internal/shipper"
)

type pipeline struct {
	src config.Source
	s   scraper.Scraper
}

// pipelines holds the active scrapers; a config reload swaps the whole set.
type pipelines struct {
	mu   sync.RWMutex
	list []pipeline
}

func (p *pipelines) set(list []pipeline) {
	p.mu.Lock()
	p.list = list
	p.mu.Unlock()
}

func (p *pipelines) get() []pipeline {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.list
}

func buildPipelines(sources []config.Source) []pipeline {
	var out []pipeline
	for _, src := range sources {
		s, err := scraper.New(src)
		if err != nil {
			slog.Error("skipping source, could not build scraper", "source", src.ID, "err", err)
			continue
		}
		out = append(out, pipeline{src: src, s: s})
		slog.Info("registered source", "id", src.ID, "endpoint", src.Endpoint, "caregiver_label", src.CaregiverLabel)
	}
	if len(out) == 0 {
		slog.Warn("no sources configured, agent will idle")
	}
	return out
}

func logLevel(s string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return l
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: &level}))
	slog.SetDefault(logger)

	slog.Info("nestlog-agent starting", "config", *configPath)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	level.Set(logLevel(cfg.Agent.LogLevel))
	slog.Info("config loaded",
		"server_endpoint", cfg.Agent.ServerEndpoint,
		"sources", len(cfg.Agent.Sources),
		"scrape_interval", cfg.Agent.ScrapeInterval,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	active := &pipelines{}
	active.set(buildPipelines(cfg.Agent.Sources))

	// Sources and log level reload live; endpoint, auth and interval need a restart.
	go func() {
		if err := config.Watch(ctx, *configPath, func(updated *config.Config) {
			level.Set(logLevel(updated.Agent.LogLevel))
			active.set(buildPipelines(updated.Agent.Sources))
		}); err != nil {
			slog.Error("config watcher stopped", "err", err)
		}
	}()

	ship := shipper.New(cfg.Agent)
	go ship.Run(ctx)

	scrapeAll := func() {
		for _, p := range active.get() {
			subs, err := p.s.Scrape(ctx)
			if err != nil {
				slog.Warn("scrape error", "source", p.src.ID, "err", err)
				continue
			}
			for _, sub := range subs {
				ship.Ship(sub)
			}
			slog.Debug("scraped source",
				"source", p.src.ID,
				"submissions", len(subs),
				"pending", ship.Pending(),
			)
		}
	}

	go func() {
		scrapeAll()
		ticker := time.NewTicker(cfg.Agent.ScrapeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				scrapeAll()
			}
		}
	}()

	<-ctx.Done()
	slog.Info("nestlog-agent shutting down", "pending", ship.Pending())
}
