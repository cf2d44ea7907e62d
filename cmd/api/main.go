/* Copyright (c) 2025 Hamed Shams <https://hamedshams.com>
 * SPDX-License-Identifier: BSD-3-Clause */
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Latermedia/linearbot-sub006/internal/adapters/linear"
	"github.com/Latermedia/linearbot-sub006/internal/adapters/openai"
	"github.com/Latermedia/linearbot-sub006/internal/adapters/telegram"
	"github.com/Latermedia/linearbot-sub006/internal/config"
	httpx "github.com/Latermedia/linearbot-sub006/internal/http"
	"github.com/Latermedia/linearbot-sub006/internal/jobs"
	"github.com/Latermedia/linearbot-sub006/internal/logger"
	"github.com/Latermedia/linearbot-sub006/internal/repo"
	"github.com/Latermedia/linearbot-sub006/internal/services"
	"github.com/rs/zerolog"
)

// chatSink mirrors sync progress into the configured chats.
type chatSink struct {
	tg    *telegram.Client
	chats []int64
	log   zerolog.Logger
}

func (s chatSink) Publish(ctx context.Context, msg string) {
	for _, id := range s.chats {
		if err := s.tg.SendMessagePlain(ctx, id, msg); err != nil {
			s.log.Warn().Err(err).Int64("chat_id", id).Msg("progress send failed")
		}
	}
}

// validateTeamKeys warns about configured team keys that do not exist
// remotely; a typo here silently empties a domain or disables an ignore rule.
func validateTeamKeys(ctx context.Context, lc *linear.Client, cfg config.Config, log zerolog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	teams, err := lc.ListTeams(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("team key validation skipped")
		return
	}
	known := make(map[string]struct{}, len(teams))
	for _, t := range teams {
		known[t.Key] = struct{}{}
	}
	check := func(key, where string) {
		if _, ok := known[key]; !ok {
			log.Warn().Str("team_key", key).Str("config", where).Msg("configured team key not found remotely")
		}
	}
	for _, k := range cfg.IgnoredTeamKeys {
		check(k, "IGNORED_TEAM_KEYS")
	}
	for name, keys := range cfg.DomainTeams {
		for _, k := range keys {
			check(k, "DOMAIN_TEAMS:"+name)
		}
	}
}

func main() {
	cfg := config.Load()
	log := logger.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db := repo.MustOpen(ctx, cfg, log)
	defer db.Close()
	repository := repo.NewRepository(db, log)

	lc := linear.NewClient(cfg, log)
	tg := telegram.NewClient(cfg, log)
	go validateTeamKeys(ctx, lc, cfg, log)

	var progress services.ProgressSink = services.NewLogSink(log)
	if cfg.TelegramToken != "" && len(cfg.TelegramChatIDs) > 0 {
		progress = chatSink{tg: tg, chats: cfg.TelegramChatIDs, log: log}
	}

	var llm services.Summarizer
	if cfg.OpenAIKey != "" {
		llm = openai.NewClient(cfg, log)
	}

	syncer := services.NewSyncer(lc, repository, progress, log)
	engine := services.NewEngine(cfg, log, repository, nil, nil)
	digest := services.NewDigest(cfg, log, engine, tg, llm)

	router := httpx.NewRouter(cfg, log, syncer, engine, digest)

	cron := jobs.NewCron(cfg, log, syncer, engine, digest, repository)
	cron.Start()
	defer cron.Stop()

	errCh := make(chan error, 1)
	go func() { errCh <- router.Run(cfg.HTTPAddr) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("shutting down...")
	case err := <-errCh:
		if err != nil { log.Error().Err(err).Msg("http server error") }
	}

	time.Sleep(500 * time.Millisecond)
}
