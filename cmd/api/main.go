package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/feedmesh/go-feedmesh/buildinfo"
	"github.com/feedmesh/go-feedmesh/internal/gateway"
	gatewayimpl "github.com/feedmesh/go-feedmesh/internal/gateway/impl"
	"github.com/feedmesh/go-feedmesh/internal/groups"
	groupsimpl "github.com/feedmesh/go-feedmesh/internal/groups/impl"
	"github.com/feedmesh/go-feedmesh/internal/ingest"
	"github.com/feedmesh/go-feedmesh/internal/push"
	pushimpl "github.com/feedmesh/go-feedmesh/internal/push/impl"
	"github.com/feedmesh/go-feedmesh/internal/router"
	"github.com/feedmesh/go-feedmesh/pkg/backup"
	"github.com/feedmesh/go-feedmesh/pkg/eventbus"
	"github.com/feedmesh/go-feedmesh/pkg/invalidator"
	rotimpl "github.com/feedmesh/go-feedmesh/pkg/keyrotation/impl"
	"github.com/feedmesh/go-feedmesh/pkg/kv"
	kvimpl "github.com/feedmesh/go-feedmesh/pkg/kv/impl"
	"github.com/feedmesh/go-feedmesh/pkg/logging"
	"github.com/feedmesh/go-feedmesh/pkg/metrics"
	"github.com/feedmesh/go-feedmesh/pkg/projections"
	"github.com/feedmesh/go-feedmesh/pkg/sharedmemory"
	sqlimpl "github.com/feedmesh/go-feedmesh/pkg/sqlstore/impl"
)

func main() {
	config := setupConfig()
	logging.SetupLogger(buildinfo.GitCommit, config.Log.Debug, config.Log.Human)

	ctx := context.Background()

	if err := metrics.SetupInstrumentation(":"+config.Metrics.Port, "feedmesh:api"); err != nil {
		log.Fatal().Err(err).Str("port", config.Metrics.Port).Msg("could not setup instrumentation")
	}

	databaseURL := fmt.Sprintf(
		"file:%s?_busy_timeout=5000&_foreign_keys=on&_journal_mode=WAL",
		config.Gateway.DBPath,
	)
	store, err := sqlimpl.New(databaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize the store")
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("closing the store")
		}
	}()

	cache := setupCache(ctx, config)

	userFeeds := projections.NewUserFeeds(cache)
	feedMeta := projections.NewFeedMetadata(cache)
	tail := projections.NewMessageTail(cache)
	readMarks := projections.NewReadMarks(cache)
	identity := projections.NewIdentity(cache)
	participants := projections.NewGroupParticipants(cache)
	pushTokens := projections.NewPushTokens(cache)

	bus, err := eventbus.New()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create the event bus")
	}
	defer bus.Close()
	invalidator.New(store, identity, userFeeds, feedMeta, participants).Register(bus)

	sm := sharedmemory.NewSharedMemory()
	rotator, err := rotimpl.New(store, sm)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create the key rotator")
	}

	var gw gateway.Gateway = gatewayimpl.NewGateway(
		store, userFeeds, feedMeta, tail, readMarks, identity, participants)
	gw, err = gateway.NewInstrumentedGateway(gw)
	if err != nil {
		log.Fatal().Err(err).Msg("instrumenting gateway")
	}

	var grp groups.Groups = groupsimpl.NewGroups(store, rotator, bus, sm)
	grp, err = groups.NewInstrumentedGroups(grp)
	if err != nil {
		log.Fatal().Err(err).Msg("instrumenting groups")
	}

	var psh push.Push = pushimpl.NewPush(store, pushTokens)
	psh, err = push.NewInstrumentedPush(psh)
	if err != nil {
		log.Fatal().Err(err).Msg("instrumenting push")
	}

	ing, err := ingest.New(store, feedMeta, tail, userFeeds, bus, sm)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create the ingestor")
	}

	if config.Backup.Enabled {
		backuper, err := backup.NewBackuper(
			config.Gateway.DBPath,
			config.Backup.Dir,
			backup.WithVacuum(config.Backup.EnableVacuum),
			backup.WithCompression(config.Backup.EnableCompression),
			backup.WithPruning(config.Backup.EnablePruning, config.Backup.KeepFiles),
		)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create the backuper")
		}
		scheduler := backup.NewScheduler(
			time.Duration(config.Backup.Frequency)*time.Minute, backuper, false)
		go scheduler.Run()
		defer scheduler.Shutdown()
	}

	stats := func() map[string]projections.Snapshot {
		return map[string]projections.Snapshot{
			"user_feeds":         userFeeds.Stats(),
			"feed_metadata":      feedMeta.Stats(),
			"message_tail":       tail.Stats(),
			"read_marks":         readMarks.Stats(),
			"identity":           identity.Stats(),
			"group_participants": participants.Stats(),
			"push_tokens":        pushTokens.Stats(),
		}
	}

	rateLimInterval, err := time.ParseDuration(config.HTTP.RateLimInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("parsing rate limit interval")
	}
	r, err := router.ConfiguredRouter(config.HTTP.MaxRPI, rateLimInterval, gw, grp, psh, ing, stats)
	if err != nil {
		log.Fatal().Err(err).Msg("configuring router")
	}

	log.Info().Str("port", config.HTTP.Port).Msg("serving http api")
	if err := http.ListenAndServe(":"+config.HTTP.Port, r.Handler()); err != nil {
		log.Fatal().Err(err).Str("port", config.HTTP.Port).Msg("could not start server")
	}
}

func setupCache(ctx context.Context, config *config) kv.Store {
	if config.Cache.Backend == "memory" {
		log.Warn().Msg("using in-memory cache, projections will not survive restarts")
		return kvimpl.NewMemStore(config.Cache.KeyPrefix)
	}
	cache, err := kvimpl.NewRedisStore(
		ctx,
		config.Cache.RedisAddr,
		config.Cache.RedisPass,
		config.Cache.RedisDB,
		config.Cache.KeyPrefix,
	)
	if err != nil {
		log.Fatal().Err(err).Str("addr", config.Cache.RedisAddr).Msg("failed to connect to redis")
	}
	return cache
}
