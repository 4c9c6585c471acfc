package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/serenity-bot/serenity/internal/activity"
	"github.com/serenity-bot/serenity/internal/analytics"
	"github.com/serenity-bot/serenity/internal/bot"
	"github.com/serenity-bot/serenity/internal/config"
	"github.com/serenity-bot/serenity/internal/database"
	"github.com/serenity-bot/serenity/internal/engine"
	"github.com/serenity-bot/serenity/internal/observ"
	"github.com/serenity-bot/serenity/internal/pattern"
)

func main() {
	config.Load()

	log, err := observ.NewLogger(config.Environment, config.LogLevel)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	if config.DiscordToken == "" {
		log.Fatal("DISCORD_TOKEN is not set")
	}

	if err := database.Init(config.DatabaseType, config.GetDatabaseConnectionString()); err != nil {
		log.Fatal("initializing database", zap.Error(err))
	}
	defer database.Close()

	repo := database.NewRepository()

	recorder := activity.NewRecorder(repo, log,
		time.Duration(config.BucketWidthSeconds)*time.Second,
		time.Duration(config.FlushIntervalSeconds)*time.Second,
		config.PendingFlushCapacity)
	go recorder.Run()

	model := pattern.NewModel(repo, log)
	trainer := pattern.NewTrainer(repo, model, log)
	tracker := engine.NewTracker(repo, recorder, log, config.MinimalEffect)

	agg := analytics.NewAggregator(repo, recorder, log, analytics.Config{
		ActivityRetention:  time.Duration(config.ActivityRetentionHours) * time.Hour,
		AnalyticsRetention: time.Duration(config.AnalyticsRetentionDays) * 24 * time.Hour,
	})

	b, err := bot.New(repo, recorder, agg, log)
	if err != nil {
		log.Fatal("creating bot", zap.Error(err))
	}

	eng := engine.New(repo, recorder, model, tracker, b, log, engine.Config{
		Policy: engine.PolicyConfig{
			Sensitivity:     config.Sensitivity,
			ConfidenceFloor: config.ConfidenceFloor,
			MinConfidence:   config.MinConfidence,
			Cooldown:        time.Duration(config.CooldownSeconds) * time.Second,
			CalmTicks:       config.CalmTicks,
			MaxSlowmode:     config.MaxSlowmodeSeconds,
		},
		VelocityWindowSeconds: config.VelocityWindowSeconds,
		EffectivenessWindow:   config.EffectivenessWindow,
		Horizon:               time.Duration(config.EffectivenessHorizonSeconds) * time.Second,
		ReconcileInterval:     time.Duration(config.DefaultUpdateIntervalSeconds) * time.Second,
	})
	b.SetEngine(eng)

	ctx, cancel := context.WithCancel(context.Background())
	go trainer.Run(ctx)

	if err := b.Start(); err != nil {
		log.Fatal("starting bot", zap.Error(err))
	}
	log.Info("serenity is running, press ctrl-c to exit")

	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	log.Info("shutting down")
	cancel()
	b.Stop()
	recorder.Stop()
}
