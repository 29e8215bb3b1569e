package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/wardenhq/warden/internal/automember"
	"github.com/wardenhq/warden/internal/birthday"
	"github.com/wardenhq/warden/internal/scheduler"
	"github.com/wardenhq/warden/internal/setup"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize application with required dependencies
	app, err := setup.InitializeApp(ctx)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}
	defer app.Cleanup(ctx)

	memberEngine := automember.New(
		app.Discord, app.DB.Users(), app.Feed, app.Metrics, app.Clock,
		app.AutoMemberConfig, app.Logger)
	defer memberEngine.Close()

	birthdayEngine := birthday.New(
		app.Discord, app.DB.Users(), app.Metrics, app.Clock,
		app.BirthdayConfig, app.Logger)

	// Event callbacks must be registered before the gateway opens so no
	// events are dropped.
	app.Discord.OnEvents(memberEngine.Handlers())

	if err := app.Discord.Open(ctx); err != nil {
		app.Logger.Error("Failed to open gateway connection", zap.Error(err))
		return
	}

	memberRunner, err := scheduler.NewRunner(
		memberEngine, app.Config.AutoMember.Schedule, app.Clock, app.Metrics, app.Logger)
	if err != nil {
		app.Logger.Error("Failed to create auto member runner", zap.Error(err))
		return
	}

	birthdayRunner, err := scheduler.NewRunner(
		birthdayEngine, app.Config.Birthday.Schedule, app.Clock, app.Metrics, app.Logger)
	if err != nil {
		app.Logger.Error("Failed to create birthday runner", zap.Error(err))
		return
	}

	if err := memberRunner.Start(ctx); err != nil {
		app.Logger.Error("Failed to start auto member service", zap.Error(err))
		return
	}

	if err := birthdayRunner.Start(ctx); err != nil {
		memberRunner.Stop()
		app.Logger.Error("Failed to start birthday service", zap.Error(err))

		return
	}

	app.Logger.Info("Bot started, waiting for interrupt signal")

	// Wait for interrupt signal to gracefully shut down; in-flight sweeps
	// finish before the connections close.
	sc := make(chan os.Signal, 1)
	signal.Notify(sc, syscall.SIGINT, syscall.SIGTERM, os.Interrupt)
	<-sc

	birthdayRunner.Stop()
	memberRunner.Stop()
}
