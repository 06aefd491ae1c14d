// cmd/chaos/main.go
package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"kitabu/internal/app"
	"kitabu/internal/chaos"
	"kitabu/internal/circulation"
)

func main() {
	concurrency := flag.Int("concurrency", 32, "simultaneous requests per race experiment")
	pause := flag.Duration("pause", time.Second, "pause between experiments")
	flag.Parse()

	held, err := run(*concurrency, *pause)
	if err != nil {
		stdlog.Fatalf("Chaos Game Day failed: %v", err)
	}
	if !held {
		os.Exit(1)
	}
}

func run(concurrency int, pause time.Duration) (bool, error) {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	container, err := app.NewContainer(ctx)
	if err != nil {
		return false, err
	}
	defer container.Shutdown(context.Background())

	cfg := container.Config()
	target := chaos.NewTarget(container.Stores(),
		circulation.WithLogger(container.Logger()),
		circulation.WithMaxAttempts(cfg.RetryMaxAttempts*uint(concurrency)),
	)

	engine := chaos.NewEngine(container.Logger())
	engine.RegisterExperiments(target, concurrency)

	held, err := engine.ExecuteGameDay(ctx, chaos.GameDay{
		Name:      "Circulation Chaos Game Day",
		Date:      time.Now(),
		Scenarios: engine.Experiments(),
		Pause:     pause,
	})
	if err != nil {
		return false, err
	}
	container.Logger().Info("game day finished", zap.Bool("all_hypotheses_held", held))
	return held, nil
}
