package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"agroplan/internal/app"
	"agroplan/internal/config"
	logx "agroplan/pkg/logx"
)

type globals struct {
	Config  string `help:"Config file (JSON or YAML)." short:"c" type:"path" default:"./config.json" env:"AGROPLAN_CONFIG"`
	EnvFile string `help:"Dotenv file loaded before the config is read." type:"path" default:".env" name:"env-file"`
}

var cli struct {
	globals

	Serve   serveCmd   `cmd:"" default:"1" help:"Run the bot (default)."`
	Migrate migrateCmd `cmd:"" help:"Apply the storage schema and exit."`
	Sweep   sweepCmd   `cmd:"" help:"Deliver due reminders, retry pending window searches, and exit."`
}

type serveCmd struct {
	StopTimeout time.Duration `help:"Upper bound for graceful shutdown." default:"10s"`
}

func (c *serveCmd) Run(g *globals) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.NewApp(g.Config, app.Options{})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), c.StopTimeout)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), c.StopTimeout)
	defer stopCancel()
	return errors.Join(a.Err(), a.Stop(stopCtx, reason))
}

type migrateCmd struct{}

func (migrateCmd) Run(g *globals) error {
	return app.Migrate(g.Config, logx.NewConsole("INFO"))
}

type sweepCmd struct {
	Timeout time.Duration `help:"Upper bound for the whole sweep." default:"2m"`
}

func (c *sweepCmd) Run(g *globals) error {
	a, err := app.NewApp(g.Config, app.Options{})
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
	defer cancel()
	return errors.Join(a.SweepOnce(ctx), a.Close())
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("agroplan"),
		kong.Description("Weather-window spray planner bot."),
		kong.UsageOnError(),
	)
	if err := config.LoadDotEnv(cli.EnvFile); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := kctx.Run(&cli.globals); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
