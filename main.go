package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"PodLogServer/ApiServer"
	"PodLogServer/Common"
	"PodLogServer/Config"
	"PodLogServer/LogServer"
	"PodLogServer/SparkServer"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/urfave/cli.v1"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "podlogserver"
	app.Usage = "Receive pod log batches and control channel traffic"
	app.Version = "0.2.0"
	app.Writer = os.Stdout
	app.Flags = serverFlags()
	app.Action = runServers
	app.Commands = []cli.Command{
		{
			Name:      "decode",
			Usage:     "Print the log entries stored in a saved batch file",
			ArgsUsage: "<batch.RAW>",
			Flags:     []cli.Flag{bufferSizeFlag, devFlag},
			Action:    decodeBatch,
		},
	}
	return app
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServers(c *cli.Context) error {
	cfg, err := makeConfig(c)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.Dev)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	if err := cfg.Validate(); err != nil {
		return err
	}
	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, cfg, logger)
}

// run starts every enabled server and returns when all have stopped. The first
// server to fail stops the others.
func run(ctx context.Context, cfg Config.Config, logger *zap.Logger) error {
	registry := Common.NewRegistry()
	g, ctx := errgroup.WithContext(ctx)

	if cfg.LogServer.Enabled {
		logServer := LogServer.NewLogServer(LogServer.Options{
			Port:          cfg.LogServer.Port,
			SaveFiles:     cfg.LogServer.SaveFiles,
			FilePath:      cfg.LogServer.FilePath,
			BufferSize:    cfg.LogServer.BufferSize,
			ChunkSize:     cfg.LogServer.ChunkSize,
			AckBatchStart: cfg.LogServer.AckBatchStart,
			DecodeEntries: cfg.LogServer.DecodeEntries,
		}, registry, logger)
		g.Go(func() error {
			return logServer.Start(ctx)
		})
	}

	var values ApiServer.ValueReader
	if cfg.SparkServer.Enabled {
		sparkServer := SparkServer.NewServer(SparkServer.Options{
			Port:       cfg.SparkServer.Port,
			BufferSize: cfg.SparkServer.BufferSize,
			ChunkSize:  cfg.SparkServer.ChunkSize,
			MaxFrame:   cfg.SparkServer.MaxFrame,
		}, registry, logger)
		values = sparkServer
		g.Go(func() error {
			return sparkServer.Start(ctx)
		})
		if path := cfg.SparkServer.CommandSocket; path != "" {
			g.Go(func() error {
				return sparkServer.StartCommands(ctx, path)
			})
		}
	}

	if cfg.Api.Enabled {
		apiServer := ApiServer.NewApiServer(cfg.Api.Addr, registry, values, cfg.RequestTimeout(), logger)
		g.Go(func() error {
			return apiServer.Start(ctx)
		})
	}

	return g.Wait()
}

func decodeBatch(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("decode needs exactly one batch file")
	}
	logger, err := newLogger(c.Bool(devFlag.Name))
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync()
	}()

	f, err := os.Open(c.Args().First())
	if err != nil {
		return err
	}
	defer f.Close()

	return LogServer.DecodeStream(f, c.Int(bufferSizeFlag.Name), logger, func(e LogServer.LogEntry) error {
		_, err := fmt.Fprintf(c.App.Writer, "%d\t%s\t%s\t%s\n", e.Ts, e.Level, e.Type, e.Msg)
		return err
	})
}
