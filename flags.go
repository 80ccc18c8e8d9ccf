package main

import (
	"PodLogServer/Config"

	"gopkg.in/urfave/cli.v1"
)

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "TOML config file, flags override its values",
	}
	logPortFlag = cli.IntFlag{
		Name:  "log-port",
		Usage: "Log stream listening port",
		Value: Config.Default().LogServer.Port,
	}
	sparkPortFlag = cli.IntFlag{
		Name:  "spark-port",
		Usage: "Control channel listening port",
		Value: Config.Default().SparkServer.Port,
	}
	apiAddrFlag = cli.StringFlag{
		Name:  "api-addr",
		Usage: "Status API listening address",
		Value: Config.Default().Api.Addr,
	}
	saveFilesFlag = cli.BoolFlag{
		Name:  "save-files",
		Usage: "Write received batches to disk",
	}
	filePathFlag = cli.StringFlag{
		Name:  "file-path",
		Usage: "Directory for saved batches",
		Value: Config.Default().LogServer.FilePath,
	}
	bufferSizeFlag = cli.IntFlag{
		Name:  "buffer-size",
		Usage: "Receive buffer capacity in bytes",
		Value: Config.Default().LogServer.BufferSize,
	}
	devFlag = cli.BoolFlag{
		Name:  "dev",
		Usage: "Human readable debug logging",
	}
)

func serverFlags() []cli.Flag {
	return []cli.Flag{
		configFlag,
		logPortFlag,
		sparkPortFlag,
		apiAddrFlag,
		saveFilesFlag,
		filePathFlag,
		bufferSizeFlag,
		devFlag,
	}
}

// makeConfig loads the config file, if any, and applies the flags that were set
// on the command line.
func makeConfig(c *cli.Context) (Config.Config, error) {
	cfg := Config.Default()
	if path := c.String(configFlag.Name); path != "" {
		var err error
		if cfg, err = Config.Load(path); err != nil {
			return cfg, err
		}
	}

	if c.IsSet(logPortFlag.Name) {
		cfg.LogServer.Port = c.Int(logPortFlag.Name)
	}
	if c.IsSet(sparkPortFlag.Name) {
		cfg.SparkServer.Port = c.Int(sparkPortFlag.Name)
	}
	if c.IsSet(apiAddrFlag.Name) {
		cfg.Api.Addr = c.String(apiAddrFlag.Name)
	}
	if c.IsSet(saveFilesFlag.Name) {
		cfg.LogServer.SaveFiles = c.Bool(saveFilesFlag.Name)
	}
	if c.IsSet(filePathFlag.Name) {
		cfg.LogServer.FilePath = c.String(filePathFlag.Name)
	}
	if c.IsSet(bufferSizeFlag.Name) {
		cfg.LogServer.BufferSize = c.Int(bufferSizeFlag.Name)
	}
	if c.IsSet(devFlag.Name) {
		cfg.Dev = c.Bool(devFlag.Name)
	}
	return cfg, nil
}
