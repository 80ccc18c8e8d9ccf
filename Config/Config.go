// Package Config loads the server settings from a TOML file layered over defaults.
package Config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	Dev         bool              `toml:"dev"`
	LogServer   LogServerConfig   `toml:"log_server"`
	SparkServer SparkServerConfig `toml:"spark_server"`
	Api         ApiConfig         `toml:"api"`
}

type LogServerConfig struct {
	Enabled       bool   `toml:"enabled"`
	Port          int    `toml:"port"`
	SaveFiles     bool   `toml:"save_files"`
	FilePath      string `toml:"file_path"`
	BufferSize    int    `toml:"buffer_size"`
	ChunkSize     int    `toml:"chunk_size"`
	AckBatchStart bool   `toml:"ack_batch_start"`
	DecodeEntries bool   `toml:"decode_entries"`
}

type SparkServerConfig struct {
	Enabled    bool `toml:"enabled"`
	Port       int  `toml:"port"`
	BufferSize int  `toml:"buffer_size"`
	ChunkSize  int  `toml:"chunk_size"`
	MaxFrame   int  `toml:"max_frame"`

	// CommandSocket is the unix socket path for local commands; empty disables it.
	CommandSocket string `toml:"command_socket"`
}

type ApiConfig struct {
	Enabled               bool   `toml:"enabled"`
	Addr                  string `toml:"addr"`
	RequestTimeoutSeconds int    `toml:"request_timeout_seconds"`
}

func Default() Config {
	return Config{
		LogServer: LogServerConfig{
			Enabled:    true,
			Port:       1337,
			FilePath:   ".",
			BufferSize: 16 * 1024,
			ChunkSize:  4096,
		},
		SparkServer: SparkServerConfig{
			Enabled:    true,
			Port:       5683,
			BufferSize: 4096,
			ChunkSize:  2048,
			MaxFrame:   1024,
		},
		Api: ApiConfig{
			Enabled:               true,
			Addr:                  "0.0.0.0:1115",
			RequestTimeoutSeconds: 10,
		},
	}
}

// Load reads path over the defaults. Keys the file leaves out keep their default;
// unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	dec := toml.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Api.RequestTimeoutSeconds) * time.Second
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	if c.LogServer.Enabled {
		err = multierr.Append(err, checkPort("log_server.port", c.LogServer.Port))
		err = multierr.Append(err, checkPositive("log_server.buffer_size", c.LogServer.BufferSize))
		err = multierr.Append(err, checkPositive("log_server.chunk_size", c.LogServer.ChunkSize))
		if c.LogServer.SaveFiles && c.LogServer.FilePath == "" {
			err = multierr.Append(err, fmt.Errorf("%w: log_server.file_path is required with save_files", ErrInvalid))
		}
	}
	if c.SparkServer.Enabled {
		err = multierr.Append(err, checkPort("spark_server.port", c.SparkServer.Port))
		err = multierr.Append(err, checkPositive("spark_server.buffer_size", c.SparkServer.BufferSize))
		err = multierr.Append(err, checkPositive("spark_server.chunk_size", c.SparkServer.ChunkSize))
		if c.SparkServer.MaxFrame < 0 || c.SparkServer.MaxFrame > math.MaxUint16 {
			err = multierr.Append(err, fmt.Errorf("%w: spark_server.max_frame %d out of range", ErrInvalid, c.SparkServer.MaxFrame))
		}
	}
	if c.Api.Enabled {
		if c.Api.Addr == "" {
			err = multierr.Append(err, fmt.Errorf("%w: api.addr is empty", ErrInvalid))
		}
		err = multierr.Append(err, checkPositive("api.request_timeout_seconds", c.Api.RequestTimeoutSeconds))
	}
	return err
}

// Warnings lists settings that work but are likely to hurt throughput.
func (c Config) Warnings() []string {
	var out []string
	if c.SparkServer.Enabled && c.SparkServer.MaxFrame > 0 && c.SparkServer.BufferSize < 2*(c.SparkServer.MaxFrame+2) {
		out = append(out, fmt.Sprintf("spark_server.buffer_size %d is less than two max frames; expect frequent compaction", c.SparkServer.BufferSize))
	}
	if c.LogServer.Enabled && c.LogServer.ChunkSize > c.LogServer.BufferSize {
		out = append(out, fmt.Sprintf("log_server.chunk_size %d exceeds buffer_size %d; reads are capped at the free space", c.LogServer.ChunkSize, c.LogServer.BufferSize))
	}
	return out
}

func checkPort(name string, port int) error {
	if port < 1 || port > math.MaxUint16 {
		return fmt.Errorf("%w: %s %d out of range", ErrInvalid, name, port)
	}
	return nil
}

func checkPositive(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", ErrInvalid, name, v)
	}
	return nil
}
