package SparkServer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"strings"

	"PodLogServer/Framing"
	"PodLogServer/Ingest"
	"PodLogServer/ReceiveBuffer"

	"go.uber.org/zap"
)

/*
	Local tools drive connected pods through a unix socket, one command per line:

	value <session> <verb>            reads /v/<verb>
	call <session> <function> [arg]   posts /f/<function>?<arg>

	Every command gets exactly one line back, "ok <result>" or "error <reason>".
*/

const commandBufferSize = 4096

const commandUsage = "usage: value <session> <verb> | call <session> <function> [arg]"

// StartCommands listens on the unix socket at path and serves commands until ctx
// is cancelled. A stale socket file left by an earlier run is replaced.
func (s *Server) StartCommands(ctx context.Context, path string) error {
	if info, err := os.Lstat(path); err == nil && info.Mode()&fs.ModeSocket != 0 {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("remove stale command socket: %w", err)
		}
	}
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "unix", path)
	if err != nil {
		return fmt.Errorf("listen on command socket %s: %w", path, err)
	}
	s.logger.Info("Listening on command socket", zap.String("socketPath", path))
	return s.ServeCommandListener(ctx, l)
}

func (s *Server) ServeCommandListener(ctx context.Context, l net.Listener) error {
	return s.acceptLoop(ctx, l, s.ServeCommands)
}

// ServeCommands answers the commands read from conn until it closes. It always
// closes conn.
func (s *Server) ServeCommands(ctx context.Context, conn net.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer func() {
		stop()
		_ = conn.Close()
	}()

	buf := ReceiveBuffer.New[byte](commandBufferSize)
	reader := Ingest.NewReader(conn, buf, Ingest.WithLogger(s.logger))
	for {
		_, readErr := reader.ReadOnce()
		lines, err := Framing.ExtractLines(buf)
		for _, line := range lines {
			if strings.TrimSpace(line) == "" {
				continue
			}
			if _, werr := io.WriteString(conn, s.runCommand(ctx, line)+"\n"); werr != nil {
				return werr
			}
		}
		if err != nil {
			return err
		}
		if readErr != nil {
			if ctx.Err() != nil || errors.Is(readErr, io.EOF) || errors.Is(readErr, net.ErrClosed) {
				return nil
			}
			return readErr
		}
	}
}

func (s *Server) runCommand(ctx context.Context, line string) string {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return "error " + commandUsage
	}
	s.logger.Debug("Command", zap.Strings("args", fields))

	ctx, cancel := context.WithTimeout(ctx, s.opts.CommandTimeout)
	defer cancel()

	switch fields[0] {
	case "value":
		if len(fields) != 3 {
			return "error " + commandUsage
		}
		v, err := s.ReadValue(ctx, fields[1], fields[2])
		if err != nil {
			return "error " + err.Error()
		}
		return "ok " + v
	case "call":
		if len(fields) > 4 {
			return "error " + commandUsage
		}
		conn, err := s.Connection(fields[1])
		if err != nil {
			return "error " + err.Error()
		}
		var arg string
		if len(fields) == 4 {
			arg = fields[3]
		}
		resp, err := conn.CallFunction(ctx, fields[2], arg)
		if err != nil {
			return "error " + err.Error()
		}
		return "ok " + string(resp)
	default:
		s.logger.Warn("Unhandled command from command socket", zap.String("command", fields[0]))
		return "error unknown command " + fields[0]
	}
}
