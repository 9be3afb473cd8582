// Package daemon hosts a warm hook evaluator behind a unix socket. A
// thin shim in the hook path forwards the raw payload and relays the
// reply, cutting per-call latency to one socket round trip. The daemon
// is an optimization only: when it is down or slow the shim reports
// failure and the caller evaluates inline, never the other way around.
package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wardenhq/warden/internal/config"
	"github.com/wardenhq/warden/internal/hooks"
	"github.com/wardenhq/warden/internal/runner"
)

// connTimeout bounds one request/response exchange on the server side.
const connTimeout = 5 * time.Second

// Reply is the daemon's answer to one forwarded hook payload.
type Reply struct {
	ExitCode int    `json:"exit_code"`
	Stdout   string `json:"stdout,omitempty"`
	Stderr   string `json:"stderr,omitempty"`
}

// Server owns the daemon socket and a live-state watcher so toggle
// flips land without a restart.
type Server struct {
	cfg        *config.Config
	socketPath string
	watcher    *config.LiveWatcher
	log        zerolog.Logger
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Config *config.Config
	// Watcher may be nil; toggles are then re-read from disk per event.
	Watcher *config.LiveWatcher
	Logger  zerolog.Logger
}

// NewServer builds the daemon around a config snapshot.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	return &Server{
		cfg:        cfg.Config,
		socketPath: cfg.Config.DaemonSocket,
		watcher:    cfg.Watcher,
		log:        cfg.Logger,
	}, nil
}

// ListenAndServe binds the socket and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("binding daemon socket: %w", err)
	}
	s.log.Info().Str("socket", s.socketPath).Msg("hook daemon listening")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("accepting connection: %w", err)
			}
			// The state store serializes per-session writes under its own
			// lock, so handling inline costs nothing in correctness and
			// keeps event ordering within a connection burst predictable.
			s.handleConn(conn)
		}
	})

	err = g.Wait()
	_ = os.Remove(s.socketPath)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReaderSize(conn, 1<<20)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		s.log.Debug().Err(err).Msg("empty connection")
		return
	}

	reply := s.evaluate(line)

	data, err := json.Marshal(reply)
	if err != nil {
		data = []byte(`{"exit_code":0}`)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.log.Debug().Err(err).Msg("client went away before reply")
	}
}

// evaluate routes one raw payload through the shared runner. The event
// name in the payload picks the path; an unknown event is a silent
// allow, matching the inline commands.
func (s *Server) evaluate(raw []byte) Reply {
	r := runner.New(s.cfg, s.toggles())

	var probe struct {
		Event string `json:"hook_event_name"`
	}
	_ = json.Unmarshal(raw, &probe)

	var res *runner.Result
	switch probe.Event {
	case hooks.EventPostTool:
		res = r.PostTool(raw)
	default:
		res = r.PreTool(raw)
	}

	s.log.Debug().
		Str("event", probe.Event).
		Int("exit_code", res.ExitCode).
		Bool("decision", res.Stdout != "").
		Msg("hook served")
	return Reply{ExitCode: res.ExitCode, Stdout: res.Stdout, Stderr: res.Stderr}
}

func (s *Server) toggles() config.LiveState {
	if s.watcher != nil {
		return s.watcher.Current()
	}
	return config.LoadLiveState(s.cfg.LiveStatePath)
}
