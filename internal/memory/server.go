package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wardenhq/warden/internal/errsig"
)

// connTimeout bounds one request/response exchange.
const connTimeout = 10 * time.Second

// Server is the memory gateway: the single long-lived process owning
// the vector store. One request per connection, newline-delimited JSON
// both ways. Handler errors become {ok:false} responses; nothing short
// of process death stops the accept loop.
type Server struct {
	store      *Store
	queuePath  string
	socketPath string
	cache      *searchCache
	log        zerolog.Logger

	// limiter sheds pathological request floods without failing them
	// hard; waiters queue briefly instead.
	limiter *rate.Limiter
}

// ServerConfig wires a Server.
type ServerConfig struct {
	Store      *Store
	QueuePath  string
	SocketPath string
	Logger     zerolog.Logger
}

// NewServer builds a gateway server around an open store.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.SocketPath == "" {
		return nil, fmt.Errorf("socket path is required")
	}
	return &Server{
		store:      cfg.Store,
		queuePath:  cfg.QueuePath,
		socketPath: cfg.SocketPath,
		cache:      newSearchCache(),
		log:        cfg.Logger,
		limiter:    rate.NewLimiter(rate.Limit(200), 400),
	}, nil
}

// ListenAndServe binds the socket and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	// A stale socket from a crashed predecessor blocks the bind.
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("binding gateway socket: %w", err)
	}
	s.log.Info().Str("socket", s.socketPath).Msg("memory gateway listening")

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
			if err := s.limiter.Wait(ctx); err != nil {
				_ = conn.Close()
				return nil
			}
			// Connections are short-lived and the store serializes
			// writes; handling inline keeps the single-writer story
			// trivially true.
			s.handleConn(ctx, conn)
		}
	})

	err = g.Wait()
	_ = os.Remove(s.socketPath)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(connTimeout))

	reader := bufio.NewReaderSize(conn, 1<<20)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		s.log.Debug().Err(err).Msg("empty connection")
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.respond(conn, Response{OK: false, Error: "malformed request: " + err.Error()})
		return
	}

	resp := s.dispatch(ctx, &req)
	s.respond(conn, resp)
}

func (s *Server) respond(conn net.Conn, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		data = []byte(`{"ok":false,"error":"response serialization failed"}`)
	}
	if len(data) > MaxResponseBytes {
		data = []byte(`{"ok":false,"error":"response exceeds 10MB limit"}`)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		s.log.Debug().Err(err).Msg("client went away before response")
	}
}

// dispatch routes one request. Every panic or error is converted to an
// {ok:false} response; the worker logs and continues.
func (s *Server) dispatch(ctx context.Context, req *Request) (resp Response) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Str("method", req.Method).Msg("handler panicked")
			resp = Response{OK: false, Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	start := time.Now()
	result, err := s.handle(ctx, req)
	if err != nil {
		s.log.Warn().Err(err).Str("method", req.Method).Msg("request failed")
		return Response{OK: false, Error: err.Error()}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return Response{OK: false, Error: "serializing result: " + err.Error()}
	}
	s.log.Debug().
		Str("method", req.Method).
		Str("collection", req.Collection).
		Dur("took", time.Since(start)).
		Msg("request served")
	return Response{OK: true, Result: data}
}

func (s *Server) handle(ctx context.Context, req *Request) (any, error) {
	switch req.Method {
	case MethodPing:
		return map[string]string{"status": "ok"}, nil

	case MethodCount:
		n, err := s.store.Count(ctx, req.Collection)
		if err != nil {
			return nil, err
		}
		return CountResult{Count: n}, nil

	case MethodQuery:
		var p QueryParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		key := cacheKey(req.Collection, p)
		if hits, ok := s.cache.get(key); ok {
			return hits, nil
		}
		hits, err := s.store.Query(ctx, req.Collection, p)
		if err != nil {
			return nil, err
		}
		s.cache.put(key, hits)
		return hits, nil

	case MethodGet:
		var p GetParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		return s.store.Get(ctx, req.Collection, p.IDs)

	case MethodUpsert:
		var p UpsertParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if err := s.store.Upsert(ctx, req.Collection, p.Rows); err != nil {
			return nil, err
		}
		s.cache.invalidate()
		return map[string]int{"upserted": len(p.Rows)}, nil

	case MethodDelete:
		var p DeleteParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		n, err := s.store.Delete(ctx, req.Collection, p.IDs)
		if err != nil {
			return nil, err
		}
		s.cache.invalidate()
		return map[string]int{"deleted": n}, nil

	case MethodAutoRemember:
		var p RememberParams
		if err := unmarshalParams(req.Params, &p); err != nil {
			return nil, err
		}
		if p.Text == "" {
			return nil, fmt.Errorf("auto_remember requires text")
		}
		row := Row{
			ID:       rememberID(p.Text),
			Text:     p.Text,
			Metadata: p.Metadata,
		}
		if err := s.store.Upsert(ctx, CollectionKnowledge, []Row{row}); err != nil {
			return nil, err
		}
		s.cache.invalidate()
		return map[string]string{"id": row.ID}, nil

	case MethodFlushQueue:
		drained, err := s.drainQueue(ctx)
		if err != nil {
			return nil, err
		}
		if drained > 0 {
			s.cache.invalidate()
		}
		return FlushResult{Drained: drained}, nil

	case MethodBackup:
		var p BackupParams
		_ = unmarshalParams(req.Params, &p)
		path, err := s.store.Backup(ctx, p.Dest)
		if err != nil {
			return nil, err
		}
		return BackupResult{Path: path}, nil

	default:
		return nil, fmt.Errorf("unknown method %q", req.Method)
	}
}

func unmarshalParams(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("parsing params: %w", err)
	}
	return nil
}

// rememberID embeds the text signature for traceability across
// sessions, plus a random suffix for uniqueness.
func rememberID(text string) string {
	_, sig := errsig.Signature(text)
	return "mem-" + sig + "-" + uuid.NewString()[:8]
}
