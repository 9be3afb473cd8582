package memory

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/wardenhq/warden/internal/breaker"
)

// DefaultClientTimeout bounds one dial-write-read exchange; it keeps a
// hook well inside the host's per-call budget.
const DefaultClientTimeout = 2 * time.Second

// ErrUnavailable reports that the gateway cannot be reached or did not
// answer in time. Callers treat it as "no memory" and continue.
var ErrUnavailable = errors.New("memory gateway unavailable")

// Client is the short-lived gateway client used by hooks. Every call
// dials, sends one request line, reads one response line, and closes.
type Client struct {
	SocketPath string
	Timeout    time.Duration

	// Breaker, when set, is consulted before dialing and fed the
	// outcome of every call.
	Breaker *breaker.Breaker
}

// NewClient builds a client with the default timeout.
func NewClient(socketPath string, b *breaker.Breaker) *Client {
	return &Client{
		SocketPath: socketPath,
		Timeout:    DefaultClientTimeout,
		Breaker:    b,
	}
}

// Call performs one request. Transport-level problems (dial, deadline,
// parse) map to ErrUnavailable and count against the breaker; an
// {ok:false} answer is a server-side error and does not.
func (c *Client) Call(req *Request) (json.RawMessage, error) {
	if c.Breaker != nil {
		if err := c.Breaker.Allow(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
	}

	result, err := c.call(req)
	if c.Breaker != nil {
		if errors.Is(err, ErrUnavailable) {
			c.Breaker.RecordFailure()
		} else if err == nil {
			c.Breaker.RecordSuccess()
		}
	}
	return result, err
}

func (c *Client) call(req *Request) (json.RawMessage, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultClientTimeout
	}

	conn, err := net.DialTimeout("unix", c.SocketPath, timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("serializing request: %w", err)
	}
	if _, err := conn.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("%w: write: %s", ErrUnavailable, err)
	}

	reader := bufio.NewReaderSize(conn, 1<<20)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, fmt.Errorf("%w: read: %s", ErrUnavailable, err)
	}
	if len(line) > MaxResponseBytes {
		return nil, fmt.Errorf("%w: oversized response", ErrUnavailable)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return nil, fmt.Errorf("%w: malformed response: %s", ErrUnavailable, err)
	}
	if !resp.OK {
		return nil, fmt.Errorf("gateway error: %s", resp.Error)
	}
	return resp.Result, nil
}

// Ping reports whether the gateway is answering.
func (c *Client) Ping() bool {
	_, err := c.Call(&Request{Method: MethodPing})
	return err == nil
}

// Query runs a semantic search against one collection. An empty query
// returns empty results without touching the socket.
func (c *Client) Query(collection, query string, limit int) ([]Hit, error) {
	if strings.TrimSpace(query) == "" {
		return []Hit{}, nil
	}
	params, err := json.Marshal(QueryParams{Query: query, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("serializing query: %w", err)
	}
	result, err := c.Call(&Request{
		Method:     MethodQuery,
		Collection: collection,
		Params:     params,
	})
	if err != nil {
		return nil, err
	}
	var hits []Hit
	if err := json.Unmarshal(result, &hits); err != nil {
		return nil, fmt.Errorf("parsing hits: %w", err)
	}
	return hits, nil
}

// Count returns the size of one collection.
func (c *Client) Count(collection string) (int, error) {
	result, err := c.Call(&Request{Method: MethodCount, Collection: collection})
	if err != nil {
		return 0, err
	}
	var cr CountResult
	if err := json.Unmarshal(result, &cr); err != nil {
		return 0, fmt.Errorf("parsing count: %w", err)
	}
	return cr.Count, nil
}

// Remember sends one auto_remember record.
func (c *Client) Remember(p RememberParams) error {
	params, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("serializing remember params: %w", err)
	}
	_, err = c.Call(&Request{Method: MethodAutoRemember, Params: params})
	return err
}

// FlushQueue asks the gateway to drain the capture queue.
func (c *Client) FlushQueue() (int, error) {
	result, err := c.Call(&Request{Method: MethodFlushQueue})
	if err != nil {
		return 0, err
	}
	var fr FlushResult
	if err := json.Unmarshal(result, &fr); err != nil {
		return 0, fmt.Errorf("parsing flush result: %w", err)
	}
	return fr.Drained, nil
}

// Backup asks the gateway for a consistent copy of the store.
func (c *Client) Backup(dest string) (string, error) {
	params, err := json.Marshal(BackupParams{Dest: dest})
	if err != nil {
		return "", fmt.Errorf("serializing backup params: %w", err)
	}
	result, err := c.Call(&Request{Method: MethodBackup, Params: params})
	if err != nil {
		return "", err
	}
	var br BackupResult
	if err := json.Unmarshal(result, &br); err != nil {
		return "", fmt.Errorf("parsing backup result: %w", err)
	}
	return br.Path, nil
}
