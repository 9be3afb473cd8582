package daemon

import (
	"bufio"
	"bytes"
	"encoding/json"
	"net"
	"time"

	"github.com/wardenhq/warden/internal/breaker"
	"github.com/wardenhq/warden/internal/runner"
)

// DefaultShimTimeout bounds one forwarded exchange. It sits under the
// host's hook budget with room for the inline fallback to still run.
const DefaultShimTimeout = 4 * time.Second

// Shim is the hook-side daemon client. A failed forward is not an
// error condition: the caller evaluates inline and the breaker skips
// the dial entirely while the daemon stays unreachable.
type Shim struct {
	SocketPath string
	Timeout    time.Duration

	// Breaker, when set, is consulted before dialing and fed the
	// outcome of every forward.
	Breaker *breaker.Breaker
}

// NewShim builds a shim with the default timeout.
func NewShim(socketPath string, b *breaker.Breaker) *Shim {
	return &Shim{
		SocketPath: socketPath,
		Timeout:    DefaultShimTimeout,
		Breaker:    b,
	}
}

// Forward sends one raw hook payload to the daemon and relays the
// reply. The second return is false whenever the daemon did not
// answer usably; the caller must then evaluate inline.
func (sh *Shim) Forward(raw []byte) (*runner.Result, bool) {
	if sh.Breaker != nil {
		if err := sh.Breaker.Allow(); err != nil {
			return nil, false
		}
	}

	res, ok := sh.forward(raw)
	if sh.Breaker != nil {
		if ok {
			sh.Breaker.RecordSuccess()
		} else {
			sh.Breaker.RecordFailure()
		}
	}
	return res, ok
}

func (sh *Shim) forward(raw []byte) (*runner.Result, bool) {
	timeout := sh.Timeout
	if timeout <= 0 {
		timeout = DefaultShimTimeout
	}

	conn, err := net.DialTimeout("unix", sh.SocketPath, timeout)
	if err != nil {
		return nil, false
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(timeout))

	line := append(bytes.TrimRight(raw, "\n"), '\n')
	if _, err := conn.Write(line); err != nil {
		return nil, false
	}

	reader := bufio.NewReaderSize(conn, 1<<20)
	resp, err := reader.ReadBytes('\n')
	if err != nil && len(resp) == 0 {
		return nil, false
	}

	var reply Reply
	if err := json.Unmarshal(resp, &reply); err != nil {
		return nil, false
	}
	return &runner.Result{
		ExitCode: reply.ExitCode,
		Stdout:   reply.Stdout,
		Stderr:   reply.Stderr,
	}, true
}
