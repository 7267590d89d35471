package memory

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/claudiohq/claudio/internal/history"
)

// request is one newline-delimited JSON command on the daemon socket.
type request struct {
	Command string `json:"command"`
	Query   string `json:"query,omitempty"`
	TopK    int    `json:"top_k,omitempty"`
	Timeout int    `json:"_timeout,omitempty"`
}

// response is the daemon's reply to a request.
type response struct {
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// defaultReconsolidateCron runs maintenance nightly at 03:00.
const defaultReconsolidateCron = "0 3 * * *"

// Daemon serves the memory engine over a Unix domain socket speaking
// newline-delimited JSON, and runs the reconsolidation maintenance on a
// cron schedule.
type Daemon struct {
	engine     *Engine
	db         *history.DB
	socketPath string
	cronExpr   string

	mu sync.Mutex // serialises engine operations

	listener net.Listener
	done     chan struct{}
}

// NewDaemon builds a daemon around an engine and the history database whose
// messages feed consolidation. cronExpr may be empty for the default
// nightly schedule; it is validated with gronx.
func NewDaemon(engine *Engine, db *history.DB, socketPath, cronExpr string) (*Daemon, error) {
	if cronExpr == "" {
		cronExpr = defaultReconsolidateCron
	}
	if !gronx.IsValid(cronExpr) {
		return nil, fmt.Errorf("invalid reconsolidation cron expression: %q", cronExpr)
	}
	return &Daemon{
		engine:     engine,
		db:         db,
		socketPath: socketPath,
		cronExpr:   cronExpr,
		done:       make(chan struct{}),
	}, nil
}

// Start binds the socket and begins serving. Non-blocking after setup.
func (d *Daemon) Start(ctx context.Context) error {
	// A previous unclean shutdown leaves a stale socket file behind.
	os.Remove(d.socketPath)

	ln, err := net.Listen("unix", d.socketPath)
	if err != nil {
		return fmt.Errorf("listen on memory socket: %w", err)
	}
	if err := os.Chmod(d.socketPath, 0o600); err != nil {
		ln.Close()
		return err
	}
	d.listener = ln
	slog.Info("memory daemon listening", "socket", d.socketPath)

	go d.acceptLoop(ctx)
	go d.maintenanceLoop(ctx)
	return nil
}

// Stop closes the listener and removes the socket file.
func (d *Daemon) Stop() {
	close(d.done)
	if d.listener != nil {
		d.listener.Close()
	}
	os.Remove(d.socketPath)
}

func (d *Daemon) acceptLoop(ctx context.Context) {
	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.done:
			case <-ctx.Done():
			default:
				if !errors.Is(err, net.ErrClosed) {
					slog.Error("memory daemon accept failed", "error", err)
				}
			}
			return
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *Daemon) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	enc := json.NewEncoder(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			enc.Encode(response{OK: false, Error: "invalid json: " + err.Error()})
			continue
		}

		enc.Encode(d.dispatch(ctx, req))
	}
}

func (d *Daemon) dispatch(ctx context.Context, req request) response {
	switch req.Command {
	case "ping":
		return response{OK: true}

	case "retrieve":
		d.mu.Lock()
		results, err := d.engine.Retrieve(ctx, req.Query, req.TopK, nil)
		d.mu.Unlock()
		if err != nil {
			return response{OK: false, Error: err.Error()}
		}
		return response{OK: true, Result: FormatResults(results)}

	case "consolidate":
		opCtx := ctx
		if req.Timeout > 0 {
			var cancel context.CancelFunc
			opCtx, cancel = context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
			defer cancel()
		}
		d.mu.Lock()
		err := d.engine.Consolidate(opCtx, d.db)
		d.mu.Unlock()
		if err != nil {
			return response{OK: false, Error: err.Error()}
		}
		return response{OK: true}

	case "reconsolidate":
		d.mu.Lock()
		err := d.engine.Reconsolidate(ctx)
		d.mu.Unlock()
		if err != nil {
			return response{OK: false, Error: err.Error()}
		}
		return response{OK: true}

	default:
		return response{OK: false, Error: fmt.Sprintf("unknown command: %q", req.Command)}
	}
}

// maintenanceLoop triggers Reconsolidate when the cron expression is due,
// checked once per minute.
func (d *Daemon) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-d.done:
			return
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			due, err := gronx.New().IsDue(d.cronExpr, now)
			if err != nil || !due {
				continue
			}
			slog.Info("memory: running scheduled reconsolidation")
			d.mu.Lock()
			if err := d.engine.Reconsolidate(ctx); err != nil {
				slog.Error("memory: scheduled reconsolidation failed", "error", err)
			}
			d.mu.Unlock()
		}
	}
}
