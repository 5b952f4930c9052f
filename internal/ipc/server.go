package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"github.com/dustin/go-humanize"

	"github.com/ixchel-dev/ixchel/internal/logging"
	"github.com/ixchel-dev/ixchel/internal/queue"
	"github.com/ixchel-dev/ixchel/internal/watcher"
)

// maxMessageSize is spec.md §6.3's 1 MiB line cap.
const maxMessageSize = 1 << 20

// idleTickInterval is how often the event loop reevaluates the idle
// timeout; spec.md §5 only requires shutdown "after" the timeout elapses,
// not to the millisecond.
const idleTickInterval = 100 * time.Millisecond

// watchEntry tracks one repo's active filesystem watch.
type watchEntry struct {
	w      *watcher.Watcher
	cancel func()
}

// Server is ixchel's daemon IPC server (spec.md §4.11): one Unix-domain
// socket, a single accept-task event loop, and a single process-wide sync
// worker (spec.md §4.9). Grounded on the teacher's internal/rpc.Server
// field layout (mutex-guarded maps, atomic activity clock, shutdown
// channel, connection counter).
type Server struct {
	socketPath    string
	daemonVersion string
	idleTimeout   time.Duration
	watchDebounce time.Duration
	log           logging.Logger

	queue  *queue.Queue
	runner queue.Runner

	startTime    time.Time
	lastActivity atomic.Value // time.Time

	mu       sync.Mutex
	watchers map[string]*watchEntry
	conns    map[net.Conn]struct{}

	listener     net.Listener
	activeConns  int32
	wakeCh       chan struct{}
	watchTrigger chan string
	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer builds a Server. runner executes one sync job (bound to the
// caller's orchestrator/store construction); socketPath is conventionally
// <repo>/.ixchel/daemon.sock (spec.md §6.1).
func NewServer(socketPath, daemonVersion string, idleTimeout, watchDebounce time.Duration, q *queue.Queue, runner queue.Runner, log logging.Logger) *Server {
	if log == nil {
		log = logging.Nop()
	}
	s := &Server{
		socketPath:    socketPath,
		daemonVersion: daemonVersion,
		idleTimeout:   idleTimeout,
		watchDebounce: watchDebounce,
		log:           log,
		queue:         q,
		runner:        runner,
		watchers:      make(map[string]*watchEntry),
		conns:         make(map[net.Conn]struct{}),
		wakeCh:        make(chan struct{}, 1),
		watchTrigger:  make(chan string, 16),
		shutdownCh:    make(chan struct{}),
	}
	s.lastActivity.Store(time.Now())
	return s
}

func (s *Server) touch() { s.lastActivity.Store(time.Now()) }

func (s *Server) idleFor() time.Duration {
	last := s.lastActivity.Load().(time.Time)
	return time.Since(last)
}

// Run listens on the server's socket and drives the event loop until a
// Shutdown command, idle timeout, or ctx cancellation. The socket's parent
// directory is created with the process umask; the socket file is removed
// on every return path (spec.md §5).
func (s *Server) Run(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o755); err != nil {
		return fmt.Errorf("ipc: creating socket dir: %w", err)
	}
	os.Remove(s.socketPath) //nolint:errcheck // best-effort removal of a stale socket from a prior crash

	ln, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("ipc: listening on %s: %w", s.socketPath, err)
	}
	s.listener = ln
	s.startTime = time.Now()
	defer func() {
		ln.Close()
		os.Remove(s.socketPath) //nolint:errcheck // socket removal on clean shutdown, spec.md §5
	}()

	acceptCh := make(chan net.Conn)
	acceptErrCh := make(chan error, 1)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				acceptErrCh <- err
				return
			}
			acceptCh <- conn
		}
	}()

	go s.runWorker()

	ticker := time.NewTicker(idleTickInterval)
	defer ticker.Stop()

	for {
		select {
		case conn := <-acceptCh:
			s.touch()
			s.wg.Add(1)
			go s.handleConn(conn)

		case repoRoot := <-s.watchTrigger:
			s.touch()
			s.enqueue(repoRoot, "watcher", "", false)

		case <-ticker.C:
			if s.idleFor() > s.idleTimeout && !s.queue.Pending() {
				s.log.Info("ipc: idle timeout reached, shutting down", "idle_timeout", s.idleTimeout)
				s.initiateShutdown()
			}

		case err := <-acceptErrCh:
			select {
			case <-s.shutdownCh:
				return nil
			default:
				return fmt.Errorf("ipc: accept: %w", err)
			}

		case <-s.shutdownCh:
			s.wg.Wait()
			return nil

		case <-ctx.Done():
			s.initiateShutdown()
			s.wg.Wait()
			return ctx.Err()
		}
	}
}

// initiateShutdown closes shutdownCh, the listener, and every open
// connection, unblocking the accept goroutine, any handleConn loops
// parked in a read, and the event loop itself, exactly once.
func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		if s.listener != nil {
			s.listener.Close()
		}
		s.mu.Lock()
		for _, e := range s.watchers {
			e.cancel()
		}
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
	})
}

// runWorker is ixchel's single process-wide sync worker (spec.md §4.9): it
// drains Queued jobs one at a time whenever woken by an enqueue.
func (s *Server) runWorker() {
	for {
		select {
		case <-s.wakeCh:
		case <-s.shutdownCh:
			return
		}
		for {
			job, ok := s.queue.NextQueued()
			if !ok {
				break
			}
			s.queue.Run(job, s.runner)
		}
	}
}

func (s *Server) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// enqueue installs a sync job and wakes the worker, returning the job.
func (s *Server) enqueue(repoRoot, tool, directory string, force bool) *queue.Job {
	if directory == "" {
		directory = repoRoot
	}
	job, _ := s.queue.Enqueue(repoRoot, tool, directory, force)
	s.wake()
	return job
}

// handleConn reads newline-delimited requests from conn and writes
// newline-delimited responses, one per connection goroutine, in the order
// requests arrive (spec.md §4.11's per-connection ordering guarantee).
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	atomic.AddInt32(&s.activeConns, 1)
	defer atomic.AddInt32(&s.activeConns, -1)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxMessageSize)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		s.touch()
		resp := s.dispatch(line)
		werr := writeResponse(writer, resp)
		// A Shutdown closes every connection, this one included, so it is
		// started only after its own response has been written.
		if cmd, _ := jsonparser.GetString(line, "command"); cmd == CmdShutdown && resp.Result.Error == nil {
			s.initiateShutdown()
			return
		}
		if werr != nil {
			s.log.Warn("ipc: writing response", "err", werr)
			return
		}
	}
	// A scanner.Err() here is either a real I/O error or bufio.ErrTooLong (a
	// line over maxMessageSize). Either way we have no parseable line to
	// correlate a response to, so the connection is simply dropped rather
	// than answered with InvalidRequest.
	if err := scanner.Err(); err != nil {
		s.log.Warn("ipc: connection read error", "err", err)
	}
}

func writeResponse(w *bufio.Writer, resp Response) error {
	b, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	if _, err := w.Write(b); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	return w.Flush()
}

// dispatch parses one request line and routes it to a command handler.
// It uses jsonparser for a cheap id/version peek before committing to a
// full json.Unmarshal, so an oversized or malformed payload on an
// incompatible-version request still gets a quick, cheap rejection.
func (s *Server) dispatch(line []byte) Response {
	id, _ := jsonparser.GetString(line, "id")
	version, verr := jsonparser.GetInt(line, "version")
	if verr != nil {
		return fail(id, InvalidRequest, "missing or non-numeric version field")
	}
	if int(version) != ProtocolVersion {
		return fail(id, IncompatibleVersion, fmt.Sprintf("server speaks protocol version %d, client sent %d", ProtocolVersion, version))
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return fail(id, InvalidRequest, "malformed JSON: "+err.Error())
	}
	if req.Command == "" {
		return fail(req.ID, InvalidRequest, "missing command field")
	}

	switch req.Command {
	case CmdPing:
		return s.handlePing(req)
	case CmdEnqueueSync:
		return s.handleEnqueueSync(req)
	case CmdWaitSync:
		return s.handleWaitSync(req)
	case CmdStatus:
		return s.handleStatus(req)
	case CmdWatch:
		return s.handleWatch(req)
	case CmdUnwatch:
		return s.handleUnwatch(req)
	case CmdShutdown:
		return s.handleShutdown(req)
	default:
		return fail(req.ID, InvalidRequest, "unknown command: "+req.Command)
	}
}

func (s *Server) handlePing(req Request) Response {
	return ok(req.ID, pingResult{DaemonVersion: s.daemonVersion})
}

func (s *Server) handleEnqueueSync(req Request) Response {
	var p enqueueSyncPayload
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &p); err != nil {
			return fail(req.ID, InvalidRequest, "bad EnqueueSync payload: "+err.Error())
		}
	}
	job := s.enqueue(req.RepoRoot, req.Tool, p.Directory, p.Force)
	return ok(req.ID, enqueueSyncResult{SyncID: job.ID, QueuedAtMs: job.QueuedAt.UnixMilli()})
}

func (s *Server) handleWaitSync(req Request) Response {
	var p waitSyncPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return fail(req.ID, InvalidRequest, "bad WaitSync payload: "+err.Error())
	}
	timeout := time.Duration(p.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	job, ok2 := s.queue.Wait(p.SyncID, timeout)
	if !ok2 {
		if _, exists := s.queue.Get(p.SyncID); !exists {
			return fail(req.ID, InvalidRequest, "unknown sync_id: "+p.SyncID)
		}
		return fail(req.ID, Timeout, fmt.Sprintf("sync %s did not complete within %s", p.SyncID, timeout))
	}

	result := waitSyncResult{SyncID: job.ID, State: job.State.String()}
	if job.State == queue.Done {
		result.Stats = &syncStats{
			Scanned: job.Stats.Scanned,
			Added:   job.Stats.Inserted, Modified: job.Stats.Updated, Reembedded: job.Stats.Reembedded,
			Deleted: job.Stats.Deleted, Renamed: job.Stats.Renamed, Unchanged: job.Stats.Skipped,
		}
	}
	if job.Err != nil {
		result.Error = job.Err.Error()
	}
	return ok(req.ID, result)
}

func (s *Server) handleStatus(req Request) Response {
	var size int64
	if req.RepoRoot != "" {
		dbPath := filepath.Join(req.RepoRoot, ".ixchel", "data", "index.db")
		if info, err := os.Stat(dbPath); err == nil {
			size = info.Size()
		}
	}
	uptime := time.Since(s.startTime)
	return ok(req.ID, statusResult{
		Queues:         s.queueSnapshot(),
		UptimeMs:       uptime.Milliseconds(),
		DaemonVersion:  s.daemonVersion,
		StoreSizeBytes: size,
		Humanized:      humanize.RelTime(s.startTime, time.Now(), "ago", ""),
	})
}

func (s *Server) queueSnapshot() []queueStatus {
	keys := s.queue.Keys()
	out := make([]queueStatus, 0, len(keys))
	for _, key := range keys {
		pending, active := s.queue.KeyCounts(key)
		out = append(out, queueStatus{
			RepoRoot: key.RepoRoot,
			Tool:     key.Tool,
			Pending:  pending,
			Active:   active > 0,
		})
	}
	return out
}

func (s *Server) handleWatch(req Request) Response {
	var p watchPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return fail(req.ID, InvalidRequest, "bad Watch payload: "+err.Error())
	}
	repoRoot := p.RepoRoot
	if repoRoot == "" {
		repoRoot = req.RepoRoot
	}
	ixchelDir := filepath.Join(repoRoot, ".ixchel")

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.watchers[repoRoot]; exists {
		return ok(req.ID, watchResult{RepoRoot: repoRoot, Started: false})
	}

	w, err := watcher.New(ixchelDir, s.watchDebounce, func() {
		select {
		case s.watchTrigger <- repoRoot:
		default:
		}
	})
	if err != nil {
		return fail(req.ID, InternalError, "starting watcher: "+err.Error())
	}
	go w.Run()
	s.watchers[repoRoot] = &watchEntry{w: w, cancel: func() { w.Close() }}
	return ok(req.ID, watchResult{RepoRoot: repoRoot, Started: true})
}

func (s *Server) handleUnwatch(req Request) Response {
	var p watchPayload
	if err := json.Unmarshal(req.Payload, &p); err != nil {
		return fail(req.ID, InvalidRequest, "bad Unwatch payload: "+err.Error())
	}
	repoRoot := p.RepoRoot
	if repoRoot == "" {
		repoRoot = req.RepoRoot
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, exists := s.watchers[repoRoot]
	if !exists {
		return ok(req.ID, unwatchResult{RepoRoot: repoRoot, Stopped: false})
	}
	e.cancel()
	delete(s.watchers, repoRoot)
	return ok(req.ID, unwatchResult{RepoRoot: repoRoot, Stopped: true})
}

func (s *Server) handleShutdown(req Request) Response {
	var p shutdownPayload
	if len(req.Payload) > 0 {
		json.Unmarshal(req.Payload, &p) //nolint:errcheck // Reason is logging-only
	}
	s.log.Info("ipc: shutdown requested", "reason", p.Reason)
	// handleConn calls initiateShutdown once this response is written.
	return ok(req.ID, shutdownResult{})
}
