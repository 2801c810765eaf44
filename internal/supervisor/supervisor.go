// Package supervisor owns one external process per session: it spawns the
// process, decodes its output stream into session state, tracks the working
// directory, enforces the idle timeout, and drives graceful shutdown. All
// session mutation happens under the supervisor's mutex; everyone else sees
// snapshots.
package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jelmore/jelmore/internal/bus"
	"github.com/jelmore/jelmore/internal/protocol"
	"github.com/jelmore/jelmore/internal/store"
	"github.com/jelmore/jelmore/internal/types"
)

var _ types.Agent = (*Supervisor)(nil)

// Options tune one supervisor. Zero values get defaults.
type Options struct {
	Profile           Profile
	IdleTimeout       time.Duration
	HeartbeatInterval time.Duration
	GracePeriod       time.Duration
	BufferSize        int
}

func (o Options) withDefaults() Options {
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 30 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.BufferSize <= 0 {
		o.BufferSize = 1024
	}
	return o
}

// Supervisor runs and observes one session process.
type Supervisor struct {
	opts  Options
	store *store.Store
	pub   *bus.Publisher

	mu           sync.Mutex
	sess         *types.Session
	cmd          *exec.Cmd
	stdin        io.WriteCloser
	procCancel   context.CancelFunc
	waitDone     chan struct{}
	timeoutFired bool
	expectExit   bool

	buffer *eventBuffer
}

// New wraps a session in a supervisor. The session must be freshly created
// (or about to be resumed); the supervisor becomes its only writer.
func New(sess *types.Session, st *store.Store, pub *bus.Publisher, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		opts:   opts,
		store:  st,
		pub:    pub,
		sess:   sess,
		buffer: newEventBuffer(opts.BufferSize),
	}
}

// Start spawns the session process. Valid only from the initial state; a
// spawn failure marks the session failed and returns a SpawnError.
func (s *Supervisor) Start(ctx context.Context, query string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess.Status != types.StatusInitializing {
		return &types.InvalidStateError{Op: "start", Status: s.sess.Status}
	}
	s.transitionLocked(types.StatusStarting)
	s.sess.Query = query

	spec := s.opts.Profile.Spec(s.sess, query, false)
	if err := s.spawnLocked(spec); err != nil {
		s.failLocked("spawn", err)
		return &types.SpawnError{Err: err}
	}

	s.transitionLocked(types.StatusActive)
	s.persistLocked(ctx)
	s.publish(types.EventSessionStarted, map[string]any{
		"variant": s.opts.Profile.Name,
		"pid":     s.sess.ProcessID,
	})
	return nil
}

// spawnLocked launches the process and its observer goroutines. Caller holds
// the mutex.
func (s *Supervisor) spawnLocked(spec CommandSpec) error {
	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, spec.Bin, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", spec.Bin, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.procCancel = cancel
	s.waitDone = make(chan struct{})
	s.expectExit = false
	s.sess.ProcessID = cmd.Process.Pid
	s.sess.LastActivity = time.Now().UTC()

	waitDone := s.waitDone
	readers := &sync.WaitGroup{}
	readers.Add(2)
	go s.readStdout(stdout, readers)
	go s.readStderr(stderr, readers)
	go s.heartbeat(waitDone)
	go s.waiter(cmd, readers, waitDone)
	return nil
}

// waiter owns the sole Wait on the process. Wait closes the pipes, so it must
// not run until both readers have drained them. A clean exit the supervisor
// did not request parks the session idle; a dirty one fails it.
func (s *Supervisor) waiter(cmd *exec.Cmd, readers *sync.WaitGroup, waitDone chan struct{}) {
	readers.Wait()
	err := cmd.Wait()
	close(waitDone)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expectExit || s.sess.Status.Terminal() {
		return
	}
	if err != nil {
		s.failLocked("exit", fmt.Errorf("process exited: %w", err))
		return
	}
	// Process completion parks the session idle; it stays resumable until the
	// stale sweep retires it. Statuses with no idle edge step through active
	// first so the walk stays on the graph.
	if s.sess.Status != types.StatusIdle {
		if !types.ValidTransition(s.sess.Status, types.StatusIdle) {
			s.transitionLocked(types.StatusActive)
		}
		s.transitionLocked(types.StatusIdle)
	}
	s.sess.ProcessID = 0
	s.persistLocked(context.Background())
}

func (s *Supervisor) readStdout(r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		s.handleLine(scanner.Text())
	}
}

// handleLine decodes one output line and applies it to the session.
func (s *Supervisor) handleLine(line string) {
	ev := protocol.Decode(line)
	s.buffer.Append(ev)

	s.mu.Lock()
	s.sess.LastActivity = time.Now().UTC()
	s.sess.Metrics.MessagesProcessed++

	switch ev.Kind {
	case protocol.KindSystem:
		if ev.WaitsForInput() {
			s.transitionLocked(types.StatusWaitingInput)
		}
	case protocol.KindAssistant:
		s.transitionLocked(types.StatusActive)
	case protocol.KindToolUse:
		s.sess.Metrics.ToolInvocations++
		s.transitionLocked(types.StatusProcessing)
		s.trackToolLocked(ev)
	case protocol.KindToolResult:
		s.transitionLocked(types.StatusActive)
		s.corroborateDirectoryLocked()
	}

	s.sess.OutputBuffer = append(s.sess.OutputBuffer, ev)
	if len(s.sess.OutputBuffer) > s.opts.BufferSize {
		s.sess.OutputBuffer = s.sess.OutputBuffer[len(s.sess.OutputBuffer)-s.opts.BufferSize:]
	}
	s.persistLocked(context.Background())
	s.mu.Unlock()

	s.publish(types.EventSessionOutput, ev)
}

// trackToolLocked updates tool metrics and the recorded working directory.
// The parsed command stream is the canonical directory source.
func (s *Supervisor) trackToolLocked(ev protocol.DecodedEvent) {
	if isFileTool(ev.Tool) {
		s.sess.Metrics.FileOperations++
	}
	target := cdTarget(ev)
	if target == "" {
		return
	}
	next := resolveDirectory(s.sess.CurrentDirectory, target)
	if next == s.sess.CurrentDirectory {
		return
	}
	prev := s.sess.CurrentDirectory
	s.sess.CurrentDirectory = next
	s.sess.Metrics.DirectoryChanges++
	s.publish(types.EventSessionDirectoryChanged, map[string]string{
		"from": prev, "to": next,
	})
}

// corroborateDirectoryLocked checks the process's actual working directory
// against the recorded one and adopts the real value on drift. Adoption does
// not count as a directory change.
func (s *Supervisor) corroborateDirectoryLocked() {
	if s.sess.ProcessID == 0 {
		return
	}
	cwd, err := os.Readlink(fmt.Sprintf("/proc/%d/cwd", s.sess.ProcessID))
	if err != nil || cwd == "" || cwd == s.sess.CurrentDirectory {
		return
	}
	slog.Debug("directory drift corrected",
		"session_id", string(s.sess.ID), "recorded", s.sess.CurrentDirectory, "actual", cwd)
	s.sess.CurrentDirectory = cwd
}

func (s *Supervisor) readStderr(r io.Reader, readers *sync.WaitGroup) {
	defer readers.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		slog.Warn("session stderr", "session_id", string(s.sess.ID), "line", line)
		for _, marker := range s.opts.Profile.CriticalMarkers {
			if strings.Contains(line, marker) {
				s.fail("critical", &types.CriticalProcessError{Marker: marker, Line: line})
				return
			}
		}
	}
}

// heartbeat fails the session once when the idle timeout elapses. The timeout
// fires at most one transition per session.
func (s *Supervisor) heartbeat(waitDone chan struct{}) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			if s.timeoutFired || s.sess.Status.Terminal() {
				s.mu.Unlock()
				return
			}
			idle := time.Since(s.sess.LastActivity)
			if idle < s.opts.IdleTimeout {
				s.mu.Unlock()
				continue
			}
			s.timeoutFired = true
			id := s.sess.ID
			s.mu.Unlock()
			s.fail("timeout", &types.TimeoutError{SessionID: id, Idle: idle})
			return
		case <-waitDone:
			return
		}
	}
}

// fail force-terminates the session from any live state.
func (s *Supervisor) fail(reason string, cause error) {
	s.mu.Lock()
	if s.sess.Status.Terminal() {
		s.mu.Unlock()
		return
	}
	s.failLocked(reason, cause)
	cancel := s.procCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// failLocked marks the session failed, records the cause, and ends the output
// stream. Caller holds the mutex and is responsible for stopping the process.
func (s *Supervisor) failLocked(reason string, cause error) {
	now := time.Now().UTC()
	s.expectExit = true
	s.sess.Status = types.StatusFailed
	s.sess.TerminatedAt = &now
	s.sess.Metrics.EndedAt = &now
	s.sess.Metrics.Errors++
	s.persistLocked(context.Background())
	s.publish(types.EventSessionFailed, map[string]string{
		"reason": reason, "error": cause.Error(),
	})
	slog.Error("session failed",
		"session_id", string(s.sess.ID), "reason", reason, "error", cause)
	s.buffer.Close()
}

// SendInput forwards text to the process. Legal only while the process is
// live and either waiting for input or actively conversing.
func (s *Supervisor) SendInput(ctx context.Context, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.sess.Status {
	case types.StatusWaitingInput, types.StatusActive:
	default:
		return &types.InvalidStateError{Op: "send input", Status: s.sess.Status}
	}
	if s.stdin == nil {
		return &types.InvalidStateError{Op: "send input", Status: s.sess.Status}
	}
	if _, err := io.WriteString(s.stdin, text+"\n"); err != nil {
		return fmt.Errorf("write input: %w", err)
	}
	s.sess.LastActivity = time.Now().UTC()
	s.sess.Metrics.Turns++
	s.transitionLocked(types.StatusActive)
	s.persistLocked(ctx)
	return nil
}

// Stream returns a channel of decoded output events. All callers share one
// consumption cursor; an event delivered to one stream call is not
// re-delivered to a later one. The channel closes when the session's output
// ends or the context does.
func (s *Supervisor) Stream(ctx context.Context) <-chan protocol.DecodedEvent {
	ch := make(chan protocol.DecodedEvent)
	go func() {
		defer close(ch)
		for {
			ev, ok := s.buffer.Next(ctx)
			if !ok {
				return
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// suspendBlob is the opaque serialized form of a suspended session.
type suspendBlob struct {
	SessionID        types.SessionID         `json:"session_id"`
	Query            string                  `json:"query"`
	CurrentDirectory string                  `json:"current_directory"`
	Config           types.SessionConfig     `json:"config"`
	Metadata         map[string]string       `json:"metadata"`
	Metrics          types.Metrics           `json:"metrics"`
	History          []protocol.DecodedEvent `json:"history"`
	SuspendedAt      time.Time               `json:"suspended_at"`
}

// Suspend stops the process gracefully and returns a blob from which the
// session can be resumed later, on this broker or another.
func (s *Supervisor) Suspend(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	if s.sess.Status.Terminal() || s.sess.Status == types.StatusSuspended {
		status := s.sess.Status
		s.mu.Unlock()
		return nil, &types.InvalidStateError{Op: "suspend", Status: status}
	}
	s.expectExit = true
	cmd, waitDone, cancel := s.cmd, s.waitDone, s.procCancel
	s.mu.Unlock()

	s.stopProcess(ctx, cmd, waitDone, cancel)

	s.mu.Lock()
	now := time.Now().UTC()
	s.sess.Status = types.StatusSuspended
	s.sess.ProcessID = 0
	blob := suspendBlob{
		SessionID:        s.sess.ID,
		Query:            s.sess.Query,
		CurrentDirectory: s.sess.CurrentDirectory,
		Config:           s.sess.Config,
		Metadata:         s.sess.Metadata,
		Metrics:          s.sess.Metrics,
		History:          s.buffer.Snapshot(),
		SuspendedAt:      now,
	}
	data, err := json.Marshal(blob)
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("encode suspend blob: %w", err)
	}
	s.persistLocked(ctx)
	s.mu.Unlock()

	s.publish(types.EventSessionSuspended, map[string]any{
		"suspended_at": now, "history_len": len(blob.History),
	})
	return data, nil
}

// Resume rebuilds session state from a suspend blob and relaunches the
// process with continuation enabled. Valid only on a fresh supervisor.
func (s *Supervisor) Resume(ctx context.Context, blob []byte) error {
	var b suspendBlob
	if err := json.Unmarshal(blob, &b); err != nil {
		return fmt.Errorf("decode suspend blob: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sess.Status != types.StatusInitializing {
		return &types.InvalidStateError{Op: "resume", Status: s.sess.Status}
	}

	s.sess.ID = b.SessionID
	s.sess.Query = b.Query
	s.sess.CurrentDirectory = b.CurrentDirectory
	s.sess.Config = b.Config
	s.sess.Config.Continue = true
	s.sess.Metadata = b.Metadata
	s.sess.Metrics = b.Metrics
	s.sess.OutputBuffer = b.History
	s.sess.Status = types.StatusSuspended
	s.buffer.Restore(b.History)

	s.transitionLocked(types.StatusIdle)

	spec := s.opts.Profile.Spec(s.sess, b.Query, true)
	if err := s.spawnLocked(spec); err != nil {
		s.failLocked("spawn", err)
		return &types.SpawnError{Err: err}
	}
	s.transitionLocked(types.StatusActive)
	s.persistLocked(ctx)
	s.publish(types.EventSessionResumed, map[string]any{
		"suspended_at": b.SuspendedAt, "pid": s.sess.ProcessID,
	})
	return nil
}

// Terminate shuts the session down, gracefully first, then by force after
// the grace period. Terminating an already terminal session is a no-op.
func (s *Supervisor) Terminate(ctx context.Context) error {
	s.mu.Lock()
	if s.sess.Status.Terminal() {
		s.mu.Unlock()
		return nil
	}
	if s.sess.Status == types.StatusSuspended {
		s.transitionLocked(types.StatusTerminating)
		s.finalizeTerminatedLocked()
		s.mu.Unlock()
		s.buffer.Close()
		return nil
	}
	s.expectExit = true
	s.transitionLocked(types.StatusTerminating)
	s.persistLocked(ctx)
	cmd, waitDone, cancel := s.cmd, s.waitDone, s.procCancel
	s.mu.Unlock()

	s.stopProcess(ctx, cmd, waitDone, cancel)

	s.mu.Lock()
	s.finalizeTerminatedLocked()
	s.mu.Unlock()
	s.buffer.Close()
	return nil
}

func (s *Supervisor) finalizeTerminatedLocked() {
	if s.sess.Status.Terminal() {
		return
	}
	now := time.Now().UTC()
	s.transitionLocked(types.StatusTerminated)
	s.sess.TerminatedAt = &now
	s.sess.Metrics.EndedAt = &now
	s.sess.ProcessID = 0
	s.persistLocked(context.Background())
	s.publish(types.EventSessionTerminated, map[string]any{
		"terminated_at": now, "duration": s.sess.Metrics.Duration().String(),
	})
}

// stopProcess sends SIGTERM, waits out the grace period, then kills.
func (s *Supervisor) stopProcess(ctx context.Context, cmd *exec.Cmd, waitDone chan struct{}, cancel context.CancelFunc) {
	if cmd == nil || cmd.Process == nil || waitDone == nil {
		return
	}
	select {
	case <-waitDone:
		return
	default:
	}

	_ = cmd.Process.Signal(syscall.SIGTERM)
	select {
	case <-waitDone:
		return
	case <-time.After(s.opts.GracePeriod):
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	<-waitDone
}

// Snapshot returns a deep copy of the session record.
func (s *Supervisor) Snapshot() *types.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.Clone()
}

// transitionLocked applies a status change if the state graph permits it.
// Self-transitions and illegal edges are ignored.
func (s *Supervisor) transitionLocked(to types.Status) {
	from := s.sess.Status
	if from == to {
		return
	}
	if !types.ValidTransition(from, to) {
		slog.Debug("transition rejected",
			"session_id", string(s.sess.ID), "from", string(from), "to", string(to))
		return
	}
	s.sess.Status = to
	s.sess.UpdatedAt = time.Now().UTC()
	s.publish(types.EventSessionStatus, map[string]string{
		"from": string(from), "to": string(to),
	})
}

// persistLocked writes the session through the store. Persistence failures
// are logged and absorbed so the supervisor keeps its in-memory truth.
func (s *Supervisor) persistLocked(ctx context.Context) {
	if s.store == nil {
		return
	}
	if err := s.store.Update(ctx, s.sess.Clone()); err != nil {
		slog.Error("persist session", "session_id", string(s.sess.ID), "error", err)
	}
}

func (s *Supervisor) publish(eventType string, payload any) {
	if s.pub == nil {
		return
	}
	s.pub.Publish(types.NewEvent(eventType, s.sess.ID, payload))
}

// cdTarget extracts the target of a shell cd command from a tool invocation,
// or "" when the invocation does not change directory.
func cdTarget(ev protocol.DecodedEvent) string {
	switch ev.Tool {
	case "bash", "shell", "run_command", "exec":
	default:
		return ""
	}
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(ev.Input, &input); err != nil {
		return ""
	}
	// Only the leading command of a compound line can move the directory for
	// everything after it.
	cmd := input.Command
	for _, sep := range []string{"&&", ";", "|"} {
		if idx := strings.Index(cmd, sep); idx >= 0 {
			cmd = cmd[:idx]
		}
	}
	fields := strings.Fields(cmd)
	if len(fields) < 2 || fields[0] != "cd" {
		return ""
	}
	return strings.Trim(fields[1], `"'`)
}

// resolveDirectory resolves a cd target against the current directory.
func resolveDirectory(current, target string) string {
	if filepath.IsAbs(target) {
		return filepath.Clean(target)
	}
	return filepath.Clean(filepath.Join(current, target))
}

func isFileTool(tool string) bool {
	switch tool {
	case "read_file", "write_file", "edit_file", "list_files", "create_file", "delete_file":
		return true
	}
	return strings.Contains(tool, "file")
}
