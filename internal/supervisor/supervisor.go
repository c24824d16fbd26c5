package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ernie/bloodmoon/internal/collector"
	"github.com/ernie/bloodmoon/internal/config"
	"github.com/ernie/bloodmoon/internal/console"
	"github.com/ernie/bloodmoon/internal/domain"
)

var (
	// ErrNotRunning is returned when an operation needs a running server
	ErrNotRunning = errors.New("server not running")
	// ErrAlreadyRunning is returned by Start when a server process not
	// launched by this supervisor is already running
	ErrAlreadyRunning = errors.New("server process already running")
)

// drainTimeout bounds how long a finished run waits for its output to
// reach end of stream
const drainTimeout = 2 * time.Second

// Policy is told about capacity observations and restarts
type Policy interface {
	ObserveMaxPlayers(n int)
	ServerRestarted()
	Capacity() domain.CapacityStatus
}

// Deps are the supervisor's collaborators
type Deps struct {
	Launcher Launcher
	// ConfigWriter defaults to an XMLConfigWriter on server.config_file
	ConfigWriter ConfigWriter
	Bus          *collector.EventBus
	Classifier   *collector.Classifier
	// Dial overrides how the console session connects
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
}

// run is one launch of the server with its pipeline and console session
type run struct {
	id       string
	handle   *Handle
	logs     collector.RunLogs
	pipeline *collector.Pipeline

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	session *console.Session
}

func (r *run) currentSession() *console.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.session
}

// Supervisor owns the server process. It launches it, relaunches it when it
// exits, and gives each launch a fresh log pipeline and console session.
type Supervisor struct {
	cfg    *config.Config
	deps   Deps
	events chan domain.Event

	// opMu serializes launch, relaunch, restart and stop
	opMu sync.Mutex

	mu          sync.RWMutex
	state       domain.SupervisorState
	policy      Policy
	current     *run
	lastRun     *run
	restarts    int
	lastErr     error
	watchCancel context.CancelFunc
	watchDone   chan struct{}
}

// New creates a supervisor for the server described by cfg
func New(cfg *config.Config, deps Deps) *Supervisor {
	if deps.ConfigWriter == nil {
		deps.ConfigWriter = NewXMLConfigWriter(cfg.Server.ConfigFile)
	}
	if deps.Classifier == nil {
		deps.Classifier = collector.NewClassifier(collector.DefaultPatterns)
	}
	if deps.Bus == nil {
		deps.Bus = collector.NewEventBus(collector.DefaultEventBusCapacity)
	}
	return &Supervisor{
		cfg:    cfg,
		deps:   deps,
		events: make(chan domain.Event, 100),
		state:  domain.SupervisorIdle,
	}
}

// SetPolicy attaches the access policy. Call before Start.
func (s *Supervisor) SetPolicy(p Policy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.policy = p
}

// Events returns the event channel for broadcasting
func (s *Supervisor) Events() <-chan domain.Event {
	return s.events
}

// Start launches the server and begins watching it
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() == domain.SupervisorRunning {
		return errors.New("supervisor already running")
	}
	if name := s.cfg.Server.ProcessName; name != "" && s.deps.Launcher.IsRunning(name) {
		err := fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
		s.fail(err)
		return err
	}
	if err := s.launch(); err != nil {
		s.fail(err)
		return err
	}
	s.setState(domain.SupervisorRunning)

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.watchCancel = cancel
	s.watchDone = done
	s.mu.Unlock()

	go s.watchLoop(watchCtx, done)
	log.Printf("Supervisor: watching server every %v", s.cfg.Server.WatchInterval)
	return nil
}

// Stop shuts the server down through the console, killing it if it does
// not exit in time, and stops watching
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopWatch()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	r := s.currentRun()
	if r == nil {
		if s.State() == domain.SupervisorRunning {
			s.setState(domain.SupervisorStopped)
		}
		return ErrNotRunning
	}

	s.setState(domain.SupervisorStopping)
	log.Printf("Supervisor: stopping server (pid %d)...", r.handle.PID)
	err := s.halt(ctx, r, "stopped")
	s.setState(domain.SupervisorStopped)
	log.Println("Supervisor: server stopped")
	return err
}

// Restart stops the running server and launches a fresh one
func (s *Supervisor) Restart(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != domain.SupervisorRunning {
		return ErrNotRunning
	}
	if r := s.currentRun(); r != nil {
		log.Printf("Supervisor: restarting server (pid %d)...", r.handle.PID)
		if err := s.halt(ctx, r, "restart"); err != nil {
			log.Printf("Warning: stopping server for restart: %v", err)
		}
	}
	if !s.relaunch() || s.currentRun() == nil {
		return s.Err()
	}
	return nil
}

// Status returns the supervisor's view of the server
func (s *Supervisor) Status() domain.ServerStatus {
	s.mu.RLock()
	status := domain.ServerStatus{
		State:          s.state,
		SessionState:   domain.SessionDisconnected,
		Restarts:       s.restarts,
		PatternVersion: s.deps.Classifier.Version(),
	}
	if s.lastErr != nil {
		status.LastError = s.lastErr.Error()
	}
	r := s.current
	if r == nil {
		r = s.lastRun
	}
	policy := s.policy
	s.mu.RUnlock()

	if r != nil {
		started := r.handle.StartedAt
		status.RunID = r.id
		status.PID = r.handle.PID
		status.ProcessStatus = r.handle.Status()
		status.StartedAt = &started
		status.MainLog = r.logs.Main
		status.ErrorLog = r.logs.Error
		status.LogLines = r.pipeline.Lines()
		if sess := r.currentSession(); sess != nil {
			status.SessionState = sess.State()
		}
	}
	if policy != nil {
		status.Capacity = policy.Capacity()
	}
	return status
}

// RunID returns the ID of the current run, or "" between runs
func (s *Supervisor) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return ""
	}
	return s.current.id
}

// State returns the supervisor state
func (s *Supervisor) State() domain.SupervisorState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that put the supervisor in the failed state
func (s *Supervisor) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// SendCommand runs a console command on the current session
func (s *Supervisor) SendCommand(ctx context.Context, text string) (console.Result, error) {
	sess := s.session()
	if sess == nil {
		return console.Result{Command: text}, console.ErrNotReady
	}
	return sess.SendCommand(ctx, text)
}

// Submit queues a console command on the current session without waiting
func (s *Supervisor) Submit(text string) error {
	sess := s.session()
	if sess == nil {
		return console.ErrNotReady
	}
	return sess.Submit(text)
}

func (s *Supervisor) session() *console.Session {
	r := s.currentRun()
	if r == nil {
		return nil
	}
	return r.currentSession()
}

func (s *Supervisor) currentRun() *run {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Supervisor) setState(state domain.SupervisorState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) fail(err error) {
	s.mu.Lock()
	s.state = domain.SupervisorFailed
	s.lastErr = err
	s.mu.Unlock()
	log.Printf("Error: supervisor failed: %v", err)
}

func (s *Supervisor) stopWatch() {
	s.mu.Lock()
	cancel, done := s.watchCancel, s.watchDone
	s.watchCancel, s.watchDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// overrides are the configured properties plus the console settings the
// session depends on
func (s *Supervisor) overrides() map[string]string {
	out := make(map[string]string, len(s.cfg.Server.Overrides)+3)
	for k, v := range s.cfg.Server.Overrides {
		out[k] = v
	}
	out["TelnetEnabled"] = "true"
	out["TelnetPort"] = strconv.Itoa(s.cfg.Console.Port)
	out["TelnetPassword"] = s.cfg.Console.Password
	return out
}

// launch writes the server config, starts the process and attaches a new
// pipeline and console session. Callers hold opMu.
func (s *Supervisor) launch() error {
	if err := s.deps.ConfigWriter.Apply(s.overrides()); err != nil {
		return err
	}

	dir := s.cfg.Logs.Dir
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating log dir: %w", err)
	}
	if s.cfg.Logs.ArchivePrevious {
		if err := collector.ArchiveLogs(dir, s.cfg.Logs.Retain); err != nil {
			log.Printf("Warning: archiving previous logs: %v", err)
		}
	}

	h, err := s.deps.Launcher.Start(LaunchSpec{
		Executable: s.cfg.Server.Executable,
		Args:       s.cfg.Server.Args,
		Dir:        s.cfg.Server.WorkingDir,
	})
	if err != nil {
		return fmt.Errorf("launching server: %w", err)
	}

	r := &run{
		id:     uuid.NewString(),
		handle: h,
		logs:   collector.NewRunLogs(dir, h.StartedAt),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	s.mu.RLock()
	policy := s.policy
	s.mu.RUnlock()

	pcfg := collector.PipelineConfig{
		Logs:         r.logs,
		ContextLines: s.cfg.Logs.ContextLines,
		Classifier:   s.deps.Classifier,
		Bus:          s.deps.Bus,
		OnErrorSnapshot: func(trigger string) {
			s.emitEvent(r.id, domain.EventErrorSnapshot, domain.ErrorSnapshotEvent{Trigger: trigger})
		},
	}
	if policy != nil {
		pcfg.OnMaxPlayers = policy.ObserveMaxPlayers
	}
	r.pipeline = collector.NewPipeline(h.Output, pcfg)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.pipeline.Run(r.ctx); err != nil && r.ctx.Err() == nil {
			log.Printf("Error reading server output: %v", err)
		}
	}()

	s.mu.Lock()
	s.current = r
	s.lastErr = nil
	s.mu.Unlock()

	s.connect(r)

	log.Printf("Server started (pid %d, run %s), logging to %s", h.PID, r.id, r.logs.Main)
	s.emitEvent(r.id, domain.EventServerStarted, domain.ServerStartedEvent{
		PID:      h.PID,
		MainLog:  r.logs.Main,
		ErrorLog: r.logs.Error,
	})
	return nil
}

// connect gives the run a new console session and connects it in the
// background
func (s *Supervisor) connect(r *run) {
	runID := r.id
	sess := console.NewSession(console.Config{
		Address:         s.cfg.Console.Address(),
		Password:        s.cfg.Console.Password,
		ConnectAttempts: s.cfg.Console.ConnectAttempts,
		RetryDelay:      s.cfg.Console.RetryDelay,
		AuthTimeout:     s.cfg.Console.AuthTimeout,
		CommandTimeout:  s.cfg.Console.CommandTimeout,
		ResponseIdle:    s.cfg.Console.ResponseIdle,
		ShutdownWait:    s.cfg.Console.ShutdownWait,
		SyncCommand:     s.cfg.Console.SyncCommand,
		Dial:            s.deps.Dial,
		OnStateChange: func(state domain.SessionState) {
			s.emitEvent(runID, domain.EventSessionState, domain.SessionStateEvent{State: state})
		},
	})

	r.mu.Lock()
	r.session = sess
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := sess.Start(r.ctx); err != nil {
			if r.ctx.Err() == nil {
				log.Printf("Warning: console unavailable for run %s: %v", runID, err)
			}
			return
		}
		<-sess.Done()
	}()
}

// ensureSession replaces a session that gave up connecting while the
// process is still alive. A rejected password is not retried.
func (s *Supervisor) ensureSession(r *run) {
	sess := r.currentSession()
	if sess == nil {
		return
	}
	select {
	case <-sess.Done():
	default:
		return
	}
	if !errors.Is(sess.Err(), console.ErrConnectFailed) || r.ctx.Err() != nil {
		return
	}
	log.Printf("Supervisor: server (pid %d) still running, reconnecting console", r.handle.PID)
	s.connect(r)
}

// halt stops the run's process through its console session, sweeps stray
// server processes and tears the run down. Callers hold opMu.
func (s *Supervisor) halt(ctx context.Context, r *run, reason string) error {
	var err error
	ctrl := &processControl{launcher: s.deps.Launcher, handle: r.handle}
	if sess := r.currentSession(); sess != nil {
		err = sess.Shutdown(ctx, ctrl)
	} else {
		err = ctrl.Kill()
	}
	s.sweep()
	s.teardown(r, reason)
	return err
}

// sweep kills leftover server processes by name
func (s *Supervisor) sweep() {
	name := s.cfg.Server.ProcessName
	if name == "" {
		return
	}
	n, err := s.deps.Launcher.TerminateByName(name)
	if n > 0 {
		log.Printf("Warning: killed %d stray %s process(es)", n, name)
	}
	if err != nil {
		log.Printf("Warning: sweeping %s processes: %v", name, err)
	}
}

// teardown lets the run's output drain, then cancels its pipeline and
// session. Callers hold opMu.
func (s *Supervisor) teardown(r *run, reason string) {
	select {
	case <-r.pipeline.Done():
	case <-time.After(drainTimeout):
	}
	r.cancel()
	r.wg.Wait()

	select {
	case <-r.handle.Exited():
	case <-time.After(drainTimeout):
	}

	s.mu.Lock()
	if s.current == r {
		s.current = nil
	}
	s.lastRun = r
	s.mu.Unlock()

	s.emitEvent(r.id, domain.EventServerExited, domain.ServerExitedEvent{
		PID:      r.handle.PID,
		ExitCode: r.handle.ExitCode(),
		Reason:   reason,
	})
}

// relaunch starts a fresh run after the previous one ended. It reports
// false when the supervisor has failed and must stop watching.
func (s *Supervisor) relaunch() bool {
	s.mu.Lock()
	s.restarts++
	policy := s.policy
	s.mu.Unlock()

	if policy != nil {
		policy.ServerRestarted()
	}
	if err := s.launch(); err != nil {
		if errors.Is(err, ErrConfigMissing) {
			s.fail(err)
			return false
		}
		log.Printf("Error relaunching server: %v (retrying in %v)", err, s.cfg.Server.WatchInterval)
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
	}
	return true
}

func (s *Supervisor) watchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Server.WatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.check() {
				return
			}
		}
	}
}

// check runs one liveness poll. It reports false once the supervisor has
// stopped or failed.
func (s *Supervisor) check() bool {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != domain.SupervisorRunning {
		return false
	}

	r := s.currentRun()
	if r == nil {
		// The previous relaunch failed
		return s.relaunch()
	}

	if r.handle.Alive() {
		s.ensureSession(r)
		return true
	}

	log.Printf("Server process %d exited unexpectedly (exit code %d), relaunching", r.handle.PID, r.handle.ExitCode())
	s.teardown(r, "exited")
	return s.relaunch()
}

// emitEvent sends an event without blocking
func (s *Supervisor) emitEvent(runID, typ string, data interface{}) {
	select {
	case s.events <- domain.Event{Type: typ, RunID: runID, Timestamp: time.Now(), Data: data}:
	default:
		// Channel full, drop event
	}
}

// processControl lets the console session escalate a shutdown to a kill
type processControl struct {
	launcher Launcher
	handle   *Handle
}

func (p *processControl) Alive() bool {
	return p.handle.Alive()
}

func (p *processControl) Kill() error {
	return p.launcher.Terminate(p.handle)
}
