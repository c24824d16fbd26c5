package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/ernie/bloodmoon/internal/domain"
)

var (
	// ErrConnectFailed is returned once every connection attempt has failed
	ErrConnectFailed = errors.New("console connection failed")
	// ErrAuthRejected is returned when the server refuses the password
	ErrAuthRejected = errors.New("console password rejected")
	// ErrNotReady is returned for commands sent while the session is not Ready
	ErrNotReady = errors.New("console session not ready")
	// ErrDropped is returned for commands lost to a dropped connection
	ErrDropped = errors.New("console connection dropped")
)

// Config holds the session's connection settings
type Config struct {
	Address         string
	Password        string
	ConnectAttempts int
	RetryDelay      time.Duration
	AuthTimeout     time.Duration
	CommandTimeout  time.Duration
	ResponseIdle    time.Duration
	ShutdownWait    time.Duration
	// SyncCommand follows every command; its echo marks the end of the reply
	SyncCommand string

	// Dial defaults to a net.Dialer with a 2s timeout
	Dial func(ctx context.Context, network, address string) (net.Conn, error)
	// OnStateChange is called after every state transition. It must not block.
	OnStateChange func(domain.SessionState)
}

func (c *Config) applyDefaults() {
	if c.ConnectAttempts <= 0 {
		c.ConnectAttempts = 30
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = time.Second
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 2 * time.Second
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 2 * time.Second
	}
	if c.ResponseIdle <= 0 {
		c.ResponseIdle = 300 * time.Millisecond
	}
	if c.ShutdownWait <= 0 {
		c.ShutdownWait = 5 * time.Second
	}
	if c.SyncCommand == "" {
		c.SyncCommand = "gettime"
	}
	if c.Dial == nil {
		d := &net.Dialer{Timeout: 2 * time.Second}
		c.Dial = d.DialContext
	}
}

// Result is the outcome of one console command
type Result struct {
	Command string `json:"command"`
	Output  string `json:"output"`
	// TimedOut means nothing came back in time; the command is assumed to
	// have executed
	TimedOut bool `json:"timed_out"`
}

// ProcessController lets Shutdown escalate to killing the server
type ProcessController interface {
	Alive() bool
	Kill() error
}

type request struct {
	text  string
	epoch uint64
	reply chan reply // nil for fire-and-forget
}

type reply struct {
	result Result
	err    error
}

func (r *request) finish(res Result, err error) {
	if r.reply != nil {
		r.reply <- reply{result: res, err: err}
		return
	}
	if err != nil {
		log.Printf("Warning: console: command %q failed: %v", r.text, err)
	}
}

type closeRequest struct {
	command  string
	deadline time.Time
	done     chan struct{}
}

// Session is a persistent telnet console session. Commands are executed
// one at a time, in submission order, on a single connection.
type Session struct {
	cfg Config

	mu      sync.Mutex
	state   domain.SessionState
	epoch   uint64
	started bool
	err     error

	requests  chan *request
	closeReqs chan closeRequest

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSession creates a session in the Disconnected state
func NewSession(cfg Config) *Session {
	cfg.applyDefaults()
	return &Session{
		cfg:       cfg,
		state:     domain.SessionDisconnected,
		requests:  make(chan *request, 64),
		closeReqs: make(chan closeRequest),
		done:      make(chan struct{}),
	}
}

// State returns the current session state
func (s *Session) State() domain.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the session has stopped for good
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the permanent failure that stopped the session, if any
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setState(state domain.SessionState) {
	s.mu.Lock()
	if s.state == state {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.mu.Unlock()

	if s.cfg.OnStateChange != nil {
		s.cfg.OnStateChange(state)
	}
}

// Start connects and authenticates, retrying refused connections up to
// the configured attempt count. It returns once the session is Ready; a
// background loop then serves commands and reconnects after drops.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("console session already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	c, err := s.connect(s.ctx)
	if err != nil {
		s.stop(err)
		return err
	}
	go s.run(c)
	return nil
}

// run serves commands until the session is closed, reconnecting after drops
func (s *Session) run(c *connection) {
	for {
		err := s.serve(c)
		c.close()
		if err == nil || s.ctx.Err() != nil {
			s.stop(nil)
			return
		}

		log.Printf("Warning: console: connection to %s lost: %v", s.cfg.Address, err)
		s.dropQueued()

		c, err = s.connect(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				log.Printf("Error: console: giving up on %s: %v", s.cfg.Address, err)
			}
			s.stop(err)
			return
		}
	}
}

// stop moves the session to its terminal state
func (s *Session) stop(err error) {
	s.mu.Lock()
	if s.ctx != nil && s.ctx.Err() != nil {
		err = nil
	}
	s.err = err
	s.epoch++
	s.mu.Unlock()

	s.setState(domain.SessionDisconnected)
	s.failQueued(ErrDropped)
	if s.cancel != nil {
		s.cancel()
	}
	close(s.done)
}

// markDropped invalidates commands queued on the lost connection
func (s *Session) markDropped() {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
	s.setState(domain.SessionDisconnected)
}

// dropQueued fails every queued command after a connection drop
func (s *Session) dropQueued() {
	s.markDropped()
	s.failQueued(ErrDropped)
}

func (s *Session) failQueued(err error) {
	for {
		select {
		case req := <-s.requests:
			req.finish(Result{Command: req.text}, err)
		default:
			return
		}
	}
}

// connect runs the bounded connect-and-authenticate retry loop
func (s *Session) connect(ctx context.Context) (*connection, error) {
	attempts := s.cfg.ConnectAttempts
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		s.setState(domain.SessionConnecting)

		nc, err := s.cfg.Dial(ctx, "tcp", s.cfg.Address)
		if err == nil {
			s.setState(domain.SessionAuthenticating)
			c := newConnection(nc)
			err = s.authenticate(c)
			if err == nil && ctx.Err() != nil {
				// Closed while authenticating
				c.close()
				s.setState(domain.SessionDisconnected)
				return nil, ctx.Err()
			}
			if err == nil {
				s.setState(domain.SessionReady)
				log.Printf("console: connected to %s (attempt %d)", s.cfg.Address, attempt)
				return c, nil
			}
			c.close()
			if errors.Is(err, ErrAuthRejected) {
				s.setState(domain.SessionDisconnected)
				log.Printf("Error: console: %v", err)
				return nil, err
			}
		}
		lastErr = err
		s.setState(domain.SessionDisconnected)

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf("console: connect attempt %d/%d to %s failed: %v", attempt, attempts, s.cfg.Address, err)
		if attempt == attempts {
			break
		}
		select {
		case <-time.After(s.cfg.RetryDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %v", ErrConnectFailed, s.cfg.Address, attempts, lastErr)
}

// authenticate sends the password without waiting for a prompt. Silence
// within the auth timeout counts as acceptance.
func (s *Session) authenticate(c *connection) error {
	if err := c.write(s.cfg.Password+"\n", s.cfg.AuthTimeout); err != nil {
		return fmt.Errorf("sending password: %w", err)
	}
	out, _, err := c.collect(s.cfg.AuthTimeout, s.cfg.ResponseIdle, s.cfg.AuthTimeout)
	if strings.Contains(strings.ToLower(out), "incorrect") {
		return fmt.Errorf("%w by %s", ErrAuthRejected, s.cfg.Address)
	}
	if err != nil {
		return fmt.Errorf("awaiting password reply: %w", err)
	}
	return nil
}

// serve executes commands on c until it drops (non-nil error) or the
// session is closed (nil)
func (s *Session) serve(c *connection) error {
	for {
		select {
		case <-s.ctx.Done():
			return nil

		case req := <-s.requests:
			s.mu.Lock()
			stale := req.epoch != s.epoch
			s.mu.Unlock()
			if stale {
				req.finish(Result{Command: req.text}, ErrDropped)
				continue
			}
			res, err := s.exec(c, req.text)
			if err != nil {
				// Leave Ready before the caller hears about the drop
				s.markDropped()
				req.finish(res, err)
				return err
			}
			req.finish(res, nil)

		case cr := <-s.closeReqs:
			s.setState(domain.SessionClosing)
			s.final(c, cr)
			close(cr.done)
			return nil

		case chunk := <-c.chunks:
			// Unsolicited output, e.g. the server's log broadcast
			c.feed(chunk)

		case <-c.done:
			return c.readErr()
		}
	}
}

// exec writes one command followed by the sync command and collects the
// output between their echoes
func (s *Session) exec(c *connection, text string) (Result, error) {
	res := Result{Command: text}
	id, err := c.send(text, s.cfg.CommandTimeout)
	if err != nil {
		return res, fmt.Errorf("%w: sending %q: %v", ErrDropped, text, err)
	}
	syncID, err := c.send(s.cfg.SyncCommand, s.cfg.CommandTimeout)
	if err != nil {
		return res, fmt.Errorf("%w: sending %q: %v", ErrDropped, s.cfg.SyncCommand, err)
	}

	out, started, complete, err := c.collectReply(id, syncID, s.cfg.CommandTimeout)
	res.Output = out
	if err != nil {
		return res, fmt.Errorf("%w: awaiting response to %q: %v", ErrDropped, text, err)
	}
	switch {
	case !started && !complete:
		res.TimedOut = true
		log.Printf("Warning: console: no response to %q within %v, assuming it executed", text, s.cfg.CommandTimeout)
	case !complete:
		res.TimedOut = true
		log.Printf("Warning: console: response to %q incomplete after %v", text, s.cfg.CommandTimeout)
	}
	return res, nil
}

// final writes the closing command and reads trailing output until the
// deadline or until the server hangs up
func (s *Session) final(c *connection, cr closeRequest) {
	if err := c.write(cr.command+"\n", s.cfg.CommandTimeout); err != nil {
		log.Printf("Warning: console: sending %q: %v", cr.command, err)
		return
	}
	timer := time.NewTimer(time.Until(cr.deadline))
	defer timer.Stop()
	for {
		select {
		case <-c.chunks:
		case <-c.done:
			return
		case <-timer.C:
			return
		}
	}
}

// SendCommand queues a command and waits for its result. A response
// timeout is not an error: the result has TimedOut set instead.
func (s *Session) SendCommand(ctx context.Context, text string) (Result, error) {
	req, err := s.enqueue(ctx, text, true)
	if err != nil {
		return Result{Command: text}, err
	}
	select {
	case r := <-req.reply:
		return r.result, r.err
	case <-s.done:
		select {
		case r := <-req.reply:
			return r.result, r.err
		default:
			return Result{Command: text}, ErrDropped
		}
	case <-ctx.Done():
		return Result{Command: text}, ctx.Err()
	}
}

// Submit queues a command without waiting for it. Failures are logged.
func (s *Session) Submit(text string) error {
	_, err := s.enqueue(context.Background(), text, false)
	return err
}

func (s *Session) enqueue(ctx context.Context, text string, wait bool) (*request, error) {
	s.mu.Lock()
	if s.state != domain.SessionReady {
		s.mu.Unlock()
		return nil, ErrNotReady
	}
	req := &request{text: text, epoch: s.epoch}
	s.mu.Unlock()

	if wait {
		req.reply = make(chan reply, 1)
	}
	select {
	case s.requests <- req:
		return req, nil
	case <-s.done:
		return nil, ErrNotReady
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close ends the console session with "exit". The server keeps running.
func (s *Session) Close() {
	s.finish(context.Background(), "exit", time.Now().Add(s.cfg.ResponseIdle))
}

// Shutdown asks the server to shut down, reads trailing output for up to
// the shutdown wait, then kills the process if it is still alive.
func (s *Session) Shutdown(ctx context.Context, proc ProcessController) error {
	deadline := time.Now().Add(s.cfg.ShutdownWait)
	s.finish(ctx, "shutdown", deadline)

	if proc == nil {
		return nil
	}
	for proc.Alive() && time.Now().Before(deadline) {
		select {
		case <-time.After(100 * time.Millisecond):
		case <-ctx.Done():
			deadline = time.Now()
		}
	}
	if !proc.Alive() {
		return nil
	}
	log.Printf("Warning: console: server still running %v after shutdown, killing it", s.cfg.ShutdownWait)
	if err := proc.Kill(); err != nil {
		return fmt.Errorf("killing server: %w", err)
	}
	return nil
}

// finish sends a closing command when the session is Ready, then stops it
func (s *Session) finish(ctx context.Context, command string, deadline time.Time) {
	s.mu.Lock()
	started := s.started
	ready := s.state == domain.SessionReady
	s.mu.Unlock()
	if !started {
		return
	}
	select {
	case <-s.done:
		return
	default:
	}

	if ready {
		cr := closeRequest{command: command, deadline: deadline, done: make(chan struct{})}
		select {
		case s.closeReqs <- cr:
			select {
			case <-cr.done:
			case <-s.done:
			case <-ctx.Done():
			}
		case <-s.done:
		case <-ctx.Done():
		}
	} else {
		log.Printf("Warning: console: session %s, cannot send %q", s.State(), command)
	}

	s.cancel()
	<-s.done
}

var (
	// 2024-05-01T10:00:00 12.345 INF Executing command 'lp' by Telnet from 127.0.0.1:51234
	echoRegex = regexp.MustCompile(`Executing command '(.*)' by Telnet from `)
	// Server log lines broadcast to every console client
	logLineRegex = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2} \d+\.\d+ (?:INF|WRN|ERR|EXC) `)
)

// maxPending bounds the commands remembered while awaiting their echo
const maxPending = 128

// sentCommand is a command written to the socket whose echo is pending
type sentCommand struct {
	id   uint64
	text string
}

// consoleLine is one complete line of console output. echo is the id of
// the written command it echoes, or 0.
type consoleLine struct {
	text string
	echo uint64
}

// connection owns one socket. A dedicated goroutine reads from it and
// delivers negotiation-free chunks on the chunks channel. The line state
// below is only touched by the goroutine serving commands.
type connection struct {
	conn   net.Conn
	chunks chan string
	done   chan struct{}
	stop   chan struct{}

	partial string
	pending []sentCommand
	nextID  uint64

	closeOnce sync.Once
	errMu     sync.Mutex
	err       error
}

func newConnection(nc net.Conn) *connection {
	c := &connection{
		conn:   nc,
		chunks: make(chan string, 64),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *connection) readLoop() {
	defer close(c.done)
	var filter iacFilter
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			if data := filter.Filter(buf[:n]); len(data) > 0 {
				select {
				case c.chunks <- string(data):
				case <-c.stop:
					return
				}
			}
		}
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			return
		}
	}
}

func (c *connection) readErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if c.err == nil {
		return io.EOF
	}
	return c.err
}

func (c *connection) write(text string, timeout time.Duration) error {
	c.conn.SetWriteDeadline(time.Now().Add(timeout))
	_, err := io.WriteString(c.conn, text)
	return err
}

// send writes one command line and remembers it until its echo arrives
func (c *connection) send(text string, timeout time.Duration) (uint64, error) {
	if err := c.write(text+"\n", timeout); err != nil {
		return 0, err
	}
	c.nextID++
	c.pending = append(c.pending, sentCommand{id: c.nextID, text: strings.TrimSpace(text)})
	if len(c.pending) > maxPending {
		c.pending = c.pending[len(c.pending)-maxPending:]
	}
	return c.nextID, nil
}

// feed splits output into complete lines and matches echoes against the
// pending commands in write order. Commands passed over by a later echo
// are forgotten.
func (c *connection) feed(chunk string) []consoleLine {
	data := c.partial + chunk
	c.partial = ""
	var lines []consoleLine
	for {
		i := strings.IndexByte(data, '\n')
		if i < 0 {
			c.partial = data
			return lines
		}
		text := strings.TrimRight(data[:i], "\r")
		data = data[i+1:]

		line := consoleLine{text: text}
		if m := echoRegex.FindStringSubmatch(text); m != nil {
			command := strings.TrimSpace(m[1])
			for j, sent := range c.pending {
				if sent.text == command {
					line.echo = sent.id
					c.pending = c.pending[j+1:]
					break
				}
			}
		}
		lines = append(lines, line)
	}
}

// collectReply gathers the output between the echo of command id and the
// echo of the sync command that followed it. Output before the command's
// echo belongs to earlier commands and is dropped, as are server log
// lines. started and complete report which echoes were seen before the
// timeout.
func (c *connection) collectReply(id, syncID uint64, timeout time.Duration) (out string, started, complete bool, err error) {
	var reply []string
	take := func(chunk string) bool {
		for _, line := range c.feed(chunk) {
			switch {
			case line.echo == id:
				started = true
			case line.echo == syncID:
				complete = true
				return true
			case line.echo != 0:
				// Echo of an earlier command
			case started && !logLineRegex.MatchString(line.text):
				reply = append(reply, line.text)
			}
		}
		return false
	}
	result := func() string {
		return strings.TrimSpace(strings.Join(reply, "\n"))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case chunk := <-c.chunks:
			if take(chunk) {
				return result(), started, complete, nil
			}
		case <-timer.C:
			return result(), started, complete, nil
		case <-c.done:
			// The reader sends everything it read before closing done
			for {
				select {
				case chunk := <-c.chunks:
					if take(chunk) {
						return result(), started, complete, nil
					}
				default:
					return result(), started, complete, c.readErr()
				}
			}
		}
	}
}

// collect waits up to first for output to start, then keeps reading until
// the line has been quiet for idle or limit has passed since the first
// chunk. got reports whether anything arrived.
func (c *connection) collect(first, idle, limit time.Duration) (out string, got bool, err error) {
	var sb strings.Builder
	wait := time.NewTimer(first)
	defer wait.Stop()
	var cutoff <-chan time.Time

	for {
		select {
		case chunk := <-c.chunks:
			sb.WriteString(chunk)
			if !got {
				got = true
				cutoff = time.After(limit)
			}
			wait.Reset(idle)
		case <-wait.C:
			return sb.String(), got, nil
		case <-cutoff:
			return sb.String(), got, nil
		case <-c.done:
			// The reader sends everything it read before closing done
			for {
				select {
				case chunk := <-c.chunks:
					sb.WriteString(chunk)
					got = true
				default:
					return sb.String(), got, c.readErr()
				}
			}
		}
	}
}

func (c *connection) close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.conn.Close()
	})
}
