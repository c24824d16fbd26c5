package supervisor

import (
	"bufio"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ernie/bloodmoon/internal/domain"
)

// fakeProcess is a launched fake server. Writing to out feeds its output.
type fakeProcess struct {
	handle *Handle
	out    *io.PipeWriter
	spec   LaunchSpec
}

func (p *fakeProcess) writeLines(t *testing.T, lines ...string) {
	t.Helper()
	for _, l := range lines {
		if _, err := io.WriteString(p.out, l+"\n"); err != nil {
			t.Fatalf("writing server output: %v", err)
		}
	}
}

// exit simulates the process ending
func (p *fakeProcess) exit(code int) {
	p.out.Close()
	p.handle.MarkExited(code, nil)
}

// fakeLauncher records launches and terminations
type fakeLauncher struct {
	mu         sync.Mutex
	procs      []*fakeProcess
	startErr   error
	terminated []int
	swept      []string
	strays     map[string]bool
}

func (l *fakeLauncher) Start(spec LaunchSpec) (*Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.startErr != nil {
		return nil, l.startErr
	}
	pr, pw := io.Pipe()
	h := NewHandle(4000+len(l.procs), pr)
	h.MarkRunning()
	l.procs = append(l.procs, &fakeProcess{handle: h, out: pw, spec: spec})
	return h, nil
}

func (l *fakeLauncher) Terminate(h *Handle) error {
	l.mu.Lock()
	l.terminated = append(l.terminated, h.PID)
	var target *fakeProcess
	for _, p := range l.procs {
		if p.handle == h {
			target = p
		}
	}
	l.mu.Unlock()
	if target != nil {
		target.exit(-1)
	}
	return nil
}

func (l *fakeLauncher) IsRunning(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.strays[name]
}

func (l *fakeLauncher) TerminateByName(name string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.swept = append(l.swept, name)
	return 0, nil
}

func (l *fakeLauncher) started() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) proc(i int) *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

func (l *fakeLauncher) latest() *fakeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[len(l.procs)-1]
}

// fakePolicy records what the supervisor tells it
type fakePolicy struct {
	mu        sync.Mutex
	observed  []int
	restarted int
}

func (p *fakePolicy) ObserveMaxPlayers(n int) {
	p.mu.Lock()
	p.observed = append(p.observed, n)
	p.mu.Unlock()
}

func (p *fakePolicy) ServerRestarted() {
	p.mu.Lock()
	p.restarted++
	p.mu.Unlock()
}

func (p *fakePolicy) Capacity() domain.CapacityStatus {
	return domain.CapacityStatus{MaxPlayers: 10}
}

func (p *fakePolicy) restarts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.restarted
}

// fakeConsole is a minimal 7DTD telnet console
type fakeConsole struct {
	ln net.Listener

	mu         sync.Mutex
	commands   []string
	conns      []net.Conn
	onShutdown func()
}

func newFakeConsole(t *testing.T) *fakeConsole {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	fc := &fakeConsole{ln: ln}
	go fc.serve()
	t.Cleanup(func() {
		ln.Close()
		fc.mu.Lock()
		for _, c := range fc.conns {
			c.Close()
		}
		fc.mu.Unlock()
	})
	return fc
}

func (fc *fakeConsole) port() int {
	return fc.ln.Addr().(*net.TCPAddr).Port
}

func (fc *fakeConsole) setOnShutdown(fn func()) {
	fc.mu.Lock()
	fc.onShutdown = fn
	fc.mu.Unlock()
}

func (fc *fakeConsole) received() []string {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]string(nil), fc.commands...)
}

func (fc *fakeConsole) serve() {
	for {
		conn, err := fc.ln.Accept()
		if err != nil {
			return
		}
		fc.mu.Lock()
		fc.conns = append(fc.conns, conn)
		fc.mu.Unlock()
		go fc.handle(conn)
	}
}

func (fc *fakeConsole) handle(conn net.Conn) {
	defer conn.Close()
	io.WriteString(conn, "*** Connected with 7DTD server.\r\nPlease enter password:\r\n")
	r := bufio.NewReader(conn)
	if _, err := r.ReadString('\n'); err != nil {
		return
	}
	io.WriteString(conn, "Logon successful.\r\n")

	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		cmd := strings.TrimSpace(line)
		fc.mu.Lock()
		fc.commands = append(fc.commands, cmd)
		onShutdown := fc.onShutdown
		fc.mu.Unlock()

		switch cmd {
		case "exit":
			return
		case "shutdown":
			io.WriteString(conn, "Shutting down...\r\n")
			if onShutdown != nil {
				onShutdown()
				return
			}
		case "lp":
			executing(conn, cmd)
			io.WriteString(conn, "Total of 0 in the game\r\n")
		default:
			executing(conn, cmd)
			io.WriteString(conn, "ok\r\n")
		}
	}
}

func executing(w io.Writer, cmd string) {
	io.WriteString(w, "2026-03-01T18:00:00 12.345 INF Executing command '"+cmd+"' by Telnet from 127.0.0.1:50000\r\n")
}

// eventRecorder drains a supervisor's event channel
type eventRecorder struct {
	mu     sync.Mutex
	events []domain.Event
}

func recordEvents(t *testing.T, ch <-chan domain.Event) *eventRecorder {
	rec := &eventRecorder{}
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })
	go func() {
		for {
			select {
			case ev := <-ch:
				rec.mu.Lock()
				rec.events = append(rec.events, ev)
				rec.mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	return rec
}

func (r *eventRecorder) snapshot() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// sessionStates returns the session transitions recorded for one run
func (r *eventRecorder) sessionStates(runID string) []domain.SessionState {
	var out []domain.SessionState
	for _, ev := range r.snapshot() {
		if ev.Type == domain.EventSessionState && ev.RunID == runID {
			out = append(out, ev.Data.(domain.SessionStateEvent).State)
		}
	}
	return out
}

func (r *eventRecorder) ofType(typ string) []domain.Event {
	var out []domain.Event
	for _, ev := range r.snapshot() {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
