package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ernie/bloodmoon/internal/collector"
	"github.com/ernie/bloodmoon/internal/config"
	"github.com/ernie/bloodmoon/internal/console"
	"github.com/ernie/bloodmoon/internal/domain"
)

const sampleServerConfig = `<?xml version="1.0"?>
<ServerSettings>
	<property name="ServerName" value="My Game Host" />
	<property name="ServerMaxPlayerCount" value="8" />
	<property name="TelnetEnabled" value="false" />
</ServerSettings>
`

func testConfig(t *testing.T, consolePort int) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "serverconfig.xml")
	if err := os.WriteFile(cfgFile, []byte(sampleServerConfig), 0644); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		Server: config.ServerConfig{
			Executable:    filepath.Join(dir, "7DaysToDieServer.x86_64"),
			WorkingDir:    dir,
			Args:          []string{"-quit", "-batchmode", "-nographics", "-configfile=serverconfig.xml", "-dedicated"},
			ProcessName:   "7DaysToDieServer.x86_64",
			ConfigFile:    cfgFile,
			WatchInterval: 50 * time.Millisecond,
		},
		Logs: config.LogsConfig{
			Dir:          filepath.Join(dir, "Logs"),
			ContextLines: 20,
		},
		Console: config.ConsoleConfig{
			Host:            "127.0.0.1",
			Port:            consolePort,
			Password:        "secret",
			ConnectAttempts: 50,
			RetryDelay:      20 * time.Millisecond,
			AuthTimeout:     200 * time.Millisecond,
			CommandTimeout:  500 * time.Millisecond,
			ResponseIdle:    30 * time.Millisecond,
			ShutdownWait:    300 * time.Millisecond,
		},
	}
}

type harness struct {
	cfg      *config.Config
	console  *fakeConsole
	launcher *fakeLauncher
	policy   *fakePolicy
	bus      *collector.EventBus
	sup      *Supervisor
	events   *eventRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fc := newFakeConsole(t)
	h := &harness{
		cfg:      testConfig(t, fc.port()),
		console:  fc,
		launcher: &fakeLauncher{},
		policy:   &fakePolicy{},
		bus:      collector.NewEventBus(100),
	}
	h.sup = New(h.cfg, Deps{Launcher: h.launcher, Bus: h.bus})
	h.sup.SetPolicy(h.policy)
	h.events = recordEvents(t, h.sup.Events())
	// Stopping the fake process is what a real server does on "shutdown"
	fc.setOnShutdown(func() { h.launcher.latest().exit(0) })
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.sup.Stop(ctx)
	})
}

func (h *harness) waitReady(t *testing.T) {
	t.Helper()
	waitFor(t, "console ready", func() bool {
		return h.sup.Status().SessionState == domain.SessionReady
	})
}

func TestSupervisor_StartWritesConfigAndLogs(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.waitReady(t)

	data, err := os.ReadFile(h.cfg.Server.ConfigFile)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{
		`name="TelnetEnabled" value="true"`,
		`name="TelnetPassword" value="secret"`,
		`name="TelnetPort" value="` + strconv.Itoa(h.console.port()) + `"`,
	} {
		if !strings.Contains(string(data), want) {
			t.Errorf("server config missing %s:\n%s", want, data)
		}
	}

	spec := h.launcher.proc(0).spec
	if spec.Executable != h.cfg.Server.Executable || spec.Dir != h.cfg.Server.WorkingDir || len(spec.Args) != 5 {
		t.Errorf("launch spec = %+v", spec)
	}

	status := h.sup.Status()
	if status.State != domain.SupervisorRunning || status.RunID == "" || status.PID != 4000 {
		t.Errorf("status = %+v", status)
	}
	if status.Capacity.MaxPlayers != 10 {
		t.Errorf("capacity not taken from policy: %+v", status.Capacity)
	}

	h.launcher.proc(0).writeLines(t,
		"2024-05-01T10:00:00 1.000 INF Starting game",
		"2024-05-01T10:00:05 5.000 INF Maximum allowed players: 12",
		"2024-05-01T10:00:09 9.000 INF RequestToEnterGame: 76561198000000001/Alice",
	)
	waitFor(t, "join on bus", func() bool { return h.bus.Len() == 1 })
	waitFor(t, "capacity observation", func() bool {
		h.policy.mu.Lock()
		defer h.policy.mu.Unlock()
		return len(h.policy.observed) == 1 && h.policy.observed[0] == 12
	})

	waitFor(t, "main log", func() bool {
		data, err := os.ReadFile(status.MainLog)
		return err == nil && strings.Contains(string(data), "Starting game")
	})
	if !strings.HasPrefix(filepath.Base(status.MainLog), "log_") {
		t.Errorf("main log name = %s", status.MainLog)
	}
	waitFor(t, "line count", func() bool { return h.sup.Status().LogLines == 3 })
	if v := h.sup.Status().PatternVersion; v != collector.DefaultPatterns.Version {
		t.Errorf("PatternVersion = %q", v)
	}
}

func TestSupervisor_RelaunchesAfterCrash(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.waitReady(t)
	firstRun := h.sup.Status().RunID

	crashed := time.Now()
	h.launcher.proc(0).exit(139)

	waitFor(t, "relaunch", func() bool { return h.launcher.started() == 2 })
	if elapsed := time.Since(crashed); elapsed > 10*h.cfg.Server.WatchInterval {
		t.Errorf("relaunch took %v", elapsed)
	}
	waitFor(t, "new run", func() bool {
		s := h.sup.Status()
		return s.RunID != "" && s.RunID != firstRun
	})
	h.waitReady(t)

	secondRun := h.sup.Status().RunID
	states := h.events.sessionStates(secondRun)
	if len(states) < 2 || states[0] != domain.SessionConnecting || states[len(states)-1] != domain.SessionReady {
		t.Errorf("second run session states = %v", states)
	}
	firstStates := h.events.sessionStates(firstRun)
	if len(firstStates) == 0 || firstStates[len(firstStates)-1] != domain.SessionDisconnected {
		t.Errorf("first run session states = %v", firstStates)
	}

	exited := h.events.ofType(domain.EventServerExited)
	if len(exited) != 1 {
		t.Fatalf("server_exited events = %d, want 1", len(exited))
	}
	if data := exited[0].Data.(domain.ServerExitedEvent); data.ExitCode != 139 || exited[0].RunID != firstRun {
		t.Errorf("server_exited = %+v (run %s)", data, exited[0].RunID)
	}
	if h.policy.restarts() != 1 {
		t.Errorf("policy restarts = %d, want 1", h.policy.restarts())
	}
	if got := h.sup.Status().Restarts; got != 1 {
		t.Errorf("Restarts = %d, want 1", got)
	}

	if _, err := h.sup.SendCommand(context.Background(), "version"); err != nil {
		t.Errorf("command on relaunched session: %v", err)
	}
}

func TestSupervisor_StopShutsDownThroughConsole(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.waitReady(t)

	if err := h.sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	cmds := h.console.received()
	if len(cmds) == 0 || cmds[len(cmds)-1] != "shutdown" {
		t.Errorf("console commands = %v, want shutdown last", cmds)
	}
	h.launcher.mu.Lock()
	terminated := len(h.launcher.terminated)
	swept := append([]string(nil), h.launcher.swept...)
	h.launcher.mu.Unlock()
	if terminated != 0 {
		t.Error("server was killed although it shut down")
	}
	if len(swept) != 1 || swept[0] != "7DaysToDieServer.x86_64" {
		t.Errorf("swept = %v", swept)
	}

	status := h.sup.Status()
	if status.State != domain.SupervisorStopped {
		t.Errorf("state = %s", status.State)
	}
	if status.ProcessStatus != domain.ProcessTerminated {
		t.Errorf("process status = %s", status.ProcessStatus)
	}

	time.Sleep(3 * h.cfg.Server.WatchInterval)
	if h.launcher.started() != 1 {
		t.Error("server relaunched after Stop")
	}
}

func TestSupervisor_StopKillsUnresponsiveServer(t *testing.T) {
	h := newHarness(t)
	h.console.setOnShutdown(nil)
	h.start(t)
	h.waitReady(t)

	if err := h.sup.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	h.launcher.mu.Lock()
	defer h.launcher.mu.Unlock()
	if len(h.launcher.terminated) != 1 || h.launcher.terminated[0] != 4000 {
		t.Errorf("terminated = %v, want [4000]", h.launcher.terminated)
	}
}

func TestSupervisor_Restart(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.waitReady(t)
	firstRun := h.sup.Status().RunID

	if err := h.sup.Restart(context.Background()); err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	if h.launcher.started() != 2 {
		t.Errorf("launches = %d, want 2", h.launcher.started())
	}
	status := h.sup.Status()
	if status.RunID == firstRun || status.State != domain.SupervisorRunning {
		t.Errorf("status after restart = %+v", status)
	}
	waitFor(t, "server_exited", func() bool { return len(h.events.ofType(domain.EventServerExited)) > 0 })
	exited := h.events.ofType(domain.EventServerExited)
	if len(exited) != 1 || exited[0].Data.(domain.ServerExitedEvent).Reason != "restart" {
		t.Errorf("server_exited events = %+v", exited)
	}
}

func TestSupervisor_ConfigMissing(t *testing.T) {
	h := newHarness(t)
	os.Remove(h.cfg.Server.ConfigFile)

	err := h.sup.Start(context.Background())
	if !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("Start() error = %v, want ErrConfigMissing", err)
	}
	if h.launcher.started() != 0 {
		t.Error("process launched without a config file")
	}
	if s := h.sup.Status(); s.State != domain.SupervisorFailed || s.LastError == "" {
		t.Errorf("status = %+v", s)
	}
}

func TestSupervisor_ConfigMissingOnRelaunchFails(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.waitReady(t)

	os.Remove(h.cfg.Server.ConfigFile)
	h.launcher.proc(0).exit(1)

	waitFor(t, "failed state", func() bool { return h.sup.State() == domain.SupervisorFailed })
	time.Sleep(3 * h.cfg.Server.WatchInterval)
	if h.launcher.started() != 1 {
		t.Errorf("launches = %d, want 1", h.launcher.started())
	}
	if !errors.Is(h.sup.Err(), ErrConfigMissing) {
		t.Errorf("Err() = %v", h.sup.Err())
	}
}

func TestSupervisor_LaunchErrorIsRetried(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.waitReady(t)

	h.launcher.mu.Lock()
	h.launcher.startErr = errors.New("exec format error")
	h.launcher.mu.Unlock()
	h.launcher.proc(0).exit(1)

	waitFor(t, "launch error recorded", func() bool { return h.sup.Status().LastError != "" })

	h.launcher.mu.Lock()
	h.launcher.startErr = nil
	h.launcher.mu.Unlock()

	waitFor(t, "relaunch", func() bool { return h.launcher.started() == 2 })
	if h.sup.State() != domain.SupervisorRunning {
		t.Errorf("state = %s", h.sup.State())
	}
}

func TestSupervisor_StartRefusesStrayServer(t *testing.T) {
	h := newHarness(t)
	h.launcher.strays = map[string]bool{"7DaysToDieServer.x86_64": true}

	err := h.sup.Start(context.Background())
	if !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("Start() error = %v, want ErrAlreadyRunning", err)
	}
	if h.launcher.started() != 0 {
		t.Error("launched a second server")
	}
	if s := h.sup.Status(); s.State != domain.SupervisorFailed || !strings.Contains(s.LastError, "7DaysToDieServer.x86_64") {
		t.Errorf("status = %+v", s)
	}
}

func TestSupervisor_NotRunning(t *testing.T) {
	h := newHarness(t)

	if _, err := h.sup.SendCommand(context.Background(), "lp"); !errors.Is(err, console.ErrNotReady) {
		t.Errorf("SendCommand() error = %v, want ErrNotReady", err)
	}
	if err := h.sup.Submit("lp"); !errors.Is(err, console.ErrNotReady) {
		t.Errorf("Submit() error = %v, want ErrNotReady", err)
	}
	if err := h.sup.Stop(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Stop() error = %v, want ErrNotRunning", err)
	}
	if err := h.sup.Restart(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Restart() error = %v, want ErrNotRunning", err)
	}
	if s := h.sup.Status(); s.State != domain.SupervisorIdle || s.SessionState != domain.SessionDisconnected {
		t.Errorf("status = %+v", s)
	}
}
