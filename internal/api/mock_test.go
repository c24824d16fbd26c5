package api

import (
	"context"
	"sync"

	"github.com/ernie/bloodmoon/internal/console"
	"github.com/ernie/bloodmoon/internal/domain"
)

// fakeServer records console commands and restarts
type fakeServer struct {
	mu         sync.Mutex
	status     domain.ServerStatus
	outputs    map[string]string
	cmdErr     error
	timedOut   bool
	commands   []string
	restarts   int
	restartErr error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		status: domain.ServerStatus{
			State:        domain.SupervisorRunning,
			RunID:        "run-1",
			PID:          4000,
			SessionState: domain.SessionReady,
		},
		outputs: map[string]string{},
	}
}

func (f *fakeServer) Status() domain.ServerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeServer) Restart(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.restartErr != nil {
		return f.restartErr
	}
	f.restarts++
	f.status.Restarts = f.restarts
	return nil
}

func (f *fakeServer) SendCommand(ctx context.Context, text string) (console.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, text)
	if f.cmdErr != nil {
		return console.Result{}, f.cmdErr
	}
	return console.Result{Command: text, Output: f.outputs[text], TimedOut: f.timedOut}, nil
}

// update changes the fake's behavior while handlers may be reading it
func (f *fakeServer) update(fn func(*fakeServer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeServer) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeServer) restartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.restarts
}

// staticVips is a fixed VIP list
type staticVips []domain.VipEntry

func (s staticVips) Load() ([]domain.VipEntry, error) {
	return s, nil
}
