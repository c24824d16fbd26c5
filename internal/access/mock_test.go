package access

import (
	"context"
	"sync"

	"github.com/ernie/bloodmoon/internal/console"
	"github.com/ernie/bloodmoon/internal/domain"
)

// fakeCommander records commands and answers SendCommand with a fixed reply
type fakeCommander struct {
	mu        sync.Mutex
	submitted []string
	sent      []string
	output    string
	timedOut  bool
	err       error
}

func (f *fakeCommander) SendCommand(ctx context.Context, text string) (console.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, text)
	if f.err != nil {
		return console.Result{Command: text}, f.err
	}
	return console.Result{Command: text, Output: f.output, TimedOut: f.timedOut}, nil
}

func (f *fakeCommander) Submit(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, text)
	return nil
}

func (f *fakeCommander) kicks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

// staticVips is a VipSource over a fixed slice
type staticVips []domain.VipEntry

func (s staticVips) Load() ([]domain.VipEntry, error) { return s, nil }

// eventLog collects notifications
type eventLog struct {
	mu     sync.Mutex
	events []domain.Event
}

func (l *eventLog) add(ev domain.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) ofType(typ string) []domain.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []domain.Event
	for _, ev := range l.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
