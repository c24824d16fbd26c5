package collector

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// snapshotPadding is the number of blank lines written after each snapshot
const snapshotPadding = 5

// LogLine is one complete line of server output
type LogLine struct {
	Raw       string
	ArrivedAt time.Time
	Formatted string
}

// PipelineConfig wires a pipeline to its log files and consumers
type PipelineConfig struct {
	Logs         RunLogs
	ContextLines int
	Classifier   *Classifier
	Bus          *EventBus

	// OnMaxPlayers is called when the server advertises its capacity
	OnMaxPlayers func(n int)
	// OnErrorSnapshot is called after a snapshot is written
	OnErrorSnapshot func(trigger string)

	// Now defaults to time.Now
	Now func() time.Time
}

// Pipeline consumes one server run's output, writing the main and error
// logs and publishing player events. One pipeline exists per run.
type Pipeline struct {
	src    io.Reader
	cfg    PipelineConfig
	recent *ErrorContextBuffer
	done   chan struct{}

	mainLog  *logWriter
	errorLog *logWriter

	lastTrigger string
	hasTrigger  bool
	lineCount   atomic.Int64
}

// NewPipeline creates a pipeline reading from src
func NewPipeline(src io.Reader, cfg PipelineConfig) *Pipeline {
	if cfg.Classifier == nil {
		cfg.Classifier = NewClassifier(DefaultPatterns)
	}
	if cfg.ContextLines == 0 {
		cfg.ContextLines = DefaultContextLines
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Pipeline{
		src:    src,
		cfg:    cfg,
		recent: NewErrorContextBuffer(cfg.ContextLines),
		done:   make(chan struct{}),
	}
}

// Done is closed when Run returns
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

// Lines returns the number of lines written to the main log
func (p *Pipeline) Lines() int64 {
	return p.lineCount.Load()
}

// Run reads until end of stream or until ctx is cancelled. Cancelling ctx
// closes the source if it is an io.Closer so the blocked read returns.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.done)

	p.mainLog = openLogWriter(p.cfg.Logs.Main)
	p.errorLog = openLogWriter(p.cfg.Logs.Error)
	defer p.mainLog.Close()
	defer p.errorLog.Close()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if closer, ok := p.src.(io.Closer); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case <-ctx.Done():
				closer.Close()
			case <-stop:
			}
		}()
	}
	defer wg.Wait()
	defer close(stop)

	reader := bufio.NewReaderSize(p.src, 64*1024)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			// A trailing fragment without a newline is never written
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading server output: %w", err)
		}
		p.handle(strings.TrimRight(line, "\r\n"))
	}
}

// handle classifies and records one complete line
func (p *Pipeline) handle(raw string) {
	if strings.TrimSpace(raw) == "" {
		return
	}

	c := p.cfg.Classifier.Classify(raw)
	if c.Class == Noise {
		return
	}

	now := p.cfg.Now()
	ll := LogLine{Raw: raw, ArrivedAt: now, Formatted: FormatLine(now, raw)}

	p.mainLog.WriteLines(ll.Formatted)
	p.lineCount.Add(1)

	if c.Class == ErrorTrigger {
		p.writeSnapshot(ll, c.Normalized)
	}
	p.recent.Push(ll.Formatted)

	if c.Event != nil && p.cfg.Bus != nil {
		ev := *c.Event
		if ev.Timestamp.IsZero() {
			ev.Timestamp = now
		}
		p.cfg.Bus.Publish(ev)
	}

	if c.MaxPlayers > 0 && p.cfg.OnMaxPlayers != nil {
		p.cfg.OnMaxPlayers(c.MaxPlayers)
	}
}

// writeSnapshot writes the buffered context and the trigger line to the
// error log, unless the trigger repeats the previous one
func (p *Pipeline) writeSnapshot(trigger LogLine, normalized string) {
	if p.hasTrigger && normalized == p.lastTrigger {
		return
	}
	p.lastTrigger = normalized
	p.hasTrigger = true

	lines := p.recent.Snapshot()
	lines = append(lines, trigger.Formatted)
	for i := 0; i < snapshotPadding; i++ {
		lines = append(lines, "")
	}
	p.errorLog.WriteLines(lines...)

	if p.cfg.OnErrorSnapshot != nil {
		p.cfg.OnErrorSnapshot(trigger.Raw)
	}
}

// logWriter appends lines to a file. Failures are logged and never stop the
// caller; a failed open is retried on the next write.
type logWriter struct {
	path    string
	file    *os.File
	failing bool
}

func openLogWriter(path string) *logWriter {
	w := &logWriter{path: path}
	w.open()
	return w
}

func (w *logWriter) open() bool {
	if w.file != nil {
		return true
	}
	if w.path == "" {
		return false
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		w.fail(fmt.Errorf("opening: %w", err))
		return false
	}
	w.file = f
	return true
}

func (w *logWriter) WriteLines(lines ...string) {
	if !w.open() {
		return
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	if _, err := w.file.WriteString(sb.String()); err != nil {
		w.fail(err)
		return
	}
	w.failing = false
}

// fail logs the first of a run of consecutive failures
func (w *logWriter) fail(err error) {
	if !w.failing {
		log.Printf("Error writing log %s: %v", w.path, err)
	}
	w.failing = true
}

func (w *logWriter) Close() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
}
