package collector

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// LogFollower streams new lines of the current run's main log. The path is
// looked up on every poll so a restart moves the follower to the new file.
type LogFollower struct {
	current  func() string
	interval time.Duration

	path     string
	file     *os.File
	position int64

	Lines  chan string
	Errors chan error
	done   chan struct{}
}

// NewLogFollower creates a follower of whatever file current returns
func NewLogFollower(current func() string) *LogFollower {
	return &LogFollower{
		current:  current,
		interval: 100 * time.Millisecond,
		Lines:    make(chan string, 100),
		Errors:   make(chan error, 10),
		done:     make(chan struct{}),
	}
}

// ReadLastLines reads the last n lines of the file at path
func ReadLastLines(path string, n int) ([]string, error) {
	if path == "" || n <= 0 {
		return []string{}, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	const blockSize = 4096
	var lines []string
	var partial string
	position := stat.Size()

	for position > 0 && len(lines) < n {
		readSize := int64(blockSize)
		if readSize > position {
			readSize = position
		}
		position -= readSize

		buf := make([]byte, readSize)
		if _, err := file.ReadAt(buf, position); err != nil && err != io.EOF {
			return nil, fmt.Errorf("reading block: %w", err)
		}

		content := string(buf) + partial
		partial = ""
		for i := len(content) - 1; i >= 0; i-- {
			if content[i] != '\n' {
				continue
			}
			if line := content[i+1:]; line != "" {
				lines = append(lines, line)
				if len(lines) >= n {
					break
				}
			}
			content = content[:i]
		}
		if len(lines) < n {
			partial = content
		}
	}

	// First line of the file
	if partial != "" && len(lines) < n {
		lines = append(lines, partial)
	}

	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines, nil
}

// Start begins following from the current end of the log
func (f *LogFollower) Start() {
	f.switchTo(f.current(), true)
	go f.loop()
}

// Stop stops the follower
func (f *LogFollower) Stop() {
	close(f.done)
}

// Done is closed once Stop has been called
func (f *LogFollower) Done() <-chan struct{} {
	return f.done
}

func (f *LogFollower) loop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	defer f.closeFile()

	for {
		select {
		case <-f.done:
			return
		case <-ticker.C:
			if err := f.poll(); err != nil {
				select {
				case f.Errors <- err:
				default:
				}
			}
		}
	}
}

// switchTo opens path, positioned at its end when atEnd is set
func (f *LogFollower) switchTo(path string, atEnd bool) {
	f.closeFile()
	f.path = path
	f.position = 0
	if path == "" {
		return
	}
	file, err := os.Open(path)
	if err != nil {
		// Not created yet; retried on the next poll
		return
	}
	f.file = file
	if atEnd {
		if pos, err := file.Seek(0, io.SeekEnd); err == nil {
			f.position = pos
		}
	}
}

func (f *LogFollower) closeFile() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
	}
}

// poll reads complete lines appended since the last poll
func (f *LogFollower) poll() error {
	if path := f.current(); path != f.path {
		// New run: stream the new file from its beginning
		f.switchTo(path, false)
	} else if f.file == nil && f.path != "" {
		f.switchTo(f.path, false)
	}
	if f.file == nil {
		return nil
	}

	stat, err := f.file.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	if stat.Size() < f.position {
		f.position = 0
	}
	if stat.Size() == f.position {
		return nil
	}

	if _, err := f.file.Seek(f.position, io.SeekStart); err != nil {
		return fmt.Errorf("seeking: %w", err)
	}
	reader := bufio.NewReader(f.file)
	for {
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			// Partial line stays unread until its newline arrives
			break
		}
		if err != nil {
			return fmt.Errorf("reading line: %w", err)
		}
		f.position += int64(len(line))

		line = line[:len(line)-1]
		if line == "" {
			continue
		}
		select {
		case f.Lines <- line:
		case <-f.done:
			return nil
		default:
			// Slow consumer, drop the line
		}
	}
	return nil
}
