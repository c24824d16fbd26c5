package collector

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// LogTimeFormat is used both for log file names and for line prefixes
const LogTimeFormat = "2006-01-02_15-04-05"

const archiveExt = ".zst"

// RunLogs are the main and error log paths of one server run
type RunLogs struct {
	Main  string
	Error string
}

// NewRunLogs names the log files for a run launched at t. A second run
// started within the same second gets a _2, _3, ... suffix so it never
// shares a file or an archive name with the first.
func NewRunLogs(dir string, t time.Time) RunLogs {
	ts := t.Format(LogTimeFormat)
	for n := 1; ; n++ {
		suffix := ts
		if n > 1 {
			suffix = fmt.Sprintf("%s_%d", ts, n)
		}
		logs := RunLogs{
			Main:  filepath.Join(dir, "log_"+suffix+".txt"),
			Error: filepath.Join(dir, "error_"+suffix+".txt"),
		}
		if !logExists(logs.Main) && !logExists(logs.Error) {
			return logs
		}
	}
}

// logExists reports whether path exists plain or archived
func logExists(path string) bool {
	for _, p := range []string{path, path + archiveExt} {
		if _, err := os.Stat(p); err == nil {
			return true
		}
	}
	return false
}

// FormatLine prefixes a raw line with its bracketed arrival time
func FormatLine(t time.Time, raw string) string {
	return "[" + t.Format(LogTimeFormat) + "] " + raw
}

func isRunLog(name string) bool {
	return (strings.HasPrefix(name, "log_") || strings.HasPrefix(name, "error_")) && strings.HasSuffix(name, ".txt")
}

// ArchiveLogs compresses every plain run log in dir to zstd and removes the
// original, then keeps only the newest retain archives of each kind.
// Paths listed in keep are left untouched.
func ArchiveLogs(dir string, retain int, keep ...string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading log dir: %w", err)
	}

	skip := make(map[string]bool, len(keep))
	for _, k := range keep {
		skip[filepath.Clean(k)] = true
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	defer enc.Close()

	for _, e := range entries {
		if e.IsDir() || !isRunLog(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if skip[path] {
			continue
		}
		if err := compressFile(enc, path); err != nil {
			log.Printf("Warning: failed to archive %s: %v", path, err)
			continue
		}
		if err := os.Remove(path); err != nil {
			log.Printf("Warning: failed to remove archived log %s: %v", path, err)
		}
	}

	if retain > 0 {
		return pruneArchives(dir, retain)
	}
	return nil
}

func compressFile(enc *zstd.Encoder, path string) error {
	src, err := os.Open(path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := path + archiveExt + ".tmp"
	dst, err := os.Create(tmp)
	if err != nil {
		return err
	}

	enc.Reset(dst)
	if _, err := io.Copy(enc, src); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("compressing: %w", err)
	}
	if err := enc.Close(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return fmt.Errorf("finishing archive: %w", err)
	}
	if err := dst.Sync(); err != nil {
		dst.Close()
		os.Remove(tmp)
		return err
	}
	if err := dst.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path+archiveExt)
}

func pruneArchives(dir string, retain int) error {
	for _, prefix := range []string{"log_", "error_"} {
		matches, err := filepath.Glob(filepath.Join(dir, prefix+"*.txt"+archiveExt))
		if err != nil {
			return err
		}
		if len(matches) <= retain {
			continue
		}
		// Timestamped names sort chronologically
		sort.Strings(matches)
		for _, old := range matches[:len(matches)-retain] {
			if err := os.Remove(old); err != nil {
				log.Printf("Warning: failed to prune archive %s: %v", old, err)
			}
		}
	}
	return nil
}

// OpenArchive returns a reader over the decompressed contents of an archived log
func OpenArchive(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("opening archive: %w", err)
	}
	return &archiveReader{dec: dec, file: f}, nil
}

// ReadRunLog returns the last n lines of a run log, reading the zstd
// archive when the plain file has already been archived
func ReadRunLog(path string, n int) ([]string, error) {
	if n <= 0 {
		return []string{}, nil
	}
	if _, err := os.Stat(path); err == nil {
		return ReadLastLines(path, n)
	}
	r, err := OpenArchive(path + archiveExt)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	lines := make([]string, 0, n)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(lines) == n {
			copy(lines, lines[1:])
			lines = lines[:n-1]
		}
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading archive: %w", err)
	}
	return lines, nil
}

type archiveReader struct {
	dec  *zstd.Decoder
	file *os.File
}

func (r *archiveReader) Read(p []byte) (int, error) { return r.dec.Read(p) }

func (r *archiveReader) Close() error {
	r.dec.Close()
	return r.file.Close()
}
