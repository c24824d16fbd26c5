package collector

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"
)

func TestArchiveLogs(t *testing.T) {
	dir := t.TempDir()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)

	var runs []RunLogs
	for i := 0; i < 4; i++ {
		run := NewRunLogs(dir, base.Add(time.Duration(i)*time.Hour))
		runs = append(runs, run)
		if err := os.WriteFile(run.Main, []byte("main log content\n"), 0644); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(run.Error, []byte("error log content\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}
	unrelated := filepath.Join(dir, "serverconfig.xml")
	if err := os.WriteFile(unrelated, []byte("<ServerSettings/>"), 0644); err != nil {
		t.Fatal(err)
	}

	current := runs[3]
	if err := ArchiveLogs(dir, 2, current.Main, current.Error); err != nil {
		t.Fatalf("ArchiveLogs() error: %v", err)
	}

	for _, path := range []string{current.Main, current.Error, unrelated} {
		if _, err := os.Stat(path); err != nil {
			t.Errorf("%s should be untouched: %v", filepath.Base(path), err)
		}
	}

	archives, _ := filepath.Glob(filepath.Join(dir, "log_*.txt.zst"))
	sort.Strings(archives)
	want := []string{runs[1].Main + ".zst", runs[2].Main + ".zst"}
	if len(archives) != 2 || archives[0] != want[0] || archives[1] != want[1] {
		t.Errorf("main archives = %v, want %v", archives, want)
	}
	errArchives, _ := filepath.Glob(filepath.Join(dir, "error_*.txt.zst"))
	if len(errArchives) != 2 {
		t.Errorf("error archives = %v, want 2", errArchives)
	}
	if _, err := os.Stat(runs[0].Main); !os.IsNotExist(err) {
		t.Error("archived plain log was not removed")
	}

	r, err := OpenArchive(want[1])
	if err != nil {
		t.Fatalf("OpenArchive() error: %v", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("reading archive: %v", err)
	}
	if string(data) != "main log content\n" {
		t.Errorf("archive content = %q", data)
	}
}

func TestArchiveLogs_MissingDir(t *testing.T) {
	if err := ArchiveLogs(filepath.Join(t.TempDir(), "absent"), 5); err != nil {
		t.Errorf("ArchiveLogs() on missing dir = %v, want nil", err)
	}
}

func TestNewRunLogs_SameSecond(t *testing.T) {
	dir := t.TempDir()
	launched := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)

	first := NewRunLogs(dir, launched)
	if err := os.WriteFile(first.Main, []byte("first run\n"), 0644); err != nil {
		t.Fatal(err)
	}
	// The restart archives the first run before naming the second
	if err := ArchiveLogs(dir, 0); err != nil {
		t.Fatal(err)
	}

	second := NewRunLogs(dir, launched.Add(500*time.Millisecond))
	if second.Main == first.Main || second.Error == first.Error {
		t.Fatalf("second run reuses %s", first.Main)
	}
	if filepath.Base(second.Main) != "log_2024-05-01_10-00-00_2.txt" {
		t.Errorf("second main log = %s", filepath.Base(second.Main))
	}
	if err := os.WriteFile(second.Main, []byte("second run\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ArchiveLogs(dir, 0); err != nil {
		t.Fatal(err)
	}

	for path, want := range map[string]string{first.Main: "first run", second.Main: "second run"} {
		lines, err := ReadRunLog(path, 10)
		if err != nil {
			t.Fatalf("ReadRunLog(%s) error: %v", filepath.Base(path), err)
		}
		if len(lines) != 1 || lines[0] != want {
			t.Errorf("%s = %v, want [%s]", filepath.Base(path), lines, want)
		}
	}

	third := NewRunLogs(dir, launched)
	if filepath.Base(third.Main) != "log_2024-05-01_10-00-00_3.txt" {
		t.Errorf("third main log = %s", filepath.Base(third.Main))
	}
}

func TestReadRunLog_Tail(t *testing.T) {
	dir := t.TempDir()
	run := NewRunLogs(dir, time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local))
	var content strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&content, "line %d\n", i)
	}
	if err := os.WriteFile(run.Main, []byte(content.String()), 0644); err != nil {
		t.Fatal(err)
	}

	plain, err := ReadRunLog(run.Main, 3)
	if err != nil {
		t.Fatal(err)
	}
	if err := ArchiveLogs(dir, 0); err != nil {
		t.Fatal(err)
	}
	archived, err := ReadRunLog(run.Main, 3)
	if err != nil {
		t.Fatal(err)
	}

	want := "line 8,line 9,line 10"
	if got := strings.Join(plain, ","); got != want {
		t.Errorf("plain tail = %s, want %s", got, want)
	}
	if got := strings.Join(archived, ","); got != want {
		t.Errorf("archived tail = %s, want %s", got, want)
	}

	if _, err := ReadRunLog(filepath.Join(dir, "log_missing.txt"), 3); err == nil {
		t.Error("ReadRunLog on a missing log should fail")
	}
}
