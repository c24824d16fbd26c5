package access

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/ernie/bloodmoon/internal/atomicfile"
	"github.com/ernie/bloodmoon/internal/domain"
)

// VipTimeFormat is the expiration format used in the VIP list file
const VipTimeFormat = "2006-01-02 15:04:05"

// VipSource provides the current VIP list
type VipSource interface {
	Load() ([]domain.VipEntry, error)
}

// VipFile is a whitespace-delimited VIP list, one record per line:
//
//	<steam_id> <name> <YYYY-MM-DD> <HH:MM:SS>
//
// Names may contain spaces. Blank lines and lines starting with # are
// ignored. Expiration times are in local time.
type VipFile struct {
	Path string
}

// NewVipFile creates a VIP list backed by path
func NewVipFile(path string) *VipFile {
	return &VipFile{Path: path}
}

// Load reads the list. A missing file is an empty list. Malformed records
// are skipped with a warning.
func (f *VipFile) Load() ([]domain.VipEntry, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading VIP list: %w", err)
	}
	return parseVipList(data, f.Path), nil
}

func parseVipList(data []byte, source string) []domain.VipEntry {
	var entries []domain.VipEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entry, err := parseVipRecord(line)
		if err != nil {
			log.Printf("Warning: %s:%d: skipping VIP record: %v", source, lineNo, err)
			continue
		}
		entries = append(entries, entry)
	}
	return entries
}

func parseVipRecord(line string) (domain.VipEntry, error) {
	fields := strings.Fields(line)
	if len(fields) < 4 {
		return domain.VipEntry{}, fmt.Errorf("want 4 fields, got %d", len(fields))
	}
	n := len(fields)
	expires, err := time.ParseInLocation(VipTimeFormat, fields[n-2]+" "+fields[n-1], time.Local)
	if err != nil {
		return domain.VipEntry{}, fmt.Errorf("bad expiration: %w", err)
	}
	return domain.VipEntry{
		SteamID:   fields[0],
		Name:      strings.Join(fields[1:n-2], " "),
		ExpiresAt: expires,
	}, nil
}

// Save replaces the list with entries, sorted by steam_id
func (f *VipFile) Save(entries []domain.VipEntry) error {
	sorted := append([]domain.VipEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].SteamID < sorted[j].SteamID })

	var buf bytes.Buffer
	for _, e := range sorted {
		fmt.Fprintf(&buf, "%s %s %s\n", e.SteamID, e.Name, e.ExpiresAt.In(time.Local).Format(VipTimeFormat))
	}
	if err := atomicfile.Write(f.Path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("writing VIP list: %w", err)
	}
	return nil
}

// Put adds an entry or replaces the one with the same steam_id
func (f *VipFile) Put(entry domain.VipEntry) error {
	if entry.SteamID == "" || entry.Name == "" {
		return errors.New("steam_id and name are required")
	}
	entries, err := f.Load()
	if err != nil {
		return err
	}
	replaced := false
	for i := range entries {
		if entries[i].SteamID == entry.SteamID {
			entries[i] = entry
			replaced = true
		}
	}
	if !replaced {
		entries = append(entries, entry)
	}
	return f.Save(entries)
}

// Remove deletes the entry for steamID. It reports whether one existed.
func (f *VipFile) Remove(steamID string) (bool, error) {
	entries, err := f.Load()
	if err != nil {
		return false, err
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.SteamID != steamID {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return false, nil
	}
	return true, f.Save(kept)
}

// IsVIP reports whether steamID holds an unexpired entry at now. The
// server's "Steam_" platform prefix is optional on either side.
func IsVIP(entries []domain.VipEntry, steamID string, now time.Time) bool {
	id := normalizeID(steamID)
	for _, e := range entries {
		if normalizeID(e.SteamID) == id && e.ValidAt(now) {
			return true
		}
	}
	return false
}

func normalizeID(id string) string {
	return strings.TrimPrefix(id, "Steam_")
}
