package access

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ernie/bloodmoon/internal/domain"
)

func writeVipFile(t *testing.T, content string) *VipFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vip_list.txt")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return NewVipFile(path)
}

func TestVipFile_Load(t *testing.T) {
	f := writeVipFile(t, `# donors
76561198000000001 Alice 2030-01-01 00:00:00

76561198000000002 Bob the Builder 2030-06-15 12:30:00
76561198000000003 Broken 2030-13-45 99:00:00
76561198000000004 TooShort
`)
	entries, err := f.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2: %+v", len(entries), entries)
	}
	if entries[0].SteamID != "76561198000000001" || entries[0].Name != "Alice" {
		t.Errorf("entry 0 = %+v", entries[0])
	}
	if entries[1].Name != "Bob the Builder" {
		t.Errorf("entry 1 name = %q", entries[1].Name)
	}
	want := time.Date(2030, 6, 15, 12, 30, 0, 0, time.Local)
	if !entries[1].ExpiresAt.Equal(want) {
		t.Errorf("entry 1 expires = %v, want %v", entries[1].ExpiresAt, want)
	}
}

func TestVipFile_MissingIsEmpty(t *testing.T) {
	f := NewVipFile(filepath.Join(t.TempDir(), "nope.txt"))
	entries, err := f.Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("got %d entries", len(entries))
	}
}

func TestVipFile_PutRemove(t *testing.T) {
	f := NewVipFile(filepath.Join(t.TempDir(), "vip_list.txt"))
	expires := time.Date(2031, 2, 3, 4, 5, 6, 0, time.Local)

	if err := f.Put(domain.VipEntry{SteamID: "2", Name: "Zed", ExpiresAt: expires}); err != nil {
		t.Fatal(err)
	}
	if err := f.Put(domain.VipEntry{SteamID: "1", Name: "Amy Pond", ExpiresAt: expires}); err != nil {
		t.Fatal(err)
	}
	// Replace, not duplicate
	if err := f.Put(domain.VipEntry{SteamID: "2", Name: "Zed", ExpiresAt: expires.Add(time.Hour)}); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(f.Path)
	if err != nil {
		t.Fatal(err)
	}
	want := "1 Amy Pond 2031-02-03 04:05:06\n2 Zed 2031-02-03 05:05:06\n"
	if string(data) != want {
		t.Errorf("file =\n%s\nwant\n%s", data, want)
	}

	removed, err := f.Remove("1")
	if err != nil || !removed {
		t.Fatalf("Remove(1) = %v, %v", removed, err)
	}
	removed, err = f.Remove("1")
	if err != nil || removed {
		t.Fatalf("second Remove(1) = %v, %v", removed, err)
	}
	entries, _ := f.Load()
	if len(entries) != 1 || entries[0].SteamID != "2" {
		t.Errorf("entries = %+v", entries)
	}
}

func TestVipFile_PutRequiresFields(t *testing.T) {
	f := NewVipFile(filepath.Join(t.TempDir(), "vip_list.txt"))
	if err := f.Put(domain.VipEntry{SteamID: "1"}); err == nil {
		t.Error("Put without name should fail")
	}
}

func TestIsVIP(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	entries := []domain.VipEntry{
		{SteamID: "100", Name: "Current", ExpiresAt: now.Add(time.Hour)},
		{SteamID: "Steam_200", Name: "Prefixed", ExpiresAt: now.Add(time.Hour)},
		{SteamID: "300", Name: "Expired", ExpiresAt: now.Add(-time.Second)},
		{SteamID: "400", Name: "Boundary", ExpiresAt: now},
	}

	tests := []struct {
		id   string
		want bool
	}{
		{"100", true},
		{"Steam_100", true},
		{"200", true},
		{"300", false},
		{"400", false},
		{"999", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := IsVIP(entries, tt.id, now); got != tt.want {
			t.Errorf("IsVIP(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}
