package supervisor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeServerConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "serverconfig.xml")
	if err := os.WriteFile(path, []byte(content), 0640); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestXMLConfigWriter_Apply(t *testing.T) {
	path := writeServerConfig(t, sampleServerConfig)
	w := NewXMLConfigWriter(path)

	err := w.Apply(map[string]string{
		"servermaxplayercount": "10",
		"TelnetEnabled":        "true",
		"TelnetPassword":       `p&ss"word`,
		"ServerDescription":    "Horde night every 7 days",
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	got := string(data)

	want := `<?xml version="1.0"?>
<ServerSettings>
	<property name="ServerName" value="My Game Host" />
	<property name="ServerMaxPlayerCount" value="10" />
	<property name="TelnetEnabled" value="true" />
	<property name="ServerDescription" value="Horde night every 7 days" />
	<property name="TelnetPassword" value="p&amp;ss&#34;word" />
</ServerSettings>
`
	if got != want {
		t.Errorf("config =\n%s\nwant\n%s", got, want)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0640 {
		t.Errorf("mode = %v, want 0640", info.Mode().Perm())
	}
}

func TestXMLConfigWriter_AddsMissingValueAttribute(t *testing.T) {
	path := writeServerConfig(t, "<ServerSettings>\n\t<property name=\"TelnetPort\" />\n</ServerSettings>\n")
	if err := NewXMLConfigWriter(path).Apply(map[string]string{"TelnetPort": "8081"}); err != nil {
		t.Fatal(err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), `<property name="TelnetPort" value="8081" />`) {
		t.Errorf("config =\n%s", data)
	}
	if strings.Count(string(data), "TelnetPort") != 1 {
		t.Errorf("property duplicated:\n%s", data)
	}
}

func TestXMLConfigWriter_Idempotent(t *testing.T) {
	path := writeServerConfig(t, sampleServerConfig)
	w := NewXMLConfigWriter(path)
	overrides := map[string]string{"TelnetEnabled": "true", "TelnetPort": "8081"}

	if err := w.Apply(overrides); err != nil {
		t.Fatal(err)
	}
	first, _ := os.ReadFile(path)
	if err := w.Apply(overrides); err != nil {
		t.Fatal(err)
	}
	second, _ := os.ReadFile(path)
	if string(first) != string(second) {
		t.Errorf("second apply changed the file:\n%s\n---\n%s", first, second)
	}
}

func TestXMLConfigWriter_Missing(t *testing.T) {
	w := NewXMLConfigWriter(filepath.Join(t.TempDir(), "serverconfig.xml"))
	if err := w.Apply(nil); !errors.Is(err, ErrConfigMissing) {
		t.Errorf("Apply() error = %v, want ErrConfigMissing", err)
	}
}

func TestXMLConfigWriter_NoClosingTag(t *testing.T) {
	path := writeServerConfig(t, "<ServerSettings>\n")
	if err := NewXMLConfigWriter(path).Apply(map[string]string{"TelnetPort": "8081"}); err == nil {
		t.Error("expected error for truncated config")
	}
}
