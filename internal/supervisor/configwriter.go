package supervisor

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/ernie/bloodmoon/internal/atomicfile"
)

// ErrConfigMissing means the server's static configuration file is absent
var ErrConfigMissing = errors.New("server config file missing")

// ConfigWriter applies property overrides to the server's static
// configuration before each launch
type ConfigWriter interface {
	Apply(overrides map[string]string) error
}

var (
	propertyLine = regexp.MustCompile(`<property\b[^>]*\bname="([^"]*)"`)
	valueAttr    = regexp.MustCompile(`\bvalue="[^"]*"`)
)

// XMLConfigWriter edits <property name="..." value="..."/> entries of a
// serverconfig.xml in place. Names match case-insensitively. Properties
// not present are added before the closing </ServerSettings>.
type XMLConfigWriter struct {
	Path string
}

// NewXMLConfigWriter creates a writer for the file at path
func NewXMLConfigWriter(path string) *XMLConfigWriter {
	return &XMLConfigWriter{Path: path}
}

// Apply rewrites the file. The file is left untouched when nothing changes.
func (w *XMLConfigWriter) Apply(overrides map[string]string) error {
	data, err := os.ReadFile(w.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrConfigMissing, w.Path)
		}
		return fmt.Errorf("reading server config: %w", err)
	}
	if len(overrides) == 0 {
		return nil
	}

	pending := make(map[string]string, len(overrides))
	names := make(map[string]string, len(overrides))
	for k, v := range overrides {
		pending[strings.ToLower(k)] = v
		names[strings.ToLower(k)] = k
	}

	lines := strings.Split(string(data), "\n")
	changed := false
	for i, line := range lines {
		m := propertyLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		key := strings.ToLower(m[1])
		value, ok := pending[key]
		if !ok {
			continue
		}
		delete(pending, key)
		attr := `value="` + escapeAttr(value) + `"`
		var updated string
		if valueAttr.MatchString(line) {
			updated = valueAttr.ReplaceAllLiteralString(line, attr)
		} else {
			updated = strings.Replace(line, m[0], m[0]+" "+attr, 1)
		}
		if updated != line {
			lines[i] = updated
			changed = true
		}
	}

	if len(pending) > 0 {
		closing := -1
		for i := len(lines) - 1; i >= 0; i-- {
			if strings.Contains(lines[i], "</ServerSettings>") {
				closing = i
				break
			}
		}
		if closing < 0 {
			return fmt.Errorf("server config %s has no </ServerSettings>", w.Path)
		}
		keys := make([]string, 0, len(pending))
		for k := range pending {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		added := make([]string, 0, len(keys))
		for _, k := range keys {
			added = append(added, fmt.Sprintf("\t<property name=\"%s\" value=\"%s\" />", escapeAttr(names[k]), escapeAttr(pending[k])))
		}
		lines = append(lines[:closing], append(added, lines[closing:]...)...)
		changed = true
	}

	if !changed {
		return nil
	}
	info, err := os.Stat(w.Path)
	if err != nil {
		return fmt.Errorf("reading server config: %w", err)
	}
	if err := atomicfile.Write(w.Path, []byte(strings.Join(lines, "\n")), info.Mode().Perm()); err != nil {
		return fmt.Errorf("writing server config: %w", err)
	}
	return nil
}

func escapeAttr(s string) string {
	var buf bytes.Buffer
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}
