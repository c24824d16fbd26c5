package collector

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ernie/bloodmoon/internal/domain"
)

// LineClass is the classification of one line of server output
type LineClass int

const (
	Informational LineClass = iota
	Noise
	ErrorTrigger
)

func (c LineClass) String() string {
	switch c {
	case Noise:
		return "noise"
	case ErrorTrigger:
		return "error"
	default:
		return "info"
	}
}

// Patterns is the versioned pattern table used by the classifier. Bump
// Version whenever a pattern changes so captured excerpts can be re-checked.
type Patterns struct {
	Version string

	// EnginePrefix matches the engine's own "<iso time> <uptime> <level> " prefix
	EnginePrefix *regexp.Regexp
	// Noise is matched against the line with the engine prefix removed
	Noise *regexp.Regexp
	// ErrorKeyword is matched against the whole line, prefix included
	ErrorKeyword *regexp.Regexp
	// Join captures steam_id and player name
	Join *regexp.Regexp
	// Leave patterns each capture the player name
	Leave []*regexp.Regexp
	// MaxPlayers captures the server's advertised slot count
	MaxPlayers *regexp.Regexp
}

// DefaultPatterns matches 7 Days to Die dedicated server output
var DefaultPatterns = Patterns{
	Version: "2",

	// 2024-05-01T10:00:00 123.456 INF
	EnginePrefix: regexp.MustCompile(`^(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2})\s+\d+(?:\.\d+)?\s+[A-Z]{3}\s+`),
	Noise:        regexp.MustCompile(`(?i)^(?:(?:WARNING|ERROR|WRN|ERR):?\s+)?Shader\b`),
	ErrorKeyword: regexp.MustCompile(`(?i)\b(?:ERR|WRN|EXC|EXCEPTION|ERROR|WARNING|CRITICAL|FATAL)\b`),
	Join:         regexp.MustCompile(`RequestToEnterGame: ([^/\s]+)/(.+?)\s*$`),
	Leave: []*regexp.Regexp{
		regexp.MustCompile(`Player disconnected: .*PlayerName='([^']*)'`),
		regexp.MustCompile(`\bPlayer (.+?) disconnected\b`),
	},
	MaxPlayers: regexp.MustCompile(`Maximum allowed players: (\d+)`),
}

// Classification is the result of classifying one line
type Classification struct {
	Class LineClass
	// Event is set when the line announces a player joining or leaving
	Event *domain.PlayerEvent
	// MaxPlayers is set (> 0) when the line advertises the server's capacity
	MaxPlayers int
	// Normalized is the line without the engine prefix, trimmed. Used for
	// error snapshot dedup.
	Normalized string
}

// Classifier maps raw output lines to classifications. It holds no state
// beyond its pattern table and is safe for concurrent use.
type Classifier struct {
	patterns Patterns
}

// NewClassifier creates a classifier over the given pattern table
func NewClassifier(patterns Patterns) *Classifier {
	return &Classifier{patterns: patterns}
}

// Version returns the pattern table version
func (c *Classifier) Version() string {
	return c.patterns.Version
}

// Classify classifies a single line. Event timestamps come from the engine
// prefix when present and are zero otherwise.
func (c *Classifier) Classify(line string) Classification {
	var ts time.Time
	content := line
	if match := c.patterns.EnginePrefix.FindStringSubmatch(line); match != nil {
		if t, err := time.ParseInLocation("2006-01-02T15:04:05", match[1], time.Local); err == nil {
			ts = t
		}
		content = line[len(match[0]):]
	}
	content = strings.TrimSpace(content)

	result := Classification{Class: Informational, Normalized: content}

	// Shader spam is dropped before anything else is considered
	if c.patterns.Noise.MatchString(content) {
		result.Class = Noise
		return result
	}

	if c.patterns.ErrorKeyword.MatchString(line) {
		result.Class = ErrorTrigger
	}

	if match := c.patterns.Join.FindStringSubmatch(content); match != nil {
		result.Event = &domain.PlayerEvent{
			Kind:       domain.PlayerJoined,
			SteamID:    match[1],
			PlayerName: match[2],
			Timestamp:  ts,
		}
		return result
	}

	for _, re := range c.patterns.Leave {
		if match := re.FindStringSubmatch(content); match != nil && match[1] != "" {
			result.Event = &domain.PlayerEvent{
				Kind:       domain.PlayerLeft,
				PlayerName: match[1],
				Timestamp:  ts,
			}
			return result
		}
	}

	if match := c.patterns.MaxPlayers.FindStringSubmatch(content); match != nil {
		if n, err := strconv.Atoi(match[1]); err == nil && n > 0 {
			result.MaxPlayers = n
		}
	}

	return result
}
