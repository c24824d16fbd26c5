package console

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// Total of 3 in the game
	totalRegex = regexp.MustCompile(`Total of (\d+) in the game`)
	// 1. id=171, Alice, pos=(...), ..., pltfmid=Steam_765..., ip=..., ping=30
	playerLineRegex = regexp.MustCompile(`^\s*\d+\.\s+id=(\d+),\s*([^,]*),`)
	platformIDRegex = regexp.MustCompile(`\b(?:pltfmid|steamid)=([^,\s]+)`)
	pingRegex       = regexp.MustCompile(`\bping=(\d+)`)
)

// OnlinePlayer is one row of the list-players response
type OnlinePlayer struct {
	EntityID int    `json:"entity_id"`
	Name     string `json:"name"`
	SteamID  string `json:"steam_id,omitempty"`
	Ping     int    `json:"ping"`
}

// ParsePlayerCount extracts the number of connected players from a
// list-players response. The explicit total wins; otherwise the numbered
// player rows are counted. ok is false when the output has neither.
func ParsePlayerCount(output string) (count int, ok bool) {
	if match := totalRegex.FindStringSubmatch(output); match != nil {
		n, err := strconv.Atoi(match[1])
		if err == nil {
			return n, true
		}
	}
	rows := ParsePlayers(output)
	if len(rows) > 0 {
		return len(rows), true
	}
	return 0, false
}

// ParsePlayers extracts the player rows of a list-players response
func ParsePlayers(output string) []OnlinePlayer {
	var players []OnlinePlayer
	for _, line := range strings.Split(output, "\n") {
		match := playerLineRegex.FindStringSubmatch(line)
		if match == nil {
			continue
		}
		id, _ := strconv.Atoi(match[1])
		p := OnlinePlayer{EntityID: id, Name: strings.TrimSpace(match[2])}
		if m := platformIDRegex.FindStringSubmatch(line); m != nil {
			p.SteamID = m[1]
		}
		if m := pingRegex.FindStringSubmatch(line); m != nil {
			p.Ping, _ = strconv.Atoi(m[1])
		}
		players = append(players, p)
	}
	return players
}

// KickCommand formats the console command that kicks a player by name
func KickCommand(playerName, reason string) string {
	return `kick "` + quote(playerName) + `" "` + quote(reason) + `"`
}

func quote(s string) string {
	return strings.ReplaceAll(s, `"`, `'`)
}
