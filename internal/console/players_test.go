package console

import "testing"

const lpOutput = `1. id=171, Alice, pos=(-120.5, 61.0, 342.1), rot=(0.0, 12.6, 0.0), remote=True, health=100, deaths=0, zombies=12, players=0, score=12, level=4, pltfmid=Steam_76561198000000001, crossid=EOS_0002aaaa, ip=10.0.0.5, ping=34
2. id=205, Bob the Builder, pos=(10.0, 60.0, 10.0), rot=(0.0, 0.0, 0.0), remote=True, health=80, deaths=1, zombies=3, players=0, score=2, level=2, steamid=76561198000000002, ip=10.0.0.6, ping=51
Total of 2 in the game`

func TestParsePlayerCount(t *testing.T) {
	tests := []struct {
		name   string
		output string
		want   int
		ok     bool
	}{
		{"total marker", lpOutput, 2, true},
		{"total overrides rows", "1. id=1, A, pos=(0,0,0),\nTotal of 5 in the game", 5, true},
		{"zero players", "Total of 0 in the game", 0, true},
		{"rows only", "1. id=1, A, pos=(0,0,0),\n2. id=2, B, pos=(0,0,0),\n3. id=3, C, pos=(0,0,0),", 3, true},
		{"unrelated output", "*** Connected with 7DTD server.", 0, false},
		{"empty", "", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParsePlayerCount(tt.output)
			if got != tt.want || ok != tt.ok {
				t.Errorf("ParsePlayerCount() = %d, %v; want %d, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestParsePlayers(t *testing.T) {
	players := ParsePlayers(lpOutput)
	if len(players) != 2 {
		t.Fatalf("got %d players, want 2", len(players))
	}
	if players[0] != (OnlinePlayer{EntityID: 171, Name: "Alice", SteamID: "Steam_76561198000000001", Ping: 34}) {
		t.Errorf("players[0] = %+v", players[0])
	}
	if players[1].Name != "Bob the Builder" || players[1].SteamID != "76561198000000002" || players[1].Ping != 51 {
		t.Errorf("players[1] = %+v", players[1])
	}
}

func TestKickCommand(t *testing.T) {
	got := KickCommand(`Bob "the" Builder`, "Server full")
	want := `kick "Bob 'the' Builder" "Server full"`
	if got != want {
		t.Errorf("KickCommand() = %q, want %q", got, want)
	}
}
