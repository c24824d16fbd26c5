package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ernie/bloodmoon/internal/access"
	"github.com/ernie/bloodmoon/internal/auth"
	"github.com/ernie/bloodmoon/internal/config"
	"github.com/ernie/bloodmoon/internal/console"
	"github.com/ernie/bloodmoon/internal/domain"
	"github.com/ernie/bloodmoon/internal/storage"
)

// vipTimeFormat is how VIP expirations are entered and shown
const vipTimeFormat = "2006-01-02 15:04:05"

// CLI helper variables
var baseURL = "http://127.0.0.1:8090"

// loadCLIConfig loads the config file. A missing or broken file is fatal.
func loadCLIConfig(configPath, url string) *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to load config from %s: %v\n", configPath, err)
		os.Exit(1)
	}
	if url != "" {
		baseURL = url
	} else {
		baseURL = fmt.Sprintf("http://%s:%d", cfg.HTTP.ListenAddr, cfg.HTTP.Port)
	}
	return cfg
}

func getJSON(path string, target interface{}) error {
	resp, err := http.Get(baseURL + path)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(resp.Body).Decode(target)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// cmdConsole sends one command over its own console session, prints the
// reply and disconnects
func cmdConsole(args []string) {
	fs := flag.NewFlagSet("console", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	attempts := fs.Int("attempts", 3, "connection attempts")
	fs.SetInterspersed(false)
	fs.Parse(args)

	command := strings.TrimSpace(strings.Join(fs.Args(), " "))
	if command == "" {
		fatal(fmt.Errorf("usage: bloodmoon console <command...>"))
	}

	cfg := loadCLIConfig(*configPath, "")
	sess := console.NewSession(console.Config{
		Address:         cfg.Console.Address(),
		Password:        cfg.Console.Password,
		ConnectAttempts: *attempts,
		RetryDelay:      cfg.Console.RetryDelay,
		AuthTimeout:     cfg.Console.AuthTimeout,
		CommandTimeout:  cfg.Console.CommandTimeout,
		ResponseIdle:    cfg.Console.ResponseIdle,
		ShutdownWait:    cfg.Console.ShutdownWait,
		SyncCommand:     cfg.Console.SyncCommand,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := sess.Start(ctx); err != nil {
		fatal(err)
	}
	defer sess.Close()

	res, err := sess.SendCommand(ctx, command)
	if err != nil {
		fatal(err)
	}
	if res.Output != "" {
		fmt.Println(res.Output)
	}
	if res.TimedOut {
		fmt.Fprintln(os.Stderr, "(no reply from the server)")
	}
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the bloodmoon API")
	fs.Parse(args)

	loadCLIConfig(*configPath, *url)

	var st domain.ServerStatus
	if err := getJSON("/api/status", &st); err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "State:\t%s\n", st.State)
	if st.RunID != "" {
		fmt.Fprintf(w, "Run:\t%s\n", st.RunID)
		fmt.Fprintf(w, "PID:\t%d (%s)\n", st.PID, st.ProcessStatus)
	}
	if st.StartedAt != nil {
		fmt.Fprintf(w, "Up since:\t%s\n", st.StartedAt.Local().Format(vipTimeFormat))
	}
	fmt.Fprintf(w, "Console:\t%s\n", st.SessionState)
	fmt.Fprintf(w, "Restarts:\t%d\n", st.Restarts)

	c := st.Capacity
	maxPlayers := "unknown"
	if c.MaxPlayers > 0 {
		maxPlayers = fmt.Sprintf("%d", c.MaxPlayers)
	}
	fmt.Fprintf(w, "Players:\t%d / %s\n", c.CurrentPlayers, maxPlayers)
	if c.DonorBufferEnabled {
		active := "inactive"
		if c.BufferActive {
			active = "active (VIPs only)"
		}
		fmt.Fprintf(w, "Donor buffer:\t%d slots, %s\n", c.DonorBufferSlots, active)
	}
	if st.MainLog != "" {
		fmt.Fprintf(w, "Main log:\t%s\n", st.MainLog)
		fmt.Fprintf(w, "Error log:\t%s\n", st.ErrorLog)
	}
	if st.LastError != "" {
		fmt.Fprintf(w, "Last error:\t%s\n", st.LastError)
	}
	w.Flush()
}

func cmdPlayers(args []string) {
	fs := flag.NewFlagSet("players", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the bloodmoon API")
	fs.Parse(args)

	loadCLIConfig(*configPath, *url)

	var resp struct {
		Players []console.OnlinePlayer `json:"players"`
		Total   int                    `json:"total"`
	}
	if err := getJSON("/api/players", &resp); err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLAYER\tSTEAM ID\tPING")
	fmt.Fprintln(w, "--\t------\t--------\t----")
	for _, p := range resp.Players {
		steamID := p.SteamID
		if steamID == "" {
			steamID = "-"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", p.EntityID, p.Name, steamID, p.Ping)
	}
	w.Flush()
	fmt.Printf("Total: %d\n", resp.Total)
}

// cmdVip edits the VIP list file directly. The running supervisor reads it
// on every check, so changes apply immediately.
func cmdVip(args []string) {
	if len(args) < 1 {
		fatal(fmt.Errorf("vip subcommand required: list, add, remove"))
	}
	subCmd := args[0]

	fs := flag.NewFlagSet("vip "+subCmd, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	days := fs.Int("days", 30, "days of VIP status to add")
	until := fs.String("until", "", "expiration as \"YYYY-MM-DD HH:MM:SS\" (overrides --days)")
	fs.Parse(args[1:])

	cfg := loadCLIConfig(*configPath, "")
	vips := access.NewVipFile(cfg.Access.VipList)

	var err error
	switch subCmd {
	case "list":
		err = cmdVipList(vips)
	case "add":
		err = cmdVipAdd(vips, fs.Args(), *days, *until)
	case "remove":
		err = cmdVipRemove(vips, fs.Args())
	default:
		err = fmt.Errorf("unknown vip command: %s (use: list, add, remove)", subCmd)
	}
	if err != nil {
		fatal(err)
	}
}

func cmdVipList(vips *access.VipFile) error {
	entries, err := vips.Load()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Printf("No VIPs in %s\n", vips.Path)
		return nil
	}

	now := time.Now()
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEAM ID\tNAME\tEXPIRES\tSTATUS")
	fmt.Fprintln(w, "--------\t----\t-------\t------")
	for _, e := range entries {
		status := "active"
		if !e.ValidAt(now) {
			status = "expired"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.SteamID, e.Name, e.ExpiresAt.Format(vipTimeFormat), status)
	}
	return w.Flush()
}

func cmdVipAdd(vips *access.VipFile, args []string, days int, until string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: bloodmoon vip add [--days N | --until T] <steam_id> <name...>")
	}
	steamID := args[0]
	name := strings.Join(args[1:], " ")

	entries, err := vips.Load()
	if err != nil {
		return err
	}
	var existing *domain.VipEntry
	for i := range entries {
		if entries[i].SteamID == steamID {
			existing = &entries[i]
		}
	}

	expires, err := vipExpiry(existing, time.Now(), days, until)
	if err != nil {
		return err
	}
	entry := domain.VipEntry{SteamID: steamID, Name: name, ExpiresAt: expires}
	if err := vips.Put(entry); err != nil {
		return err
	}
	fmt.Printf("VIP %s (%s) valid until %s\n", name, steamID, expires.Format(vipTimeFormat))
	return nil
}

// vipExpiry computes a new expiration. --until sets it outright; --days
// extends an unexpired entry, or starts from now.
func vipExpiry(existing *domain.VipEntry, now time.Time, days int, until string) (time.Time, error) {
	if until != "" {
		t, err := time.ParseInLocation(vipTimeFormat, until, time.Local)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid --until %q: want YYYY-MM-DD HH:MM:SS", until)
		}
		return t, nil
	}
	if days <= 0 {
		return time.Time{}, fmt.Errorf("--days must be positive")
	}
	start := now
	if existing != nil && existing.ValidAt(now) {
		start = existing.ExpiresAt
	}
	return start.AddDate(0, 0, days).Truncate(time.Second), nil
}

func cmdVipRemove(vips *access.VipFile, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: bloodmoon vip remove <steam_id>")
	}
	removed, err := vips.Remove(args[0])
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no VIP with steam_id %s", args[0])
	}
	fmt.Printf("VIP %s removed\n", args[0])
	return nil
}

// cmdUser handles user subcommands
func cmdUser(args []string) {
	if len(args) < 1 {
		fatal(fmt.Errorf("user subcommand required: add, remove, list, reset"))
	}
	subCmd := args[0]

	fs := flag.NewFlagSet("user "+subCmd, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	isAdmin := fs.Bool("admin", false, "create as admin user")
	fs.Parse(args[1:])

	cfg := loadCLIConfig(*configPath, "")
	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		fatal(fmt.Errorf("failed to open database: %w", err))
	}
	defer store.Close()

	ctx := context.Background()
	switch subCmd {
	case "add":
		err = cmdUserAdd(ctx, store, fs.Args(), *isAdmin)
	case "remove":
		err = cmdUserRemove(ctx, store, fs.Args())
	case "list":
		err = cmdUserList(ctx, store)
	case "reset":
		err = cmdUserReset(ctx, store, fs.Args())
	default:
		err = fmt.Errorf("unknown user command: %s (use: add, remove, list, reset)", subCmd)
	}
	if err != nil {
		store.Close()
		fatal(err)
	}
}

// readNewPassword prompts for a password twice without echo
func readNewPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if err := auth.ValidatePassword(string(password)); err != nil {
		return "", err
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if string(password) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(password), nil
}

func cmdUserAdd(ctx context.Context, store *storage.Store, args []string, isAdmin bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: bloodmoon user add [--admin] <username>")
	}
	username := args[0]

	if _, err := store.GetUserByUsername(ctx, username); err == nil {
		return fmt.Errorf("user '%s' already exists", username)
	}

	password, err := readNewPassword("Enter password: ")
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.CreateUser(ctx, username, hash, isAdmin); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	roleStr := "user"
	if isAdmin {
		roleStr = "admin"
	}
	fmt.Printf("User '%s' created successfully (role: %s)\n", username, roleStr)
	return nil
}

func cmdUserRemove(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: bloodmoon user remove <username>")
	}
	username := args[0]

	if err := store.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("failed to remove user: %w", err)
	}

	fmt.Printf("User '%s' removed\n", username)
	return nil
}

func cmdUserList(ctx context.Context, store *storage.Store) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("No users configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tPWD_CHANGE\tLAST_LOGIN")
	fmt.Fprintln(w, "--------\t----\t----------\t----------")

	for _, user := range users {
		role := "user"
		if user.IsAdmin {
			role = "admin"
		}
		pwdChange := "no"
		if user.PasswordChangeRequired {
			pwdChange = "yes"
		}
		lastLogin := "never"
		if user.LastLogin != nil {
			lastLogin = user.LastLogin.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", user.Username, role, pwdChange, lastLogin)
	}
	return w.Flush()
}

func cmdUserReset(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: bloodmoon user reset <username>")
	}
	username := args[0]

	user, err := store.GetUserByUsername(ctx, username)
	if err != nil {
		return fmt.Errorf("user not found: %s", username)
	}

	password, err := readNewPassword("Enter new password: ")
	if err != nil {
		return err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	if err := store.ResetUserPassword(ctx, user.ID, hash); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}

	fmt.Printf("Password reset for '%s' (user will be required to change it on next login)\n", username)
	return nil
}
