// bloodmoon - 7 Days to Die dedicated server supervisor
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	flag "github.com/spf13/pflag"

	"github.com/ernie/bloodmoon/internal/access"
	"github.com/ernie/bloodmoon/internal/api"
	"github.com/ernie/bloodmoon/internal/auth"
	"github.com/ernie/bloodmoon/internal/collector"
	"github.com/ernie/bloodmoon/internal/config"
	"github.com/ernie/bloodmoon/internal/domain"
	"github.com/ernie/bloodmoon/internal/notify"
	"github.com/ernie/bloodmoon/internal/storage"
	"github.com/ernie/bloodmoon/internal/supervisor"
)

var version = "dev"

const defaultConfigPath = "/etc/bloodmoon/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "console":
		cmdConsole(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "players":
		cmdPlayers(os.Args[2:])
	case "vip":
		cmdVip(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "version":
		fmt.Printf("bloodmoon %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: bloodmoon <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Run the server under supervision")
	fmt.Println("  console <command...>                Send one command to the server console")
	fmt.Println("  status                              Show supervisor and server status")
	fmt.Println("  players                             Show connected players")
	fmt.Println("  vip list                            Show the VIP list")
	fmt.Println("  vip add [--days N | --until T] <steam_id> <name...>")
	fmt.Println("                                      Add or extend a VIP")
	fmt.Println("  vip remove <steam_id>               Remove a VIP")
	fmt.Println("  user add [--admin] <username>       Add a user (prompts for password)")
	fmt.Println("  user remove <username>              Remove a user")
	fmt.Println("  user list                           List all users")
	fmt.Println("  user reset <username>               Reset a user's password")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/bloodmoon/config.yml)")
	fmt.Println("  --url <url>        Base URL of the bloodmoon API (default: derived from config)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  bloodmoon serve --config /etc/bloodmoon/config.yml")
	fmt.Println("  bloodmoon console say \"Restart in 5 minutes\"")
	fmt.Println("  bloodmoon vip add --days 30 76561198000000001 Amy Pond")
	fmt.Println("  bloodmoon user add --admin myuser")
}

// cmdServe launches the game server and supervises it until signalled
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify a config file.", defaultConfigPath)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	if cfg.Server.DiagnosticLog != "" {
		f, err := os.OpenFile(cfg.Server.DiagnosticLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Fatalf("Failed to open diagnostic log: %v", err)
		}
		defer f.Close()
		log.SetOutput(io.MultiWriter(os.Stderr, f))
	}

	// One supervisor per server; a second would fight over the process
	fileLock := flock.New(cfg.Server.LockFile)
	locked, err := fileLock.TryLock()
	if err != nil {
		log.Fatalf("Failed to acquire lock %s: %v", cfg.Server.LockFile, err)
	}
	if !locked {
		log.Fatalf("bloodmoon already running (lock %s held by another process)", cfg.Server.LockFile)
	}
	defer fileLock.Unlock()

	log.Printf("bloodmoon %s starting...", version)

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()
	log.Printf("Database initialized at %s", cfg.Database.Path)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	publisher, broker := startNATS(cfg.NATS)

	bus := collector.NewEventBus(collector.DefaultEventBusCapacity)
	sup := supervisor.New(cfg, supervisor.Deps{
		Launcher: supervisor.NewExecLauncher(cfg.Server.StopGrace),
		Bus:      bus,
	})

	policyEvents := make(chan domain.Event, 100)
	vips := access.NewVipFile(cfg.Access.VipList)
	engine := access.NewEngine(access.Config{
		DonorBufferEnabled: cfg.Access.DonorBufferEnabled,
		DonorBufferSlots:   cfg.Access.DonorBufferSlots,
		MaxPlayers:         cfg.Access.MaxPlayers,
		KickDelay:          cfg.Access.KickDelay,
		KickReason:         cfg.Access.KickReason,
		ReconcileInterval:  cfg.Access.ReconcileInterval,
		ReconcileCommand:   cfg.Access.ReconcileCommand,
		CurrentRun:         sup.RunID,
	}, bus, vips, sup, func(ev domain.Event) {
		select {
		case policyEvents <- ev:
		default:
			log.Printf("Warning: event channel full, dropping %s event", ev.Type)
		}
	})
	sup.SetPolicy(engine)

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	if cfg.Auth.JWTSecret == "" {
		log.Printf("Warning: No JWT secret configured. Auth tokens will use an empty secret.")
	}

	router := api.NewRouter(store, sup, vips, authService, cfg.HTTP.StaticDir)
	router.PlayersCommand = cfg.Access.ReconcileCommand
	router.StartWebSocketHub()

	fanCtx, fanCancel := context.WithCancel(context.Background())
	fanDone := make(chan struct{})
	go func() {
		defer close(fanDone)
		fanOut(fanCtx, sup.Events(), policyEvents, func(ev domain.Event) {
			router.Broadcast(ev)
			if err := store.Record(context.Background(), ev); err != nil {
				log.Printf("Error recording %s event: %v", ev.Type, err)
			}
			if publisher != nil {
				if err := publisher.Publish(ev); err != nil {
					log.Printf("Error publishing %s event: %v", ev.Type, err)
				}
			}
		})
	}()

	engineDone := make(chan struct{})
	go func() {
		defer close(engineDone)
		engine.Run(ctx)
	}()

	if err := sup.Start(ctx); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("Server started, watching every %v", cfg.Server.WatchInterval)

	addr := fmt.Sprintf("%s:%d", cfg.HTTP.ListenAddr, cfg.HTTP.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for signal, HTTP failure or the supervisor giving up
	var exitCode int
	select {
	case sig := <-sigCh:
		log.Printf("Received signal %v, shutting down...", sig)
	case err := <-serverErr:
		log.Printf("HTTP server error: %v", err)
		exitCode = 1
	case <-waitFailed(ctx, sup):
		log.Printf("Supervisor failed: %v", sup.Err())
		exitCode = 1
	}

	// Sequential shutdown
	log.Println("Shutting down HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Stopping game server...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Console.ShutdownWait+cfg.Server.StopGrace+15*time.Second)
	defer stopCancel()
	if err := sup.Stop(stopCtx); err != nil && !errors.Is(err, supervisor.ErrNotRunning) {
		log.Printf("Stop error: %v", err)
	}

	cancel()
	<-engineDone
	fanCancel()
	<-fanDone

	router.Close()
	if publisher != nil {
		publisher.Close()
	}
	if broker != nil {
		broker.Shutdown()
	}
	log.Println("Shutdown complete")

	if exitCode != 0 {
		store.Close()
		fileLock.Unlock()
		os.Exit(exitCode)
	}
}

// startNATS connects the event publisher, starting the embedded broker
// first when configured. Failures disable publishing rather than serving.
func startNATS(cfg config.NATSConfig) (*notify.Publisher, *notify.EmbeddedServer) {
	url := cfg.URL
	var broker *notify.EmbeddedServer
	if cfg.Embedded {
		var err error
		broker, err = notify.StartEmbedded(cfg.Listen, cfg.Port)
		if err != nil {
			log.Printf("Warning: embedded NATS unavailable, events will not be published: %v", err)
			return nil, nil
		}
		url = broker.ClientURL()
		log.Printf("Embedded NATS listening on %s", url)
	}
	if url == "" {
		return nil, broker
	}

	publisher, err := notify.Connect(url, cfg.Subject)
	if err != nil {
		log.Printf("Warning: events will not be published: %v", err)
		return nil, broker
	}
	log.Printf("Publishing events to %s on %s.>", url, cfg.Subject)
	return publisher, broker
}

// fanOut delivers events from both sources until ctx is cancelled, then
// delivers whatever is still queued
func fanOut(ctx context.Context, server, policy <-chan domain.Event, deliver func(domain.Event)) {
	for {
		select {
		case ev := <-server:
			deliver(ev)
		case ev := <-policy:
			deliver(ev)
		case <-ctx.Done():
			for {
				select {
				case ev := <-server:
					deliver(ev)
				case ev := <-policy:
					deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// waitFailed returns a channel closed when the supervisor enters the
// failed state
func waitFailed(ctx context.Context, sup *supervisor.Supervisor) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if sup.State() == domain.SupervisorFailed {
					close(ch)
					return
				}
			}
		}
	}()
	return ch
}
