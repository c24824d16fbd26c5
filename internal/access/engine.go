package access

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/ernie/bloodmoon/internal/collector"
	"github.com/ernie/bloodmoon/internal/console"
	"github.com/ernie/bloodmoon/internal/domain"
)

// Commander sends console commands on the engine's behalf
type Commander interface {
	SendCommand(ctx context.Context, text string) (console.Result, error)
	Submit(text string) error
}

// Config holds the capacity policy settings
type Config struct {
	DonorBufferEnabled bool
	DonorBufferSlots   int
	// MaxPlayers of 0 means learn it from the server's output
	MaxPlayers        int
	KickDelay         time.Duration
	KickReason        string
	ReconcileInterval time.Duration
	ReconcileCommand  string
	// CurrentRun names the server run that emitted events belong to
	CurrentRun func() string
}

// State is the engine's view of the server's capacity
type State struct {
	CurrentPlayers     int
	MaxPlayers         int
	DonorBufferSlots   int
	DonorBufferEnabled bool
	LastReconciledAt   time.Time
}

// BufferActive reports whether joins are restricted to VIPs at the
// current count
func (s State) BufferActive() bool {
	return s.DonorBufferEnabled && s.MaxPlayers > 0 && s.CurrentPlayers >= s.MaxPlayers-s.DonorBufferSlots
}

// Engine owns the authoritative player count. All mutations happen on the
// goroutine running Run: bus events, reconciliation results, capacity
// observations and restarts are funnelled into it.
type Engine struct {
	cfg    Config
	bus    *collector.EventBus
	vips   VipSource
	cmd    Commander
	notify func(domain.Event)
	now    func() time.Time

	mu    sync.RWMutex
	state State

	reconciled chan int
	maxPlayers chan int
	resets     chan struct{}

	kicks sync.WaitGroup
}

// NewEngine creates an engine consuming bus. notify may be nil.
func NewEngine(cfg Config, bus *collector.EventBus, vips VipSource, cmd Commander, notify func(domain.Event)) *Engine {
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 30 * time.Second
	}
	if cfg.ReconcileCommand == "" {
		cfg.ReconcileCommand = "lp"
	}
	if notify == nil {
		notify = func(domain.Event) {}
	}
	if current := cfg.CurrentRun; current != nil {
		deliver := notify
		notify = func(ev domain.Event) {
			if ev.RunID == "" {
				ev.RunID = current()
			}
			deliver(ev)
		}
	}
	return &Engine{
		cfg:    cfg,
		bus:    bus,
		vips:   vips,
		cmd:    cmd,
		notify: notify,
		now:    time.Now,
		state: State{
			MaxPlayers:         cfg.MaxPlayers,
			DonorBufferSlots:   cfg.DonorBufferSlots,
			DonorBufferEnabled: cfg.DonorBufferEnabled,
		},
		reconciled: make(chan int, 1),
		maxPlayers: make(chan int, 1),
		resets:     make(chan struct{}, 1),
	}
}

// State returns a snapshot of the policy state
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// Capacity returns the state in its API form
func (e *Engine) Capacity() domain.CapacityStatus {
	s := e.State()
	status := domain.CapacityStatus{
		CurrentPlayers:     s.CurrentPlayers,
		MaxPlayers:         s.MaxPlayers,
		DonorBufferEnabled: s.DonorBufferEnabled,
		DonorBufferSlots:   s.DonorBufferSlots,
		BufferActive:       s.BufferActive(),
	}
	if !s.LastReconciledAt.IsZero() {
		t := s.LastReconciledAt
		status.LastReconciledAt = &t
	}
	return status
}

// ObserveMaxPlayers reports the capacity the server advertised. It only
// takes effect when no fixed maximum is configured. Never blocks.
func (e *Engine) ObserveMaxPlayers(n int) {
	if e.cfg.MaxPlayers > 0 || n <= 0 {
		return
	}
	select {
	case e.maxPlayers <- n:
	default:
		// Replace a pending observation with the newer one
		select {
		case <-e.maxPlayers:
		default:
		}
		select {
		case e.maxPlayers <- n:
		default:
		}
	}
}

// ServerRestarted zeroes the count for a freshly launched server
func (e *Engine) ServerRestarted() {
	select {
	case e.resets <- struct{}{}:
	default:
	}
}

// Run consumes events until ctx is cancelled, polling the console for the
// ground-truth count every reconcile interval
func (e *Engine) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.pollLoop(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.bus.Ready():
			for _, ev := range e.bus.Drain() {
				e.OnEvent(ctx, ev)
			}
		case n := <-e.reconciled:
			e.Reconcile(n)
		case n := <-e.maxPlayers:
			e.setMaxPlayers(n)
		case <-e.resets:
			e.reset()
		}
	}
}

// OnEvent applies one player event. Joins may schedule a kick; the kick is
// sent after the kick delay without blocking the caller.
func (e *Engine) OnEvent(ctx context.Context, ev domain.PlayerEvent) {
	switch ev.Kind {
	case domain.PlayerJoined:
		e.mu.Lock()
		e.state.CurrentPlayers++
		state := e.state
		e.mu.Unlock()

		e.notify(domain.Event{
			Type:      domain.EventPlayerJoin,
			Timestamp: e.now(),
			Data: domain.PlayerJoinEvent{
				PlayerName:  ev.PlayerName,
				SteamID:     ev.SteamID,
				PlayerCount: state.CurrentPlayers,
			},
		})

		if state.BufferActive() {
			e.checkVIP(ctx, ev, state)
		}

	case domain.PlayerLeft:
		e.mu.Lock()
		if e.state.CurrentPlayers > 0 {
			e.state.CurrentPlayers--
		}
		count := e.state.CurrentPlayers
		e.mu.Unlock()

		e.notify(domain.Event{
			Type:      domain.EventPlayerLeave,
			Timestamp: e.now(),
			Data:      domain.PlayerLeaveEvent{PlayerName: ev.PlayerName, PlayerCount: count},
		})
	}
}

// checkVIP loads the VIP list fresh and kicks the player unless listed
func (e *Engine) checkVIP(ctx context.Context, ev domain.PlayerEvent, state State) {
	var entries []domain.VipEntry
	if e.vips != nil {
		var err error
		entries, err = e.vips.Load()
		if err != nil {
			// Fail closed: an unreadable list grants nobody VIP status
			log.Printf("Warning: loading VIP list: %v", err)
		}
	}
	if IsVIP(entries, ev.SteamID, e.now()) {
		log.Printf("VIP %s (%s) joined in the donor buffer (%d/%d)", ev.PlayerName, ev.SteamID, state.CurrentPlayers, state.MaxPlayers)
		return
	}

	log.Printf("Kicking %s (%s): donor buffer active at %d/%d", ev.PlayerName, ev.SteamID, state.CurrentPlayers, state.MaxPlayers)
	e.notify(domain.Event{
		Type:      domain.EventPlayerKicked,
		Timestamp: e.now(),
		Data: domain.PlayerKickedEvent{
			PlayerName:  ev.PlayerName,
			SteamID:     ev.SteamID,
			Reason:      e.cfg.KickReason,
			PlayerCount: state.CurrentPlayers,
		},
	})
	e.scheduleKick(ctx, ev.PlayerName)
}

// scheduleKick sends the kick after the kick delay, giving the platform
// time to finish authenticating the player
func (e *Engine) scheduleKick(ctx context.Context, name string) {
	command := console.KickCommand(name, e.cfg.KickReason)
	e.kicks.Add(1)
	go func() {
		defer e.kicks.Done()
		if e.cfg.KickDelay > 0 {
			select {
			case <-time.After(e.cfg.KickDelay):
			case <-ctx.Done():
				return
			}
		}
		if e.cmd == nil {
			return
		}
		if err := e.cmd.Submit(command); err != nil {
			log.Printf("Error kicking %s: %v", name, err)
		}
	}()
}

// WaitKicks blocks until scheduled kicks have been handed to the console
func (e *Engine) WaitKicks() {
	e.kicks.Wait()
}

// Reconcile overwrites the tracked count with a polled count. The poll is
// authoritative; it reports whether the count changed.
func (e *Engine) Reconcile(polled int) bool {
	if polled < 0 {
		return false
	}
	e.mu.Lock()
	previous := e.state.CurrentPlayers
	e.state.CurrentPlayers = polled
	e.state.LastReconciledAt = e.now()
	e.mu.Unlock()

	if previous == polled {
		return false
	}
	log.Printf("Player count reconciled: tracked %d, server reports %d", previous, polled)
	e.notify(domain.Event{
		Type:      domain.EventCountReconciled,
		Timestamp: e.now(),
		Data:      domain.CountReconciledEvent{Previous: previous, Current: polled},
	})
	return true
}

func (e *Engine) setMaxPlayers(n int) {
	e.mu.Lock()
	changed := e.state.MaxPlayers != n
	e.state.MaxPlayers = n
	e.mu.Unlock()
	if changed {
		log.Printf("Server capacity is %d players", n)
	}
}

func (e *Engine) reset() {
	e.mu.Lock()
	e.state.CurrentPlayers = 0
	if e.cfg.MaxPlayers == 0 {
		e.state.MaxPlayers = 0
	}
	e.mu.Unlock()
}

// pollLoop asks the console for the player list every reconcile interval
// and hands parsed counts to Run
func (e *Engine) pollLoop(ctx context.Context) {
	if e.cmd == nil {
		return
	}
	ticker := time.NewTicker(e.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, ok := e.poll(ctx)
			if !ok {
				continue
			}
			select {
			case e.reconciled <- n:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (e *Engine) poll(ctx context.Context) (int, bool) {
	res, err := e.cmd.SendCommand(ctx, e.cfg.ReconcileCommand)
	if err != nil {
		if !errors.Is(err, console.ErrNotReady) && ctx.Err() == nil {
			log.Printf("Warning: reconciliation poll %q failed: %v", e.cfg.ReconcileCommand, err)
		}
		return 0, false
	}
	if res.TimedOut {
		return 0, false
	}
	n, ok := console.ParsePlayerCount(res.Output)
	if !ok {
		log.Printf("Warning: reconciliation poll %q returned no player count", e.cfg.ReconcileCommand)
	}
	return n, ok
}
