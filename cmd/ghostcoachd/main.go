// Ghost Coach daemon - the always-on decision engine.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ghostcoach/ghostcoach/internal/api"
	"github.com/ghostcoach/ghostcoach/internal/backend"
	"github.com/ghostcoach/ghostcoach/internal/calendar"
	"github.com/ghostcoach/ghostcoach/internal/companion"
	"github.com/ghostcoach/ghostcoach/internal/config"
	"github.com/ghostcoach/ghostcoach/internal/cycle"
	"github.com/ghostcoach/ghostcoach/internal/health"
	"github.com/ghostcoach/ghostcoach/internal/identity"
	"github.com/ghostcoach/ghostcoach/internal/logging"
	"github.com/ghostcoach/ghostcoach/internal/notify"
	"github.com/ghostcoach/ghostcoach/internal/opqueue"
	"github.com/ghostcoach/ghostcoach/internal/phenome"
	"github.com/ghostcoach/ghostcoach/internal/receipts"
	"github.com/ghostcoach/ghostcoach/internal/storage"
	"github.com/ghostcoach/ghostcoach/internal/trust"
	"github.com/ghostcoach/ghostcoach/internal/wake"
)

var version = "0.1.0"

var (
	configPath string
	dataDir    string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ghostcoachd",
		Short: "Ghost Coach daemon - autonomous training scheduling",
		RunE:  runDaemon,
	}

	rootCmd.Flags().StringVar(&configPath, "config", "", "Config file path")
	rootCmd.Flags().StringVar(&dataDir, "data-dir", "", "Data directory (overrides config)")
	rootCmd.Flags().IntVar(&port, "port", 0, "API port (overrides config)")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runDaemon(cmd *cobra.Command, args []string) error {
	godotenv.Load()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	logging.SetLevel(logging.ParseLevel(cfg.LogLevel))
	loc := cfg.Location()

	fmt.Println("👻 Starting Ghost Coach...")

	db, err := storage.Open(storage.Config{Path: storage.DefaultPath(cfg.DataDir)})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	if err := db.Migrate(); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	// Receipts first: everything else records into them
	recStore := receipts.NewStore(db.Conn())
	recorder := receipts.NewRecorder(recStore)

	trustStore := trust.NewStore(db.Conn(), recorder)
	phenomeStore := phenome.NewStore(db.Conn())
	blocks := calendar.NewBlockStore(db.Conn())

	// Calendar provider, if connected
	var provider calendar.Provider
	tokenPath := cfg.Calendar.TokenFile
	if tokenPath == "" {
		tokenPath = filepath.Join(cfg.DataDir, "calendar_token.json")
	}
	if token, err := calendar.LoadToken(tokenPath); err == nil {
		oauthClient := calendar.NewOAuthClient(calendar.DefaultOAuthConfig())
		gp, err := calendar.NewGoogleProvider(cmd.Context(), oauthClient, token)
		if err != nil {
			fmt.Printf("⚠️  Calendar connection failed: %v\n", err)
		} else {
			provider = gp
			fmt.Println("📅 Google Calendar connected")
		}
	} else {
		fmt.Println("📅 No calendar token - run 'ghost connect-calendar' to link one")
	}

	scheduler := calendar.NewScheduler(provider, blocks, recorder, calendar.Config{
		GhostCalendar:    cfg.Calendar.GhostCalendar,
		ShadowCalendarID: cfg.Calendar.ShadowCalendarID,
		Buffer:           time.Duration(cfg.Calendar.BufferMinutes) * time.Minute,
		SacredWindows:    cfg.Calendar.SacredWindows,
		Location:         loc,
	})

	governor := notify.NewGovernor(db.Conn(), logChannel{}, recorder, notify.Config{
		Location:   loc,
		QuietHours: cfg.Notifications.QuietHours,
		QuietStart: cfg.Notifications.QuietStart,
		QuietEnd:   cfg.Notifications.QuietEnd,
	})

	queue := opqueue.NewQueue(db.Conn(), recorder)
	queue.SetMaxRetries(cfg.Backend.MaxRetries)

	// Device identity unlocks non-interactively from the environment.
	// The backend signs receipt exports with it and the companion hub
	// needs it for pairing; both degrade gracefully without it.
	id := unlockIdentity(db)

	var backendClient *backend.Client
	if cfg.Backend.URL != "" {
		backendClient = backend.New(backend.Config{
			URL:   cfg.Backend.URL,
			Token: cfg.Backend.Token,
		}, queue)
		queue.SetProbe(backendClient.Online)
		if id != nil {
			backendClient.SetSigner(id.Device.ID, id.Keys.Sign)
		}
		fmt.Printf("☁️  Backend sync to %s\n", cfg.Backend.URL)
	} else {
		fmt.Println("☁️  No backend configured - running fully local")
	}

	// Health signals arrive through the shortcut ingress on the API;
	// a native provider slots in here when one exists for the platform.
	ingestor := health.NewIngestor(nil, phenomeStore)

	var hub *companion.Hub
	if cfg.Companion.Enabled {
		hub = setupCompanionHub(cfg, db, id, phenomeStore, blocks, trustStore)
	}

	orch := cycle.New(cycle.Config{
		Location:            loc,
		MorningAt:           cfg.Cycles.MorningAt,
		EveningAt:           cfg.Cycles.EveningAt,
		WeeklyDay:           parseWeekday(cfg.Cycles.WeeklyDay),
		Budget:              time.Duration(cfg.Cycles.BudgetSeconds) * time.Second,
		ConsolidationBudget: time.Duration(cfg.Cycles.ConsolidationBudgetSeconds) * time.Second,
		WeeklyTarget:        cfg.Training.WeeklyTarget,
		BlockDuration:       time.Duration(cfg.Training.DurationMinutes) * time.Minute,
		Window:              cfg.Training.Window,
		PreferredTypes:      cfg.Training.PreferredTypes,
		RestWeekday:         cfg.Training.RestWeekday,
		ShadowSync:          cfg.Features.ShadowSync,
		ReceiptDays:         cfg.Retention.ReceiptDays,
		SignalDays:          cfg.Retention.SignalDays,
	}, cycle.Deps{
		Phenome:  phenomeStore,
		Health:   ingestor,
		Calendar: scheduler,
		Trust:    trustStore,
		Governor: governor,
		Backend:  backendClient,
		Recorder: recorder,
		Runs:     cycle.NewRunStore(db.Conn()),
		Pusher:   pusherOrNil(hub),
	})

	wakeSched := wake.NewScheduler(loc)
	if err := orch.RegisterWakes(wakeSched); err != nil {
		return fmt.Errorf("failed to register cycles: %w", err)
	}
	if err := wakeSched.Start(); err != nil {
		return fmt.Errorf("failed to start wake scheduler: %w", err)
	}
	fmt.Printf("⏰ Cycles armed: morning %s, evening %s, weekly %s\n",
		cfg.Cycles.MorningAt, cfg.Cycles.EveningAt, cfg.Cycles.WeeklyDay)

	server := api.New(api.Config{
		Port:     cfg.Server.Port,
		Host:     cfg.Server.Host,
		Location: loc,
		Version:  version,
		Trust:    trustStore,
		Receipts: recStore,
		Phenome:  phenomeStore,
		Calendar: scheduler,
		Governor: governor,
		Queue:    queue,
		Backend:  backendClient,
		Orch:     orch,
		Hub:      hub,
	})

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		fmt.Println("\n🛑 Shutting down...")
		wakeSched.Stop()
		if hub != nil {
			hub.Stop()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Stop(ctx)
	}()

	fmt.Printf("🌐 API listening on http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	return server.Start()
}

// unlockIdentity decrypts the device keys with the passphrase from the
// environment. Returns nil when no passphrase is set or unlock fails;
// signing and pairing are simply unavailable then.
func unlockIdentity(db *storage.DB) *identity.Identity {
	passphrase := os.Getenv("GHOSTCOACH_PASSPHRASE")
	if passphrase == "" {
		return nil
	}
	mgr := identity.NewManager(identity.NewStore(db.Conn()))
	id, err := mgr.Unlock(passphrase)
	if err != nil {
		fmt.Printf("⚠️  Could not unlock device identity: %v\n", err)
		return nil
	}
	return id
}

// setupCompanionHub starts the wearable sync hub when the device
// identity is unlocked.
func setupCompanionHub(cfg *config.Config, db *storage.DB, id *identity.Identity, phenomeStore *phenome.Store, blocks *calendar.BlockStore, trustStore *trust.Store) *companion.Hub {
	if id == nil {
		fmt.Println("⌚ Companion sync enabled but device identity is locked - set GHOSTCOACH_PASSPHRASE")
		return nil
	}

	hub := companion.NewHub(companion.HubConfig{
		DeviceID: id.Device.ID,
		Keys:     id.Keys,
		Pairs:    companion.NewPairStore(db.Conn()),
		Phenome:  phenomeStore,
		Blocks:   blocks,
		Trust:    trustStore,
	})
	if err := hub.Start(cfg.Companion.ListenAddr); err != nil {
		fmt.Printf("⚠️  Companion hub failed to start: %v\n", err)
		return nil
	}
	fmt.Printf("⌚ Companion hub on %s\n", cfg.Companion.ListenAddr)
	return hub
}

// pusherOrNil avoids handing the orchestrator a typed nil interface.
func pusherOrNil(hub *companion.Hub) cycle.StatePusher {
	if hub == nil {
		return nil
	}
	return hub
}

func parseWeekday(name string) time.Weekday {
	switch strings.ToLower(name) {
	case "monday":
		return time.Monday
	case "tuesday":
		return time.Tuesday
	case "wednesday":
		return time.Wednesday
	case "thursday":
		return time.Thursday
	case "friday":
		return time.Friday
	case "saturday":
		return time.Saturday
	default:
		return time.Sunday
	}
}

// logChannel is the delivery fallback until a platform notifier is
// wired in: decisions land in the daemon log and the notification log
// table, which the shortcut layer polls.
type logChannel struct{}

func (logChannel) Deliver(ctx context.Context, req notify.Request) error {
	logging.WithField("priority", int(req.Priority)).Info("notify: %s - %s", req.Title, req.Body)
	return nil
}
