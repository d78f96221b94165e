// Ghost Coach CLI - talk to the daemon, set up the machine.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ghostcoach/ghostcoach/internal/calendar"
	"github.com/ghostcoach/ghostcoach/internal/config"
	"github.com/ghostcoach/ghostcoach/internal/identity"
	"github.com/ghostcoach/ghostcoach/internal/storage"
)

var version = "0.1.0"

var (
	configPath string
	apiBase    string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "ghost",
		Short: "Ghost Coach - an autonomous training scheduler",
		Long: `Ghost Coach watches your recovery, plans your training week,
and earns the right to manage your calendar one kept promise
at a time. Every decision it makes leaves a receipt.`,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&apiBase, "api", "http://localhost:7437", "daemon API address")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(connectCalendarCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(trustCmd())
	rootCmd.AddCommand(recoveryCmd())
	rootCmd.AddCommand(blocksCmd())
	rootCmd.AddCommand(receiptsCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(queueCmd())
	rootCmd.AddCommand(pairCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// ----- API plumbing -----

func apiGet(path string, into interface{}) error {
	return apiDo(http.MethodGet, path, nil, into)
}

func apiPost(path string, body, into interface{}) error {
	return apiDo(http.MethodPost, path, body, into)
}

func apiDo(method, path string, body, into interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(method, apiBase+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon answered %s", resp.Status)
	}

	if into == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(into)
}

// ----- Setup -----

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the device identity and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			dbPath := storage.DefaultPath(cfg.DataDir)
			if _, err := os.Stat(dbPath); err == nil {
				fmt.Println("⚠️  Ghost Coach is already initialized.")
				fmt.Printf("   Data directory: %s\n", cfg.DataDir)
				return nil
			}

			fmt.Println("👻 Welcome to Ghost Coach.")
			fmt.Print("Device name (e.g. \"laptop\"): ")
			var name string
			fmt.Scanln(&name)
			if name == "" {
				name = "primary"
			}

			fmt.Print("Create a passphrase (min 8 chars): ")
			pass1, err := term.ReadPassword(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("failed to read passphrase: %w", err)
			}
			fmt.Println()
			if len(pass1) < 8 {
				return fmt.Errorf("passphrase must be at least 8 characters")
			}

			fmt.Print("Confirm passphrase: ")
			pass2, err := term.ReadPassword(int(os.Stdin.Fd()))
			if err != nil {
				return fmt.Errorf("failed to read passphrase: %w", err)
			}
			fmt.Println()
			if string(pass1) != string(pass2) {
				return fmt.Errorf("passphrases don't match")
			}

			fmt.Println("\n⏳ Creating database...")
			db, err := storage.Open(storage.Config{Path: dbPath})
			if err != nil {
				return fmt.Errorf("failed to create database: %w", err)
			}
			defer db.Close()

			if err := db.Migrate(); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Println("⏳ Generating device keys (Ed25519 + ML-KEM-768)...")
			mgr := identity.NewManager(identity.NewStore(db.Conn()))
			id, err := mgr.Create(name, string(pass1))
			if err != nil {
				return fmt.Errorf("failed to create identity: %w", err)
			}

			if err := cfg.Save(filepath.Join(cfg.DataDir, "config.json")); err != nil {
				return fmt.Errorf("failed to write config: %w", err)
			}

			fmt.Println("\n✅ Ghost Coach initialized.")
			fmt.Printf("   Device: %s (%s)\n", id.Device.Name, id.Device.ID)
			fmt.Printf("   Data: %s\n", cfg.DataDir)
			fmt.Println()
			fmt.Println("Next steps:")
			fmt.Println("   ghost connect-calendar   - link Google Calendar")
			fmt.Println("   ghostcoachd              - start the daemon")
			return nil
		},
	}
}

func connectCalendarCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect-calendar",
		Short: "Link a Google Calendar account",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			if !calendar.IsConfigured() {
				fmt.Println("❌ Google OAuth is not configured.")
				fmt.Println("   Set GOOGLE_CLIENT_ID and GOOGLE_CLIENT_SECRET and retry.")
				return nil
			}

			fmt.Println("🌐 Opening the Google consent flow...")
			client := calendar.NewOAuthClient(calendar.DefaultOAuthConfig())

			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
			defer cancel()
			token, err := client.StartFlow(ctx)
			if err != nil {
				return fmt.Errorf("oauth flow failed: %w", err)
			}

			tokenPath := cfg.Calendar.TokenFile
			if tokenPath == "" {
				tokenPath = filepath.Join(cfg.DataDir, "calendar_token.json")
			}
			if err := calendar.SaveToken(tokenPath, token); err != nil {
				return fmt.Errorf("failed to save token: %w", err)
			}

			fmt.Println("✅ Calendar linked. Restart the daemon to pick it up.")
			return nil
		},
	}
}

// ----- Daemon queries -----

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			var s map[string]interface{}
			if err := apiGet("/api/v1/status", &s); err != nil {
				return err
			}

			fmt.Println("👻 Ghost Coach")
			fmt.Println()
			fmt.Printf("   Version: %v (up %v)\n", s["version"], s["uptime"])
			if score, ok := s["trust_score"]; ok {
				fmt.Printf("   Trust: %.0f (%v)\n", score, s["trust_phase"])
			}
			if score, ok := s["recovery_score"]; ok {
				fmt.Printf("   Recovery: %.0f (%v)\n", score, s["recovery_level"])
			} else {
				fmt.Println("   Recovery: not scored yet today")
			}
			if s["calendar"] == true {
				fmt.Println("   Calendar: connected")
			} else {
				fmt.Println("   Calendar: not connected")
			}
			if online, ok := s["backend_online"]; ok {
				fmt.Printf("   Backend: online=%v, %v ops queued\n", online, s["queued_ops"])
			}
			fmt.Printf("   Companions: %v\n", s["companions"])
			return nil
		},
	}
}

func trustCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "trust",
		Short: "Show the trust ledger",
		RunE: func(cmd *cobra.Command, args []string) error {
			var state struct {
				Score              float64 `json:"score"`
				Phase              string  `json:"phase"`
				ConsecutiveDeletes int     `json:"consecutive_deletes"`
			}
			if err := apiGet("/api/v1/trust", &state); err != nil {
				return err
			}

			fmt.Printf("🤝 Trust: %.1f / 100 (%s)\n", state.Score, state.Phase)
			if state.ConsecutiveDeletes > 0 {
				fmt.Printf("   ⚠️  %d consecutive deletes\n", state.ConsecutiveDeletes)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "events",
		Short: "Recent trust events",
		RunE: func(cmd *cobra.Command, args []string) error {
			var events []struct {
				Kind       string    `json:"kind"`
				Delta      float64   `json:"delta"`
				ScoreAfter float64   `json:"score_after"`
				CreatedAt  time.Time `json:"created_at"`
			}
			if err := apiGet("/api/v1/trust/events?limit=15", &events); err != nil {
				return err
			}

			for _, e := range events {
				fmt.Printf("   %s  %-20s %+5.1f -> %.1f\n",
					e.CreatedAt.Format("01-02 15:04"), e.Kind, e.Delta, e.ScoreAfter)
			}
			return nil
		},
	})
	return cmd
}

func recoveryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recovery",
		Short: "Show today's recovery score",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Snapshot struct {
					Score      float64 `json:"score"`
					SleepDelta float64 `json:"sleep_delta"`
					HRVDelta   float64 `json:"hrv_delta"`
					RHRDelta   float64 `json:"rhr_delta"`
				} `json:"snapshot"`
				Level string `json:"level"`
			}
			if err := apiGet("/api/v1/recovery/today", &body); err != nil {
				return err
			}

			fmt.Printf("💤 Recovery: %.0f (%s)\n", body.Snapshot.Score, body.Level)
			fmt.Printf("   sleep %+.0f, hrv %+.0f, rhr %+.0f\n",
				body.Snapshot.SleepDelta, body.Snapshot.HRVDelta, body.Snapshot.RHRDelta)
			return nil
		},
	}
}

func blocksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "blocks",
		Short: "List upcoming training blocks",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			path := "/api/v1/blocks"
			if status != "" {
				path += "?status=" + status
			}

			var blocks []struct {
				ID     string    `json:"id"`
				Type   string    `json:"type"`
				Status string    `json:"status"`
				Origin string    `json:"origin"`
				Start  time.Time `json:"start"`
			}
			if err := apiGet(path, &blocks); err != nil {
				return err
			}
			if len(blocks) == 0 {
				fmt.Println("No blocks.")
				return nil
			}

			for _, b := range blocks {
				fmt.Printf("   %s  %-9s %-10s %-14s %s\n",
					b.Start.Format("Mon 01-02 15:04"), b.Type, b.Status, b.Origin, b.ID)
			}
			return nil
		},
	}
	cmd.Flags().String("status", "", "filter by status (proposed, scheduled, ...)")

	cmd.AddCommand(blockActionCmd("accept", "Accept a proposed block"))
	cmd.AddCommand(blockActionCmd("reject", "Reject a proposed block"))
	cmd.AddCommand(blockActionCmd("cancel", "Cancel a block"))
	return cmd
}

func blockActionCmd(action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " [block-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiPost("/api/v1/blocks/"+args[0]+"/"+action, nil, nil); err != nil {
				return err
			}
			fmt.Printf("✅ %sed\n", strings.TrimSuffix(action, "e"))
			return nil
		},
	}
}

func receiptsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "receipts",
		Short: "Show decision receipts",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			var recs []struct {
				Timestamp time.Time `json:"timestamp"`
				Action    string    `json:"action"`
				Actor     string    `json:"actor"`
				Outcome   string    `json:"outcome"`
				Reason    string    `json:"reason"`
			}
			if err := apiGet(fmt.Sprintf("/api/v1/receipts?limit=%d", limit), &recs); err != nil {
				return err
			}

			for _, r := range recs {
				line := fmt.Sprintf("   %s  %-18s %-7s %s",
					r.Timestamp.Format("01-02 15:04"), r.Action, r.Actor, r.Outcome)
				if r.Reason != "" {
					line += "  (" + r.Reason + ")"
				}
				fmt.Println(line)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "number of receipts")

	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Verify the receipt hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			var verdict struct {
				Valid bool   `json:"valid"`
				Error string `json:"error"`
			}
			if err := apiPost("/api/v1/receipts/verify", nil, &verdict); err != nil {
				return err
			}
			if verdict.Valid {
				fmt.Println("✅ Receipt chain intact.")
			} else {
				fmt.Printf("❌ Chain broken: %s\n", verdict.Error)
			}
			return nil
		},
	})
	return cmd
}

func cycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Decision cycle control",
	}
	cmd.AddCommand(&cobra.Command{
		Use:       "run [morning|evening|weekly|consolidation]",
		Short:     "Run a cycle now",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"morning", "evening", "weekly", "consolidation"},
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("⏳ Running %s cycle...\n", args[0])
			if err := apiPost("/api/v1/cycles/"+args[0]+"/run", nil, nil); err != nil {
				return err
			}
			fmt.Println("✅ Done. See 'ghost receipts' for what happened.")
			return nil
		},
	})
	return cmd
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the offline operation queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			var body struct {
				Length int `json:"length"`
				Ops    []struct {
					Endpoint   string `json:"endpoint"`
					RetryCount int    `json:"retry_count"`
				} `json:"ops"`
			}
			if err := apiGet("/api/v1/queue", &body); err != nil {
				return err
			}

			fmt.Printf("📮 %d queued operations\n", body.Length)
			for _, op := range body.Ops {
				fmt.Printf("   %s (retries: %d)\n", op.Endpoint, op.RetryCount)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "flush",
		Short: "Try to send queued operations now",
		RunE: func(cmd *cobra.Command, args []string) error {
			var result struct {
				Sent    int `json:"sent"`
				Retried int `json:"retried"`
				Dropped int `json:"dropped"`
			}
			if err := apiPost("/api/v1/queue/flush", nil, &result); err != nil {
				return err
			}
			fmt.Printf("✅ sent %d, retried %d, dropped %d\n", result.Sent, result.Retried, result.Dropped)
			return nil
		},
	})
	return cmd
}

func pairCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pair",
		Short: "Mint a companion pairing code",
		RunE: func(cmd *cobra.Command, args []string) error {
			var ticket struct {
				Code      string    `json:"code"`
				ExpiresAt time.Time `json:"expires_at"`
			}
			if err := apiPost("/api/v1/pair/ticket", nil, &ticket); err != nil {
				return err
			}
			fmt.Printf("⌚ Pairing code: %s\n", ticket.Code)
			fmt.Printf("   Enter it on the watch before %s.\n", ticket.ExpiresAt.Format("15:04:05"))
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Ghost Coach %s\n", version)
		},
	}
}
