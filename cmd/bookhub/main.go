// Package main provides the CLI entrypoint for bookhub.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mgalindo/bookhub/internal/config"
	"github.com/mgalindo/bookhub/internal/entity"
	"github.com/mgalindo/bookhub/internal/logger"
	"github.com/mgalindo/bookhub/internal/mirror"
	"github.com/mgalindo/bookhub/internal/schedule"
	"github.com/mgalindo/bookhub/internal/store"
	"github.com/mgalindo/bookhub/internal/sync"
	"github.com/mgalindo/bookhub/internal/webhook"
	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bookhub",
	Short: "Sync a booking sheet into a local cache and work against it",
	Long: `bookhub keeps a local cache of clients, bookings and schedule entries
in sync with a spreadsheet-backed webhook, and answers scheduling
questions (conflicts, suggested dates, search) from the cache.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync engine until interrupted",
	Long: `Run the background sync loops: periodic full pull cycles against the
webhook and periodic drains of the write-back queue. Press Ctrl+C to stop.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle and drain pending writes",
	Args:  cobra.NoArgs,
	RunE:  runSync,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show last sync times, dirty rows and recent sync log entries",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var suggestCmd = &cobra.Command{
	Use:   "suggest",
	Short: "Suggest the least-loaded upcoming dates for a new booking",
	Args:  cobra.NoArgs,
	RunE:  runSuggest,
}

var searchCmd = &cobra.Command{
	Use:   "search <term>",
	Short: "Full-text search across the cached tables",
	Args:  cobra.ExactArgs(1),
	RunE:  runSearch,
}

var (
	suggestWeekday string
	suggestHorizon int
	suggestTopK    int
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath(), "config file path")

	suggestCmd.Flags().StringVar(&suggestWeekday, "weekday", "", "restrict suggestions to one weekday (e.g. monday)")
	suggestCmd.Flags().IntVar(&suggestHorizon, "horizon", 0, "days to scan forward (default from config)")
	suggestCmd.Flags().IntVar(&suggestTopK, "top", 0, "number of suggestions (default from config)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(searchCmd)
}

// loadConfig loads and validates the config file.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config %s: %w", configPath, err)
	}
	return cfg, nil
}

// openStore opens the cache database, creating its directory if needed.
func openStore(cfg config.Config) (*store.DB, error) {
	if dir := filepath.Dir(cfg.CachePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}
	return store.Open(cfg.CachePath, entity.Specs())
}

// buildEngine wires the full sync stack from the config.
func buildEngine(cfg config.Config, db *store.DB) *sync.Engine {
	client := webhook.NewWithTimeout(cfg.WebhookURL, cfg.Token, cfg.RequestTimeout())

	var exporter mirror.Exporter
	if cfg.MirrorPath != "" {
		exporter = mirror.NewFileExporter(cfg.MirrorPath)
	}

	return sync.NewEngine(db, client, exporter, entity.Specs(), sync.Options{
		SyncInterval:    cfg.SyncInterval(),
		DrainInterval:   cfg.DrainInterval(),
		TombstoneMaxAge: cfg.TombstoneMaxAge(),
	})
}

func setupLogging(cfg config.Config) error {
	if cfg.LogLevel != "" {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
	}
	if cfg.LogFile != "" {
		return logger.SetLogFile(cfg.LogFile)
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	// 1. Load and validate config
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 2. Configure logging
	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	// 3. Open the cache
	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer db.Close()
	fmt.Printf("cache open at %s\n", cfg.CachePath)

	// 4. Wire the engine
	engine := buildEngine(cfg, db)

	// 5. Forward engine events to the log
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-engine.Events().C():
				logger.Info("%s", formatEvent(ev))
			}
		}
	}()

	// 6. Start the loops (the initial cycle runs immediately)
	engine.Start(ctx)
	fmt.Printf("syncing %s every %s\n", cfg.WebhookURL, cfg.SyncInterval())
	fmt.Println("press Ctrl+C to stop")

	// 7. Wait for interrupt
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	// 8. Shut down: stop loops, flush pending writes once more
	fmt.Println("stopping...")
	engine.Stop()
	engine.DrainWrites(context.Background())
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := setupLogging(cfg); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer db.Close()

	engine := buildEngine(cfg, db)
	ctx := context.Background()

	if err := engine.RunCycle(ctx); err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	engine.DrainWrites(ctx)

	for _, ev := range engine.Events().Drain() {
		fmt.Println(formatEvent(ev))
	}
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer db.Close()

	lastByTable, err := db.LastSuccessfulSyncAll()
	if err != nil {
		return fmt.Errorf("failed to read sync log: %w", err)
	}

	for _, spec := range entity.Specs() {
		rows, err := db.FetchAll(spec)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", spec.Table, err)
		}
		dirty, err := db.DirtyRows(spec)
		if err != nil {
			return fmt.Errorf("failed to read dirty %s rows: %w", spec.Table, err)
		}
		fmt.Printf("%-10s %4d rows, %d dirty, last sync %s\n",
			spec.Table, len(rows), len(dirty), formatAge(lastByTable[spec.Table]))
	}

	recent, err := db.RecentSyncLog(5)
	if err != nil {
		return fmt.Errorf("failed to read sync log: %w", err)
	}
	if len(recent) > 0 {
		fmt.Println("\nrecent sync activity:")
		for _, e := range recent {
			line := fmt.Sprintf("  %s %-10s %-4s %-6s %d records",
				e.Timestamp.Format("2006-01-02 15:04:05"), e.Table, e.Direction, e.Status, e.RecordsAffected)
			if e.Error != "" {
				line += " (" + e.Error + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}

func runSuggest(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer db.Close()

	clients, err := db.FetchAll(entity.Clients())
	if err != nil {
		return fmt.Errorf("failed to read clients: %w", err)
	}
	bookings, err := db.FetchAll(entity.Bookings())
	if err != nil {
		return fmt.Errorf("failed to read bookings: %w", err)
	}
	scheduled, err := db.FetchAll(entity.Schedule())
	if err != nil {
		return fmt.Errorf("failed to read schedule: %w", err)
	}

	opts := schedule.SuggestOptions{
		Horizon:      cfg.Schedule.SuggestHorizonDays,
		TopK:         cfg.Schedule.SuggestTopK,
		SkipWeekdays: cfg.Schedule.SkipWeekdays,
		Preferred:    schedule.AnyWeekday,
	}
	if suggestHorizon > 0 {
		opts.Horizon = suggestHorizon
	}
	if suggestTopK > 0 {
		opts.TopK = suggestTopK
	}
	if suggestWeekday != "" {
		wd, err := parseWeekday(suggestWeekday)
		if err != nil {
			return err
		}
		opts.Preferred = wd
	}

	suggestions := schedule.SuggestDates(
		time.Now(),
		schedule.EntriesFromBookings(bookings),
		schedule.EntriesFromSchedule(scheduled),
		schedule.RulesFromClients(clients),
		schedule.Config{MaxPerDay: cfg.Schedule.MaxPerDay, MinGap: cfg.MinGap()},
		opts,
	)
	if len(suggestions) == 0 {
		fmt.Println("no free dates in the scanned range")
		return nil
	}
	for _, s := range suggestions {
		line := fmt.Sprintf("%s %-9s %d booked", s.Date, s.Weekday, s.Booked)
		if s.Remaining >= 0 {
			line += fmt.Sprintf(", %d free", s.Remaining)
		}
		fmt.Println(line)
	}
	return nil
}

func runSearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := openStore(cfg)
	if err != nil {
		return fmt.Errorf("failed to open cache: %w", err)
	}
	defer db.Close()

	hits, err := db.Search(args[0])
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}
	if len(hits) == 0 {
		fmt.Println("no matches")
		return nil
	}
	for _, h := range hits {
		fmt.Printf("%-10s %s\n", h.Table, h.Key)
	}
	return nil
}

// parseWeekday maps a weekday name or Sunday-based ordinal to an ordinal.
func parseWeekday(s string) (int, error) {
	names := map[string]int{
		"sunday": 0, "sun": 0,
		"monday": 1, "mon": 1,
		"tuesday": 2, "tue": 2,
		"wednesday": 3, "wed": 3,
		"thursday": 4, "thu": 4,
		"friday": 5, "fri": 5,
		"saturday": 6, "sat": 6,
	}
	key := strings.ToLower(strings.TrimSpace(s))
	if n, ok := names[key]; ok {
		return n, nil
	}
	if n, err := strconv.Atoi(key); err == nil && n >= 0 && n <= 6 {
		return n, nil
	}
	return 0, fmt.Errorf("invalid weekday %q", s)
}

// formatAge renders a sync timestamp as a rounded age, or "never".
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t)
	if age < 0 {
		age = 0
	}
	return age.Round(time.Second).String() + " ago"
}

// formatEvent renders one engine event as a log line.
func formatEvent(ev sync.Event) string {
	switch ev.Kind {
	case sync.EventSyncStarted:
		return "sync started"
	case sync.EventSyncProgress:
		return fmt.Sprintf("synced %s (%d records)", ev.Table, ev.Count)
	case sync.EventSyncComplete:
		return "sync complete"
	case sync.EventSyncError:
		return "sync error: " + ev.Message
	case sync.EventTableUpdated:
		return fmt.Sprintf("%s updated", ev.Table)
	case sync.EventWriteSynced:
		return fmt.Sprintf("write %s delivered", ev.Action)
	case sync.EventOnlineStatus:
		if ev.Online {
			return "back online"
		}
		return "offline"
	case sync.EventNewRecords:
		return fmt.Sprintf("%d new %s: %s", ev.Count, ev.Table, strings.Join(ev.Items, ", "))
	default:
		return string(ev.Kind)
	}
}
