// qbot - OneBot v11 chat-bot runtime
// License: MIT

package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/qbot-dev/qbot/pkg/bot"
	"github.com/qbot-dev/qbot/pkg/config"
	"github.com/qbot-dev/qbot/pkg/logger"
	"github.com/qbot-dev/qbot/pkg/scheduler"
	"github.com/qbot-dev/qbot/pkg/store"
)

const version = "0.1.0"
const logo = "🐧"

func main() {
	if len(os.Args) < 2 {
		printHelp()
		os.Exit(1)
	}

	if err := loadEnvNextTo(getConfigPath()); err != nil {
		fmt.Printf("Error loading .env: %v\n", err)
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "onboard", "init":
		onboard()
	case "run", "gateway":
		runCmd()
	case "console":
		consoleCmd()
	case "status":
		statusCmd()
	case "plugins":
		pluginsCmd()
	case "version", "--version", "-v":
		fmt.Printf("%s qbot v%s\n", logo, version)
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printHelp()
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Printf("%s qbot - OneBot chat bot v%s\n\n", logo, version)
	fmt.Println("Usage: qbot <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  onboard     Write a default configuration")
	fmt.Println("  run         Start the bot (alias: gateway, --debug for verbose logs)")
	fmt.Println("  console     Chat with the bot locally, without a OneBot backend")
	fmt.Println("  status      Show configuration and storage status")
	fmt.Println("  plugins     List plugins and whether they are enabled")
	fmt.Println("  version     Show version information")
}

func getConfigPath() string {
	if path := os.Getenv("QBOT_CONFIG"); path != "" {
		return path
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".qbot", "config.json")
}

// loadEnvNextTo loads the .env file in the config file's directory, if
// there is one.
func loadEnvNextTo(configPath string) error {
	err := loadEnvFile(filepath.Join(filepath.Dir(configPath), ".env"))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

func loadConfig() (*config.Config, error) {
	return config.LoadConfig(getConfigPath())
}

func hasFlag(names ...string) bool {
	for _, arg := range os.Args[2:] {
		for _, name := range names {
			if arg == name {
				return true
			}
		}
	}
	return false
}

func setupLogging(cfg *config.Config, debug bool) {
	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	if debug {
		logger.SetLevel(logger.DEBUG)
		fmt.Println("🔍 Debug mode enabled")
	}
	if cfg.Log.File != "" {
		if err := logger.EnableFileLogging(cfg.Log.File); err != nil {
			fmt.Printf("Error enabling file logging: %v\n", err)
		}
	}
}

func onboard() {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Print("Overwrite? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" {
			fmt.Println("Aborted.")
			return
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(configPath, cfg); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("%s qbot is ready!\n", logo)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your QQ id to bot.admin_ids in", configPath)
	fmt.Printf("  2. Point your OneBot backend's reverse WebSocket at ws://%s\n", cfg.ListenAddr())
	fmt.Println("  3. Start the bot: qbot run")
}

func runCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	setupLogging(cfg, hasFlag("--debug", "-d"))

	b, err := bot.New(cfg)
	if err != nil {
		fmt.Printf("Error creating bot: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := b.Start(ctx); err != nil {
		fmt.Printf("Error starting bot: %v\n", err)
		b.Stop()
		os.Exit(1)
	}

	switch cfg.OneBot.Mode {
	case config.ModeWS:
		fmt.Printf("✓ Connecting to %s\n", cfg.OneBot.WSUrl)
	default:
		fmt.Printf("✓ Listening on %s (%s)\n", cfg.ListenAddr(), cfg.OneBot.Mode)
	}
	fmt.Println("Press Ctrl+C to stop")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan

	logger.InfoCF("main", "Signal received", map[string]interface{}{
		"signal": sig.String(),
	})
	fmt.Println("\nShutting down...")
	forced, err := stopWithin(b.Stop, cfg.ShutdownTimeout()+time.Second, sigChan)
	if err != nil {
		fmt.Printf("⚠ Shutdown incomplete: %v\n", err)
	}
	if forced {
		fmt.Println("⚠ Forcing exit")
		os.Exit(0)
	}
	fmt.Println("✓ qbot stopped")
}

// stopWithin runs stop and gives up on it when the grace period passes or
// another signal arrives. forced reports that stop was abandoned.
func stopWithin(stop func() error, grace time.Duration, signals <-chan os.Signal) (forced bool, err error) {
	done := make(chan error, 1)
	go func() { done <- stop() }()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case err := <-done:
		return false, err
	case <-timer.C:
		logger.WarnCF("main", "Shutdown did not finish in time", map[string]interface{}{
			"grace": grace.String(),
		})
		return true, nil
	case sig := <-signals:
		logger.WarnCF("main", "Second signal received, forcing exit", map[string]interface{}{
			"signal": sig.String(),
		})
		return true, nil
	}
}

func statusCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		return
	}

	configPath := getConfigPath()
	fmt.Printf("%s qbot Status\n\n", logo)

	if _, err := os.Stat(configPath); err == nil {
		fmt.Println("Config:", configPath, "✓")
	} else {
		fmt.Println("Config:", configPath, "✗")
	}

	switch cfg.OneBot.Mode {
	case config.ModeWS:
		fmt.Printf("OneBot: %s -> %s\n", cfg.OneBot.Mode, cfg.OneBot.WSUrl)
	case config.ModeHTTP:
		fmt.Printf("OneBot: %s, events on %s, API %s\n", cfg.OneBot.Mode, cfg.ListenAddr(), cfg.OneBot.APIUrl)
	default:
		fmt.Printf("OneBot: %s on %s\n", cfg.OneBot.Mode, cfg.ListenAddr())
	}
	fmt.Printf("Queue: %d, workers: %d\n", cfg.Core.QueueCapacity, cfg.Core.Workers)

	if cfg.Schedule.SleepTime != "" {
		state := "awake"
		if !scheduler.InitialActive(time.Now(), cfg.Schedule.SleepTime, cfg.Schedule.WakeTime) {
			state = "asleep"
		}
		fmt.Printf("Sleep window: %s - %s (now %s)\n", cfg.Schedule.SleepTime, cfg.Schedule.WakeTime, state)
	} else {
		fmt.Println("Sleep window: disabled")
	}

	if admins := cfg.AdminIDs(); len(admins) > 0 {
		fmt.Printf("Admins: %v\n", admins)
	} else {
		fmt.Println("Admins: none (admin commands are disabled)")
	}

	dbPath := cfg.DatabasePath()
	if _, err := os.Stat(dbPath); err != nil {
		fmt.Println("Database:", dbPath, "✗")
		return
	}
	fmt.Println("Database:", dbPath, "✓")

	s, err := store.Open(dbPath)
	if err != nil {
		fmt.Printf("  Error opening database: %v\n", err)
		return
	}
	defer s.Close()

	ctx := context.Background()
	if n, err := s.CountMessages(ctx); err == nil {
		fmt.Printf("  Messages: %d\n", n)
	}
	if states, err := s.PluginStates(ctx); err == nil && len(states) > 0 {
		var parts []string
		for id, on := range states {
			mark := "✗"
			if on {
				mark = "✓"
			}
			parts = append(parts, id+" "+mark)
		}
		fmt.Printf("  Saved plugin states: %s\n", strings.Join(parts, ", "))
	}
}

func pluginsCmd() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger.SetLevel(logger.WARN)

	b, err := bot.New(cfg)
	if err != nil {
		fmt.Printf("Error creating bot: %v\n", err)
		os.Exit(1)
	}
	defer b.Stop()

	manager := b.Plugins()
	manager.LoadAll(context.Background(), cfg.EnabledPlugins())

	fmt.Println("Plugins (dispatch order):")
	for _, d := range manager.List() {
		mark := "✗"
		if d.Enabled {
			mark = "✓"
		}
		fmt.Printf("  %s %-10s v%-6s priority %-4d %s\n", mark, d.ID, d.Version, d.Priority, d.Description)
	}

	fmt.Println("\nCommands:")
	for _, c := range manager.Commands() {
		admin := ""
		if c.AdminOnly {
			admin = " (admin)"
		}
		fmt.Printf("  %-24s %s%s\n", c.Usage, c.Description, admin)
	}
}
