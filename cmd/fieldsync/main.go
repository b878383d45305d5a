package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/glog"

	"github.com/hpungsan/fieldsync/internal/config"
)

// Version is set via -ldflags at build time.
var Version = "dev"

// isTerminal returns true if stdin is a terminal (not piped).
func isTerminal() bool {
	stat, err := os.Stdin.Stat()
	if err != nil {
		return false
	}
	return (stat.Mode() & os.ModeCharDevice) != 0
}

// printBanner displays a friendly banner when run interactively without args.
func printBanner() {
	fmt.Println(`
   __ _     _     _
  / _(_)___| | __| |___ _  _ _ _  __
 |  _| / -_) |/ _' (_-<| || | ' \/ _|
 |_| |_\___|_|\__,_/__/ \_, |_||_\__|
                        |__/
  Shared fields with live presence and soft locks

  Usage: fieldsync <command> [options]
         fieldsync --help

  MCP server mode requires piped input.`)
}

// loadConfig merges ~/.fieldsync/config.json with the nearest repo config.
func loadConfig() (*config.Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("could not determine home directory: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("could not determine working directory: %w", err)
	}
	return config.LoadWithRepo(filepath.Join(homeDir, config.DirName), wd)
}

func main() {
	// glog writes files by default; the CLI logs to stderr only
	_ = flag.Set("logtostderr", "true")
	_ = flag.CommandLine.Parse(nil)
	defer glog.Flush()

	args := os.Args
	if len(args) < 2 {
		if isTerminal() {
			printBanner()
			return
		}
		// piped stdin without a command is an MCP client
		args = append(args, "mcp")
	}

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}

	app := newCLIApp(cfg)
	if err := app.Run(args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		glog.Flush()
		os.Exit(1)
	}
}
