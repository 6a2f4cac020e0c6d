package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cidxlabs/cidx/pkg/bridge"
	"github.com/cidxlabs/cidx/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cidx-bridge",
	Short: "Bridge a stdio MCP client to a remote cidx server",
	Long: `cidx-bridge speaks JSON-RPC 2.0 over stdin/stdout and forwards each
request to a remote server over HTTPS, assembling streamed responses into
single replies. Stdout carries protocol traffic only; all logging goes to
stderr.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBridge,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cidx-bridge version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	rootCmd.Flags().Bool("diagnose", false, "print effective configuration and connectivity status, then exit")
	rootCmd.Flags().Bool("setup-credentials", false, "prompt for and store server credentials, then exit")
}

func runBridge(cmd *cobra.Command, args []string) error {
	dir := bridge.ConfigDir()
	creds := bridge.NewCredentialStore(dir)

	if setup, _ := cmd.Flags().GetBool("setup-credentials"); setup {
		return setupCredentials(creds)
	}

	cfg, err := bridge.LoadConfig(dir)
	if err != nil {
		return err
	}

	if diagnose, _ := cmd.Flags().GetBool("diagnose"); diagnose {
		bridge.Diagnose(cfg, creds, os.Stdout)
		return nil
	}

	if err := cfg.Validate(); err != nil {
		return err
	}

	// Stdout is reserved for JSON-RPC responses.
	level := log.Level(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		level = log.WarnLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: true, Output: os.Stderr})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	b := bridge.New(cfg, creds, os.Stdin, os.Stdout)
	return b.Run(ctx)
}

// setupCredentials prompts on the terminal and stores the result encrypted.
func setupCredentials(creds *bridge.CredentialStore) error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Fprint(os.Stderr, "Username: ")
	username, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return fmt.Errorf("username must not be empty")
	}

	var password string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprint(os.Stderr, "Password: ")
		raw, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return err
		}
		password = string(raw)
	} else {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		password = strings.TrimSpace(line)
	}
	if password == "" {
		return fmt.Errorf("password must not be empty")
	}

	if err := creds.Save(bridge.Credentials{Username: username, Password: password}); err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr, "Credentials stored.")
	return nil
}
