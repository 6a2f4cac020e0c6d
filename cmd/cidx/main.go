package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cidxlabs/cidx/pkg/log"
	"github.com/cidxlabs/cidx/pkg/proxy"
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
		os.Exit(2)
	}
}

var rootCmd = &cobra.Command{
	Use:   "cidx <command> [args...]",
	Short: "cidx - code indexing client",
	Long: `cidx runs indexing commands against one repository, or fans them out
across every repository discovered under a proxy root.`,
	Version: Version,
	Args:    cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return cmd.Help()
		}
		// Any command without a dedicated subcommand fans out (or runs
		// against the leaf repository) under its classified mode.
		os.Exit(dispatch(args[0], args[1:], 0))
		return nil
	},
	// Unknown flags belong to the fanned-out command, not to cidx itself.
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"cidx version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))
	log.Init(log.Config{Level: log.WarnLevel, JSONOutput: false, Output: os.Stderr})

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(watchCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the current directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		proxyMode, _ := cmd.Flags().GetBool("proxy-mode")
		if !proxyMode {
			return fmt.Errorf("only --proxy-mode initialization is supported here; configure repositories through the server API")
		}
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		cfg, err := proxy.Init(cwd)
		if err != nil {
			return err
		}
		fmt.Printf("Initialized proxy with %d repositories:\n", len(cfg.DiscoveredRepos))
		for _, r := range cfg.DiscoveredRepos {
			fmt.Printf("  %s\n", r)
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <terms...>",
	Short: "Semantic query across repositories",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		os.Exit(dispatch("query", args, limit))
		return nil
	},
}

var watchCmd = &cobra.Command{
	Use:   "watch [args...]",
	Short: "Watch repositories for changes",
	Args:  cobra.ArbitraryArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		os.Exit(dispatch("watch", args, 0))
		return nil
	},
}

func init() {
	initCmd.Flags().Bool("proxy-mode", false, "initialize as a proxy over the repositories below this directory")
	queryCmd.Flags().Int("limit", 0, "total result limit across all repositories (0 = unlimited)")
}
