package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
	"github.com/wrenholt/rookery/internal/update"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the rookery version",
	RunE:  runVersion,
}

var checkLatest bool

func init() {
	versionCmd.Flags().BoolVar(&checkLatest, "check", false, "Check GitHub for a newer release")
}

func runVersion(cmd *cobra.Command, args []string) error {
	fmt.Printf("rookery version %s\n", update.GetCurrentVersion())
	fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go version: %s\n", runtime.Version())

	if !checkLatest {
		printCachedHint()
		return nil
	}

	checker, err := update.NewChecker()
	if err != nil {
		return err
	}
	hasUpdate, latest, err := checker.CheckForUpdate()
	if err != nil {
		return fmt.Errorf("update check failed: %w", err)
	}
	if hasUpdate {
		fmt.Printf("\nNewer release available: %s\n", latest)
		fmt.Printf("  %s\n", checker.GetReleaseURL())
	} else {
		fmt.Println("\nUp to date")
	}
	return nil
}

// printCachedHint surfaces a newer release from the last check without
// touching the network. Best-effort: any problem just means no hint.
func printCachedHint() {
	checker, err := update.NewChecker()
	if err != nil {
		return
	}
	if checker.ShouldCheck() {
		// Cache is stale; an explicit --check refreshes it.
		return
	}
	current := strings.TrimPrefix(update.GetCurrentVersion(), "v")
	if strings.HasSuffix(current, "-dev") {
		return
	}
	if latest, ok := checker.GetCachedVersion(); ok && latest != current {
		fmt.Printf("\nNewer release available: %s (run with --check for details)\n", latest)
	}
}
