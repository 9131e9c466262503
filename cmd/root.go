// Package cmd defines the CLI commands for the gallery-crawler executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// exitError carries a process exit status out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gallery-crawler",
		Short: "Recursively crawls a paginated photo gallery and stores its images.",
		Long: `gallery-crawler walks a gallery site's listing pages, follows album links and
pagination, and stores every image it finds once per distinct content hash.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML, TOML or JSON)")
	cmd.AddCommand(newCrawlCmd())
	return cmd
}

// Execute is the main entry point.
func Execute() {
	err := newRootCmd().ExecuteContext(context.Background())
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, "gallery-crawler:", err)
	var exitErr *exitError
	if errors.As(err, &exitErr) && exitErr.code > 0 {
		os.Exit(exitErr.code)
	}
	os.Exit(1)
}
