// Package cmd implements the alfred command line.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/alfred-project/alfred/internal/service"
)

// version is overridden at build time via -ldflags.
var version = "dev"

// onceString is a flag value that rejects being set twice, so
// `alfred -s a -s b` is a setup error instead of silently taking the last
// value.
type onceString struct {
	value string
	set   bool
}

func (o *onceString) String() string { return o.value }
func (o *onceString) Type() string   { return "string" }

func (o *onceString) Set(v string) error {
	if o.set {
		return errors.New("specified more than once")
	}
	o.set = true
	o.value = v
	return nil
}

var (
	storeFlag  onceString
	daemonFlag bool
)

var rootCmd = &cobra.Command{
	Use:   "alfred",
	Short: "State document service with role-projected HTTP and WebSocket access",
	Long: `Alfred holds a hierarchical JSON state document in memory, persists it
to a file, and serves role-projected views of it over HTTP and WebSocket.`,
	Args:    cobra.ArbitraryArgs,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			fmt.Fprintf(os.Stderr, "warning: ignoring extra arguments: %v\n", args)
		}
		storePath, err := service.FindStorePath(storeFlag.value)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return service.Run(ctx, service.Options{
			StorePath: storePath,
			Daemon:    daemonFlag,
			Version:   version,
		})
	},
}

func init() {
	rootCmd.Flags().VarP(&storeFlag, "store", "s", "path to the store file")
	rootCmd.Flags().BoolVarP(&daemonFlag, "daemon", "d", false, "log to the configured LogFile instead of stderr")
	// Usage noise is for flag mistakes; runtime failures only print the error.
	rootCmd.SilenceUsage = true
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
