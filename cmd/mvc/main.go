package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/limb-lab/mvc/pkg/client"
	"github.com/limb-lab/mvc/pkg/store"
)

var (
	logLevel       = "info"
	unixSocketPath = "/tmp/mvc.sock"
	configPath     = ""
)

var apiClient = client.NewClient(unixSocketPath)

var (
	gSession      = "Session:"
	gData         = "Data:"
	commandGroups = []string{
		gSession,
		gData,
	}
)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.TimeOnly,
		})
	}

	return nil
}

func handleCmdError(err error) {
	switch {
	case errors.Is(err, client.ErrDaemonNotRunning):
		fmt.Fprintln(os.Stderr, "\nError: no session is running")
		fmt.Fprintf(os.Stderr, "Start one with 'mvc run', or point --socket at it (currently %s).\n", unixSocketPath)
	case errors.Is(err, client.ErrPermissionDenied):
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or restart the session with the '--allow-non-root-access' flag")
	case errors.Is(err, store.ErrNotFound):
		fmt.Fprintln(os.Stderr, "\nError: nothing archived for that query")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mvc",
		Short: "mvc records maximum voluntary contraction trials from a force sensor",
		Long: `mvc records maximum voluntary contraction (MVC) trials from a force sensor.

A session runs a fixed number of trials of rest, contraction and cooldown,
establishes the MVC reference from the calibration trials and reports every
trial peak as a percentage of it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			if err := setupLogger(); err != nil {
				return err
			}
			apiClient = client.NewClient(unixSocketPath)
			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVarP(&configPath, "config", "c", configPath, "config file path (.json, .yaml or .yml)")
	globalFlags.StringVar(&unixSocketPath, "socket", unixSocketPath, "unix socket of the running session")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewRunCommand(),
		NewStatusCommand(),
		NewStopCommand(),
		NewResultsCommand(),
		NewWatchCommand(),
		NewReferenceCommand(),
		NewSessionsCommand(),
		NewExportCommand(),
		NewVersionCommand(),
	)

	return cmd
}
