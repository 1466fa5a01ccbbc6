package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/limb-lab/mvc/pkg/config"
	"github.com/limb-lab/mvc/pkg/events"
	"github.com/limb-lab/mvc/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
			if v, err := apiClient.GetVersion(); err == nil && v != version.Version {
				logrus.WithFields(logrus.Fields{
					"clientVersion":  version.Version,
					"sessionVersion": v,
				}).Warn("the running session is a different version")
			}
		},
	}
}

func NewStatusCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gSession,
		Short:   "Get the status of the running session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return err
			}

			if asJSON {
				b, err := json.MarshalIndent(st, "", "  ")
				if err != nil {
					return err
				}
				cmd.Println(string(b))
				return nil
			}

			cmd.Println(bold("Session %s:", st.ID))
			cmd.Printf("  Subject: %s\n", st.Subject)
			if st.Motion != "" {
				cmd.Printf("  Motion: %s\n", st.Motion)
			}
			cmd.Printf("  State: %s\n", stateText(st.State))
			if !st.State.Terminal() && st.TrialIndex > 0 {
				cmd.Printf("  Trial: %s\n", bold("%d/%d", st.TrialIndex, st.TrialCount))
				cmd.Printf("  Phase remaining: %.1fs\n", st.PhaseRemaining)
			}
			if st.AbortReason != "" {
				cmd.Printf("  Abort reason: %s\n", st.AbortReason)
			}
			cmd.Printf("  Completed trials: %d\n", st.CompletedTrials)
			cmd.Printf("  Samples captured: %d\n", st.SamplesCaptured)
			cmd.Printf("  Elapsed: %.1fs\n", st.Elapsed)
			cmd.Printf("  MVC reference: %s\n", optValue(st.Reference, ""))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the status as JSON")

	return cmd
}

func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "stop",
		GroupID: gSession,
		Short:   "Abort the running session",
		Long: `Abort the running session.

Data captured so far is kept and exported by the running 'mvc run'.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.Stop()
			if err != nil {
				return err
			}
			logrus.Infof("session responded: %s", ret)
			return nil
		},
	}
}

func NewResultsCommand() *cobra.Command {
	var asCSV bool

	cmd := &cobra.Command{
		Use:     "results",
		GroupID: gSession,
		Short:   "Print the results of the running session so far",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if asCSV {
				csv, err := apiClient.GetResultsCSV()
				if err != nil {
					return err
				}
				cmd.Print(csv)
				return nil
			}

			recs, err := apiClient.GetResults()
			if err != nil {
				return err
			}
			printRecords(cmd, recs)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asCSV, "csv", false, "print the row export as CSV")

	return cmd
}

func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		GroupID: gSession,
		Short:   "Follow the cues of the running session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			cues := newCueView(cmd.OutOrStdout(), st.TrialCount)
			err = apiClient.SubscribeEvents(ctx, func(ev events.Event) error {
				cues.Handle(ev)
				return nil
			})
			cues.endLine()
			if err != nil {
				return fmt.Errorf("event stream ended: %w", err)
			}
			return nil
		},
	}
}

// loadConfig reads --config for the commands that work on the archive.
func loadConfig() (*config.File, error) {
	return config.NewFile(configPath)
}
