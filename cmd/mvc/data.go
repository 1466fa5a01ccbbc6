package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/limb-lab/mvc/pkg/normalize"
	"github.com/limb-lab/mvc/pkg/recorder"
)

func NewReferenceCommand() *cobra.Command {
	var subject, motion string

	cmd := &cobra.Command{
		Use:     "reference",
		GroupID: gData,
		Short:   "Print the last MVC reference of a subject and its target levels",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if !f.Changed("subject") {
				subject = conf.Subject()
			}
			if !f.Changed("motion") {
				motion = conf.Motion()
			}

			st, err := openStore(conf)
			if err != nil {
				return err
			}
			defer st.Close()

			rec, err := st.LastReference(subject, motion)
			if err != nil {
				return err
			}
			targets, err := normalize.Targets(rec.Reference(), conf.TargetPercents())
			if err != nil {
				return err
			}

			label := rec.Subject
			if rec.Motion != "" {
				label += " / " + rec.Motion
			}
			cmd.Println(bold("MVC reference of %s:", label))
			cmd.Printf("  Value: %s\n", bold("%s", formatValue(rec.Value)))
			cmd.Printf("  From trials: %v of session %s\n", rec.Trials, rec.SessionID)
			cmd.Printf("  Recorded: %s\n", rec.RecordedAt.Local().Format(time.DateTime))
			cmd.Println(bold("Target levels:"))
			for _, t := range targets {
				cmd.Printf("  %3g%%: %s\n", t.Percent, formatValue(t.Force))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "participant ID (default from config)")
	cmd.Flags().StringVarP(&motion, "motion", "m", "", "motion label (default from config)")

	return cmd
}

func NewSessionsCommand() *cobra.Command {
	var subject string

	cmd := &cobra.Command{
		Use:     "sessions",
		GroupID: gData,
		Short:   "List archived sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			st, err := openStore(conf)
			if err != nil {
				return err
			}
			defer st.Close()

			infos, err := st.ListSessions(subject)
			if err != nil {
				return err
			}
			if len(infos) == 0 {
				cmd.Println("No archived sessions.")
				return nil
			}
			cmd.Printf("%-36s  %-19s  %-12s  %-14s  %-16s  %s\n", "ID", "Started", "Subject", "Motion", "State", "Reference")
			for _, i := range infos {
				cmd.Printf("%-36s  %-19s  %-12s  %-14s  %-16s  %s\n",
					i.ID, i.StartedAt.Local().Format(time.DateTime), i.Subject, i.Motion, i.State, optValue(i.Reference, ""))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&subject, "subject", "s", "", "only list sessions of this participant")

	return cmd
}

func NewExportCommand() *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:     "export [session id]",
		GroupID: gData,
		Short:   "Export an archived session to CSV and JSON",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			if outputDir == "" {
				outputDir = conf.OutputDir()
			}

			st, err := openStore(conf)
			if err != nil {
				return err
			}
			defer st.Close()

			sum, err := st.LoadSession(args[0])
			if err != nil {
				return fmt.Errorf("failed to load session %s: %w", args[0], err)
			}
			files, err := recorder.ExportDir(outputDir, sum.FileBase(), sum.Data)
			if err != nil {
				return err
			}
			for _, p := range []string{files.ResultsCSV, files.ResultsJSON, files.EventsCSV, files.SamplesCSV} {
				cmd.Println(p)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "export directory (default from config)")

	return cmd
}
