package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/limb-lab/mvc/pkg/config"
	"github.com/limb-lab/mvc/pkg/publish"
	"github.com/limb-lab/mvc/pkg/recorder"
	"github.com/limb-lab/mvc/pkg/sensor"
	"github.com/limb-lab/mvc/pkg/server"
	"github.com/limb-lab/mvc/pkg/session"
	"github.com/limb-lab/mvc/pkg/store"
	"github.com/limb-lab/mvc/pkg/version"
)

type runOptions struct {
	tcpAddr      string
	allowNonRoot bool
	noCues       bool
	noArchive    bool
}

// NewRunCommand .
func NewRunCommand() *cobra.Command {
	var (
		o           runOptions
		subject     string
		motion      string
		outputDir   string
		sensorKind  string
		sensorPort  string
		trials      int
		rest        float64
		contraction float64
		cooldown    float64
		rate        float64
		calibration []int
		saveConfig  bool
	)

	cmd := &cobra.Command{
		Use:     "run",
		Short:   "Run an acquisition session in the foreground",
		GroupID: gSession,
		Long: `Run an acquisition session in the foreground.

Flags override the values of the config file. While the session runs, its
control API is served on --socket, so 'mvc status', 'mvc stop' and 'mvc
results' work from another terminal. Results are exported to the output
directory when the session ends, also when it is aborted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			f := cmd.Flags()
			if f.Changed("subject") {
				conf.SetSubject(subject)
			}
			if f.Changed("motion") {
				conf.SetMotion(motion)
			}
			if f.Changed("output") {
				conf.SetOutputDir(outputDir)
			}
			if f.Changed("sensor") {
				conf.SetSensorKind(sensor.Kind(sensorKind))
			}
			if f.Changed("port") {
				conf.SetSensorPort(sensorPort)
			}
			if f.Changed("trials") {
				conf.SetTrials(trials)
			}
			if f.Changed("rest") {
				conf.SetRestSeconds(rest)
			}
			if f.Changed("contraction") {
				conf.SetContractionSeconds(contraction)
			}
			if f.Changed("cooldown") {
				conf.SetCooldownSeconds(cooldown)
			}
			if f.Changed("rate") {
				conf.SetSampleRateHz(rate)
			}
			if f.Changed("calibration") {
				conf.SetCalibrationTrials(calibration)
			}

			if err := conf.Validate(); err != nil {
				return err
			}
			logrus.WithFields(conf.LogrusFields()).Info("config loaded")

			if saveConfig {
				if err := conf.Save(); err != nil {
					return err
				}
				logrus.Infof("config saved to %s", configPath)
			}

			return runSession(cmd, conf, o)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&subject, "subject", "s", "", "participant ID")
	f.StringVarP(&motion, "motion", "m", "", "motion label, e.g. grip, index-pinch")
	f.StringVarP(&outputDir, "output", "o", "", "export directory")
	f.StringVar(&sensorKind, "sensor", "", "force sensor kind (mock, serial, replay)")
	f.StringVar(&sensorPort, "port", "", "serial port of the force sensor")
	f.IntVarP(&trials, "trials", "n", 0, "number of trials")
	f.Float64Var(&rest, "rest", 0, "rest phase length in seconds")
	f.Float64Var(&contraction, "contraction", 0, "contraction phase length in seconds")
	f.Float64Var(&cooldown, "cooldown", 0, "cooldown phase length in seconds")
	f.Float64Var(&rate, "rate", 0, "sample rate in Hz")
	f.IntSliceVar(&calibration, "calibration", nil, "1-based trial indices the MVC reference is taken from")
	f.BoolVar(&saveConfig, "save-config", false, "write the effective config back to --config")
	f.StringVar(&o.tcpAddr, "listen", "", "also serve the control API on this TCP address, e.g. 127.0.0.1:8080")
	f.BoolVar(&o.allowNonRoot, "allow-non-root-access", false, "make the control socket accessible to all users")
	f.BoolVar(&o.noCues, "no-cues", false, "do not print phase cues")
	f.BoolVar(&o.noArchive, "no-archive", false, "do not archive the session in the store")

	return cmd
}

// newSource is a variable so tests can wrap the sensor.
var newSource = func(conf config.Config) (sensor.Source, error) {
	sc := conf.Sensor()
	return sensor.New(sensor.Options{
		Kind:       sc.Kind,
		Port:       sc.Port,
		BaudRate:   sc.BaudRate,
		ReplayPath: sc.ReplayPath,
		Mock: sensor.MockOptions{
			Rest:            conf.RestDuration(),
			Contraction:     conf.ContractionDuration(),
			Cooldown:        conf.CooldownDuration(),
			Peaks:           sc.MockPeaks,
			DisconnectAfter: sc.MockDisconnectAfter,
		},
	})
}

func runSession(cmd *cobra.Command, conf config.Config, o runOptions) error {
	src, err := newSource(conf)
	if err != nil {
		return err
	}
	sess, err := session.New(src, session.OptionsFromConfig(conf))
	if err != nil {
		return err
	}
	if err := sess.Init(); err != nil {
		return err
	}
	defer func() {
		if err := sess.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close session")
		}
	}()

	logrus.WithFields(logrus.Fields{
		"session": sess.ID(),
		"version": version.Version,
	}).Info("session initialized")

	srv := server.New(sess)
	if err := srv.ListenUnix(unixSocketPath, o.allowNonRoot); err != nil {
		return err
	}
	defer func() {
		if err := os.Remove(unixSocketPath); err != nil && !os.IsNotExist(err) {
			logrus.Warnf("failed to remove %s: %v", unixSocketPath, err)
		}
	}()
	if o.tcpAddr != "" {
		if _, err := srv.ListenTCP(o.tcpAddr); err != nil {
			_ = srv.Shutdown(context.Background())
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if mc := conf.MQTT(); mc.Broker != "" {
		pub, err := publish.Dial(mc)
		if err != nil {
			logrus.WithError(err).Warn("mqtt stream outlet disabled")
		} else {
			defer pub.Close()
			go pub.Run(ctx, sess.Hub())
		}
	}

	var wg sync.WaitGroup
	if !o.noCues {
		cues := newCueView(cmd.OutOrStdout(), conf.Trials())
		ch := sess.Hub().Subscribe()
		wg.Add(1)
		go func() {
			defer wg.Done()
			cues.Run(ch)
		}()
	}

	// Handle common process-killing signals as an operator stop
	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigc)
	go func() {
		select {
		case sig := <-sigc:
			logrus.Infof("caught signal \"%s\": stopping session.", sig)
			sess.Stop()
		case <-ctx.Done():
		}
	}()

	runErr := sess.Run(ctx)

	sess.Hub().Close()
	wg.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("failed to shutdown http server: %v", err)
	}
	shutdownCancel()

	if runErr != nil {
		return runErr
	}

	sum, err := sess.Finalize()
	if err != nil {
		return err
	}
	files, err := sess.Export(conf.OutputDir())
	if err != nil {
		return err
	}
	if !o.noArchive {
		archive(conf, sum)
	}

	printSummary(cmd, sum, files)
	return nil
}

// storePath falls back to a directory next to the exports.
func storePath(conf config.Config) string {
	if p := conf.StorePath(); p != "" {
		return p
	}
	return filepath.Join(conf.OutputDir(), ".mvc-store")
}

func openStore(conf config.Config) (*store.Store, error) {
	return store.Open(storePath(conf))
}

// archive keeps the session and its reference. Failures are logged only,
// the files are already exported.
func archive(conf config.Config, sum session.Summary) {
	st, err := openStore(conf)
	if err != nil {
		logrus.WithError(err).Warn("session not archived")
		return
	}
	defer func() {
		if err := st.Close(); err != nil {
			logrus.WithError(err).Warn("failed to close store")
		}
	}()

	if err := st.SaveSession(sum); err != nil {
		logrus.WithError(err).Warn("session not archived")
		return
	}
	if sum.Reference != nil {
		err := st.SaveReference(store.ReferenceRecord{
			Subject:    sum.Subject,
			Motion:     sum.Motion,
			Value:      sum.Reference.Value,
			Trials:     sum.Reference.Trials,
			SessionID:  sum.ID,
			RecordedAt: sum.EndedAt,
		})
		if err != nil {
			logrus.WithError(err).Warn("reference not stored")
		}
	}
	logrus.WithFields(logrus.Fields{
		"session": sum.ID,
		"store":   storePath(conf),
	}).Info("session archived")
}

func printSummary(cmd *cobra.Command, sum session.Summary, files recorder.Files) {
	cmd.Println()
	cmd.Println(bold("Session %s:", sum.ID))
	cmd.Printf("  State: %s\n", stateText(sum.State))
	if sum.AbortReason != "" {
		cmd.Printf("  Abort reason: %s\n", sum.AbortReason)
	}
	if sum.Reference != nil {
		cmd.Printf("  MVC reference: %s\n", bold("%s", formatValue(sum.Reference.Value)))
	}
	if sum.MeanContraction != nil {
		cmd.Printf("  Mean contraction force: %s\n", formatValue(*sum.MeanContraction))
	}
	printRecords(cmd, sum.Data.Records)
	cmd.Println()
	cmd.Println(bold("Exported:"))
	for _, p := range []string{files.ResultsCSV, files.ResultsJSON, files.EventsCSV, files.SamplesCSV} {
		cmd.Printf("  %s\n", p)
	}
}
