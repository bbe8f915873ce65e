package main

import (
	"fmt"
	"forecast-workbench/analytics"
	"forecast-workbench/analytics/ml"
	"forecast-workbench/config"
	"forecast-workbench/ingestion"
	"forecast-workbench/pipeline"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const (
	defaultServerURL = "http://localhost:8080"
	version          = "1.0.0"
)

// app carries the settings shared by every subcommand. Flags win over
// FORECAST_* environment variables, which win over defaults.
type app struct {
	v      *viper.Viper
	cfg    *config.Config
	logger *logrus.Logger
	out    io.Writer
}

// Execute is the entry point called by main.main()
func Execute() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:           "forecast-cli",
		Short:         "Forecast Workbench CLI",
		Long:          "Forecast, explore and train models on tabular time series, locally or against a running Forecast Workbench server.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.String("config", "", "workbench config file (json or yaml)")
	flags.String("server", defaultServerURL, "Forecast Workbench server URL")
	flags.BoolP("verbose", "v", false, "verbose output")
	flags.Duration("timeout", 30*time.Second, "HTTP timeout for server commands")
	for _, name := range []string{"config", "server", "verbose", "timeout"} {
		_ = a.v.BindPFlag(name, flags.Lookup(name))
	}
	a.v.SetEnvPrefix(config.EnvPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	root.AddCommand(
		a.forecastCmd(),
		a.describeCmd(),
		a.trainCmd(),
		a.predictCmd(),
		a.aqiCmd(),
		a.healthCmd(),
		a.uploadCmd(),
		a.configCmd(),
	)
	return root
}

// init loads the workbench configuration and logger once flags are parsed
func (a *app) init() error {
	var (
		cfg *config.Config
		err error
	)
	if path := a.v.GetString("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	a.logger = logrus.New()
	a.logger.SetOutput(os.Stderr)
	a.logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	a.logger.SetLevel(logrus.WarnLevel)
	if a.v.GetBool("verbose") {
		a.logger.SetLevel(logrus.DebugLevel)
	}
	return nil
}

// workbench builds an in-process pipeline from the loaded configuration
func (a *app) workbench() *pipeline.Pipeline {
	loader := ingestion.NewLoader(a.cfg.UploadValidator(), a.logger)
	engine := ml.NewForecastEngine(a.cfg.ForecastEngineConfig(), a.logger)
	return pipeline.New(loader, engine, analytics.DefaultOutlierConfig(), a.logger)
}

func (a *app) serverURL() string {
	return strings.TrimRight(a.v.GetString("server"), "/")
}
