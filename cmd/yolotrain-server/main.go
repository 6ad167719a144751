package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/yolotrain/pkg/config"
)

// version is overridden at build time with -ldflags "-X main.version=..."
var version = "1.0.0"

func main() {
	if err := newRootCmd(config.New()).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "yolotrain-server",
		Short: "YOLO training API server",
		Long: `yolotrain-server accepts labeled datasets over HTTP, trains YOLO models
on them in the background and streams progress over WebSocket.

Every setting can be given in a YAML file, as a flag, or as an environment
variable prefixed with YOLO_ (e.g. YOLO_API_PORT=8000).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.Load(v, cfgFile)
			if err != nil {
				return err
			}
			return run(cmd.Context(), settings)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "YAML config file")
	flags.String("host", "0.0.0.0", "API listen host")
	flags.Int("port", 8000, "API listen port")
	flags.Int("metrics-port", 9100, "Prometheus metrics port (0 disables)")
	flags.String("training-dir", "", "directory holding job datasets and outputs")
	flags.Int("max-concurrent", 2, "maximum trainings running at once")
	flags.String("log-level", "INFO", "log level: DEBUG, INFO, WARN, ERROR")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("store", "memory", "job registry: memory, sqlite or postgres")
	flags.String("dsn", "", "database DSN or SQLite path")
	flags.String("trainer", "simulated", "trainer backend: simulated or command")
	flags.String("trainer-command", "", "executable for the command trainer")
	flags.String("tls-cert", "", "TLS certificate file")
	flags.String("tls-key", "", "TLS key file")
	flags.Bool("tls-self-signed", false, "generate a self-signed certificate if missing")

	for key, flag := range map[string]string{
		"api_host":                 "host",
		"api_port":                 "port",
		"metrics_port":             "metrics-port",
		"training_dir":             "training-dir",
		"max_concurrent_trainings": "max-concurrent",
		"log_level":                "log-level",
		"log_format":               "log-format",
		"store.type":               "store",
		"store.dsn":                "dsn",
		"trainer.type":             "trainer",
		"trainer.command":          "trainer-command",
		"tls.cert":                 "tls-cert",
		"tls.key":                  "tls-key",
		"tls.self_signed":          "tls-self-signed",
	} {
		v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(newGenKeyCmd())
	cmd.Version = version
	return cmd
}
