package cmd

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	tlsutil "github.com/psantana5/yolotrain/pkg/tls"
)

const defaultServerURL = "http://localhost:8000"

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	caFile       string
	insecure     bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "yolotrain",
	Short: "CLI for the YOLO training server",
	Long:  `yolotrain submits datasets for training, follows running jobs and fetches their results from a yolotrain-server.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat != "table" && outputFormat != "json" {
			return fmt.Errorf("unknown output format %q: use table or json", outputFormat)
		}
		return nil
	},
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.yolotrain/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (default from config or "+defaultServerURL+")")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key (default from config or YOLO_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate for an https server")
	rootCmd.PersistentFlags().BoolVar(&insecure, "insecure", false, "skip TLS certificate verification")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".yolotrain"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.BindEnv("server_url", "YOLO_SERVER_URL")
	viper.BindEnv("api_key", "YOLO_API_KEY")

	if err := viper.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Warning: failed to read config %s: %v\n", cfgFile, err)
	}

	// flags win over config and environment
	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if serverURL == "" {
		serverURL = defaultServerURL
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func newClient() (*Client, error) {
	httpClient := &http.Client{Timeout: 5 * time.Minute}
	if strings.HasPrefix(GetServerURL(), "https://") {
		tlsCfg, err := tlsutil.LoadClientConfig(caFile, insecure)
		if err != nil {
			return nil, err
		}
		httpClient.Transport = &http.Transport{TLSClientConfig: tlsCfg}
	}
	return NewClient(GetServerURL(), apiKey, httpClient), nil
}
