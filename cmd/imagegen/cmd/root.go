package cmd

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	providerKey  string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "imagegen",
	Short: "Asynchronous image generation job manager",
	Long: `imagegen runs and talks to an image generation service. "imagegen serve"
starts the HTTP API with its worker pool and cleanup loop; the remaining
commands are clients of a running server or operate on the local database.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.imagegen/config)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "server API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&providerKey, "provider-key", "", "provider credential sent with job and model requests")
}

// initConfig reads the client settings from the config file and environment
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".imagegen"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("server_url", "IMAGEGEN_SERVER_URL")
	viper.BindEnv("api_key", "IMAGEGEN_API_KEY", "IMAGEGEN_HTTP_API_KEY")
	viper.BindEnv("provider_key", "IMAGEGEN_PROVIDER_KEY")

	// A missing file is fine; flags and env still apply
	_ = viper.ReadInConfig()

	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if apiKey == "" {
		// The server config file doubles as the client config
		apiKey = viper.GetString("http.api_key")
	}
	if providerKey == "" {
		providerKey = viper.GetString("provider_key")
	}

	if serverURL == "" {
		serverURL = "http://localhost:8080"
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

// GetHTTPClient returns the client used for API calls
func GetHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// CreateAuthenticatedRequest creates an HTTP request carrying the API key and
// provider credential when they are configured
func CreateAuthenticatedRequest(method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, err
	}

	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	if providerKey != "" {
		req.Header.Set("X-Provider-Key", providerKey)
	}

	return req, nil
}

// doRequest sends req and returns the body, turning error statuses into errors
func doRequest(req *http.Request, want int) ([]byte, error) {
	resp, err := GetHTTPClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		msg := strings.TrimSpace(string(body))
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			msg += " (retry after " + ra + "s)"
		}
		return body, fmt.Errorf("API error (status %d): %s", resp.StatusCode, msg)
	}
	return body, nil
}
