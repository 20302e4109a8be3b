package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/austindbirch/fieldqueue/internal/auth"
	"github.com/austindbirch/fieldqueue/internal/client"
)

var (
	cfgFile    string
	agentAddr  string
	timeout    time.Duration
	outputJSON bool
	prettyJSON bool
	email      string
	jwtToken   string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "fieldctl",
	Short: "fieldctl - Inspect and drive the field offline agent",
	Long: `fieldctl is a command line tool for the field offline agent.

Use it to submit contacts through the agent, check what is waiting to sync,
force a replay, watch agent notifications and manage dead letters.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.fieldctl.yaml)")
	rootCmd.PersistentFlags().StringVar(&agentAddr, "agent", "http://127.0.0.1:8700", "agent base URL")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "request timeout")
	rootCmd.PersistentFlags().BoolVar(&outputJSON, "json", false, "output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&prettyJSON, "pretty", false, "use jq for pretty JSON formatting (requires jq)")
	rootCmd.PersistentFlags().StringVar(&email, "email", "", "volunteer email sent as the Access identity header")
	rootCmd.PersistentFlags().StringVar(&jwtToken, "token", "", "Access JWT for authentication (overrides FIELDCTL_TOKEN env var)")

	// Bind flags to viper
	_ = viper.BindPFlag("agent", rootCmd.PersistentFlags().Lookup("agent"))
	_ = viper.BindPFlag("timeout", rootCmd.PersistentFlags().Lookup("timeout"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("pretty", rootCmd.PersistentFlags().Lookup("pretty"))
	_ = viper.BindPFlag("email", rootCmd.PersistentFlags().Lookup("email"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".fieldctl")
	}

	viper.SetEnvPrefix("FIELDCTL")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}

	// Override global variables with config values if flags weren't explicitly set
	flags := rootCmd.PersistentFlags()
	if !flags.Changed("agent") {
		if s := viper.GetString("agent"); s != "" {
			agentAddr = s
		}
	}
	if !flags.Changed("timeout") {
		if d := viper.GetDuration("timeout"); d > 0 {
			timeout = d
		}
	}
	if !flags.Changed("json") {
		outputJSON = viper.GetBool("json")
	}
	if !flags.Changed("pretty") {
		prettyJSON = viper.GetBool("pretty")
	}
	if !flags.Changed("email") {
		email = viper.GetString("email")
	}
	if !flags.Changed("token") {
		jwtToken = viper.GetString("token")
	}
}

// identityHeader carries the volunteer identity on agent calls and the
// websocket handshake.
func identityHeader() http.Header {
	h := http.Header{}
	if email != "" {
		h.Set(auth.EmailHeader, email)
	}
	if jwtToken != "" {
		h.Set(auth.AssertionHeader, jwtToken)
	}
	return h
}

// getClient returns an agent client built from the global flags
func getClient() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(timeout)}
	for k, vs := range identityHeader() {
		for _, v := range vs {
			opts = append(opts, client.WithHeader(k, v))
		}
	}
	return client.New(agentAddr, opts...)
}

// checkJQAvailable checks if jq is available in PATH
func checkJQAvailable() bool {
	_, err := exec.LookPath("jq")
	return err == nil
}

// formatWithJQ formats JSON using jq for pretty printing
func formatWithJQ(jsonData []byte) (string, error) {
	if !checkJQAvailable() {
		return "", fmt.Errorf("jq not found in PATH")
	}

	cmd := exec.Command("jq", ".")
	cmd.Stdin = bytes.NewReader(jsonData)

	var out bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("jq formatting failed: %s", stderr.String())
	}

	return out.String(), nil
}

// printJSON writes v as JSON, through jq when --pretty is set
func printJSON(w io.Writer, v any) error {
	var jsonData []byte
	var err error
	if prettyJSON {
		// Compact JSON if we're going to format with jq
		jsonData, err = json.Marshal(v)
	} else {
		jsonData, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}

	if prettyJSON {
		formatted, jqErr := formatWithJQ(jsonData)
		if jqErr == nil {
			// already includes newline
			_, err = fmt.Fprint(w, formatted)
			return err
		}
		// Fall back to standard pretty printing if jq fails
		fmt.Fprintf(os.Stderr, "Warning: %v, falling back to standard formatting\n", jqErr)
		jsonData, _ = json.MarshalIndent(v, "", "  ")
	}
	_, err = fmt.Fprintln(w, string(jsonData))
	return err
}
