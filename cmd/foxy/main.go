package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configDir string
	dbPath    string
	verbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "foxy",
	Short: "Foxy - conversational tutor and desktop voice assistant",
	Long: `Foxy answers typed and spoken questions, keeps conversation history
on disk and can open local applications when asked out loud.

Configuration:
  Foxy reads config.yaml from --config (default ~/.foxy), creating it with
  defaults on first run. FOXY_* environment variables override file values,
  e.g. FOXY_REMOTE_BACKEND=proxy.

Environment Variables:
  GROQ_API_KEY   - key for the reasoning and transcription endpoints
  NEWS_API_KEY   - NewsAPI key for the welcome screen headlines
  FOXY_REMOTE_PROXY_URL - reasoning proxy used when remote.backend is proxy`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "", "config directory (default is $HOME/.foxy)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "database file (overrides storage.path)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log to stderr at debug level")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(voiceCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(newsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configPathCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
