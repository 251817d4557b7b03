package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/Tyrowin/chatboard/internal/logging"
	"github.com/Tyrowin/chatboard/internal/message"
	"github.com/Tyrowin/chatboard/internal/reconciler"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultServerURL = "http://localhost:8080"

var (
	serverURL string
	logLevel  string
	pageSize  int
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "viewer",
	Short: "Terminal viewer for a chatboard server",
	Long: `viewer loads the message board from a chatboard server and keeps
it current from the live event stream. When live updates are unavailable
it falls back to periodic refreshes.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if serverURL == "" {
			serverURL = os.Getenv("CHATBOARD_SERVER_URL")
		}
		if serverURL == "" {
			serverURL = defaultServerURL
		}
		return nil
	},
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "", "chatboard server base URL (default $CHATBOARD_SERVER_URL or "+defaultServerURL+")")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().IntVar(&pageSize, "limit", message.DefaultListLimit, "number of messages to load")
}

func newLogger() (*zap.Logger, error) {
	return logging.New(logLevel, false)
}

func newClient() *reconciler.HTTPClient {
	return reconciler.NewHTTPClient(serverURL, pageSize)
}

// printMessage writes one line per message, oldest first.
func printMessage(w io.Writer, m message.Message, now time.Time) {
	line := fmt.Sprintf("[%s] %s: %s", humanize.RelTime(m.CreatedAt, now, "ago", "from now"), m.Author, m.Body)
	if m.HasAttachment() {
		line += " (image: " + m.AttachmentRef + ")"
	}
	fmt.Fprintf(w, "%s  #%s\n", line, shortID(m.ID))
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
