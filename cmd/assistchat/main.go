// assistchat - a conversation front end for hosted assistants.
//
// Chat with an OpenAI assistant from the browser, Slack, Telegram or the
// terminal. Each conversation keeps one remote thread and resumes it across
// restarts.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/jxucoder/assistchat/internal/assistant"
	"github.com/jxucoder/assistchat/internal/config"
	"github.com/jxucoder/assistchat/internal/conversation"
	"github.com/jxucoder/assistchat/internal/logging"
	"github.com/jxucoder/assistchat/internal/sessionstore"
)

var (
	version    = "dev"
	configPath string
	cfg        *config.Config
	logger     zerolog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "assistchat",
	Short: "assistchat - chat with a hosted assistant",
	Long: `assistchat relays conversations to an OpenAI assistant and keeps each
conversation's thread across restarts.

  assistchat serve                  Start the HTTP server (and chat bots)
  assistchat chat                   Chat in the terminal
  assistchat send "hello"           Send one message and print the reply
  assistchat sessions               List persisted conversation threads
  assistchat forget --name work     Drop a conversation's thread`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		logger = logging.Setup(cfg.LogLevel, cfg.LogFormat)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", os.Getenv("ASSISTCHAT_CONFIG"), "path to a YAML config file")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// chatKey is the conversation key for a named terminal conversation.
func chatKey(name string) string {
	return "cli:" + name
}

// openRegistry wires a gateway and the shared session backend into a
// conversation registry for local use.
func openRegistry() (*conversation.Registry, sessionstore.Catalog, error) {
	gw, err := assistant.FromConfig(cfg, assistant.WithLogger(logger))
	if err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	backend, err := sessionstore.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	stores := sessionstore.Factory(backend,
		sessionstore.WithTTL(cfg.SessionTTL),
		sessionstore.WithLogger(logger))
	return conversation.NewRegistry(gw, stores, conversation.WithLogger(logger)), backend, nil
}
