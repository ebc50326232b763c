package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jxucoder/assistchat/internal/conversation"
	"github.com/jxucoder/assistchat/model"
)

var sendName string

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send one message and print the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runSend,
}

func init() {
	sendCmd.Flags().StringVar(&sendName, "name", "default", "conversation name")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	registry, backend, err := openRegistry()
	if err != nil {
		return err
	}
	defer backend.Close()
	defer registry.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	turn, err := registry.Get(chatKey(sendName)).Ask(ctx, strings.Join(args, " "))
	if errors.Is(err, conversation.ErrEmptyInput) {
		return fmt.Errorf("message is empty")
	}
	if err != nil {
		return err
	}
	if turn.Content == model.FallbackReply {
		return fmt.Errorf("the assistant did not answer; see the log for details")
	}
	fmt.Fprintln(cmd.OutOrStdout(), turn.Content)
	return nil
}
