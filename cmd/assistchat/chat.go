package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/jxucoder/assistchat/model"
)

var (
	userStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle       = lipgloss.NewStyle().Faint(true)
)

var chatName string

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant in the terminal",
	Long: `Start an interactive conversation. The thread is remembered under --name,
so running chat again picks up where you left off.

Type /reset to start a fresh thread and /exit (or Ctrl-D) to quit.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVar(&chatName, "name", "default", "conversation name")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	registry, backend, err := openRegistry()
	if err != nil {
		return err
	}
	defer backend.Close()
	defer registry.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	key := chatKey(chatName)
	conv := registry.Get(key)
	out := cmd.OutOrStdout()
	if id := conv.Snapshot().ThreadID; id != "" {
		fmt.Fprintln(out, dimStyle.Render(fmt.Sprintf("Resuming thread %s", id)))
	}

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	for {
		fmt.Fprint(out, userStyle.Render("you> "))
		var line string
		select {
		case <-ctx.Done():
			fmt.Fprintln(out)
			return nil
		case l, ok := <-lines:
			if !ok {
				fmt.Fprintln(out)
				return nil
			}
			line = strings.TrimSpace(l)
		}

		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		case "/reset":
			registry.Forget(ctx, key)
			conv = registry.Get(key)
			fmt.Fprintln(out, dimStyle.Render("Started a fresh thread."))
			continue
		}

		fmt.Fprintln(out, dimStyle.Render("thinking..."))
		turn, err := conv.Ask(ctx, line)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintln(out, errorStyle.Render(err.Error()))
			continue
		}
		fmt.Fprintln(out, renderTurn(turn))
	}
}

// readLines feeds lines from r into ch and closes it at EOF.
func readLines(r io.Reader, ch chan<- string) {
	defer close(ch)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		ch <- scanner.Text()
	}
}

// renderTurn formats a turn for the terminal.
func renderTurn(turn model.Turn) string {
	switch {
	case turn.Role == model.RoleUser:
		return userStyle.Render("you> ") + turn.Content
	case turn.Content == model.FallbackReply:
		return assistantStyle.Render("assistant> ") + errorStyle.Render(turn.Content)
	default:
		return assistantStyle.Render("assistant> ") + turn.Content
	}
}
