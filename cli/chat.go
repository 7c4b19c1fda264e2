package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/tayler-id/telly-chat/agent"
)

var (
	chatSession string
	chatMessage string
	chatDebug   bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with the assistant",
	Long: `Start an interactive chat session. Every turn is remembered and context
from saved transcripts, past conversations and long-term memory is added
to the prompt.

Inside the chat, threads keep separate topics apart:
  /new <title>              start a thread and switch to it
  /threads                  list active threads
  /switch <id>              switch to a thread
  /archive                  archive the current thread
  /merge <id> <id> <title>  merge two threads
  /split <n> <title>        move messages from index n into a new thread

Examples:
  telly chat
  telly chat --session work --message "what did the last video say about habits?"`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", "", "session id (default: a new random id)")
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "send one message and exit")
	chatCmd.Flags().BoolVar(&chatDebug, "debug", false, "print memory activity to stderr")
}

func runChat(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if chatSession == "" {
		chatSession = uuid.NewString()
	}
	if chatDebug {
		ctx = agent.WithDebugCallback(ctx, func(msg string) {
			fmt.Fprintf(os.Stderr, "  · %s\n", msg)
		})
	}
	assistant := telly.Assistant

	if chatMessage != "" {
		reply, err := turn(ctx, assistant, chatMessage)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, reply)
		return nil
	}

	defer assistant.EndSession(context.WithoutCancel(ctx), chatSession, agent.OutcomeSessionEnded)
	defer completeThreads(context.WithoutCancel(ctx), assistant.Threads())

	fmt.Fprintf(stdout, "Session %s. Type /exit to quit.\n", chatSession)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/exit", "/quit":
			return nil
		}
		if strings.HasPrefix(line, "/") {
			if err := threadCommand(ctx, assistant.Threads(), line); err != nil {
				fmt.Fprintf(os.Stderr, "error: %v\n", err)
			}
			continue
		}

		reply, err := turn(ctx, assistant, line)
		if errors.Is(err, agent.ErrNoClient) {
			return err
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			continue
		}
		fmt.Fprintf(stdout, "\n%s\n\n", reply)
	}
	return scanner.Err()
}

func turn(ctx context.Context, assistant *agent.Assistant, msg string) (string, error) {
	if cfg.LLM.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.LLM.Timeout)
		defer cancel()
	}
	if threads := assistant.Threads(); threads != nil {
		if current, ok := threads.Current(); ok {
			_, reply, err := assistant.HandleThreadTurn(ctx, current.ID, msg)
			return reply, err
		}
	}
	return assistant.HandleTurn(ctx, chatSession, msg)
}

func threadCommand(ctx context.Context, threads *agent.Threads, line string) error {
	if threads == nil {
		return fmt.Errorf("threads are not enabled")
	}
	fields := strings.Fields(line)
	rest := func(from int) string { return strings.Join(fields[min(from, len(fields)):], " ") }

	switch fields[0] {
	case "/new":
		if len(fields) < 2 {
			return fmt.Errorf("usage: /new <title>")
		}
		id := threads.Create(ctx, agent.ThreadSpec{Title: rest(1), Topic: rest(1)})
		fmt.Fprintf(stdout, "thread %s\n", id)
	case "/threads":
		current, _ := threads.Current()
		for _, th := range threads.Active() {
			marker := " "
			if th.ID == current.ID {
				marker = "*"
			}
			fmt.Fprintf(stdout, "%s %s  %s (%d messages)\n", marker, th.ID, th.Title, len(th.Messages))
		}
	case "/switch":
		if len(fields) != 2 || !threads.Switch(fields[1]) {
			return fmt.Errorf("cannot switch to %q", rest(1))
		}
	case "/archive":
		current, ok := threads.Current()
		if !ok {
			return fmt.Errorf("no current thread")
		}
		threads.Archive(ctx, current.ID)
		fmt.Fprintf(stdout, "archived %s\n", current.ID)
	case "/merge":
		if len(fields) < 4 {
			return fmt.Errorf("usage: /merge <id> <id> <title>")
		}
		id, err := threads.Merge(ctx, fields[1:3], rest(3), "")
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "merged into %s\n", id)
	case "/split":
		current, ok := threads.Current()
		if !ok || len(fields) < 3 {
			return fmt.Errorf("usage: /split <n> <title> on a current thread")
		}
		at, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("split point: %w", err)
		}
		id, err := threads.Split(ctx, current.ID, at, rest(2), rest(2))
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "split into %s\n", id)
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
	return nil
}

func completeThreads(ctx context.Context, threads *agent.Threads) {
	if threads == nil {
		return
	}
	for _, th := range threads.Active() {
		threads.Complete(ctx, th.ID)
	}
}
