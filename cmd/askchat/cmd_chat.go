package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/liliang-cn/askchat/internal/domain"
	"github.com/liliang-cn/askchat/internal/service"
	"github.com/liliang-cn/askchat/internal/session"
	"github.com/spf13/cobra"
)

const chatHelp = `Type a question and press enter. While an answer streams:
  /pause   stop applying the answer
  /resume  continue (or keep what arrived before the pause)
  /cancel  abort the answer
  /quit    leave`

func chatCmd() *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "chat [session-id]",
		Short: "Ask questions and stream the answers",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(cmd *cobra.Command, args []string, a *app) error {
			id, err := sessionArg(a, args)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			out := cmd.OutOrStdout()
			if message != "" {
				return ask(ctx, a.chat, id, message, out, nil)
			}

			fmt.Fprintln(out, chatHelp)
			lines := readLines(ctx, cmd.InOrStdin())
			for {
				fmt.Fprint(out, "\nyou> ")
				select {
				case <-ctx.Done():
					return nil
				case line, ok := <-lines:
					if !ok {
						return nil
					}
					line = strings.TrimSpace(line)
					switch {
					case line == "":
						continue
					case line == "/quit":
						return nil
					case strings.HasPrefix(line, "/"):
						fmt.Fprintln(out, "No answer is streaming.")
						continue
					}
					if err := ask(ctx, a.chat, id, line, out, lines); err != nil {
						fmt.Fprintln(out, "Error:", domain.Describe(err))
					}
				}
			}
		}),
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Ask one question and exit")
	return cmd
}

// ask streams one answer, handling control lines until the turn ends.
func ask(ctx context.Context, chat *service.ChatService, sessionID, message string, out io.Writer, lines <-chan string) error {
	p := &printer{out: out}

	turn, err := chat.Ask(ctx, sessionID, message, session.Callbacks{
		OnUpdate:   p.update,
		OnComplete: p.final,
		OnError: func(msg domain.ChatMessage, err error) {
			p.final(msg)
		},
		OnCancel: func(msg domain.ChatMessage) {
			p.final(msg)
			fmt.Fprintln(out, "(cancelled)")
		},
	})
	if err != nil {
		return err
	}
	fmt.Fprint(out, "\nassistant> ")

	for {
		select {
		case <-turn.Done:
			return nil
		case <-ctx.Done():
			// The controller cancels the turn; let OnCancel print first.
			<-turn.Done
			return nil
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			if err := control(chat, sessionID, strings.TrimSpace(line)); err != nil && !errors.Is(err, domain.ErrNoStream) {
				fmt.Fprintln(out, "\nError:", err)
			}
		}
	}
}

func control(chat *service.ChatService, sessionID, line string) error {
	switch line {
	case "/pause":
		return chat.Pause(sessionID)
	case "/resume":
		return chat.Resume(sessionID)
	case "/cancel", "/quit":
		return chat.Cancel(sessionID)
	default:
		return nil
	}
}

// printer writes streamed text incrementally and the rendered answer once
// the turn ends.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	printed string
}

func (p *printer) update(msg domain.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rest, ok := strings.CutPrefix(msg.Content, p.printed); ok {
		fmt.Fprint(p.out, rest)
	} else {
		fmt.Fprint(p.out, "\n"+msg.Content)
	}
	p.printed = msg.Content
}

func (p *printer) final(msg domain.ChatMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.printed != "" {
		fmt.Fprint(p.out, "\n\n")
	}
	fmt.Fprintln(p.out, service.Render(msg))
}

func readLines(ctx context.Context, r io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}
