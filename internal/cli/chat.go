package cli

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/history"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/identity"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/session"
)

func newChatCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat [conversation-id|new]",
		Short: "Open an interactive chat session",
		Long: `Open a live session. Every line typed is sent as a message.

  /rec    ask the backend to start capturing audio
  /stop   ask the backend to stop capturing audio
  /quit   end the session

The transcript is cached locally and replaced by the server copy whenever
the session (re)connects to an assigned conversation.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref := chat.UnassignedRef
			if len(args) == 1 {
				ref = args[0]
			}
			return a.runChat(cmd, ref)
		},
	}
}

func (a *app) runChat(cmd *cobra.Command, ref string) error {
	ctx := cmd.Context()
	out := NewRenderer(cmd.OutOrStdout())

	store, closeStore, err := a.cfg.Store.OpenStore()
	if err != nil {
		return fmt.Errorf("open transcript store: %w", err)
	}
	defer func() { _ = closeStore() }()

	ctrl, err := session.Open(ctx, ref, session.Dependencies{
		Connection: a.newConnection(a.cfg),
		Store:      store,
		Fetcher:    history.NewClient(a.cfg.Backend.HistoryOptions()),
		Locator: identity.LocatorFunc(func(id string) {
			out.Status("conversation assigned, now at /chat/%s", id)
		}),
	})
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close() }()

	snap, unsubscribe, err := ctrl.Watch(func(u session.Update) {
		switch u.Kind {
		case session.UpdateEntry:
			out.Entry(u.Entry)
		case session.UpdateTranscript:
			out.Transcript("transcript synced from server", u.Entries)
		case session.UpdateConnection:
			out.Status("connection %s", u.Connection)
		case session.UpdateRecording:
			out.Status("recording %s", u.Recording)
		}
	})
	if err != nil {
		return err
	}
	defer unsubscribe()

	out.Transcript("conversation "+snap.Identity.Ref(), snap.Entries)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(cmd.InOrStdin())
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctrl.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ctrl.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := handleLine(ctrl, out, line); quit {
				return nil
			}
		}
	}
}

// handleLine applies one line of user input and reports whether to quit.
func handleLine(ctrl *session.Controller, out *Renderer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}

	var err error
	switch line {
	case "/quit", "/exit":
		return true
	case "/rec":
		err = ctrl.StartCapture()
	case "/stop":
		err = ctrl.StopCapture()
	default:
		err = ctrl.SendText(line)
	}

	switch {
	case err == nil:
	case errors.Is(err, session.ErrNotConnected):
		out.Status("not connected, nothing was sent")
	case errors.Is(err, session.ErrSessionClosed):
		return true
	default:
		out.Status("error: %v", err)
	}
	return false
}
