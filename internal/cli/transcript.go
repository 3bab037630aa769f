package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/z-tavern/webclient/internal/config"
	"github.com/zhouzirui/z-tavern/webclient/internal/export"
	"github.com/zhouzirui/z-tavern/webclient/internal/model/chat"
	"github.com/zhouzirui/z-tavern/webclient/internal/service/transcript/sqlite"
)

func newTranscriptCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcript",
		Short: "Inspect locally cached transcripts",
	}
	cmd.AddCommand(
		newTranscriptShowCommand(a),
		newTranscriptExportCommand(a),
		newTranscriptListCommand(a),
		newTranscriptDeleteCommand(a),
	)
	return cmd
}

func newTranscriptShowCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "show <conversation-id|new>",
		Short: "Print the cached transcript of a conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := chat.ParseIdentity(args[0])
			entries, err := a.loadCached(cmd, id)
			if err != nil {
				return err
			}
			NewRenderer(cmd.OutOrStdout()).Transcript("conversation "+id.Ref(), entries)
			return nil
		},
	}
}

func newTranscriptExportCommand(a *app) *cobra.Command {
	var (
		format string
		out    string
	)
	cmd := &cobra.Command{
		Use:   "export <conversation-id|new>",
		Short: "Export the cached transcript of a conversation",
		Long: `Export a cached transcript as json, jsonl, yaml or md.

Without --out the export is written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := export.NewExporter(format)
			if err != nil {
				return err
			}

			id := chat.ParseIdentity(args[0])
			entries, err := a.loadCached(cmd, id)
			if err != nil {
				return err
			}

			var w io.Writer = cmd.OutOrStdout()
			if out != "" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}

			if err := exporter.Export(export.NewTranscript(id, entries), w); err != nil {
				return fmt.Errorf("export transcript: %w", err)
			}
			if out != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d entries to %s\n", len(entries), out)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "export format (json, jsonl, yaml, md)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "write to this file instead of stdout")
	return cmd
}

func newTranscriptListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached transcripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openDurable()
			if err != nil {
				return err
			}
			defer store.Close()

			summaries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(summaries) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no cached transcripts")
				return nil
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "CONVERSATION\tENTRIES\tUPDATED")
			for _, s := range summaries {
				fmt.Fprintf(tw, "%s\t%d\t%s\n", s.ConversationRef, s.EntryCount, s.UpdatedAt.Local().Format(time.DateTime))
			}
			return tw.Flush()
		},
	}
}

func newTranscriptDeleteCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id|new>",
		Short: "Remove a cached transcript",
		Long:  "Remove the local copy of a conversation. The server copy is not affected.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openDurable()
			if err != nil {
				return err
			}
			defer store.Close()

			id := chat.ParseIdentity(args[0])
			if err := store.Delete(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted cached transcript %s\n", id.Ref())
			return nil
		},
	}
}

// openDurable opens the on-disk store; the memory store has nothing to manage.
func (a *app) openDurable() (*sqlite.Store, error) {
	if a.cfg.Store.Kind != config.StoreSQLite {
		return nil, fmt.Errorf("transcript store %q keeps nothing between runs", a.cfg.Store.Kind)
	}
	store, err := sqlite.Open(a.cfg.Store.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}
	return store, nil
}

func (a *app) loadCached(cmd *cobra.Command, id chat.Identity) ([]chat.Entry, error) {
	store, closeStore, err := a.cfg.Store.OpenStore()
	if err != nil {
		return nil, fmt.Errorf("open transcript store: %w", err)
	}
	defer func() { _ = closeStore() }()

	return store.Load(cmd.Context(), id)
}
