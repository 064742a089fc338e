// Command mascotctl is the operator CLI: manifest validation, one-off speech
// and speak history.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/loqalabs/loqa-mascot/internal/config"
	"github.com/loqalabs/loqa-mascot/internal/eventstore"
	"github.com/loqalabs/loqa-mascot/internal/runtime"
	"github.com/loqalabs/loqa-mascot/internal/stage/manifest"
	"github.com/loqalabs/loqa-mascot/internal/tool"
	"github.com/spf13/cobra"
)

var version = "0.1.0-dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type globals struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "mascotctl",
		Short:         "Operate the desktop mascot",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(*cobra.Command, []string) {
			// A missing .env is normal.
			_ = godotenv.Load()
		},
	}
	root.PersistentFlags().StringVar(&g.configPath, "config", os.Getenv("MASCOT_CONFIG"), "Path to configuration file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "warn", "Log level for pipeline logs (written to stderr)")

	root.AddCommand(
		newValidateCmd(g),
		newSayCmd(g),
		newHistoryCmd(g),
		newVersionCmd(),
	)
	return root
}

func (g *globals) load() (config.Config, error) {
	return config.Load(g.configPath)
}

func newValidateCmd(g *globals) *cobra.Command {
	var (
		file string
		deep bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the animation manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if file == "" {
				cfg, err := g.load()
				if err != nil {
					return err
				}
				file = cfg.Stage.Manifest
			}
			return runValidate(cmd.OutOrStdout(), file, deep)
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "Manifest path (defaults to stage.manifest)")
	cmd.Flags().BoolVar(&deep, "deep", false, "Also open every clip file and report its duration")
	return cmd
}

func runValidate(out io.Writer, path string, deep bool) error {
	m, err := manifest.Load(path)
	if err != nil {
		return err
	}
	if err := manifest.Validate(m); err != nil {
		return err
	}
	if !deep {
		fmt.Fprintf(out, "manifest valid: %d animations\n", len(m.Animations))
		return nil
	}
	_, clips, err := manifest.Inspect(m)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tCLIP\tTRACKS\tDURATION")
	for i, clip := range clips {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.2fs\n", m.Animations[i].Name, clip.Name, clip.Tracks, clip.Duration)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "manifest valid: %d animations\n", len(m.Animations))
	return nil
}

func newSayCmd(g *globals) *cobra.Command {
	var emotion, animation string
	cmd := &cobra.Command{
		Use:   "say TEXT...",
		Short: "Speak text through the full pipeline",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			logger := runtime.NewLogger(cmd.ErrOrStderr(), g.logLevel)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stack, err := runtime.NewSpeechStack(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer stack.Close()

			res := stack.Tool.Call(ctx, tool.SpeakArgs{
				Text:      strings.Join(args, " "),
				Emotion:   emotion,
				Animation: animation,
			})
			if res.IsError {
				return errors.New(res.Text)
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			return nil
		},
	}
	cmd.Flags().StringVarP(&emotion, "emotion", "e", "", "Facial expression while speaking")
	cmd.Flags().StringVarP(&animation, "animation", "a", "", "Gesture to play while speaking")
	return cmd
}

func newHistoryCmd(g *globals) *cobra.Command {
	var (
		limit   int
		session string
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded speak sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load()
			if err != nil {
				return err
			}
			if _, err := os.Stat(cfg.EventStore.Path); errors.Is(err, fs.ErrNotExist) {
				fmt.Fprintln(cmd.OutOrStdout(), "no history recorded yet")
				return nil
			}
			logger := runtime.NewLogger(cmd.ErrOrStderr(), g.logLevel)
			store, err := eventstore.Open(cmd.Context(), cfg.EventStore, logger)
			if err != nil {
				return err
			}
			defer store.Close()

			if session != "" {
				return printEvents(cmd.Context(), cmd.OutOrStdout(), store, session, limit)
			}
			return printSessions(cmd.Context(), cmd.OutOrStdout(), store, limit)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum rows to show")
	cmd.Flags().StringVar(&session, "session", "", "Show the event timeline of one session")
	return cmd
}

func printSessions(ctx context.Context, out io.Writer, store *eventstore.Store, limit int) error {
	sessions, err := store.ListSessions(ctx, limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tWHEN\tSTATUS\tATTEMPTS\tTEXT\tERROR")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			s.ID, humanize.Time(s.CreatedAt), s.Status, s.Attempts, truncate(s.Text, 32), truncate(s.Error, 48))
	}
	return tw.Flush()
}

func printEvents(ctx context.Context, out io.Writer, store *eventstore.Store, sessionID string, limit int) error {
	events, err := store.ListSessionEvents(ctx, sessionID, limit)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return fmt.Errorf("no events for session %s", sessionID)
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "WHEN\tEVENT\tATTEMPT\tPAYLOAD")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n",
			e.CreatedAt.Local().Format("15:04:05.000"), e.Type, e.Attempt, truncate(string(e.Payload), 80))
	}
	return tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
