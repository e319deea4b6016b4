package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/todo-agent/internal/otel"
)

type rootOptions struct {
	homeDir  string
	logLevel string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "todoagent",
		Short: "Natural-language todo list assistant",
		Long: `todoagent manages a todo list through a language model.

Every request is checked by a guardrail, routed to a manager (add, update,
reschedule, delete) or an organizer (read-only questions), and answered in
plain text.

With no arguments on a terminal it starts the gateway and opens the chat.
Without a terminal it runs the gateway only.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if opts.homeDir != "" {
				if err := os.Setenv("TODOAGENT_HOME", opts.homeDir); err != nil {
					return err
				}
			}
			if opts.logLevel != "" {
				return os.Setenv("TODOAGENT_LOG_LEVEL", opts.logLevel)
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			interactive := isatty.IsTerminal(os.Stdout.Fd()) && isatty.IsTerminal(os.Stdin.Fd()) && os.Getenv("TODOAGENT_NO_TUI") == ""
			return runServe(cmd.Context(), interactive)
		},
	}
	root.PersistentFlags().StringVar(&opts.homeDir, "home", "", "data directory (default $TODOAGENT_HOME or ~/.todoagent)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newServeCmd(),
		newChatCmd(),
		newAskCmd(),
		newListCmd(),
		newModelsCmd(),
		newStatusCmd(),
		newDoctorCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "todoagent version %s\n", otel.Version)
		},
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
