package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/todo-agent/internal/config"
	"github.com/basket/todo-agent/internal/doctor"
	"github.com/basket/todo-agent/internal/otel"
	"github.com/basket/todo-agent/internal/pricing"
	"github.com/basket/todo-agent/internal/shared"
	"github.com/basket/todo-agent/internal/tools"
	"github.com/basket/todo-agent/internal/tui"
)

func newChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Chat with the assistant in the terminal (no gateway)",
		Long: `Opens the chat. On a terminal this is a full-screen UI; otherwise
each input line is one request and "quit" exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := context.WithCancel(cmd.Context())
			defer stop()

			tty := isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd())
			a, err := bootstrap(ctx, true)
			if err != nil {
				return err
			}
			defer a.Close()

			cc := tui.ChatConfig{
				Agent:      a.agent,
				Store:      a.store,
				EventBus:   a.bus,
				ModelName:  a.model,
				CancelFunc: stop,
			}
			if tty {
				return tui.RunChat(ctx, cc)
			}
			return tui.RunREPL(ctx, cc, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
}

func newAskCmd() *cobra.Command {
	var showTrace bool
	cmd := &cobra.Command{
		Use:   "ask <request...>",
		Short: "Send one request and print the reply",
		Example: `  todoagent ask "add buy milk due tomorrow"
  todoagent ask what is left for this week`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := shared.WithChannel(cmd.Context(), "cli")
			res := a.agent.Run(ctx, strings.Join(args, " "))
			fmt.Fprintln(cmd.OutOrStdout(), res.Reply)
			if showTrace {
				fmt.Fprintf(cmd.ErrOrStderr(), "trace_id=%s state=%s route=%s\n", res.TraceID, res.State, res.Route)
			}
			if res.Err != nil {
				return fmt.Errorf("request failed (trace %s): %w", res.TraceID, res.Err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showTrace, "trace", false, "print trace id, final state and route to stderr")
	return cmd
}

func newListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print the todo list without asking the assistant",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.store.ListAll(cmd.Context())
			if err != nil {
				return fmt.Errorf("list todos: %w", err)
			}
			return printTodos(cmd.OutOrStdout(), tools.Views(tasks), asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func printTodos(w io.Writer, views []tools.TaskView, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "No todos.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tDONE\tDUE (UTC)\tNAME")
	for _, v := range views {
		done := ""
		if v.IsDone {
			done = "yes"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", v.ID, done, v.DueDate, v.Name)
	}
	return tw.Flush()
}

func newModelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models usable with the API keys in the environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv("."); err != nil {
				return err
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			provider, model, _ := cfg.ResolveLLMConfig()
			if model == "" {
				model = config.DefaultModel(provider)
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "active: %s/%s\n", provider, model)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, p := range config.Catalog() {
				state := "no key"
				if p.Ready() {
					state = "ready"
				}
				for _, m := range p.Models {
					fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", p.Provider, m, state, priceLabel(m))
				}
			}
			return tw.Flush()
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running gateway's /healthz",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config load: %w", err)
			}
			return fetchHealth(cmd.Context(), healthURL(cfg.BindAddr), cmd.OutOrStdout())
		},
	}
}

func healthURL(addr string) string {
	addr = strings.TrimSpace(addr)
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/") + "/healthz"
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr + "/healthz"
}

func fetchHealth(ctx context.Context, url string, out io.Writer) error {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	_, _ = out.Write(body)
	if len(body) == 0 || body[len(body)-1] != '\n' {
		_, _ = out.Write([]byte("\n"))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway unhealthy: %s", resp.Status)
	}
	return nil
}

func newDoctorCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check config, API keys, store and network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadDotEnv("."); err != nil {
				return err
			}
			var cfgPtr *config.Config
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "config load: %v\n", err)
			} else {
				cfgPtr = &cfg
			}

			d := doctor.Run(cmd.Context(), cfgPtr, otel.Version)
			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(d); err != nil {
					return err
				}
			} else {
				doctor.Print(cmd.OutOrStdout(), d)
			}
			if d.Failed() {
				return fmt.Errorf("doctor: one or more checks failed")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the diagnosis as JSON")
	return cmd
}

// priceLabel renders a model's list price per million prompt and completion
// tokens.
func priceLabel(model string) string {
	if !pricing.Known(model) {
		return "-"
	}
	return fmt.Sprintf("$%.2f/$%.2f per 1M", pricing.EstimateCost(model, 1_000_000, 0), pricing.EstimateCost(model, 0, 1_000_000))
}
