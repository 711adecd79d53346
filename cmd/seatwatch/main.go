package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"seatwatch/internal/app"
	"seatwatch/internal/tracker"
	logx "seatwatch/pkg/logx"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "seatwatch",
		Short:         "Watch NTUST course seats and notify Telegram chats",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath)
		},
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./config.yaml", "path to config file (yaml, json or toml)")

	root.AddCommand(
		&cobra.Command{
			Use:   "run",
			Short: "Run the bot (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return run(cmd.Context(), cfgPath)
			},
		},
		newProbeCmd(&cfgPath),
		&cobra.Command{
			Use:   "validate",
			Short: "Check the config file and exit",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				if _, err := app.ValidateFile(cfgPath); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "config ok:", cfgPath)
				return nil
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print the version",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, _ []string) {
				fmt.Fprintln(cmd.OutOrStdout(), Version)
			},
		},
	)
	return root
}

func newProbeCmd(cfgPath *string) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "probe <code>",
		Short: "Look up one course code once and print what the tracker would see",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := app.ParseConfig(*cfgPath)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			ctx, cancelT := context.WithTimeout(ctx, timeout)
			defer cancelT()

			snap, err := app.Probe(ctx, cfg, args[0], logx.NewConsole("WARN"))
			if errors.Is(err, tracker.ErrNotFound) {
				return fmt.Errorf("course %s not found", args[0])
			}
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "code:      %s\n", snap.Code)
			fmt.Fprintf(out, "name:      %s\n", snap.Name)
			fmt.Fprintf(out, "teacher:   %s\n", snap.Presenter)
			fmt.Fprintf(out, "time:      %s\n", snap.Schedule)
			fmt.Fprintf(out, "classroom: %s\n", snap.Location)
			fmt.Fprintf(out, "enrolled:  %s / %s\n", tracker.FormatCount(snap.Enrolled), tracker.FormatCount(snap.Capacity))
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 90*time.Second, "overall probe timeout")
	return cmd
}

func run(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath, app.Options{Version: Version})
	if err != nil {
		return err
	}
	if err := a.Start(ctx); err != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		reason = app.StopAppStop
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer stopCancel()
	return a.Stop(stopCtx, reason)
}
