package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/cobra"

	"massdm/internal/app"
	logx "massdm/pkg/logx"
)

func getVersion() string {
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func main() {
	var cfgPath string

	root := &cobra.Command{
		Use:           "massdm",
		Short:         "Send one message privately to every known member of a Telegram group",
		Version:       fmt.Sprintf("%s %s/%s", getVersion(), runtime.GOOS, runtime.GOARCH),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "./config.json", "path to config file (.json, .yaml or .toml)")

	root.AddCommand(runCmd(&cfgPath), sendCmd(&cfgPath), membersCmd(&cfgPath))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}

func runCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bot (long polling, commands, config hot reload)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			a, err := app.NewApp(*cfgPath)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				_ = a.Stop(context.Background(), app.StopFatalError)
				return err
			}
			// not running under systemd is fine
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

			reason := app.StopAppStop
			select {
			case sig := <-sigCh:
				reason = app.StopSIGTERM
				if sig == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

			stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer stopCancel()
			_ = a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				return a.Err()
			}
			return nil
		},
	}
}

func sendCmd(cfgPath *string) *cobra.Command {
	var (
		chatID  int64
		actorID int64
		message string
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Dispatch one message to the stored audience of a group and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log := logx.NewConsole("INFO")
			rep, err := app.SendOnce(ctx, *cfgPath, chatID, actorID, message, log)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), rep.Summary())
			if rep.Canceled {
				return errors.New("dispatch interrupted")
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "group chat id")
	cmd.Flags().StringVar(&message, "message", "", "text to send")
	cmd.Flags().Int64Var(&actorID, "actor", 0, "user id recorded in the audit trail")
	_ = cmd.MarkFlagRequired("chat")
	_ = cmd.MarkFlagRequired("message")
	return cmd
}

func membersCmd(cfgPath *string) *cobra.Command {
	var chatID int64
	cmd := &cobra.Command{
		Use:   "members",
		Short: "List the stored audience of a group in send order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logx.NewConsole("WARN")
			members, err := app.ListMembers(cmd.Context(), *cfgPath, chatID, log)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, m := range members {
				kind := "user"
				if m.IsBot {
					kind = "bot"
				}
				fmt.Fprintf(out, "%d\t%s\t%s\n", m.UserID, kind, m.Label())
			}
			fmt.Fprintf(out, "%d member(s)\n", len(members))
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "group chat id")
	_ = cmd.MarkFlagRequired("chat")
	return cmd
}
