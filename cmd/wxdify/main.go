package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/HKUDS/wxdify/pkg/config"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "wxdify",
		Short:        "WeChat to Dify relay",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "config.json", "Config file path (.json, .yaml or .yml).")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newOnboardCmd())
	cmd.AddCommand(newAskCmd())
	cmd.AddCommand(newJobsCmd())
	return cmd
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Receive WeChat callbacks and run scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(buildOptions{configPath: configPath(cmd), withServer: true})
			if err != nil {
				return err
			}
			defer a.close()

			logger := a.logger
			if a.cfg.BotWxid != "" {
				logger.Info("bot wxid configured", zap.String("wxid", a.cfg.BotWxid))
			} else {
				logger.Warn("bot_wxid not configured, will use wxid from callback messages; scheduled jobs will be skipped")
			}
			logger.Info("trigger keywords", zap.Strings("keywords", a.cfg.TriggerKeywords))
			for id, route := range a.cfg.Dify.GroupMapping {
				logger.Info("group route", zap.String("chat", id), zap.String("description", route.Description))
			}

			a.cron.LoadJobs(a.cfg.ScheduledTasks)
			a.cron.Start()

			if err := a.wechat.Start(); err != nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = a.cron.Stop(stopCtx)
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logger.Info("shutting down")

			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := a.wechat.Stop(stopCtx); err != nil {
				logger.Warn("http shutdown", zap.Error(err))
			}
			if err := a.cron.Stop(stopCtx); err != nil {
				logger.Warn("cron shutdown", zap.Error(err))
			}
			return nil
		},
	}
}

func newOnboardCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "onboard",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath(cmd)
			created, err := config.WriteDefault(path)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !created {
				fmt.Fprintf(out, "Config file already exists at %s\n", path)
				return nil
			}
			fmt.Fprintf(out, "Created config file at %s\n", path)
			fmt.Fprintln(out, "Edit dify.default.api_key and bot_wxid, then run 'wxdify serve'.")
			return nil
		},
	}
}

func newAskCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ask <chat> <query>",
		Short: "Send one query to Dify as if it came from chat",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(buildOptions{configPath: configPath(cmd)})
			if err != nil {
				return err
			}
			defer a.close()

			chat := args[0]
			query := strings.Join(args[1:], " ")
			res, err := a.client.ConverseDetailed(cmd.Context(), chat, query)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Text)
			a.logger.Debug("ask finished",
				zap.String("conversation_id", res.ConversationID),
				zap.Int("attempts", res.Attempts))
			return nil
		},
	}
	return cmd
}

func newJobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List scheduled jobs, or fire one now with --run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(buildOptions{configPath: configPath(cmd)})
			if err != nil {
				return err
			}
			defer a.close()

			a.cron.LoadJobs(a.cfg.ScheduledTasks)
			out := cmd.OutOrStdout()

			if name, _ := cmd.Flags().GetString("run"); name != "" {
				report, err := a.cron.RunJob(cmd.Context(), name)
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "%s: %s (delivered %d, failed %d)\n", name, report.Status(), report.Delivered, report.Failed)
				if report.Err != nil {
					fmt.Fprintln(out, report.Err)
				}
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tTYPE\tCRON\tTARGETS\tNEXT\tSTATUS")
			for _, st := range a.cron.Jobs() {
				next := "-"
				if !st.Next.IsZero() {
					next = st.Next.Format(time.RFC3339)
				}
				status := st.LastStatus
				if status == "" {
					status = "scheduled"
				}
				if st.LastError != "" {
					status += ": " + st.LastError
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					st.Job.Name, st.Job.Kind, st.Job.Expr, len(st.Job.Targets), next, status)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().String("run", "", "Fire the named job immediately.")
	return cmd
}
