package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/applaude-labs/applaude-go/client"
)

func newPlansCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "List purchasable plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			plans, err := c.ListPlans(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, plans)
		},
	}
}

func newBalanceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the account's remaining runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			balance, err := c.Balance(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, balance)
		},
	}
}

func newProjectsCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "projects",
		Short: "List and manage linked repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			projects, err := c.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, projects)
		},
	}

	var name string
	link := &cobra.Command{
		Use:   "link <repository-url>",
		Short: "Link a repository as a connected project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			project, err := c.LinkProject(cmd.Context(), name, args[0])
			if err != nil {
				return err
			}
			return a.print(cmd, project)
		},
	}
	link.Flags().StringVar(&name, "name", "", "display name (default: repository name)")

	setConnected := func(use, short string, connected bool) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <project-id>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				c, err := a.client()
				if err != nil {
					return err
				}
				project, err := c.SetProjectConnected(cmd.Context(), args[0], connected)
				if err != nil {
					return err
				}
				return a.print(cmd, project)
			},
		}
	}

	cmd.AddCommand(
		link,
		setConnected("connect", "Allow runs for a project", true),
		setConnected("disconnect", "Stop new runs for a project", false),
	)
	return cmd
}

func newRunsCmd(a *app) *cobra.Command {
	var filter client.RunFilter
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			runs, err := c.ListRuns(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return a.print(cmd, runs)
		},
	}
	cmd.Flags().StringVar(&filter.ProjectID, "project", "", "only runs of this project")
	cmd.Flags().StringVar(&filter.Status, "status", "", "only runs in this status")
	cmd.Flags().IntVar(&filter.Limit, "limit", 0, "maximum number of runs")

	get := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show one run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			run, err := c.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd, run)
		},
	}
	history := &cobra.Command{
		Use:   "history <run-id>",
		Short: "Show a run's status transitions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			transitions, err := c.Transitions(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd, transitions)
		},
	}
	cmd.AddCommand(get, history)
	return cmd
}

func newStartCmd(a *app) *cobra.Command {
	var runType string
	cmd := &cobra.Command{
		Use:   "start <project-id>",
		Short: "Start a run, paying one credit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			res, err := c.StartRun(cmd.Context(), args[0], runType)
			if err != nil {
				return err
			}
			return a.print(cmd, res)
		},
	}
	cmd.Flags().StringVar(&runType, "type", client.RunTypeFullStack, "run type (FULL_STACK|FRONTEND_ONLY)")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var afterSeq int
	cmd := &cobra.Command{
		Use:   "watch <run-id>",
		Short: "Follow a run's status until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			var last client.StatusEvent
			err = c.WatchRun(cmd.Context(), args[0], afterSeq, func(ev client.StatusEvent) error {
				last = ev
				fmt.Fprintf(cmd.ErrOrStderr(), "%s  #%d  %s\n", ev.OccurredAt.Format("15:04:05"), ev.Seq, ev.Status)
				return nil
			})
			if err != nil {
				return err
			}
			if last.Run != nil {
				return a.print(cmd, last.Run)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&afterSeq, "after-seq", -1, "replay transitions after this sequence number (-1: current status only)")
	return cmd
}

// newProgressCmd lets an operator act as a run's worker, using the run token as --token.
func newProgressCmd(a *app) *cobra.Command {
	var (
		p      client.Progress
		report string
	)
	cmd := &cobra.Command{
		Use:   "progress <run-id> <status>",
		Short: "Report worker progress for a run",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client()
			if err != nil {
				return err
			}
			if report != "" {
				f, err := os.Open(report)
				if err != nil {
					return err
				}
				defer f.Close()
				info, err := f.Stat()
				if err != nil {
					return err
				}
				up, err := c.UploadReport(cmd.Context(), args[0], f, info.Size(), "application/pdf")
				if err != nil {
					return fmt.Errorf("upload report: %w", err)
				}
				p.ReportURL = up.ReportURL
			}
			p.Status = args[1]
			res, err := c.ReportProgress(cmd.Context(), args[0], p)
			if err != nil {
				return err
			}
			return a.print(cmd, res)
		},
	}
	cmd.Flags().StringVar(&p.ExpectedStatus, "expected", "", "only apply if the run is currently in this status")
	cmd.Flags().StringVar(&p.PullRequestURL, "pull-request", "", "pull request url (COMPLETE only)")
	cmd.Flags().StringVar(&p.ReportURL, "report-url", "", "report url (COMPLETE only)")
	cmd.Flags().StringVar(&report, "report-file", "", "upload this PDF and use its url as the report url")
	cmd.Flags().IntVar(&p.BugsFixed, "bugs-fixed", 0, "number of bugs fixed (COMPLETE only)")
	cmd.Flags().StringVar(&p.Message, "message", "", "free-form progress message")
	return cmd
}
