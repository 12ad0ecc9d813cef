package main

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tannus-ai/tannus/optimizer"
	"github.com/tannus-ai/tannus/plan"
	"github.com/tannus-ai/tannus/runner"
	"github.com/tannus-ai/tannus/task"
)

func esc(s string) string { return url.PathEscape(s) }

func healthCmd(cli *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check server health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var h struct {
				Status        string `json:"status"`
				Version       string `json:"version"`
				UptimeSeconds int64  `json:"uptime_seconds"`
				LiveClients   int    `json:"live_clients"`
			}
			if err := cli.get(cmd.Context(), "/api/health", &h); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s %s\n", titleStyle.Render("tannusd"), h.Version)
			fmt.Fprintf(out, "status:  %s\n", doneStyle.Render(h.Status))
			fmt.Fprintf(out, "uptime:  %s\n", time.Duration(h.UptimeSeconds)*time.Second)
			fmt.Fprintf(out, "clients: %d\n", h.LiveClients)
			return nil
		},
	}
}

func loginCmd(cli *Client) *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login <username>",
		Short: "Exchange credentials for a token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Token     string `json:"token"`
				ExpiresIn int    `json:"expires_in"`
			}
			body := map[string]string{"username": args[0], "password": password}
			if _, err := cli.post(cmd.Context(), "/api/auth/login", body, &resp); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.Token)
			fmt.Fprintln(cmd.ErrOrStderr(), mutedStyle.Render(
				fmt.Sprintf("expires in %s; export TANNUS_TOKEN to reuse it", time.Duration(resp.ExpiresIn)*time.Second)))
			return nil
		},
	}
	cmd.Flags().StringVarP(&password, "password", "p", "", "password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func submitCmd(cli *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <task...>",
		Short: "Submit a task and start an agent on it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Task      task.Task `json:"task"`
				PlanID    string    `json:"plan_id"`
				SessionID string    `json:"session_id"`
			}
			msg, err := cli.post(cmd.Context(), "/api/tasks", map[string]string{"task": strings.Join(args, " ")}, &resp)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, doneStyle.Render(msg))
			fmt.Fprintf(out, "task:    %s\n", resp.Task.ID)
			fmt.Fprintf(out, "plan:    %s\n", resp.PlanID)
			fmt.Fprintf(out, "session: %s\n", resp.SessionID)
			return nil
		},
	}
}

func tasksCmd(cli *Client) *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "tasks [id]",
		Short: "List tasks, or show one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 1 {
				var t task.Task
				if err := cli.get(cmd.Context(), "/api/tasks/"+esc(args[0]), &t); err != nil {
					return err
				}
				fmt.Fprintf(out, "%s %s\n", titleStyle.Render(t.ID), renderStatus(string(t.Status)))
				fmt.Fprintf(out, "task:    %s\n", t.Text)
				fmt.Fprintf(out, "plan:    %s\n", t.PlanID)
				fmt.Fprintf(out, "session: %s\n", t.SessionID)
				if t.Error != "" {
					fmt.Fprintf(out, "error:   %s\n", errStyle.Render(t.Error))
				}
				return nil
			}
			path := "/api/tasks"
			if status != "" {
				path += "?status=" + url.QueryEscape(status)
			}
			var tasks []task.Task
			if err := cli.get(cmd.Context(), path, &tasks); err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("no tasks"))
				return nil
			}
			rows := make([][]string, 0, len(tasks))
			for _, t := range tasks {
				rows = append(rows, []string{t.ID, renderStatus(string(t.Status)), truncate(t.Text, 50)})
			}
			table(out, []string{"ID", "STATUS", "TASK"}, rows)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	return cmd
}

func planCmd(cli *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Manage plans",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var plans []*plan.Plan
			if err := cli.get(cmd.Context(), "/api/planning/list", &plans); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(plans) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("no plans"))
				return nil
			}
			rows := make([][]string, 0, len(plans))
			for _, p := range plans {
				pr := p.Progress()
				rows = append(rows, []string{
					p.ID,
					renderStatus(string(p.Status)),
					fmt.Sprintf("%d/%d", pr.CompletedSteps, pr.TotalSteps),
					truncate(p.Title, 50),
				})
			}
			table(out, []string{"ID", "STATUS", "STEPS", "TITLE"}, rows)
			return nil
		},
	}

	get := &cobra.Command{
		Use:   "get <id>",
		Short: "Show a plan and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p plan.Plan
			if err := cli.get(cmd.Context(), "/api/planning/get/"+esc(args[0]), &p); err != nil {
				return err
			}
			printPlan(cmd, &p)
			return nil
		},
	}

	var steps []string
	create := &cobra.Command{
		Use:   "create <task...>",
		Short: "Create a plan, from the default template unless --step is given",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var p plan.Plan
			body := map[string]any{"task": strings.Join(args, " ")}
			if len(steps) > 0 {
				body["steps"] = steps
			}
			if _, err := cli.post(cmd.Context(), "/api/planning/create", body, &p); err != nil {
				return err
			}
			printPlan(cmd, &p)
			return nil
		},
	}
	create.Flags().StringArrayVar(&steps, "step", nil, "step description (repeatable)")

	md := &cobra.Command{
		Use:   "md <id>",
		Short: "Print a plan as markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Markdown string `json:"markdown"`
			}
			if err := cli.get(cmd.Context(), "/api/planning/markdown/"+esc(args[0]), &resp); err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), resp.Markdown)
			return nil
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			msg, err := cli.do(cmd.Context(), "DELETE", "/api/planning/delete/"+esc(args[0]), nil, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	cmd.AddCommand(list, get, create, md, del)
	return cmd
}

func printPlan(cmd *cobra.Command, p *plan.Plan) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s\n", titleStyle.Render(p.Title), renderStatus(string(p.Status)))
	fmt.Fprintln(out, mutedStyle.Render("id: "+p.ID))
	if p.Description != "" {
		fmt.Fprintln(out, p.Description)
	}
	fmt.Fprintln(out, progressBar(p.Progress().ProgressPercentage, 20))
	for i, s := range p.Steps {
		box := wipStyle.Render("[ ]")
		if s.Completed {
			box = doneStyle.Render("[x]")
		}
		fmt.Fprintf(out, "%3d. %s %s\n", i, box, s.Description)
	}
}

func stepCmd(cli *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "step",
		Short: "Add or toggle plan steps",
	}

	add := &cobra.Command{
		Use:   "add <plan> <description...>",
		Short: "Append a step",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{"description": strings.Join(args[1:], " ")}
			msg, err := cli.post(cmd.Context(), "/api/tracking/add-step/"+esc(args[0]), body, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}

	toggle := func(use, short, route string) *cobra.Command {
		return &cobra.Command{
			Use:   use + " <plan> <index>",
			Short: short,
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := strconv.Atoi(args[1]); err != nil {
					return fmt.Errorf("step index must be a number: %q", args[1])
				}
				msg, err := cli.post(cmd.Context(), "/api/tracking/"+route+"/"+esc(args[0])+"/"+args[1], nil, nil)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), msg)
				return nil
			},
		}
	}

	cmd.AddCommand(
		add,
		toggle("done", "Mark a step completed", "mark-completed"),
		toggle("undo", "Mark a step not completed", "mark-uncompleted"),
	)
	return cmd
}

func noteCmd(cli *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "note <plan> <text...>",
		Short: "Append a note to a plan",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{"note": strings.Join(args[1:], " ")}
			msg, err := cli.post(cmd.Context(), "/api/tracking/add-note/"+esc(args[0]), body, nil)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), msg)
			return nil
		},
	}
}

func runCmd(cli *Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Control indefinite agent sessions",
	}

	var planID, sessionID string
	start := &cobra.Command{
		Use:   "start [task...]",
		Short: "Start a session on a plan or a new task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if planID == "" && len(args) == 0 {
				return fmt.Errorf("need a task or --plan")
			}
			req := runner.StartRequest{Task: strings.Join(args, " "), PlanID: planID, SessionID: sessionID}
			var snap runner.Snapshot
			msg, err := cli.post(cmd.Context(), "/api/indefinite/start", req, &snap)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), doneStyle.Render(msg))
			printSnapshot(cmd, &snap)
			return nil
		},
	}
	start.Flags().StringVar(&planID, "plan", "", "existing plan id")
	start.Flags().StringVar(&sessionID, "session", "", "session id (generated when empty)")

	status := &cobra.Command{
		Use:   "status [session]",
		Short: "Show one session, or list all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				var snap runner.Snapshot
				if err := cli.get(cmd.Context(), "/api/indefinite/status/"+esc(args[0]), &snap); err != nil {
					return err
				}
				printSnapshot(cmd, &snap)
				return nil
			}
			var snaps []runner.Snapshot
			if err := cli.get(cmd.Context(), "/api/indefinite/sessions", &snaps); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(snaps) == 0 {
				fmt.Fprintln(out, mutedStyle.Render("no sessions"))
				return nil
			}
			rows := make([][]string, 0, len(snaps))
			for _, s := range snaps {
				rows = append(rows, []string{
					s.SessionID,
					renderStatus(string(s.Status)),
					fmt.Sprintf("%.0f%%", s.Progress),
					strconv.Itoa(s.Iterations),
					s.PlanID,
				})
			}
			table(out, []string{"SESSION", "STATUS", "PROGRESS", "ITER", "PLAN"}, rows)
			return nil
		},
	}

	control := func(action, short string) *cobra.Command {
		return &cobra.Command{
			Use:   action + " <session>",
			Short: short,
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				var snap runner.Snapshot
				msg, err := cli.post(cmd.Context(), "/api/indefinite/"+action+"/"+esc(args[0]), nil, &snap)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s)\n", msg, renderStatus(string(snap.Status)))
				return nil
			},
		}
	}

	cmd.AddCommand(
		start,
		status,
		control("pause", "Pause a running session"),
		control("resume", "Resume a paused session"),
		control("stop", "Stop a session"),
	)
	return cmd
}

func printSnapshot(cmd *cobra.Command, s *runner.Snapshot) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s\n", titleStyle.Render(s.SessionID), renderStatus(string(s.Status)))
	fmt.Fprintf(out, "plan:       %s\n", s.PlanID)
	if s.Task != "" {
		fmt.Fprintf(out, "task:       %s\n", truncate(s.Task, 70))
	}
	fmt.Fprintf(out, "progress:   %s\n", progressBar(s.Progress, 20))
	fmt.Fprintf(out, "iterations: %d\n", s.Iterations)
	if !s.StartTime.IsZero() {
		fmt.Fprintf(out, "started:    %s\n", s.StartTime.Local().Format(time.DateTime))
	}
	if s.Error != "" {
		fmt.Fprintf(out, "error:      %s\n", errStyle.Render(s.Error))
	}
}

func perfCmd(cli *Client) *cobra.Command {
	return &cobra.Command{
		Use:   "perf",
		Short: "Show per-endpoint latency and cache settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var resp struct {
				Metrics map[string]optimizer.EndpointStats `json:"metrics"`
				Cache   struct {
					PlanTTL   float64 `json:"plan_ttl_seconds"`
					StatusTTL float64 `json:"status_ttl_seconds"`
				} `json:"cache"`
				MaxRequestsPerMinute int `json:"max_requests_per_minute"`
			}
			if err := cli.get(cmd.Context(), "/api/performance", &resp); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			names := make([]string, 0, len(resp.Metrics))
			for name := range resp.Metrics {
				names = append(names, name)
			}
			sort.Strings(names)
			rows := make([][]string, 0, len(names))
			for _, name := range names {
				m := resp.Metrics[name]
				rows = append(rows, []string{
					name,
					strconv.Itoa(m.Count),
					ms(m.AvgDuration),
					ms(m.MinDuration),
					ms(m.MaxDuration),
				})
			}
			table(out, []string{"ENDPOINT", "COUNT", "AVG", "MIN", "MAX"}, rows)
			fmt.Fprintln(out, mutedStyle.Render(fmt.Sprintf("plan ttl %gs, status ttl %gs, limit %d req/min",
				resp.Cache.PlanTTL, resp.Cache.StatusTTL, resp.MaxRequestsPerMinute)))
			return nil
		},
	}
}

// ms formats a duration given in seconds.
func ms(seconds float64) string {
	return fmt.Sprintf("%.1fms", seconds*1000)
}
