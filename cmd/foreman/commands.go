package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/GoCodeAlone/foreman/agent"
	"github.com/GoCodeAlone/foreman/engine"
	"github.com/GoCodeAlone/foreman/internal/version"
	"github.com/GoCodeAlone/foreman/lock"
	"github.com/GoCodeAlone/foreman/server"
	"github.com/GoCodeAlone/foreman/task"
)

var titleCase = cases.Title(language.English)

// label renders a status such as "in_progress" as "In Progress".
func label[S ~string](s S) string {
	return titleCase.String(strings.ReplaceAll(string(s), "_", " "))
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

// --- version / status / stats ---

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.String("foreman"))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]string
		if err := client().get("/api/status", &result); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(result)
		}
		fmt.Printf("status:  %s\n", result["status"])
		fmt.Printf("version: %s\n", result["version"])
		if up := result["uptime"]; up != "" {
			fmt.Printf("uptime:  %s\n", up)
		}
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show queue, agent and lock statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		var s engine.Stats
		if err := client().get("/api/stats", &s); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(s)
		}
		fmt.Println("Tasks")
		for _, st := range task.Statuses {
			fmt.Printf("  %-12s %d\n", label(st), s.Tasks.ByStatus[st])
		}
		fmt.Printf("  %-12s %d\n", "Blocked", s.Blocked)
		if s.Tasks.CompletedWithDuration > 0 {
			fmt.Printf("  avg completion: %.1f min\n", s.Tasks.AvgCompletionMinutes)
		}
		fmt.Println("Agent workloads")
		ids := make([]string, 0, len(s.Workloads))
		for id := range s.Workloads {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Printf("  %-20s %d\n", id, s.Workloads[id])
		}
		fmt.Printf("Active locks: %d\n", s.Locks[lock.StatusActive])
		fmt.Printf("Unresolved conflicts: %d\n", s.UnresolvedConflicts)
		fmt.Printf("Unacknowledged alerts: %d\n", s.UnacknowledgedAlerts)
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:       "run <dispatch|timeouts|health|reap>",
	Short:     "Run one tick of a control loop now",
	Args:      cobra.ExactArgs(1),
	ValidArgs: engine.Loops,
	RunE: func(cmd *cobra.Command, args []string) error {
		var result map[string]any
		if err := client().post("/api/run/"+url.PathEscape(args[0]), nil, &result); err != nil {
			return err
		}
		return printJSON(result)
	},
}

var hashPasswordCmd = &cobra.Command{
	Use:   "hash-password [password]",
	Short: "Print the bcrypt hash for auth.admin_pass",
	Long:  "Reads the password from the argument, or from the first line of stdin when omitted.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var pw string
		if len(args) == 1 {
			pw = args[0]
		} else {
			sc := bufio.NewScanner(cmd.InOrStdin())
			if sc.Scan() {
				pw = sc.Text()
			}
		}
		hash, err := server.HashPassword(pw)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

// --- agents ---

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List agents",
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		path := "/api/agents"
		if status != "" {
			path += "?status=" + url.QueryEscape(status)
		}
		var agents []agent.Agent
		if err := client().get(path, &agents); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(agents)
		}
		if len(agents) == 0 {
			fmt.Println("no agents")
			return nil
		}
		fmt.Printf("%-20s %-12s %-5s %-20s %s\n", "ID", "STATUS", "LOAD", "LAST HEARTBEAT", "CAPABILITIES")
		fmt.Println(strings.Repeat("-", 90))
		for _, a := range agents {
			hb := "never"
			if a.LastHeartbeat != nil {
				hb = a.LastHeartbeat.Local().Format("2006-01-02 15:04:05")
			}
			fmt.Printf("%-20s %-12s %-5d %-20s %s\n",
				truncate(a.ID, 20), label(a.Status), a.Workload, hb, formatCaps(a.Capabilities))
		}
		return nil
	},
}

func formatCaps(c agent.Capabilities) string {
	tags := make([]string, 0, len(c))
	for tag, p := range c {
		tags = append(tags, fmt.Sprintf("%s:%d", tag, p))
	}
	sort.Strings(tags)
	return strings.Join(tags, " ")
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for _, f := range []string{"status", "assigned_to", "project_id"} {
			if v, _ := cmd.Flags().GetString(f); v != "" {
				q.Set(f, v)
			}
		}
		path := "/api/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var tasks []task.Task
		if err := client().get(path, &tasks); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(tasks)
		}
		if len(tasks) == 0 {
			fmt.Println("no tasks")
			return nil
		}
		fmt.Printf("%-36s %-30s %-12s %-4s %-16s %s\n", "ID", "TITLE", "STATUS", "PRIO", "AGENT", "RETRIES")
		fmt.Println(strings.Repeat("-", 112))
		for _, t := range tasks {
			fmt.Printf("%-36s %-30s %-12s %-4d %-16s %d\n",
				t.ID, truncate(t.Title, 29), label(t.Status), t.Priority, truncate(t.AssignedTo, 16), t.RetryCount)
		}
		return nil
	},
}

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and transition tasks",
}

var taskCreateCmd = &cobra.Command{
	Use:   "create <title>",
	Short: "Queue a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		req := engine.EnqueueRequest{Title: strings.Join(args, " ")}
		req.ProjectID, _ = f.GetString("project")
		req.Description, _ = f.GetString("description")
		req.RequiredCapabilities, _ = f.GetStringSlice("caps")
		req.Dependencies, _ = f.GetStringSlice("deps")
		if f.Changed("priority") {
			p, _ := f.GetInt("priority")
			prio := task.Priority(p)
			req.Priority = &prio
		}
		if f.Changed("estimate") {
			m, _ := f.GetInt("estimate")
			req.EstimatedMinutes = &m
		}
		var t task.Task
		if err := client().post("/api/tasks", req, &t); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(t)
		}
		fmt.Printf("created task %s\n", t.ID)
		return nil
	},
}

// transition builds a "task <verb> <id>" command that posts body(cmd) to
// /api/tasks/{id}/{verb}.
func transition(verb, short string, body func(*cobra.Command) (any, error)) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload any
			if body != nil {
				var err error
				if payload, err = body(cmd); err != nil {
					return err
				}
			}
			var t task.Task
			if err := client().post("/api/tasks/"+url.PathEscape(args[0])+"/"+verb, payload, &t); err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(t)
			}
			fmt.Printf("task %s is now %s\n", t.ID, label(t.Status))
			return nil
		},
	}
}

func agentBody(cmd *cobra.Command) (any, error) {
	id, _ := cmd.Flags().GetString("agent")
	if id == "" {
		return nil, errors.New("--agent is required")
	}
	return map[string]string{"agent_id": id}, nil
}

var (
	taskStartCmd    = transition("start", "Mark an assigned task as in progress", agentBody)
	taskCompleteCmd = transition("complete", "Mark a task as completed", func(cmd *cobra.Command) (any, error) {
		body := map[string]any{}
		body["result"], _ = cmd.Flags().GetString("result")
		if cmd.Flags().Changed("minutes") {
			body["actual_minutes"], _ = cmd.Flags().GetInt("minutes")
		}
		return body, nil
	})
	taskFailCmd = transition("fail", "Mark a task as failed", func(cmd *cobra.Command) (any, error) {
		msg, _ := cmd.Flags().GetString("error")
		return map[string]string{"error": msg}, nil
	})
	taskRetryCmd  = transition("retry", "Requeue a failed task", nil)
	taskCancelCmd = transition("cancel", "Cancel a task", nil)
)

// --- locks ---

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "List locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		if v, _ := cmd.Flags().GetString("holder"); v != "" {
			q.Set("holder_agent_id", v)
		}
		if all, _ := cmd.Flags().GetBool("all"); !all {
			q.Set("status", string(lock.StatusActive))
		}
		var locks []lock.FileLock
		if err := client().get("/api/locks?"+q.Encode(), &locks); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(locks)
		}
		if len(locks) == 0 {
			fmt.Println("no locks")
			return nil
		}
		fmt.Printf("%-36s %-30s %-16s %-9s %-14s %s\n", "ID", "RESOURCE", "HOLDER", "TYPE", "STATUS", "EXPIRES")
		fmt.Println(strings.Repeat("-", 120))
		for _, l := range locks {
			exp := "-"
			if l.ExpiresAt != nil {
				exp = l.ExpiresAt.Local().Format("15:04:05")
			}
			fmt.Printf("%-36s %-30s %-16s %-9s %-14s %s\n",
				l.ID, truncate(l.ResourcePath, 29), truncate(l.HolderAgentID, 16), l.Type, label(l.Status), exp)
		}
		return nil
	},
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Acquire and release resource locks",
}

var lockAcquireCmd = &cobra.Command{
	Use:   "acquire <path>",
	Short: "Acquire a lock on a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		body := map[string]string{"resource_path": args[0]}
		for flag, key := range map[string]string{
			"holder": "holder_agent_id", "type": "lock_type", "ttl": "ttl", "project": "project_id",
		} {
			if v, _ := f.GetString(flag); v != "" {
				body[key] = v
			}
		}
		var l lock.FileLock
		if err := client().post("/api/locks", body, &l); err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(l)
		}
		fmt.Printf("acquired %s lock %s on %s\n", l.Type, l.ID, l.ResourcePath)
		return nil
	},
}

var lockReleaseCmd = &cobra.Command{
	Use:   "release <path>",
	Short: "Release the holder's lock on a resource",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		holder, _ := cmd.Flags().GetString("holder")
		project, _ := cmd.Flags().GetString("project")
		body := map[string]string{"resource_path": args[0], "holder_agent_id": holder, "project_id": project}
		var l lock.FileLock
		if err := client().post("/api/locks/release", body, &l); err != nil {
			return err
		}
		fmt.Printf("released lock %s on %s\n", l.ID, l.ResourcePath)
		return nil
	},
}

var lockForceReleaseCmd = &cobra.Command{
	Use:   "force-release <lock-id>",
	Short: "Release a lock regardless of its holder",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		var l lock.FileLock
		if err := client().post("/api/locks/"+url.PathEscape(args[0])+"/force-release",
			map[string]string{"reason": reason}, &l); err != nil {
			return err
		}
		fmt.Printf("force released lock %s on %s (held by %s)\n", l.ID, l.ResourcePath, l.HolderAgentID)
		return nil
	},
}

func init() {
	agentsCmd.Flags().String("status", "", "only agents in this status")

	tasksCmd.Flags().String("status", "", "only tasks in this status")
	tasksCmd.Flags().String("assigned_to", "", "only tasks held by this agent")
	tasksCmd.Flags().String("project_id", "", "only tasks of this project")

	cf := taskCreateCmd.Flags()
	cf.Int("priority", int(task.PriorityNormal), "0 (critical) to 4 (background)")
	cf.StringSlice("caps", nil, "required capability tags")
	cf.StringSlice("deps", nil, "ids of tasks that must complete first")
	cf.Int("estimate", 0, "estimated minutes")
	cf.String("project", "", "project id")
	cf.String("description", "", "task description")
	taskStartCmd.Flags().String("agent", "", "id of the agent starting the task")
	taskCompleteCmd.Flags().String("result", "", "result summary")
	taskCompleteCmd.Flags().Int("minutes", 0, "actual minutes spent")
	taskFailCmd.Flags().String("error", "", "failure reason")
	taskCmd.AddCommand(taskCreateCmd, taskStartCmd, taskCompleteCmd, taskFailCmd, taskRetryCmd, taskCancelCmd)

	locksCmd.Flags().String("holder", "", "only locks held by this agent")
	locksCmd.Flags().Bool("all", false, "include released and expired locks")
	af := lockAcquireCmd.Flags()
	af.String("holder", "", "agent id requesting the lock")
	af.String("type", string(lock.TypeExclusive), "exclusive or shared")
	af.String("ttl", "", "lock lifetime, e.g. 30m (server default when empty)")
	af.String("project", "", "project id")
	lockReleaseCmd.Flags().String("holder", "", "agent id holding the lock")
	lockReleaseCmd.Flags().String("project", "", "project id")
	lockForceReleaseCmd.Flags().String("reason", "", "why the lock is being broken")
	lockCmd.AddCommand(lockAcquireCmd, lockReleaseCmd, lockForceReleaseCmd)
}
