package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/pkg/client"
	"github.com/droverhq/drover/pkg/types"
)

func apiClient(cmd *cobra.Command) *client.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return client.New(addr)
}

// Task commands
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Submit and inspect tasks",
}

var taskSubmitCmd = &cobra.Command{
	Use:   "submit KIND",
	Short: "Submit a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		priority, _ := cmd.Flags().GetInt("priority")
		payloadJSON, _ := cmd.Flags().GetString("payload")
		at, _ := cmd.Flags().GetString("at")

		task := &types.Task{
			Kind:     types.TaskKind(args[0]),
			Priority: types.Priority(priority),
			TenantID: tenant,
		}
		if payloadJSON != "" {
			if err := json.Unmarshal([]byte(payloadJSON), &task.Payload); err != nil {
				return fmt.Errorf("invalid --payload: %w", err)
			}
		}
		if at != "" {
			ts, err := time.Parse(time.RFC3339, at)
			if err != nil {
				return fmt.Errorf("invalid --at, want RFC3339: %w", err)
			}
			task.ScheduledAt = &ts
		}

		id, err := apiClient(cmd).SubmitTask(cmd.Context(), task)
		if err != nil {
			return err
		}
		fmt.Println(id)
		return nil
	},
}

var taskStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a task record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		task, err := apiClient(cmd).GetTask(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(task)
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel ID",
	Short: "Request cancellation of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiClient(cmd).CancelTask(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Println("cancellation requested")
		return nil
	},
}

var taskUpcomingCmd = &cobra.Command{
	Use:   "upcoming",
	Short: "List tasks due within a horizon",
	RunE: func(cmd *cobra.Command, args []string) error {
		horizonM, _ := cmd.Flags().GetInt("horizon-m")
		tasks, err := apiClient(cmd).UpcomingTasks(cmd.Context(), time.Duration(horizonM)*time.Minute)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tPRIORITY\tSTATUS\tSCHEDULED")
		for _, t := range tasks {
			scheduled := ""
			if t.ScheduledAt != nil {
				scheduled = t.ScheduledAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", t.ID, t.Kind, t.Priority, t.Status, scheduled)
		}
		return w.Flush()
	},
}

// Workflow commands
var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Submit and inspect workflows",
}

var workflowSubmitCmd = &cobra.Command{
	Use:   "submit FILE",
	Short: "Submit a workflow definition from a JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var def types.WorkflowDefinition
		if err := json.Unmarshal(data, &def); err != nil {
			return fmt.Errorf("invalid workflow definition: %w", err)
		}

		wf, err := apiClient(cmd).SubmitWorkflow(cmd.Context(), &def)
		if err != nil {
			return err
		}
		fmt.Println(wf.ID)
		return nil
	},
}

var workflowStatusCmd = &cobra.Command{
	Use:   "status ID",
	Short: "Show a workflow record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		wf, err := apiClient(cmd).GetWorkflow(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(wf)
	},
}

// Worker commands
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Inspect the worker fleet",
}

var workerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered worker instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		workers, err := apiClient(cmd).ListWorkers(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tHEALTH\tCAPACITY\tSUCCESS\tLAST ACTIVITY")
		for _, inst := range workers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%.2f\t%s\n",
				inst.ID, inst.Kind, inst.Health,
				inst.UsedCapacity, inst.MaxCapacity,
				inst.SuccessRate,
				inst.LastActivity.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

// Dead-letter commands
var deadletterCmd = &cobra.Command{
	Use:   "deadletter",
	Short: "Inspect and requeue dead-lettered tasks",
}

var deadletterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the dead-letter queue",
	RunE: func(cmd *cobra.Command, args []string) error {
		letters, err := apiClient(cmd).ListDeadLetters(cmd.Context())
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tKIND\tERROR TAG\tERROR\tMOVED")
		for _, l := range letters {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				l.Task.ID, l.Task.Kind, l.Task.ErrorTag, l.Task.Error,
				l.MovedAt.Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var deadletterRequeueCmd = &cobra.Command{
	Use:   "requeue",
	Short: "Re-admit recent dead letters to their queues",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxAgeH, _ := cmd.Flags().GetInt("max-age-h")
		ids, err := apiClient(cmd).RequeueDeadLetters(cmd.Context(), time.Duration(maxAgeH)*time.Hour)
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Println(id)
		}
		fmt.Fprintf(os.Stderr, "requeued %d task(s)\n", len(ids))
		return nil
	},
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func init() {
	taskCmd.AddCommand(taskSubmitCmd)
	taskCmd.AddCommand(taskStatusCmd)
	taskCmd.AddCommand(taskCancelCmd)
	taskCmd.AddCommand(taskUpcomingCmd)

	taskSubmitCmd.Flags().String("tenant", "", "Tenant the task belongs to")
	taskSubmitCmd.Flags().Int("priority", int(types.PriorityNormal), "Priority 1 (critical) to 5 (background)")
	taskSubmitCmd.Flags().String("payload", "", "Task payload as a JSON object")
	taskSubmitCmd.Flags().String("at", "", "Earliest run time, RFC3339")
	taskSubmitCmd.MarkFlagRequired("tenant")

	taskUpcomingCmd.Flags().Int("horizon-m", 60, "Horizon in minutes")

	workflowCmd.AddCommand(workflowSubmitCmd)
	workflowCmd.AddCommand(workflowStatusCmd)

	workerCmd.AddCommand(workerListCmd)

	deadletterCmd.AddCommand(deadletterListCmd)
	deadletterCmd.AddCommand(deadletterRequeueCmd)
	deadletterRequeueCmd.Flags().Int("max-age-h", 72, "Only requeue dead letters younger than this many hours")
}
