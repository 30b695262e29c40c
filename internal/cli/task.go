package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// NewTaskCmd создаёт группу команд для работы с task'ами.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect tasks",
	}

	cmd.AddCommand(
		newTaskSubmitCmd(clientFn, outputFn),
		newTaskGetCmd(clientFn, outputFn),
		newTaskWaitCmd(clientFn, outputFn),
	)

	return cmd
}

func newTaskSubmitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var taskID string
	var wait bool
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "submit PAYLOAD",
		Short: "Submit a task",
		Long: "Submit a task. PAYLOAD is a JSON value; anything that is not valid JSON\n" +
			"is sent as a JSON string, so `dtq task submit crash` submits \"crash\".",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			payload, err := ParsePayload(args[0])
			if err != nil {
				return err
			}

			resp, err := client.SubmitTask(cmd.Context(), payload, taskID)
			if err != nil {
				return err
			}
			out.Success(fmt.Sprintf("Task submitted: %s", resp.TaskID))

			if !wait {
				out.Print(
					[]string{"TASK_ID", "STATUS"},
					[][]string{{resp.TaskID, resp.Status}},
					resp,
				)
				return nil
			}
			return waitAndPrint(cmd.Context(), client, out, resp.TaskID, timeout, defaultPollInterval)
		},
	}

	cmd.Flags().StringVar(&taskID, "id", "", "Task ID (generated by the server if empty)")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait until the task is done or failed")
	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Maximum time to wait with --wait")

	return cmd
}

func newTaskGetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show task status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := clientFn().GetTask(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			outputFn().Task(task)
			return nil
		},
	}
}

func newTaskWaitCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var timeout time.Duration
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "wait ID",
		Short: "Wait until a task is done or failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return waitAndPrint(cmd.Context(), clientFn(), outputFn(), args[0], timeout, interval)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Minute, "Maximum time to wait")
	cmd.Flags().DurationVar(&interval, "interval", defaultPollInterval, "Polling interval")

	return cmd
}

const defaultPollInterval = 500 * time.Millisecond

// waitAndPrint ждёт исхода task и печатает её. Failed task — ошибка команды.
func waitAndPrint(ctx context.Context, client *Client, out *Output, id string, timeout, interval time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	task, err := client.WaitTask(ctx, id, interval)
	if err != nil {
		return err
	}
	out.Task(task)

	if task.Status == "failed" {
		return fmt.Errorf("task %s failed: %s", task.TaskID, deref(task.Error))
	}
	return nil
}

// ParsePayload превращает аргумент командной строки в JSON payload.
// Невалидный JSON отправляется строкой.
func ParsePayload(arg string) (json.RawMessage, error) {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg), nil
	}
	data, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
