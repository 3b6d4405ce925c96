package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/kursadbilgin/callback-engine/internal/domain"
	"github.com/kursadbilgin/callback-engine/internal/service"
	"github.com/spf13/cobra"
)

var callbackHeaders = []string{"ID", "CALLER", "QUEUE", "PRIORITY", "STATUS", "ATTEMPTS", "SCHEDULED_AT"}

// NewRootCmd builds the callbackctl command tree.
func NewRootCmd(version string, stdout io.Writer, stderr io.Writer) *cobra.Command {
	var (
		apiURL     string
		token      string
		jsonOutput bool
	)

	root := &cobra.Command{
		Use:           "callbackctl",
		Short:         "Operate the callback engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.PersistentFlags().StringVar(&apiURL, "api-url", "http://localhost:8080", "API server URL")
	root.PersistentFlags().StringVar(&token, "token", "", "Bearer token for the API")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	clientFn := func() *Client { return NewClient(apiURL, token) }
	outputFn := func() *Output { return NewOutput(jsonOutput, stdout, stderr) }

	root.AddCommand(
		newScheduleCmd(clientFn, outputFn),
		newListCmd(clientFn, outputFn),
		newShowCmd(clientFn, outputFn),
		newExecuteCmd(clientFn, outputFn),
		newNextCmd(clientFn, outputFn),
		newCancelCmd(clientFn, outputFn),
		newRescheduleCmd(clientFn, outputFn),
		newPriorityCmd(clientFn, outputFn),
		newNoteCmd(clientFn, outputFn),
		newCompleteCmd(clientFn, outputFn),
		newClearCmd(clientFn, outputFn),
		newStatsCmd(clientFn, outputFn),
		newAutoRunCmd(clientFn, outputFn),
		newStorageCmd(clientFn, outputFn),
	)

	return root
}

func newScheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		in       service.ScheduleInput
		at       string
		metadata []string
	)

	cmd := &cobra.Command{
		Use:   "schedule NUMBER",
		Short: "Schedule a callback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.CallerNumber = args[0]

			if at != "" {
				t, err := parseWhen(at, time.Now())
				if err != nil {
					return err
				}
				in.ScheduledAt = &t
			}

			if len(metadata) > 0 {
				in.Metadata = make(map[string]string, len(metadata))
				for _, kv := range metadata {
					parts := strings.SplitN(kv, "=", 2)
					if len(parts) != 2 {
						return fmt.Errorf("invalid metadata %q, expected KEY=VALUE", kv)
					}
					in.Metadata[parts[0]] = parts[1]
				}
			}

			rec, err := clientFn().Schedule(cmd.Context(), in)
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Callback scheduled: %s", rec.ID))
			out.Print(callbackHeaders, [][]string{callbackRow(rec)}, rec)
			return nil
		},
	}

	cmd.Flags().StringVar(&in.CallerName, "name", "", "Caller name")
	cmd.Flags().StringVar(&in.TargetQueue, "queue", "", "Target queue")
	cmd.Flags().StringVar(&in.TargetAgent, "agent", "", "Target agent extension")
	cmd.Flags().StringVar(&in.Reason, "reason", "", "Reason for the callback")
	cmd.Flags().StringVar(&in.Priority, "priority", "normal", "low, normal, high or urgent")
	cmd.Flags().IntVar(&in.MaxAttempts, "max-attempts", 0, "Maximum dial attempts")
	cmd.Flags().StringVar(&at, "at", "", "When to call: RFC3339 time or a delay like 15m")
	cmd.Flags().StringSliceVar(&metadata, "meta", nil, "Metadata as KEY=VALUE (repeatable)")

	return cmd
}

func newListCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		status string
		due    bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List callbacks",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()

			var (
				records []domain.CallbackRequest
				err     error
			)
			if due {
				records, err = client.Due(cmd.Context())
			} else {
				records, err = client.List(cmd.Context(), status)
			}
			if err != nil {
				return err
			}

			rows := make([][]string, len(records))
			for i, rec := range records {
				rows[i] = callbackRow(rec)
			}
			outputFn().Print(callbackHeaders, rows, records)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status")
	cmd.Flags().BoolVar(&due, "due", false, "Show only due callbacks in execution order")

	return cmd
}

func newShowCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var attempts bool

	cmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show callback details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()
			out := outputFn()

			if attempts {
				list, err := client.Attempts(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows := make([][]string, len(list))
				for i, a := range list {
					rows[i] = []string{
						strconv.Itoa(a.AttemptNumber), a.Channel, a.Disposition.String(),
						strconv.Itoa(a.DurationSeconds), formatTime(&a.StartedAt), a.Error,
					}
				}
				out.Print([]string{"ATTEMPT", "CHANNEL", "DISPOSITION", "DURATION", "STARTED_AT", "ERROR"}, rows, list)
				return nil
			}

			rec, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out.Print(
				[]string{"ID", "CALLER", "NAME", "QUEUE", "AGENT", "PRIORITY", "STATUS", "ATTEMPTS", "DISPOSITION", "NOTES"},
				[][]string{{
					rec.ID, rec.CallerNumber, rec.CallerName, rec.TargetQueue, rec.TargetAgent,
					rec.Priority.String(), rec.Status.String(),
					fmt.Sprintf("%d/%d", rec.Attempts, rec.MaxAttempts),
					rec.Disposition.String(), oneLine(rec.Notes),
				}},
				rec,
			)
			return nil
		},
	}

	cmd.Flags().BoolVar(&attempts, "attempts", false, "Show the attempt log instead")

	return cmd
}

func newExecuteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var next bool

	cmd := &cobra.Command{
		Use:   "execute [ID]",
		Short: "Dial a callback now",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := clientFn()

			var (
				rec domain.CallbackRequest
				err error
			)
			switch {
			case next || len(args) == 0:
				rec, err = client.ExecuteNext(cmd.Context())
			default:
				rec, err = client.Execute(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}

			out := outputFn()
			out.Success(fmt.Sprintf("Dialing %s (attempt %d)", rec.ID, rec.Attempts))
			out.Print(callbackHeaders, [][]string{callbackRow(rec)}, rec)
			return nil
		},
	}

	cmd.Flags().BoolVar(&next, "next", false, "Dial the head of the due list")

	return cmd
}

func newNextCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "next",
		Short: "Dial the highest-priority due callback",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := clientFn().ExecuteNext(cmd.Context())
			if err != nil {
				return err
			}
			return printRecord(outputFn(), fmt.Sprintf("Dialing %s (attempt %d)", rec.ID, rec.Attempts), rec)
		},
	}
}

func newCancelCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a callback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := clientFn().Cancel(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			return printRecord(outputFn(), "Callback cancelled", rec)
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "Cancellation reason")

	return cmd
}

func newRescheduleCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "reschedule ID WHEN",
		Short: "Move a callback to a new time (RFC3339 or a delay like 2h)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseWhen(args[1], time.Now())
			if err != nil {
				return err
			}

			rec, err := clientFn().Reschedule(cmd.Context(), args[0], at)
			if err != nil {
				return err
			}
			return printRecord(outputFn(), "Callback rescheduled", rec)
		},
	}
}

func newPriorityCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "priority ID PRIORITY",
		Short: "Change callback priority",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := clientFn().SetPriority(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printRecord(outputFn(), "Priority updated", rec)
		},
	}
}

func newNoteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var author string

	cmd := &cobra.Command{
		Use:   "note ID TEXT",
		Short: "Append a note to a callback",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := clientFn().AddNotes(cmd.Context(), args[0], strings.Join(args[1:], " "), author)
			if err != nil {
				return err
			}
			return printRecord(outputFn(), "Note added", rec)
		},
	}

	cmd.Flags().StringVar(&author, "author", "", "Note author (defaults to the token operator)")

	return cmd
}

func newCompleteCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var (
		disposition string
		handledBy   string
	)

	cmd := &cobra.Command{
		Use:   "complete ID",
		Short: "Mark a callback completed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := clientFn().Complete(cmd.Context(), args[0], disposition, handledBy)
			if err != nil {
				return err
			}
			return printRecord(outputFn(), "Callback completed", rec)
		},
	}

	cmd.Flags().StringVar(&disposition, "disposition", "", "Final disposition (default answered)")
	cmd.Flags().StringVar(&handledBy, "handled-by", "", "Agent who handled the call")

	return cmd
}

func newClearCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:       "clear completed|failed",
		Short:     "Remove completed or failed callbacks",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"completed", "failed"},
		RunE: func(cmd *cobra.Command, args []string) error {
			removed, err := clientFn().Clear(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := outputFn()
			out.Success(fmt.Sprintf("Removed %d %s callbacks", removed, args[0]))
			out.Print([]string{"REMOVED"}, [][]string{{strconv.Itoa(removed)}}, map[string]int{"removed": removed})
			return nil
		},
	}
}

func newStatsCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := clientFn().Stats(cmd.Context())
			if err != nil {
				return err
			}

			rows := [][]string{
				{"total", strconv.Itoa(stats.Total)},
				{"due", strconv.Itoa(stats.Due)},
				{"in_progress", strconv.FormatBool(stats.InProgress)},
				{"completed_today", strconv.Itoa(stats.CompletedToday)},
				{"failed_today", strconv.Itoa(stats.FailedToday)},
				{"avg_duration_s", strconv.FormatFloat(stats.AverageDurationSeconds, 'f', 1, 64)},
				{"oldest_due_s", strconv.Itoa(stats.OldestDueSeconds)},
			}
			for _, s := range []domain.Status{
				domain.StatusPending, domain.StatusScheduled, domain.StatusInProgress,
				domain.StatusCompleted, domain.StatusFailed, domain.StatusCancelled,
			} {
				rows = append(rows, []string{"status." + s.String(), strconv.Itoa(stats.ByStatus[s])})
			}
			for _, p := range domain.AllPriorities() {
				rows = append(rows, []string{"waiting." + p.String(), strconv.Itoa(stats.WaitingByPriority[p])})
			}

			outputFn().Print([]string{"METRIC", "VALUE"}, rows, stats)
			return nil
		},
	}
}

func newAutoRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "autorun",
		Short: "Control the auto-runner",
	}

	actions := []struct {
		use    string
		short  string
		method string
	}{
		{use: "start", short: "Start dialing due callbacks automatically", method: "POST"},
		{use: "stop", short: "Stop the auto-runner", method: "DELETE"},
		{use: "status", short: "Show whether the auto-runner is running", method: "GET"},
	}

	for _, action := range actions {
		cmd.AddCommand(&cobra.Command{
			Use:   action.use,
			Short: action.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				running, err := clientFn().AutoRunner(cmd.Context(), action.method)
				if err != nil {
					return err
				}
				outputFn().Print([]string{"RUNNING"}, [][]string{{strconv.FormatBool(running)}}, runnerStatus{Running: running})
				return nil
			},
		})
	}

	return cmd
}

func newStorageCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "storage",
		Short: "Load, save or clear persisted callbacks",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "load",
			Short: "Merge persisted callbacks into memory",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := clientFn().LoadStorage(cmd.Context())
				if err != nil {
					return err
				}
				outputFn().Success(fmt.Sprintf("Loaded %d callbacks", n))
				return nil
			},
		},
		&cobra.Command{
			Use:   "save",
			Short: "Write all callbacks to storage",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := clientFn().SaveStorage(cmd.Context())
				if err != nil {
					return err
				}
				outputFn().Success(fmt.Sprintf("Saved %d callbacks", n))
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Delete all persisted callbacks",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := clientFn().ClearStorage(cmd.Context()); err != nil {
					return err
				}
				outputFn().Success("Storage cleared")
				return nil
			},
		},
	)

	return cmd
}

func printRecord(out *Output, msg string, rec domain.CallbackRequest) error {
	out.Success(msg)
	out.Print(callbackHeaders, [][]string{callbackRow(rec)}, rec)
	return nil
}

func callbackRow(rec domain.CallbackRequest) []string {
	return []string{
		rec.ID,
		rec.CallerNumber,
		rec.TargetQueue,
		rec.Priority.String(),
		rec.Status.String(),
		fmt.Sprintf("%d/%d", rec.Attempts, rec.MaxAttempts),
		formatTime(rec.ScheduledAt),
	}
}

// parseWhen accepts an RFC3339 timestamp or a delay relative to now.
func parseWhen(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(value); err == nil && d >= 0 {
		return now.Add(d).UTC().Truncate(time.Second), nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q: use RFC3339 or a delay like 30m", value)
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Format(time.RFC3339)
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " | ")
	if len([]rune(s)) > 60 {
		return string([]rune(s)[:57]) + "..."
	}
	return s
}
