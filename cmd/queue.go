package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/projecteru2/core/log"
	"github.com/spf13/cobra"

	"github.com/cocoonstack/flockd/queue"
	"github.com/cocoonstack/flockd/utils"
)

var queueCmd = func() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Operate the shared job queue",
	}

	add := &cobra.Command{
		Use:   "add DATA",
		Short: "Enqueue a job; DATA must be valid JSON",
		Args:  cobra.ExactArgs(1),
		RunE:  runQueueAdd,
	}
	add.Flags().Int("priority", 0, "higher priorities are claimed first")

	work := &cobra.Command{
		Use:   "work [-- COMMAND [ARGS...]]",
		Short: "Process jobs; COMMAND gets job data on stdin and prints the result",
		RunE:  runQueueWork,
	}
	work.Flags().String("id", "", "worker ID (default: random)")
	work.Flags().Int("concurrency", 0, "jobs run at once (default: pool_size)")
	work.Flags().Duration("idle", 0, "exit after the queue stays empty this long (0 runs until interrupted)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE:  runQueueList,
	}
	stats := &cobra.Command{
		Use:   "stats",
		Short: "Print queue and worker stats",
		Args:  cobra.NoArgs,
		RunE:  runQueueStats,
	}
	expire := &cobra.Command{
		Use:   "expire",
		Short: "Expire jobs processing longer than job_timeout",
		Args:  cobra.NoArgs,
		RunE:  runQueueExpire,
	}

	cmd.AddCommand(add, work, list, stats, expire)
	return cmd
}()

func openQueue() *queue.Queue {
	return queue.Open(conf.QueueFile(), lockOptions()...)
}

func runQueueAdd(cmd *cobra.Command, args []string) error {
	priority, _ := cmd.Flags().GetInt("priority")
	id, err := openQueue().Add(commandContext(cmd), json.RawMessage(args[0]), priority)
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runQueueWork(cmd *cobra.Command, args []string) error {
	ctx := commandContext(cmd)
	id, _ := cmd.Flags().GetString("id")
	if id == "" {
		id = "worker-" + utils.GenerateID()
	}
	concurrency, _ := cmd.Flags().GetInt("concurrency")
	if concurrency <= 0 {
		concurrency = conf.PoolSize
	}
	idle, _ := cmd.Flags().GetDuration("idle")

	handler := echoHandler
	if len(args) > 0 {
		handler = commandHandler(args)
	}

	w, err := queue.NewWorker(openQueue(), id, handler, concurrency, conf.JobTimeout)
	if err != nil {
		return err
	}
	defer w.Close()

	start := time.Now()
	n, err := w.Run(ctx, idle)
	log.WithFunc("cmd.queue.work").Infof(ctx, "worker %s handled %d job(s) in %s", id, n, units.HumanDuration(time.Since(start)))
	fmt.Printf("%s: %d job(s) handled\n", id, n)
	return err
}

// echoHandler completes every job with its own data.
func echoHandler(_ context.Context, job *queue.Job) (json.RawMessage, error) {
	return job.Data, nil
}

// commandHandler runs command per job with the job data on stdin. Output that
// is not JSON is stored as a JSON string.
func commandHandler(command []string) queue.Handler {
	return func(ctx context.Context, job *queue.Job) (json.RawMessage, error) {
		var stdout, stderr bytes.Buffer
		child := exec.CommandContext(ctx, command[0], command[1:]...) //nolint:gosec
		child.Stdin = bytes.NewReader(job.Data)
		child.Stdout, child.Stderr = &stdout, &stderr
		child.Env = append(os.Environ(), "FLOCKD_JOB_ID="+job.ID)
		if err := child.Run(); err != nil {
			return nil, fmt.Errorf("%s: %w: %s", command[0], err, bytes.TrimSpace(stderr.Bytes()))
		}
		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 {
			return nil, nil
		}
		if json.Valid(out) {
			return out, nil
		}
		return json.Marshal(string(out))
	}
}

func runQueueList(cmd *cobra.Command, _ []string) error {
	jobs, err := openQueue().List(commandContext(cmd))
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tWORKER\tCREATED\tDATA")
	for _, j := range jobs {
		worker := j.WorkerID
		if worker == "" {
			worker = "-"
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s ago\t%s\n",
			j.ID,
			j.Status,
			j.Priority,
			worker,
			units.HumanDuration(time.Since(j.Created)),
			truncate(string(j.Data), 40), //nolint:mnd
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func runQueueStats(cmd *cobra.Command, _ []string) error {
	st, err := openQueue().Stats(commandContext(cmd))
	if err != nil {
		return err
	}
	s := st.Stats
	fmt.Printf("Total: %d  Pending: %d  Completed: %d  Failed: %d  Expired: %d\n\n",
		s.TotalJobs, s.PendingJobs, s.CompletedJobs, s.FailedJobs, s.ExpiredJobs)

	ids := make([]string, 0, len(st.Workers))
	for id := range st.Workers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "WORKER\tPROCESSED\tCOMPLETED\tFAILED\tLAST SEEN")
	for _, id := range ids {
		ws := st.Workers[id]
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%s ago\n",
			id,
			ws.JobsProcessed,
			ws.JobsCompleted,
			ws.JobsFailed,
			units.HumanDuration(time.Since(ws.LastSeen)),
		)
	}
	w.Flush() //nolint:errcheck,gosec
	return nil
}

func runQueueExpire(cmd *cobra.Command, _ []string) error {
	if conf.JobTimeout <= 0 {
		return fmt.Errorf("expire: job_timeout is not set")
	}
	expired, err := openQueue().ExpireStale(commandContext(cmd), conf.JobTimeout)
	if err != nil {
		return err
	}
	for _, id := range expired {
		fmt.Println(id)
	}
	return nil
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
