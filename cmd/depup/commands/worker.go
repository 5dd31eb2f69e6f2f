package commands

import (
	"errors"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/openfroyo/deployupdate/pkg/policy"
	"github.com/openfroyo/deployupdate/pkg/workflows"
)

func newWorkerCommand(opts *globalOptions) *cobra.Command {
	var (
		local bool
		stdin bool
	)

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Record workflow completions and finalize updates",
		Long: `Run the completion side of the execution channel.

The worker pops completion frames from Redis, records the execution status
and finalizes the deployment update an update workflow was dispatched for.
While it runs it also serves Prometheus metrics when enabled and reloads
policy files on change when policies.watch is set.

A completion whose finalize fails is logged and skipped. Redelivering the
same terminal completion retries the finalize; so does
"depup update finalize".

  --local  also pop execution requests from Redis and run them in-process
  --stdin  read newline-delimited COMPLETION frames from standard input
           instead of Redis (works with the memory backend)`,
		Example: `  # Finalize updates as remote runners report back
  depup worker --config depup.yaml

  # Single node: run workflows and finalize in one process
  depup worker --config depup.yaml --local

  # Replay completions captured from a runner
  depup worker --stdin < completions.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := openRuntime(cmd.Context(), opts)
			if err != nil {
				return err
			}
			defer rt.Close()

			if !stdin && rt.redisQueue == nil {
				return errors.New("worker needs the redis queue backend or --stdin")
			}
			if local && rt.redisQueue == nil {
				return errors.New("--local needs the redis queue backend")
			}

			handler := rt.completionHandler()
			g, ctx := errgroup.WithContext(cmd.Context())

			g.Go(func() error {
				return rt.tel.Metrics.Serve(ctx, rt.tel.Logger)
			})

			if rt.policies != nil && rt.cfg.Policies.Watch && len(rt.cfg.Policies.Paths) > 0 {
				watcher, err := policy.NewWatcher(rt.policies, rt.cfg.Policies.Paths, rt.tel.Logger.Zerolog())
				if err != nil {
					return err
				}
				g.Go(func() error { return watcher.Run(ctx) })
			}

			if local {
				runner := workflows.NewLocalRunner(rt.redisQueue, handler, rt.tel,
					workflows.WithWorkers(rt.cfg.Queue.Workers))
				g.Go(func() error { return runner.Run(ctx) })
			}

			// The stdin stream ends the worker when it is exhausted.
			done := make(chan struct{})
			g.Go(func() error {
				defer close(done)
				if stdin {
					return handler.Consume(ctx, workflows.NewDecoder(cmd.InOrStdin()))
				}
				return handler.Consume(ctx, rt.redisQueue)
			})
			g.Go(func() error {
				select {
				case <-done:
					return errWorkerDone
				case <-ctx.Done():
					return nil
				}
			})

			log.Info().Bool("local", local).Bool("stdin", stdin).Msg("Worker started")
			if err := g.Wait(); err != nil && !errors.Is(err, errWorkerDone) {
				return err
			}
			log.Info().Msg("Worker stopped")
			return nil
		},
	}

	cmd.Flags().BoolVar(&local, "local", false, "run execution requests in-process")
	cmd.Flags().BoolVar(&stdin, "stdin", false, "read completions from standard input")

	return cmd
}

// errWorkerDone cancels the group once the completion source is exhausted.
var errWorkerDone = errors.New("completion source exhausted")
