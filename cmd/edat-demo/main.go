// edat-demo runs example workloads on an in-process multi-rank world,
// exercising the scheduler, messaging and termination protocol without
// needing a launcher.
package main

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/severinstrobl/edat/pkg/config"
	"github.com/severinstrobl/edat/pkg/edat"
	"github.com/severinstrobl/edat/pkg/observability"
	"github.com/severinstrobl/edat/pkg/transport/mem"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "edat-demo",
		Short:        "Run event-driven tasking workloads on an in-process world",
		SilenceUsage: true,
	}

	var ranks, threads int
	var logLevel string
	run := &cobra.Command{
		Use:   "run <workload>",
		Short: "Run a named workload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wl, ok := workloads[args[0]]
			if !ok {
				return fmt.Errorf("unknown workload %q, try `edat-demo list`", args[0])
			}
			return runWorkload(wl, ranks, threads, logLevel)
		},
	}
	run.Flags().IntVar(&ranks, "ranks", 2, "number of ranks in the in-process world")
	run.Flags().IntVar(&threads, "threads", 2, "worker threads per rank")
	run.Flags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List the available workloads",
		Run: func(cmd *cobra.Command, args []string) {
			names := make([]string, 0, len(workloads))
			for name := range workloads {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Printf("%-12s %s\n", name, workloads[name].About)
			}
		},
	}

	root.AddCommand(run, list)
	return root
}

func runWorkload(wl workload, ranks, threads int, logLevel string) error {
	// The launcher is rank-agnostic; each in-process rank tags entries
	// itself through the shared logger.
	logger, err := observability.SetupLogger(config.LogConfig{Level: logLevel, Format: "console", Outputs: []string{"stderr"}}, -1)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	world := mem.NewWorld(ranks)
	eps := world.Endpoints()
	errs := make([]error, ranks)
	var wg sync.WaitGroup
	for r := 0; r < ranks; r++ {
		wg.Add(1)
		go func(r int) {
			defer wg.Done()
			rt, err := edat.Init(eps[r], edat.InitOptions{
				Logger: logger,
				Overrides: map[string]string{
					"num_threads":        fmt.Sprint(threads),
					"main_thread_worker": "false",
				},
			})
			if err != nil {
				errs[r] = err
				return
			}
			wl.Body(rt)
			errs[r] = rt.Finalise()
		}(r)
	}
	wg.Wait()
	for r, err := range errs {
		if err != nil {
			return fmt.Errorf("rank %d: %w", r, err)
		}
	}
	logger.Info("workload complete", zap.String("workload", wl.Name))
	return nil
}
