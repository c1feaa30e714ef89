package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/danielfoehrkn/writable-layer-finder/pkg/cluster"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/disk"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/du"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/report"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/server"
	"github.com/danielfoehrkn/writable-layer-finder/pkg/sizer"
	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/wait"
)

const clearScreen = "\033[H\033[2J"

var errInterrupted = errors.New("interrupted")

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "writable-layer-finder",
		Short:         "Attributes node disk usage to container writable layers and pod volumes",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			log.Debugf("Host prefix: %q", hostPrefix)
			log.Debugf("Kubelet directory: %s", kubeletDirectory)
			log.Debugf("Containerd namespace: %s", containerdNamespace)
		},
	}

	cmd.AddCommand(newServeCommand(), newCheckCommand())
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func newServeCommand() *cobra.Command {
	opts := serveOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the disk usage of this node via HTTP and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runServe(ctx, opts)
		},
	}

	cmd.Flags().StringVar(&opts.listenAddress, "listen-address", listenAddress, "address of the HTTP server")
	cmd.Flags().DurationVar(&opts.refreshPeriod, "refresh-period", refreshPeriod, "period of the background measurement exporting the gauges, 0 disables it")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", duTimeout, "timeout of a single du invocation")
	cmd.Flags().IntVar(&opts.workers, "workers", maxWorkers, "number of concurrent du invocations")
	return cmd
}

func runServe(ctx context.Context, opts serveOptions) error {
	log.Infof("Node: %s", nodeName)
	log.Infof("Workers: %d, timeout: %s", opts.workers, opts.timeout)

	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	cache, err := du.NewCache(duCacheTTL)
	if err != nil {
		return err
	}

	discoverer, err := newDiscoverer()
	if err != nil {
		return err
	}

	components := server.Components{
		Collector: e.collector,
		Sizer:     e.sizer,
		Lister:    du.NewLister(log, e.duRunner, duPath, cache),
		Mounts:    listMounts,
	}
	if discoverer != nil {
		components.Discoverer = discoverer
		components.Aggregator = cluster.NewAggregator(log, cluster.DefaultClient())
	}

	if opts.refreshPeriod > 0 {
		log.Infof("Refresh period: %s", opts.refreshPeriod)
		go wait.UntilWithContext(ctx, func(ctx context.Context) {
			refresh(ctx, e, sizer.Options{Workers: opts.workers, Timeout: opts.timeout})
		}, opts.refreshPeriod)
	}

	srv := server.New(log, server.Config{
		NodeName:     nodeName,
		Workers:      opts.workers,
		Timeout:      opts.timeout,
		AllowedRoots: allowedRoots,
	}, components)
	if err := srv.ListenAndServe(ctx, opts.listenAddress); err != nil {
		return fmt.Errorf("terminating server: %w", err)
	}
	log.Warnf("terminating server....")
	return nil
}

// refresh measures all writable paths and the mounts and exports them as gauges
func refresh(ctx context.Context, e *engine, opts sizer.Options) {
	start := time.Now()
	records := e.collector.Collect(ctx)
	r := report.Assemble(e.sizer.SizeAll(ctx, records, opts), report.SortSize, len(records))
	report.Export(r)

	mounts, err := listMounts()
	if err != nil {
		log.Warnf("error during refresh: %v", err)
	} else {
		disk.Export(mounts)
	}

	log.Infof("Measured %d writable paths in %s: %s (%d not measured)", r.Summary.Shown, time.Since(start).Round(time.Second), humanize.IBytes(uint64(r.Summary.TotalBytes)), r.Summary.ErrorCount)
}

func newCheckCommand() *cobra.Command {
	opts := checkOptions{}

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Print the writable layers and volumes of this node sorted by size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signalContext()
			defer stop()
			return runCheck(ctx, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.skipZero, "skip-zero", false, "hide paths measured at zero bytes")
	cmd.Flags().StringVar(&opts.minSize, "min-size", "", "hide paths smaller than the quantity, e.g. 100Mi")
	cmd.Flags().StringVar(&opts.sort, "sort", string(report.SortSize), "sort order: size, name or type")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", duTimeout, "timeout of a single du invocation")
	cmd.Flags().IntVar(&opts.workers, "workers", maxWorkers, "number of concurrent du invocations")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "only print the report")
	cmd.Flags().BoolVar(&opts.noSummary, "no-summary", false, "do not print the summary")
	cmd.Flags().BoolVar(&opts.noPath, "no-path", false, "do not print the measured paths")
	cmd.Flags().BoolVar(&opts.mounts, "mounts", false, "also print the mounted filesystems and their usage")
	cmd.Flags().BoolVarP(&opts.watch, "watch", "w", false, "repeat the check until interrupted")
	cmd.Flags().DurationVar(&opts.interval, "interval", 5*time.Second, "interval between checks in watch mode")
	return cmd
}

func runCheck(ctx context.Context, opts checkOptions) error {
	if opts.quiet && log.GetLevel() > logrus.WarnLevel {
		log.SetLevel(logrus.WarnLevel)
	}

	sortKey, err := report.ParseSortKey(opts.sort)
	if err != nil {
		return err
	}

	var filters []sizer.Filter
	if opts.skipZero {
		filters = append(filters, sizer.SkipZero())
	}
	if len(opts.minSize) > 0 {
		minSize, err := resource.ParseQuantity(opts.minSize)
		if err != nil {
			return fmt.Errorf("invalid --min-size %q: %w", opts.minSize, err)
		}
		filters = append(filters, sizer.MinBytes(minSize.Value()))
	}

	if opts.workers <= 0 {
		return fmt.Errorf("invalid --workers %d: must be positive", opts.workers)
	}
	if opts.watch && opts.interval <= 0 {
		return fmt.Errorf("invalid --interval %s: must be positive", opts.interval)
	}

	e, err := newEngine(ctx)
	if err != nil {
		return err
	}
	defer e.close()

	sizingOpts := sizer.Options{Workers: opts.workers, Timeout: opts.timeout, Filter: sizer.Chain(filters...)}

	if !opts.watch {
		return check(ctx, e, opts, sizingOpts, sortKey)
	}

	wait.UntilWithContext(ctx, func(ctx context.Context) {
		fmt.Fprint(os.Stdout, clearScreen)
		if err := check(ctx, e, opts, sizingOpts, sortKey); err != nil && !errors.Is(err, errInterrupted) {
			log.Warnf("error during check: %v", err)
		}
	}, opts.interval)
	return errInterrupted
}

func check(ctx context.Context, e *engine, opts checkOptions, sizingOpts sizer.Options, sortKey report.SortKey) error {
	log.Infof("Discovering writable paths on %s", nodeName)
	records := e.collector.Collect(ctx)

	log.Infof("Measuring %d paths with %d workers (timeout %s)", len(records), sizingOpts.Workers, sizingOpts.Timeout)
	sized := e.sizer.SizeAll(ctx, records, sizingOpts)
	if ctx.Err() != nil {
		return errInterrupted
	}

	r := report.Assemble(sized, sortKey, len(records))
	r.Render(os.Stdout, report.RenderOptions{ShowPath: !opts.noPath, ShowSummary: !opts.noSummary})

	if opts.mounts {
		mounts, err := listMounts()
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout)
		disk.Render(os.Stdout, mounts)
	}
	return nil
}
