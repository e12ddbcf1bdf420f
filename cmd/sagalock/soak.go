package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os/signal"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dcbickfo/sagalock"
	"github.com/dcbickfo/sagalock/correlation"
	"github.com/dcbickfo/sagalock/internal/config"
)

const (
	soakSaga        = "SoakSaga"
	soakMessageType = "SoakStep"
	soakProperty    = "InstanceId"
)

// errOverlap reports that two handlers ran inside one saga instance at once.
var errOverlap = errors.New("saga instance entered concurrently")

type soakOptions struct {
	messages    int
	instances   int
	workers     int
	perMessage  int
	hold        time.Duration
	seed        uint64
	maxBuckets  int
	metricsAddr string
}

type soakResult struct {
	Messages        int
	Violations      int64
	ReleaseFailures int64
	Elapsed         time.Duration
}

func newSoakCmd(root *rootOptions) *cobra.Command {
	opts := &soakOptions{}

	cmd := &cobra.Command{
		Use:   "soak",
		Short: "Drive concurrent saga messages through a gate and check exclusivity",
		Long: `Generates messages that each name one or more saga instances and processes
them concurrently through a gate on the configured backend. Every handler
checks that nobody else is inside the same instance. Overlapping lock sets in
random order also exercise deadlock freedom.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if opts.maxBuckets > 0 {
				cfg.MaxLockBuckets = opts.maxBuckets
			}
			if opts.metricsAddr != "" {
				cfg.Metrics.Address = opts.metricsAddr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := runSoak(ctx, cfg, opts, root.logger(cmd))
			if res != nil {
				printSoak(cmd.OutOrStdout(), res)
			}
			return err
		},
	}

	cmd.Flags().IntVarP(&opts.messages, "messages", "n", 1000, "Messages to process")
	cmd.Flags().IntVar(&opts.instances, "instances", 50, "Distinct saga instances")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", 32, "Messages processed concurrently")
	cmd.Flags().IntVar(&opts.perMessage, "per-message", 3, "Maximum saga instances named by one message")
	cmd.Flags().DurationVar(&opts.hold, "hold", 200*time.Microsecond, "Time each handler spends inside its instances")
	cmd.Flags().Uint64Var(&opts.seed, "seed", 1, "Random seed for message generation")
	cmd.Flags().IntVar(&opts.maxBuckets, "max-buckets", 0, "Override the configured maxLockBuckets")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")

	return cmd
}

func (o *soakOptions) validate() error {
	switch {
	case o.messages <= 0:
		return errors.New("--messages must be positive")
	case o.instances <= 0:
		return errors.New("--instances must be positive")
	case o.workers <= 0:
		return errors.New("--workers must be positive")
	case o.perMessage <= 0:
		return errors.New("--per-message must be positive")
	case o.hold < 0:
		return errors.New("--hold must not be negative")
	}
	return nil
}

// soakRegistry correlates up to perMessage instance headers with the soak saga.
func soakRegistry(perMessage int) (*correlation.Registry, error) {
	reg := correlation.NewRegistry()
	for i := 0; i < perMessage; i++ {
		if err := reg.Correlate(soakSaga, soakMessageType, soakProperty, correlation.Header(instanceHeader(i))); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

func instanceHeader(i int) string {
	return "instance-" + strconv.Itoa(i)
}

// soakMessages generates n messages, each naming between one and perMessage
// instances in random order, possibly repeating one.
func soakMessages(n, instances, perMessage int, seed uint64) ([]*sagalock.Message, [][]int) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	msgs := make([]*sagalock.Message, n)
	ids := make([][]int, n)
	for i := range msgs {
		count := rng.IntN(perMessage) + 1
		headers := map[string]string{sagalock.HeaderMessageType: soakMessageType}
		for j := 0; j < count; j++ {
			id := rng.IntN(instances)
			ids[i] = append(ids[i], id)
			headers[instanceHeader(j)] = strconv.Itoa(id)
		}
		msgs[i] = &sagalock.Message{Headers: headers}
	}
	return msgs, ids
}

func runSoak(ctx context.Context, cfg *config.Config, opts *soakOptions, logger sagalock.Logger) (*soakResult, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	defer closeBackend()

	reg, err := soakRegistry(opts.perMessage)
	if err != nil {
		return nil, err
	}

	promReg := prometheus.NewRegistry()
	var releaseFailures atomic.Int64

	gateOpt := cfg.GateOption()
	gateOpt.Backend = backend
	gateOpt.Correlations = reg
	gateOpt.Logger = logger
	gateOpt.Metrics = sagalock.NewMetrics(promReg)
	gateOpt.OnReleaseError = func(err *sagalock.ReleaseError) {
		releaseFailures.Add(int64(len(err.Failed)))
	}
	gate, err := sagalock.NewGate(gateOpt)
	if err != nil {
		return nil, err
	}

	if cfg.Metrics.Address != "" {
		stopMetrics, err := serveMetrics(cfg.Metrics.Address, promReg, logger)
		if err != nil {
			return nil, err
		}
		defer stopMetrics()
	}

	msgs, ids := soakMessages(opts.messages, opts.instances, opts.perMessage, opts.seed)
	inside := make([]atomic.Int32, opts.instances)
	var violations atomic.Int64

	bindings := []sagalock.HandlerBinding{sagalock.Binding{Handler: "soak", Saga: soakSaga}}
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.workers)
	for i, msg := range msgs {
		entered := distinct(ids[i])
		g.Go(func() error {
			return gate.Process(gctx, bindings, msg, func(ctx context.Context) error {
				for _, id := range entered {
					if inside[id].Add(1) > 1 {
						violations.Add(1)
					}
				}
				defer func() {
					for _, id := range entered {
						inside[id].Add(-1)
					}
				}()
				return sleepContext(ctx, opts.hold)
			})
		})
	}
	err = g.Wait()

	res := &soakResult{
		Messages:        len(msgs),
		Violations:      violations.Load(),
		ReleaseFailures: releaseFailures.Load(),
		Elapsed:         time.Since(start),
	}
	if err != nil {
		return res, fmt.Errorf("soak aborted: %w", err)
	}
	if res.Violations > 0 {
		return res, fmt.Errorf("%w: %d times", errOverlap, res.Violations)
	}
	return res, nil
}

func distinct(ids []int) []int {
	seen := make(map[int]struct{}, len(ids))
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// serveMetrics exposes reg on addr/metrics until the returned func is called.
func serveMetrics(addr string, reg *prometheus.Registry, logger sagalock.Logger) (func(), error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- srv.ListenAndServe()
	}()

	// Surface bind errors before the soak starts.
	select {
	case err := <-serverErrors:
		return nil, fmt.Errorf("metrics server: %w", err)
	case <-time.After(50 * time.Millisecond):
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}, nil
}

func printSoak(out io.Writer, res *soakResult) {
	fmt.Fprintf(out, "messages\t%d\n", res.Messages)
	fmt.Fprintf(out, "violations\t%d\n", res.Violations)
	fmt.Fprintf(out, "release failures\t%d\n", res.ReleaseFailures)
	fmt.Fprintf(out, "elapsed\t%s\n", res.Elapsed.Round(time.Millisecond))
	if res.Elapsed > 0 {
		fmt.Fprintf(out, "throughput\t%.0f msg/s\n", float64(res.Messages)/res.Elapsed.Seconds())
	}
}
