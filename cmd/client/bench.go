package main

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"dev.c0redev.tcprouter/internal/client"
)

type benchResult struct {
	ok, failed int64
	elapsed    time.Duration
	latencies  []time.Duration
}

func (r benchResult) percentile(p float64) time.Duration {
	if len(r.latencies) == 0 {
		return 0
	}
	i := int(float64(len(r.latencies)-1) * p)
	return r.latencies[i]
}

// runBench keeps concurrency requests in flight against route until d elapses.
func runBench(ctx context.Context, c *client.Client, route string, concurrency int, d time.Duration) benchResult {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	var (
		ok, failed atomic.Int64
		mu         sync.Mutex
		lat        []time.Duration
		wg         sync.WaitGroup
	)
	start := time.Now()
	for w := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, 1024)
			for i := 0; ctx.Err() == nil; i++ {
				t0 := time.Now()
				err := c.Send(ctx, route, map[string]int{"worker": w, "seq": i}, nil)
				if ctx.Err() != nil {
					break
				}
				if err != nil {
					failed.Add(1)
					continue
				}
				ok.Add(1)
				local = append(local, time.Since(t0))
			}
			mu.Lock()
			lat = append(lat, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	return benchResult{ok: ok.Load(), failed: failed.Load(), elapsed: time.Since(start), latencies: lat}
}

func benchCmd() *cobra.Command {
	var (
		route       string
		concurrency int
		duration    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Load a route with concurrent requests and report throughput",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if concurrency < 1 {
				return fmt.Errorf("concurrency must be >= 1")
			}
			c, err := newClient(cmd)
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Connect(cmd.Context()); err != nil {
				return err
			}
			r := runBench(cmd.Context(), c, route, concurrency, duration)
			rps := float64(r.ok) / r.elapsed.Seconds()
			fmt.Fprintf(cmd.OutOrStdout(), "requests=%d errors=%d elapsed=%s rps=%.0f p50=%s p99=%s\n",
				r.ok, r.failed, r.elapsed.Round(time.Millisecond), rps, r.percentile(0.5), r.percentile(0.99))
			return nil
		},
	}
	cmd.Flags().StringVar(&route, "route", "/echo", "route to call")
	cmd.Flags().IntVar(&concurrency, "concurrency", 16, "parallel workers")
	cmd.Flags().DurationVar(&duration, "duration", 10*time.Second, "how long to run")
	return cmd
}
