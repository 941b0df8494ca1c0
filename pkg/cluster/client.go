// Package cluster fans one run out to several agents and merges what they report.
package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"

	"github.com/runningwild/rawbench/pkg/engine"
	"github.com/runningwild/rawbench/pkg/stats"
)

// ClusterEngine runs a workload on remote agents. It satisfies engine.Runner.
type ClusterEngine struct {
	nodes  []string
	client *http.Client
	logger pslog.Logger
}

var _ engine.Runner = (*ClusterEngine)(nil)

func New(nodes []string, logger pslog.Logger) *ClusterEngine {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &ClusterEngine{
		nodes:  nodes,
		client: &http.Client{},
		logger: logger,
	}
}

// share is node i's part of total when spread as evenly as possible.
func share(total, nodes, i int) int {
	n := total / nodes
	if i < total%nodes {
		n++
	}
	return n
}

func (c *ClusterEngine) Run(ctx context.Context, params engine.Params) (*engine.Result, error) {
	if len(c.nodes) == 0 {
		return nil, fmt.Errorf("no agents")
	}

	results := make([]*engine.Result, len(c.nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, node := range c.nodes {
		nodeParams := params
		nodeParams.Progress = nil
		nodeParams.Readers = share(params.Readers, len(c.nodes), i)
		nodeParams.Writers = share(params.Writers, len(c.nodes), i)
		if nodeParams.Readers+nodeParams.Writers == 0 {
			continue
		}
		if params.Seed != 0 {
			nodeParams.Seed = params.Seed + int64(i)<<32
		}

		g.Go(func() error {
			res, err := c.runRemote(gctx, node, nodeParams)
			if err != nil {
				return fmt.Errorf("node %s failed: %w", node, err)
			}
			c.logger.Info("cluster.node.done", "node", node, "run", res.RunID, "reads", res.Reads, "writes", res.Writes)
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return aggregate(results, params)
}

func (c *ClusterEngine) runRemote(ctx context.Context, host string, params engine.Params) (*engine.Result, error) {
	url := fmt.Sprintf("http://%s/run", host)
	if strings.Contains(host, "://") {
		url = host + "/run"
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}

	runtime := params.Runtime
	if runtime <= 0 {
		runtime = engine.DefaultRuntime
	}
	ctx, cancel := context.WithTimeout(ctx, runtime+30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("agent %s error (%s): %s", host, resp.Status, string(bytes.TrimSpace(body)))
	}

	var res engine.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return nil, err
	}
	return &res, nil
}

// aggregate sums counts and rates and recomputes percentiles from the merged
// histograms, which averaging per-node percentiles cannot do.
func aggregate(results []*engine.Result, params engine.Params) (*engine.Result, error) {
	agg := &engine.Result{RunID: xid.New().String()}
	rec := stats.NewRecorder(params.Resolution, params.HistogramCapacity)
	reasons := map[string]bool{}

	for _, r := range results {
		if r == nil {
			continue
		}
		if agg.Device.Name == "" {
			agg.Device = r.Device
		}
		agg.Reads += r.Reads
		agg.Writes += r.Writes
		agg.IOPS += r.IOPS
		agg.ReadsPerSec += r.ReadsPerSec
		agg.WritesPerSec += r.WritesPerSec
		agg.Throughput += r.Throughput
		agg.IOErrors += r.IOErrors
		agg.Conflicts += r.Conflicts
		agg.UnwrittenReads += r.UnwrittenReads
		agg.Discarded += r.Discarded
		if r.Duration > agg.Duration {
			agg.Duration = r.Duration
		}
		reasons[r.TerminationReason] = true

		if err := rec.Merge(r.Histogram); err != nil {
			return nil, err
		}
	}

	var err error
	if agg.P50Latency, err = rec.Percentile(50); err != nil {
		return nil, err
	}
	if agg.P90Latency, err = rec.Percentile(90); err != nil {
		return nil, err
	}
	agg.Latency = rec.Summary()
	agg.Histogram = rec.Buckets()

	names := make([]string, 0, len(reasons))
	for name := range reasons {
		names = append(names, name)
	}
	sort.Strings(names)
	agg.TerminationReason = strings.Join(names, "+")
	return agg, nil
}
