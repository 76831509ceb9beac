// Package scheduler implements the placement engine: filter nodes
// against a VM spec, score the survivors, and yield an ordered candidate
// list for the lifecycle manager to consume.
package scheduler

import (
	"context"
	"sort"
	"time"

	"github.com/decloud/controlplane/internal/app/apperr"
	core "github.com/decloud/controlplane/internal/app/core/service"
	"github.com/decloud/controlplane/internal/app/domain/node"
	"github.com/decloud/controlplane/internal/app/domain/vm"
	"github.com/decloud/controlplane/internal/app/metrics"
	"github.com/decloud/controlplane/internal/app/storage"
	"github.com/decloud/controlplane/pkg/logger"
)

// Request is one placement query.
type Request struct {
	Spec             vm.Spec
	Region           string
	MaxHourlyPrice   float64 // 0 = no user cap
	RequiredFeatures []string
}

// Candidate is one scored placement option.
type Candidate struct {
	Node  node.Node
	Score float64
	Rate  float64 // hourly price this node would charge for the spec
}

// Scheduler filters and scores nodes for VM specs. It is request-driven and
// holds no mutable state beyond its Config.
type Scheduler struct {
	nodes  storage.NodeStore
	vms    storage.VMStore
	config *Config
	log    *logger.Logger
}

// New creates a scheduler.
func New(nodes storage.NodeStore, vms storage.VMStore, config *Config, log *logger.Logger) *Scheduler {
	if config == nil {
		config = NewConfig()
	}
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{nodes: nodes, vms: vms, config: config, log: log}
}

// Descriptor advertises the scheduler's architectural placement.
func (s *Scheduler) Descriptor() core.Descriptor {
	return core.Descriptor{
		Name:         "scheduler",
		Domain:       "placement",
		Layer:        core.LayerEngine,
		Capabilities: []string{"filter", "score"},
	}
}

// Schedule returns candidate nodes for the request, best first. It mutates
// nothing; a spec no node can satisfy returns ResourceExhausted.
func (s *Scheduler) Schedule(ctx context.Context, req Request) ([]Candidate, error) {
	all, err := s.nodes.ListNodes(ctx)
	if err != nil {
		metrics.RecordPlacement("error")
		return nil, err
	}

	now := time.Now().UTC()
	minBench := s.config.MinBenchmark(req.Spec.QualityTier)

	candidates := make([]Candidate, 0, len(all))
	var maxRate float64
	for _, n := range all {
		if n.Status != node.StatusOnline || n.IsHeartbeatStale(now) {
			continue
		}
		if n.Hardware.BenchmarkScore < minBench {
			continue
		}
		if !hasFeatures(n, req.RequiredFeatures) {
			continue
		}
		ok, err := s.fits(ctx, n, req.Spec)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		rate := hourlyRate(n, req.Spec)
		if req.MaxHourlyPrice > 0 && rate > req.MaxHourlyPrice {
			continue
		}
		if rate > maxRate {
			maxRate = rate
		}
		candidates = append(candidates, Candidate{Node: n, Rate: rate})
	}

	if len(candidates) == 0 {
		metrics.RecordPlacement("exhausted")
		return nil, apperr.ResourceExhausted("NO_CAPACITY", "no online node satisfies the requested spec")
	}

	w := s.config.Weights()
	for i := range candidates {
		candidates[i].Score = s.score(ctx, candidates[i], req, w, maxRate)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Node.Hardware.BenchmarkScore != b.Node.Hardware.BenchmarkScore {
			return a.Node.Hardware.BenchmarkScore > b.Node.Hardware.BenchmarkScore
		}
		return a.Node.ID < b.Node.ID
	})

	metrics.RecordPlacement("placed")
	return candidates, nil
}

// fits reports whether the node has room for the spec after the
// reservations of every VM currently placed on it. CPU capacity is scaled
// by the strictest overcommit ratio among the tiers hosted on the node,
// including the incoming request's tier; memory and disk are never
// overcommitted.
func (s *Scheduler) fits(ctx context.Context, n node.Node, spec vm.Spec) (bool, error) {
	var cpuReserved float64
	var memReserved, diskReserved int64
	ratio := s.config.OvercommitRatio(spec.QualityTier)

	for _, status := range []vm.Status{vm.StatusPlacing, vm.StatusProvisioning, vm.StatusRunning, vm.StatusStopping} {
		placed, err := s.vms.ListVMsByNode(ctx, n.ID, status)
		if err != nil {
			return false, err
		}
		for _, v := range placed {
			cpuReserved += float64(v.Spec.VCPUs)
			memReserved += v.Spec.MemBytes
			diskReserved += v.Spec.DiskBytes
			if r := s.config.OvercommitRatio(v.Spec.QualityTier); r < ratio {
				ratio = r
			}
		}
	}

	effectiveCPU := ratio * float64(n.Hardware.CPUCores)
	if cpuReserved+float64(spec.VCPUs) > effectiveCPU {
		return false, nil
	}
	if memReserved+spec.MemBytes > n.Hardware.MemBytes {
		return false, nil
	}
	if diskReserved+spec.DiskBytes > n.Hardware.DiskBytes {
		return false, nil
	}
	return true, nil
}

func hasFeatures(n node.Node, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(n.Features))
	for _, f := range n.Features {
		have[f] = struct{}{}
	}
	for _, f := range required {
		if _, ok := have[f]; !ok {
			return false
		}
	}
	return true
}

// hourlyRate prices the spec against the node's advertised unit prices. A
// node with no pricing charges nothing (system capacity).
func hourlyRate(n node.Node, spec vm.Spec) float64 {
	if n.Pricing == nil {
		return 0
	}
	memGB := float64(spec.MemBytes) / (1 << 30)
	return float64(spec.VCPUs)*n.Pricing.CPUPerHour + memGB*n.Pricing.MemPerGBPerHour
}

func (s *Scheduler) score(ctx context.Context, c Candidate, req Request, w Weights, maxRate float64) float64 {
	n := c.Node

	latencyBonus := 0.0
	if req.Region != "" && n.Region == req.Region {
		latencyBonus = 1.0
	}

	load := s.loadFraction(ctx, n)

	reputation := 1.0
	for _, o := range n.SystemVMObligations {
		if o.FailureCount > 0 {
			reputation -= 0.1 * float64(o.FailureCount)
		}
	}
	if reputation < 0 {
		reputation = 0
	}

	normalizedPrice := 0.0
	if maxRate > 0 {
		normalizedPrice = c.Rate / maxRate
	}

	perf := n.PerfMultiplier() / node.MaxPerfMultiplier

	return w.Latency*latencyBonus +
		w.Load*(1-load) +
		w.Reputation*reputation +
		w.Price*(1-normalizedPrice) +
		w.Perf*perf
}

func (s *Scheduler) loadFraction(ctx context.Context, n node.Node) float64 {
	if n.Hardware.CPUCores <= 0 {
		return 1
	}
	var reserved float64
	for _, status := range []vm.Status{vm.StatusPlacing, vm.StatusProvisioning, vm.StatusRunning} {
		placed, err := s.vms.ListVMsByNode(ctx, n.ID, status)
		if err != nil {
			return 1
		}
		for _, v := range placed {
			reserved += float64(v.Spec.VCPUs)
		}
	}
	frac := reserved / float64(n.Hardware.CPUCores)
	if frac > 1 {
		frac = 1
	}
	return frac
}
