package gpu

import (
	"context"
	"sort"
	"time"

	"golang.org/x/time/rate"
)

// Selection sampling parameters, per spec §4.B: a 3-second window
// sampled at 10Hz (30 samples).
const (
	sampleWindow = 3 * time.Second
	sampleRate   = 10 // Hz
	sampleCount  = 30
)

// Selector ranks candidate devices for admission using short
// high-frequency sampling, per spec §4.B.
type Selector struct {
	probe       *Probe
	sampleCount int
	sampleHz    int
}

// NewSelector builds a Selector backed by probe, using the spec's
// 30-sample/10Hz window.
func NewSelector(probe *Probe) *Selector {
	return &Selector{probe: probe, sampleCount: sampleCount, sampleHz: sampleRate}
}

// newSelectorWithSampling is used by tests to shrink the sampling window
// so unit tests don't pay the full 3-second wall-clock cost.
func newSelectorWithSampling(probe *Probe, count, hz int) *Selector {
	return &Selector{probe: probe, sampleCount: count, sampleHz: hz}
}

type sample struct {
	device      int
	score       float64
	tieBreaker  float64
}

// SelectOne runs the single-device selection procedure from spec §4.B
// over candidates, returning the chosen device id or (-1, false) if no
// candidate ever qualifies.
func (s *Selector) SelectOne(ctx context.Context, candidates []int, requiredMemoryGB float64, memorySaveMode bool) (int, bool, error) {
	return s.selectOne(ctx, candidates, requiredMemoryGB, memorySaveMode)
}

func (s *Selector) selectOne(ctx context.Context, candidates []int, requiredMemoryGB float64, memorySaveMode bool) (int, bool, error) {
	survivors, err := s.filterByMemory(candidates, requiredMemoryGB)
	if err != nil {
		return -1, false, err
	}
	if len(survivors) == 0 {
		return -1, false, nil
	}
	if len(survivors) == 1 {
		return survivors[0], true, nil
	}

	samples, err := s.sampleAll(ctx, survivors, memorySaveMode)
	if err != nil {
		return -1, false, err
	}

	avg := averageSamples(samples)
	sort.Slice(avg, func(i, j int) bool {
		if avg[i].score != avg[j].score {
			return avg[i].score < avg[j].score
		}
		if avg[i].tieBreaker != avg[j].tieBreaker {
			return avg[i].tieBreaker < avg[j].tieBreaker
		}
		return avg[i].device < avg[j].device
	})
	return avg[0].device, true, nil
}

// SelectMany runs single-device selection K times, removing the winner
// each round (spec §4.B's multi-device procedure). It returns (nil,
// false) if fewer than the remaining required count of candidates ever
// remain qualified.
func (s *Selector) SelectMany(ctx context.Context, candidates []int, count int, requiredMemoryGB float64, memorySaveMode bool) ([]int, bool, error) {
	remaining := append([]int(nil), candidates...)
	chosen := make([]int, 0, count)

	for len(chosen) < count {
		if len(remaining) < count-len(chosen) {
			return nil, false, nil
		}
		winner, ok, err := s.selectOne(ctx, remaining, requiredMemoryGB, memorySaveMode)
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return nil, false, nil
		}
		chosen = append(chosen, winner)
		remaining = removeInt(remaining, winner)
	}
	return chosen, true, nil
}

func (s *Selector) filterByMemory(candidates []int, requiredMemoryGB float64) ([]int, error) {
	var survivors []int
	for _, dev := range candidates {
		snap, err := s.probe.Query(dev)
		if err != nil {
			return nil, err
		}
		if snap.MemoryFreeGB() >= requiredMemoryGB {
			survivors = append(survivors, dev)
		}
	}
	return survivors, nil
}

// sampleAll gathers sampleCount readings per candidate at 100ms cadence,
// gated by a rate.Limiter rather than a hand-rolled ticker (grounded on
// the pack's FluxForge control_plane/scheduler/limiter.go rate-limiter
// usage).
func (s *Selector) sampleAll(ctx context.Context, candidates []int, memorySaveMode bool) ([]sample, error) {
	limiter := rate.NewLimiter(rate.Limit(s.sampleHz), 1)
	var samples []sample

	for i := 0; i < s.sampleCount; i++ {
		if i > 0 {
			if err := limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		for _, dev := range candidates {
			snap, err := s.probe.Query(dev)
			if err != nil {
				return nil, err
			}
			samples = append(samples, scoreSnapshot(dev, snap, memorySaveMode))
		}
	}
	return samples, nil
}

func scoreSnapshot(device int, snap Snapshot, memorySaveMode bool) sample {
	memFreeMB := float64(snap.MemoryFreeMB)
	memUsedMB := float64(snap.MemoryUsedMB)
	if memorySaveMode {
		return sample{device: device, score: snap.UtilizationPct * memFreeMB, tieBreaker: memFreeMB}
	}
	return sample{device: device, score: snap.UtilizationPct * memUsedMB, tieBreaker: memUsedMB}
}

func averageSamples(samples []sample) []sample {
	sums := make(map[int]*sample)
	counts := make(map[int]int)
	for _, sm := range samples {
		acc, ok := sums[sm.device]
		if !ok {
			acc = &sample{device: sm.device}
			sums[sm.device] = acc
		}
		acc.score += sm.score
		acc.tieBreaker += sm.tieBreaker
		counts[sm.device]++
	}

	avg := make([]sample, 0, len(sums))
	for dev, acc := range sums {
		n := float64(counts[dev])
		avg = append(avg, sample{device: dev, score: acc.score / n, tieBreaker: acc.tieBreaker / n})
	}
	return avg
}

func removeInt(xs []int, target int) []int {
	out := xs[:0:0]
	for _, x := range xs {
		if x != target {
			out = append(out, x)
		}
	}
	return out
}
