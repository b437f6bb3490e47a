// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package classifier implements a fixed three-state hidden Markov model
// (Hot/Warm/Cold) that turns an extent's access-stats history into a
// classification with hysteresis, driving RecommendedPolicy and thus lazy
// migration.
package classifier

import (
	"math"
	"time"

	"github.com/extentpool/extentpool/cfg"
	"github.com/extentpool/extentpool/common"
	"github.com/extentpool/extentpool/internal/extent"
)

// bucket is the observation alphabet: a coarse access-frequency/recency
// reading, independent of which hidden state produced it.
type bucket int

const (
	bucketHot bucket = iota
	bucketWarm
	bucketCold
	numBuckets = 3
)

const numStates = 3

// stateIndex/indexState map extent.Classification onto the fixed state
// ordering used by the transition and emission matrices below.
func stateIndex(c extent.Classification) int {
	switch c {
	case extent.Hot:
		return 0
	case extent.Cold:
		return 2
	default:
		return 1
	}
}

func indexState(i int) extent.Classification {
	switch i {
	case 0:
		return extent.Hot
	case 2:
		return extent.Cold
	default:
		return extent.Warm
	}
}

// transition is the fixed prior: transition[from][to].
var transition = [numStates][numStates]float64{
	{0.70, 0.20, 0.10}, // Hot  -> Hot, Warm, Cold
	{0.25, 0.50, 0.25}, // Warm -> Hot, Warm, Cold
	{0.10, 0.20, 0.70}, // Cold -> Hot, Warm, Cold
}

// emission is the per-state categorical distribution over frequency
// buckets: emission[state][bucket]. A state is most likely to emit the
// bucket bearing its own name, with the usual HMM leakage to neighbors.
var emission = [numStates][numBuckets]float64{
	{0.70, 0.20, 0.10}, // Hot  state
	{0.20, 0.60, 0.20}, // Warm state
	{0.10, 0.20, 0.70}, // Cold state
}

// Classifier turns one extent's AccessStats into a classification. It holds
// no per-extent state itself; all mutable state lives in extent.AccessStats
// so it persists through internal/metadata like everything else the
// orchestrator owns.
type Classifier struct {
	window       int
	recencyBoost float64
	hotOpsPerDay float64
	coldOpsPerDay float64
	hotRecency   time.Duration
	coldRecency  time.Duration
}

// New builds a Classifier from cfg.ClassifierConfig, parsing its duration
// strings once up front.
func New(c cfg.ClassifierConfig) (*Classifier, error) {
	hotRecency, err := time.ParseDuration(c.HotRecency)
	if err != nil {
		return nil, err
	}
	coldRecency, err := time.ParseDuration(c.ColdRecency)
	if err != nil {
		return nil, err
	}
	return &Classifier{
		window:        c.HistoryWindow,
		recencyBoost:  c.RecencyBoost,
		hotOpsPerDay:  c.HotOpsPerDay,
		coldOpsPerDay: c.ColdOpsPerDay,
		hotRecency:    hotRecency,
		coldRecency:   coldRecency,
	}, nil
}

// bucketOf classifies one observation into the frequency/recency alphabet:
// Hot = frequency > hotOpsPerDay OR recency < hotRecency; Cold = frequency
// <= coldOpsPerDay AND recency >= coldRecency; otherwise Warm.
func (c *Classifier) bucketOf(opsPerDay float64, recency time.Duration) bucket {
	switch {
	case opsPerDay > c.hotOpsPerDay || recency < c.hotRecency:
		return bucketHot
	case opsPerDay <= c.coldOpsPerDay && recency >= c.coldRecency:
		return bucketCold
	default:
		return bucketWarm
	}
}

// Update trims stats' observation window to c.window and runs one forward
// step to refresh its belief and classification. Callers record the access
// itself via extent.Descriptor.RecordRead/RecordWrite (which appends the
// new Observation and bumps counters) before calling Update; this package
// only turns that history into a classification. now is the access time
// (from a clock.Clock, not necessarily wall-clock accurate).
func (c *Classifier) Update(stats *extent.AccessStats, now time.Time) {
	c.trim(stats)
	if len(stats.Observations) == 0 {
		return
	}

	belief := c.beliefOf(stats)
	recency := c.recencyAt(stats, now)
	b := c.bucketOf(c.opsPerDay(stats, now), recency)

	next := c.forwardStep(belief, b, true /* mostRecent */)
	stats.Belief = indexState(argmax(next))
	stats.BeliefVector = next
}

// trim drops the oldest observations so the window never exceeds c.window,
// using a plain FIFO queue (common.Queue) rather than a slice-shift loop.
func (c *Classifier) trim(stats *extent.AccessStats) {
	if c.window <= 0 || len(stats.Observations) <= c.window {
		return
	}
	q := common.NewLinkedListQueue[extent.Observation]()
	for _, o := range stats.Observations {
		q.Push(o)
	}
	for q.Len() > c.window {
		q.Pop()
	}
	kept := make([]extent.Observation, 0, c.window)
	for !q.IsEmpty() {
		kept = append(kept, q.Pop())
	}
	stats.Observations = kept
}

func (c *Classifier) opsPerDay(stats *extent.AccessStats, now time.Time) float64 {
	n := len(stats.Observations)
	if n == 0 {
		return 0
	}
	oldest := stats.Observations[0].At
	span := now.Sub(oldest)
	if span <= 0 {
		span = time.Minute
	}
	return float64(n) / span.Hours() * 24
}

func (c *Classifier) recencyAt(stats *extent.AccessStats, now time.Time) time.Duration {
	if stats.LastAccess.IsZero() {
		return c.coldRecency
	}
	return now.Sub(stats.LastAccess)
}

func (c *Classifier) beliefOf(stats *extent.AccessStats) [numStates]float64 {
	if stats.BeliefVector != [numStates]float64{} {
		return stats.BeliefVector
	}
	// No prior belief: start uniform rather than biasing toward any state.
	return [numStates]float64{1.0 / 3, 1.0 / 3, 1.0 / 3}
}

// forwardStep runs one HMM forward-algorithm step: predict via the
// transition prior, weight by the emission probability of observed bucket
// b, optionally boost the Hot emission for the most recent observation
//, then renormalize.
func (c *Classifier) forwardStep(belief [numStates]float64, b bucket, mostRecent bool) [numStates]float64 {
	var predicted [numStates]float64
	for to := 0; to < numStates; to++ {
		var sum float64
		for from := 0; from < numStates; from++ {
			sum += belief[from] * transition[from][to]
		}
		predicted[to] = sum
	}

	var unnorm [numStates]float64
	var total float64
	for s := 0; s < numStates; s++ {
		e := emission[s][b]
		// Weight only the Hot state's emission for the most recent
		// hot-bucket observation: a burst pulls the belief toward Hot
		// faster than the transition prior alone allows, while the prior
		// still damps a single isolated event.
		if mostRecent && b == bucketHot && s == 0 && c.recencyBoost > 0 {
			e *= c.recencyBoost
		}
		unnorm[s] = predicted[s] * e
		total += unnorm[s]
	}

	if total == 0 {
		return belief
	}
	var out [numStates]float64
	for s := 0; s < numStates; s++ {
		out[s] = unnorm[s] / total
	}
	return out
}

// Confidence returns the belief assigned to stats' current classification.
func Confidence(stats *extent.AccessStats) float64 {
	return stats.BeliefVector[stateIndex(stats.Belief)]
}

// Viterbi re-labels stats' observation window on demand, returning the most
// likely state sequence under the fixed transition/emission model rather
// than the running forward-step belief.
func (c *Classifier) Viterbi(stats *extent.AccessStats, now time.Time) []extent.Classification {
	obs := stats.Observations
	if len(obs) == 0 {
		return nil
	}

	buckets := make([]bucket, len(obs))
	for i, o := range obs {
		recency := now.Sub(o.At)
		buckets[i] = c.bucketOf(float64(o.OpsSinceLast)*24, recency)
	}

	// delta[t][s] = best log-probability of any path ending in state s at
	// step t; back[t][s] = the predecessor state achieving it.
	delta := make([][numStates]float64, len(buckets))
	back := make([][numStates]int, len(buckets))

	for s := 0; s < numStates; s++ {
		delta[0][s] = logOrFloor(1.0/3) + logOrFloor(emission[s][buckets[0]])
	}
	for t := 1; t < len(buckets); t++ {
		for s := 0; s < numStates; s++ {
			best := -1e18
			bestFrom := 0
			for from := 0; from < numStates; from++ {
				v := delta[t-1][from] + logOrFloor(transition[from][s])
				if v > best {
					best = v
					bestFrom = from
				}
			}
			delta[t][s] = best + logOrFloor(emission[s][buckets[t]])
			back[t][s] = bestFrom
		}
	}

	path := make([]int, len(buckets))
	last := len(buckets) - 1
	path[last] = argmax(delta[last])
	for t := last; t > 0; t-- {
		path[t-1] = back[t][path[t]]
	}

	out := make([]extent.Classification, len(path))
	for i, s := range path {
		out[i] = indexState(s)
	}
	return out
}

func argmax(v [numStates]float64) int {
	best := 0
	for i := 1; i < numStates; i++ {
		if v[i] > v[best] {
			best = i
		}
	}
	return best
}

func logOrFloor(p float64) float64 {
	if p <= 0 {
		return -1e18
	}
	return math.Log(p)
}
