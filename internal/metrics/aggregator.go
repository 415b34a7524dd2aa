// Package metrics maintains rolling per-(artifact, version) performance
// aggregates and evaluates alert thresholds against them. Each aggregate keeps
// a fixed-size ring of the most recent samples (default 1000, oldest
// overwritten) with running sums adjusted as samples enter and leave the
// window.
package metrics

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/modelfleet/modelfleet/internal/models"
	"github.com/modelfleet/modelfleet/internal/obs"
)

var ErrNoSamples = errors.New("no samples in window")

const DefaultWindowSize = 1000

type Config struct {
	// WindowSize caps the number of samples retained per aggregate.
	WindowSize int
	// AlertSink receives threshold breaches for watched artifacts. Sends
	// never block; events are dropped (and counted) when the sink is full.
	AlertSink chan<- models.AlertEvent
}

type Aggregator struct {
	windowSize int
	sink       chan<- models.AlertEvent

	mu      sync.RWMutex
	windows map[windowKey]*window
	watches map[string]models.Thresholds
}

type windowKey struct {
	artifact string
	version  string
}

type window struct {
	mu      sync.Mutex
	size    int
	samples []models.MetricSample
	next    int

	latencySum float64
	successes  int
	tokenSum   int64
}

func NewAggregator(cfg Config) *Aggregator {
	size := cfg.WindowSize
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &Aggregator{
		windowSize: size,
		sink:       cfg.AlertSink,
		windows:    map[windowKey]*window{},
		watches:    map[string]models.Thresholds{},
	}
}

// Record appends a sample to its aggregate's window and, when the artifact is
// watched, evaluates thresholds and emits any breaches. The hot path locks
// only the aggregate itself, never a deployment.
func (a *Aggregator) Record(sample models.MetricSample) {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now().UTC()
	}
	w := a.windowFor(sample.ArtifactName, sample.Version)

	w.mu.Lock()
	if len(w.samples) < w.size {
		w.samples = append(w.samples, sample)
	} else {
		evicted := w.samples[w.next]
		w.latencySum -= evicted.LatencySeconds
		if evicted.Succeeded {
			w.successes--
		}
		w.tokenSum -= int64(evicted.TokenCount)
		w.samples[w.next] = sample
		w.next = (w.next + 1) % w.size
	}
	w.latencySum += sample.LatencySeconds
	if sample.Succeeded {
		w.successes++
	}
	w.tokenSum += int64(sample.TokenCount)
	agg := w.aggregateLocked(sample.ArtifactName, sample.Version)
	w.mu.Unlock()

	obs.SamplesIngested.Inc()

	a.mu.RLock()
	thresholds, watched := a.watches[sample.ArtifactName]
	a.mu.RUnlock()
	if !watched || !thresholds.Configured() {
		return
	}
	for _, alert := range breaches(agg, thresholds) {
		a.emit(alert)
	}
}

func (a *Aggregator) windowFor(artifact, version string) *window {
	k := windowKey{artifact: artifact, version: version}
	a.mu.RLock()
	w, ok := a.windows[k]
	a.mu.RUnlock()
	if ok {
		return w
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if w, ok = a.windows[k]; ok {
		return w
	}
	w = &window{size: a.windowSize}
	a.windows[k] = w
	return w
}

// aggregateLocked snapshots the current aggregates; the caller holds w.mu.
// Min and max are scanned from the ring since eviction invalidates running
// extremes.
func (w *window) aggregateLocked(artifact, version string) models.AggregatedMetrics {
	count := len(w.samples)
	agg := models.AggregatedMetrics{
		ArtifactName: artifact,
		Version:      version,
		SampleCount:  count,
		TotalTokens:  w.tokenSum,
	}
	if count == 0 {
		return agg
	}
	min, max := w.samples[0].LatencySeconds, w.samples[0].LatencySeconds
	for _, s := range w.samples[1:] {
		if s.LatencySeconds < min {
			min = s.LatencySeconds
		}
		if s.LatencySeconds > max {
			max = s.LatencySeconds
		}
	}
	agg.AvgLatencySeconds = w.latencySum / float64(count)
	agg.MinLatencySeconds = min
	agg.MaxLatencySeconds = max
	agg.SuccessRate = float64(w.successes) / float64(count)
	agg.ErrorRate = float64(count-w.successes) / float64(count)
	return agg
}

// MetricsFor returns the current aggregates for one version.
func (a *Aggregator) MetricsFor(artifact, version string) (models.AggregatedMetrics, error) {
	k := windowKey{artifact: artifact, version: version}
	a.mu.RLock()
	w, ok := a.windows[k]
	a.mu.RUnlock()
	if !ok {
		return models.AggregatedMetrics{}, ErrNoSamples
	}
	w.mu.Lock()
	agg := w.aggregateLocked(artifact, version)
	w.mu.Unlock()
	if agg.SampleCount == 0 {
		return models.AggregatedMetrics{}, ErrNoSamples
	}
	return agg, nil
}

// Compare returns versionB's aggregates minus versionA's.
func (a *Aggregator) Compare(artifact, versionA, versionB string) (models.MetricDelta, error) {
	aggA, err := a.MetricsFor(artifact, versionA)
	if err != nil {
		return models.MetricDelta{}, err
	}
	aggB, err := a.MetricsFor(artifact, versionB)
	if err != nil {
		return models.MetricDelta{}, err
	}
	return models.MetricDelta{
		ArtifactName:     artifact,
		VersionA:         versionA,
		VersionB:         versionB,
		LatencyDelta:     aggB.AvgLatencySeconds - aggA.AvgLatencySeconds,
		SuccessRateDelta: aggB.SuccessRate - aggA.SuccessRate,
		ErrorRateDelta:   aggB.ErrorRate - aggA.ErrorRate,
	}, nil
}

// EvaluateAlerts reports every configured threshold the version currently
// breaches. An empty window breaches nothing.
func (a *Aggregator) EvaluateAlerts(artifact, version string, thresholds models.Thresholds) []models.AlertEvent {
	agg, err := a.MetricsFor(artifact, version)
	if err != nil {
		return nil
	}
	return breaches(agg, thresholds)
}

func breaches(agg models.AggregatedMetrics, thresholds models.Thresholds) []models.AlertEvent {
	now := time.Now().UTC()
	var alerts []models.AlertEvent
	if t := thresholds.MaxLatencySeconds; t != nil && agg.AvgLatencySeconds > *t {
		alerts = append(alerts, alertEvent(agg, models.MetricAvgLatency, *t, agg.AvgLatencySeconds, now))
	}
	if t := thresholds.MaxErrorRate; t != nil && agg.ErrorRate > *t {
		alerts = append(alerts, alertEvent(agg, models.MetricErrorRate, *t, agg.ErrorRate, now))
	}
	if t := thresholds.MinSuccessRate; t != nil && agg.SuccessRate < *t {
		alerts = append(alerts, alertEvent(agg, models.MetricSuccessRate, *t, agg.SuccessRate, now))
	}
	return alerts
}

func alertEvent(agg models.AggregatedMetrics, metric string, threshold, observed float64, at time.Time) models.AlertEvent {
	return models.AlertEvent{
		ID:           uuid.New(),
		ArtifactName: agg.ArtifactName,
		Version:      agg.Version,
		MetricName:   metric,
		Threshold:    threshold,
		Observed:     observed,
		CreatedAt:    at,
	}
}

func (a *Aggregator) emit(alert models.AlertEvent) {
	obs.Alerts.WithLabelValues(alert.MetricName).Inc()
	if a.sink == nil {
		return
	}
	select {
	case a.sink <- alert:
	default:
		obs.AlertQueueDropped.Inc()
	}
}

// Watch arms continuous threshold evaluation for every version of an
// artifact; each Record for the artifact is checked against the thresholds.
func (a *Aggregator) Watch(artifact string, thresholds models.Thresholds) {
	a.mu.Lock()
	a.watches[artifact] = thresholds
	a.mu.Unlock()
}

func (a *Aggregator) Unwatch(artifact string) {
	a.mu.Lock()
	delete(a.watches, artifact)
	a.mu.Unlock()
}

// Watched returns the thresholds armed for an artifact, if any.
func (a *Aggregator) Watched(artifact string) (models.Thresholds, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.watches[artifact]
	return t, ok
}

// Ranking orders an artifact's sampled versions by score, computed as
// (1 / avgLatency) x successRate; versions with zero average latency score 0.
func (a *Aggregator) Ranking(artifact string) []models.VersionScore {
	a.mu.RLock()
	keys := make([]windowKey, 0)
	for k := range a.windows {
		if k.artifact == artifact {
			keys = append(keys, k)
		}
	}
	a.mu.RUnlock()

	var scores []models.VersionScore
	for _, k := range keys {
		agg, err := a.MetricsFor(k.artifact, k.version)
		if err != nil {
			continue
		}
		score := 0.0
		if agg.AvgLatencySeconds > 0 {
			score = (1 / agg.AvgLatencySeconds) * agg.SuccessRate
		}
		scores = append(scores, models.VersionScore{
			Version:     k.version,
			Score:       score,
			SampleCount: agg.SampleCount,
		})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Score != scores[j].Score {
			return scores[i].Score > scores[j].Score
		}
		return scores[i].Version < scores[j].Version
	})
	return scores
}
