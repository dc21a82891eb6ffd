// Package session holds the interactive simulation selection: run, metric, provider,
// time offset and the carbon history fetched for them.
//
// Fetches run without the lock held. Every selection change that fetches bumps a
// generation counter. A fetch commits its result only if it succeeded and its
// generation is still current when it completes; otherwise the selection is unchanged.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/emissions"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/metrics"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/scan"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/search"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/series"
	"github.com/elevated-systems/carbon-shift/pkg/carbonshift/types"
)

var (
	// ErrStale is returned when a newer selection superseded a fetch
	ErrStale = errors.New("result superseded by a newer selection")
	// ErrNoEnergy is returned when the selected metric has no energy series
	ErrNoEnergy = errors.New("no energy series for the selected metric")
	// ErrNoProvider is returned when no provider is selected
	ErrNoProvider = errors.New("no carbon intensity provider selected")
)

// Selection is a snapshot of the session state
type Selection struct {
	Run      types.RunInfo
	Metric   string
	Provider *types.Provider
	OffsetMs int64
	Energy   *types.EnergySeries
	Carbon   []types.CarbonPoint
	// Window is the history window Carbon was fetched for
	Window types.TimeWindow
}

// Session guards a Selection
type Session struct {
	fetcher    scan.HistoryFetcher
	rows       []types.MeasurementRow
	halfWindow time.Duration

	mu         sync.Mutex
	generation uint64
	sel        Selection
}

// New creates a session for a run and its measurement rows
func New(fetcher scan.HistoryFetcher, run types.RunInfo, rows []types.MeasurementRow, halfWindow time.Duration) *Session {
	return &Session{
		fetcher:    fetcher,
		rows:       rows,
		halfWindow: halfWindow,
		sel: Selection{
			Run:    run,
			Window: InitialWindow(run, halfWindow),
		},
	}
}

// InitialWindow is the history window for a run at offset zero:
// [start-half, max(start+half, end)]
func InitialWindow(run types.RunInfo, halfWindow time.Duration) types.TimeWindow {
	start := run.Start()
	end := start.Add(halfWindow)
	if run.End().After(end) {
		end = run.End()
	}
	return types.TimeWindow{Start: start.Add(-halfWindow), End: end}
}

// Selection returns a copy of the current selection
func (s *Session) Selection() Selection {
	s.mu.Lock()
	defer s.mu.Unlock()
	sel := s.sel
	if sel.Provider != nil {
		p := *sel.Provider
		sel.Provider = &p
	}
	return sel
}

// Generation returns the current request generation
func (s *Session) Generation() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// OnMetricSelected switches the energy series and resets the offset. When the fetched
// history no longer matches the zero-offset window it is re-fetched, and the offset is
// reset only once that fetch succeeds.
func (s *Session) OnMetricSelected(ctx context.Context, metric string) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	s.sel.Metric = metric
	s.sel.Energy = series.BuildEnergySeries(s.rows, metric)
	window := InitialWindow(s.sel.Run, s.halfWindow)
	var provider *types.Provider
	if s.sel.Provider != nil && (s.sel.Carbon == nil || !sameWindow(s.sel.Window, window)) {
		p := *s.sel.Provider
		provider = &p
	} else {
		s.sel.OffsetMs = 0
	}
	energy := s.sel.Energy
	s.mu.Unlock()

	klog.V(2).InfoS("Metric selected", "metric", metric, "generation", gen)

	if provider != nil {
		if err := s.fetch(ctx, gen, pending{provider: *provider, offsetMs: 0, window: window}); err != nil {
			return err
		}
	}
	if energy.Empty() {
		return fmt.Errorf("%w: %s", ErrNoEnergy, metric)
	}
	return nil
}

// OnProviderSelected fetches the provider's history for the zero-offset window. The
// provider, history and offset replace the current selection only when the fetch succeeds.
func (s *Session) OnProviderSelected(ctx context.Context, provider types.Provider) error {
	s.mu.Lock()
	s.generation++
	gen := s.generation
	window := InitialWindow(s.sel.Run, s.halfWindow)
	s.mu.Unlock()

	klog.V(2).InfoS("Provider selected", "provider", provider.String(), "generation", gen)
	return s.fetch(ctx, gen, pending{provider: provider, offsetMs: 0, window: window})
}

// ShiftOffset moves the energy series by deltaMs. When the shifted series leaves the
// fetched history window, the history is re-fetched for the shifted window and the
// offset only moves if that fetch succeeds.
func (s *Session) ShiftOffset(ctx context.Context, deltaMs int64) error {
	s.mu.Lock()
	offset := s.sel.OffsetMs + deltaMs

	start, end := s.shiftedBounds(offset)
	if s.sel.Provider == nil || s.sel.Window.Contains(start, end) {
		s.sel.OffsetMs = offset
		s.mu.Unlock()
		klog.V(3).InfoS("Offset shifted within history window", "offsetMs", offset)
		return nil
	}

	s.generation++
	gen := s.generation
	provider := *s.sel.Provider
	initial := InitialWindow(s.sel.Run, s.halfWindow)
	shift := time.Duration(offset) * time.Millisecond
	window := types.TimeWindow{Start: initial.Start.Add(shift), End: initial.End.Add(shift)}
	s.mu.Unlock()

	klog.V(2).InfoS("Offset left history window, re-fetching",
		"offsetMs", offset,
		"provider", provider.String(),
		"start", window.Start,
		"end", window.End)
	return s.fetch(ctx, gen, pending{provider: provider, offsetMs: offset, window: window})
}

// shiftedBounds returns the energy span moved by offset, falling back to the run
// span when no energy series is selected. Called with s.mu held.
func (s *Session) shiftedBounds(offset int64) (int64, int64) {
	if !s.sel.Energy.Empty() {
		return s.sel.Energy.Start() + offset, s.sel.Energy.End() + offset
	}
	return s.sel.Run.Start().UnixMilli() + offset, s.sel.Run.End().UnixMilli() + offset
}

// pending is the selection a fetch commits on success
type pending struct {
	provider types.Provider
	offsetMs int64
	window   types.TimeWindow
}

// fetch loads the history for next and, if gen is still current and the fetch
// succeeded, commits provider, offset, history and window together. On failure the
// selection is left as it was.
func (s *Session) fetch(ctx context.Context, gen uint64, next pending) error {
	raw, err := s.fetcher.FetchHistory(ctx, next.provider, next.window)

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		metrics.ProviderFetches.WithLabelValues("stale").Inc()
		klog.V(2).InfoS("Discarding stale carbon history",
			"provider", next.provider.String(),
			"generation", gen,
			"current", s.generation)
		return ErrStale
	}
	if err != nil {
		metrics.ProviderFetches.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to fetch carbon history for %s: %w", next.provider, err)
	}
	metrics.ProviderFetches.WithLabelValues("success").Inc()

	provider := next.provider
	s.sel.Provider = &provider
	s.sel.OffsetMs = next.offsetMs
	s.sel.Carbon = series.BuildCarbonSeries(raw)
	s.sel.Window = next.window
	return nil
}

func sameWindow(a, b types.TimeWindow) bool {
	return a.Start.Equal(b.Start) && a.End.Equal(b.End)
}

// Simulate estimates emissions for the current selection
func (s *Session) Simulate() (emissions.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sel.Energy.Empty() {
		return emissions.Result{}, ErrNoEnergy
	}
	if s.sel.Provider == nil {
		return emissions.Result{}, ErrNoProvider
	}
	return emissions.Estimate(s.sel.Energy, s.sel.Carbon, s.sel.Metric, s.sel.OffsetMs), nil
}

// FindExtremes searches the fetched history for the best and worst offsets.
// A nil result means no offset overlaps the history.
func (s *Session) FindExtremes() (*search.Extremes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sel.Energy.Empty() {
		return nil, ErrNoEnergy
	}
	if s.sel.Provider == nil {
		return nil, ErrNoProvider
	}
	return scan.Search(s.sel.Energy, s.sel.Carbon, s.sel.Metric), nil
}

// ApplyOffset sets the offset to an absolute value, typically a search result
func (s *Session) ApplyOffset(ctx context.Context, offsetMs int64) error {
	s.mu.Lock()
	delta := offsetMs - s.sel.OffsetMs
	s.mu.Unlock()
	return s.ShiftOffset(ctx, delta)
}
