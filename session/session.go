package session

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/filtermate/filtermate-go/backend"
	"github.com/filtermate/filtermate-go/cache"
	"github.com/filtermate/filtermate-go/engine"
	"github.com/filtermate/filtermate-go/fidset"
	"github.com/filtermate/filtermate-go/history"
	"github.com/filtermate/filtermate-go/layer"
	"github.com/filtermate/filtermate-go/logging"
	"github.com/filtermate/filtermate-go/selector"
	"github.com/filtermate/filtermate-go/task"
)

// Session is the engine context created once per project lifetime and
// passed by reference to everything that needs shared state. All mutable
// cross-component state (forced overrides, history, cache) lives here.
type Session struct {
	cfg Config

	Registry    *layer.Registry
	Store       *cache.Store
	Combiner    *cache.Combiner
	Selector    *selector.Service
	History     *history.Manager
	Completions *task.CompletionQueue

	runner *task.Runner
	env    backend.Env
}

// New wires a session from configuration. refresh is the UI repaint hook
// handed to the history manager; nil is accepted for headless use.
func New(cfg Config, refresh history.Refresher) (*Session, error) {
	if err := engine.RegisterSpatialFallbacks(); err != nil {
		return nil, err
	}
	store, err := cache.NewStore(cfg.Cache.Path, cfg.Cache.TTL())
	if err != nil {
		return nil, fmt.Errorf("session: cache store: %w", err)
	}

	registry := layer.NewRegistry()
	combiner := cache.NewCombiner(store)
	env := backend.Env{
		Registry: registry,
		Combiner: combiner,
		OpenSQLite: func(path string) (*sql.DB, error) {
			return engine.OpenWithBusyTimeout(path, cache.DefaultBusyTimeout)
		},
		NativeSpatialite: cfg.Backends.NativeSpatialite,
	}

	svc := selector.NewService(cfg.Backends.BackendTypes(), env)
	svc.AttachRegistry(registry)

	completions := task.NewCompletionQueue()
	s := &Session{
		cfg:         cfg,
		Registry:    registry,
		Store:       store,
		Combiner:    combiner,
		Selector:    svc,
		History:     history.NewManager(registry, refresh),
		Completions: completions,
		runner:      task.NewRunner(completions),
		env:         env,
	}
	return s, nil
}

// Close shuts the session down, optionally sweeping the cache database.
func (s *Session) Close() error {
	if s.cfg.Cache.CleanupOnClose {
		removed := s.Store.CleanupSession()
		logging.Log.Debugf("session: cleanup removed %d cache objects", removed)
	}
	return s.Store.Close()
}

// FilterOptions describes one filter operation: a source geometry filter
// propagated from a source layer to zero or more remote target layers.
type FilterOptions struct {
	SourceLayerID string

	// RemoteLayerIDs are additional layers the filter propagates to.
	RemoteLayerIDs []string

	SourceWKT  string
	SRID       int
	Predicates []string
	Buffer     float64

	// Op combines this step with each layer's existing filter.
	Op fidset.CombineOp

	Description string
}

// LayerOutcome reports one layer's share of an ApplyResult.
type LayerOutcome struct {
	Backend        backend.Type
	Recommendation selector.Recommendation
	Applied        bool
	Message        string
	DurationMS     float64
}

// ApplyResult is the outcome of one (possibly multi-layer) filter
// operation.
type ApplyResult struct {
	Outcomes map[string]LayerOutcome

	// Cancelled is true when the operation observed a cancellation
	// request; partially filtered layers keep their pre-existing subset.
	Cancelled bool
}

// Failures lists layers whose filter failed, for the consolidated warning.
func (r *ApplyResult) Failures() []string {
	var out []string
	for id, o := range r.Outcomes {
		if !o.Applied {
			out = append(out, id)
		}
	}
	return out
}

// ApplyFilter runs one filter operation synchronously: capture the global
// pre-state (when more than one layer is affected), pick a backend per
// layer, build and apply, record history and performance. Expected failures
// are reported per layer in the result, never raised.
func (s *Session) ApplyFilter(opts FilterOptions, token *task.CancelToken) (*ApplyResult, error) {
	if _, ok := s.Registry.Get(opts.SourceLayerID); !ok {
		return nil, fmt.Errorf("session: source layer %s not found", opts.SourceLayerID)
	}

	affected := append([]string{opts.SourceLayerID}, opts.RemoteLayerIDs...)

	// The pre-filter snapshot must be durably pushed before any layer is
	// touched; undo has nothing correct to restore to otherwise. One
	// capture per operation, not per layer.
	if len(affected) > 1 {
		if err := s.History.CaptureGlobalPreState(opts.SourceLayerID, opts.RemoteLayerIDs, opts.Description); err != nil {
			return nil, err
		}
	}

	result := &ApplyResult{Outcomes: make(map[string]LayerOutcome)}
	filterExpr := describeFilter(opts)

	for _, id := range affected {
		if token.Cancelled() {
			result.Cancelled = true
			break
		}
		l, ok := s.Registry.Get(id)
		if !ok {
			result.Outcomes[id] = LayerOutcome{Message: "layer not found"}
			continue
		}
		rec := s.Selector.DetectBackend(l, filterExpr)
		b, err := backend.New(rec.Backend, s.env)
		if err != nil {
			result.Outcomes[id] = LayerOutcome{Recommendation: rec, Message: err.Error()}
			continue
		}
		req := backend.Request{
			SourceWKT:  opts.SourceWKT,
			SRID:       opts.SRID,
			Predicates: opts.Predicates,
			Buffer:     opts.Buffer,
			OldSubset:  l.SubsetExpression(),
			Op:         opts.Op,
			Token:      token,
		}
		start := time.Now()
		applied, msg := b.ApplyFilter(l, req)
		elapsed := float64(time.Since(start).Microseconds()) / 1000

		outcome := LayerOutcome{
			Backend:        rec.Backend,
			Recommendation: rec,
			Applied:        applied,
			Message:        msg,
			DurationMS:     elapsed,
		}
		if applied {
			s.Selector.RecordExecution(rec.Backend, id, elapsed)
			s.History.PushState(id, l.SubsetExpression(), l.FeatureCount(), opts.Description, map[string]interface{}{
				"backend": string(rec.Backend),
			})
		} else if rec.Fallback != "" {
			// One retry on the recommended fallback before reporting
			// failure.
			if fb, err := backend.New(rec.Fallback, s.env); err == nil {
				if ok2, msg2 := fb.ApplyFilter(l, req); ok2 {
					outcome.Applied = true
					outcome.Backend = rec.Fallback
					outcome.Message = ""
					s.Selector.RecordExecution(rec.Fallback, id, elapsed)
					s.History.PushState(id, l.SubsetExpression(), l.FeatureCount(), opts.Description, map[string]interface{}{
						"backend": string(rec.Fallback),
					})
				} else {
					outcome.Message = msg + "; fallback: " + msg2
				}
			}
		}
		result.Outcomes[id] = outcome
	}

	// Pair the pre-filter capture with the resulting expressions so global
	// redo restores the filtered state, not the capture again.
	if len(affected) > 1 {
		s.History.RecordGlobalPostState()
	}

	if failures := result.Failures(); len(failures) > 0 {
		logging.Log.Warnf("session: filter %q failed on layers %v", opts.Description, failures)
	}
	return result, nil
}

// ApplyFilterAsync submits the operation to a worker. The source layer is
// the exclusivity key: a second operation while one is in flight on the
// same layer is rejected, since subset expressions are unsynchronized
// shared state. onDone runs on the UI thread via the completion queue.
func (s *Session) ApplyFilterAsync(opts FilterOptions, onDone func(*ApplyResult, error)) (*task.Handle, bool) {
	return s.runner.Submit(opts.SourceLayerID, func(token *task.CancelToken) task.Completion {
		res, err := s.ApplyFilter(opts, token)
		if onDone == nil {
			return nil
		}
		return func() { onDone(res, err) }
	})
}

// Undo reverses the most recent filter operation touching the source
// layer. When any remote layer currently carries a filter the global stack
// is used; otherwise the single-layer stack.
func (s *Session) Undo(sourceLayerID string) error {
	if s.anyRemoteFiltered(sourceLayerID) {
		_, _, err := s.History.UndoGlobal()
		return err
	}
	_, _, err := s.History.Undo(sourceLayerID)
	return err
}

// Redo re-applies the most recently undone operation. A pending global
// snapshot whose source is this layer takes precedence; an undone
// multi-layer operation leaves every remote unfiltered, so the
// remote-filter check Undo uses can never route a redo back to the global
// stack.
func (s *Session) Redo(sourceLayerID string) error {
	if st, ok := s.History.NextGlobalRedo(); ok && st.SourceLayerID == sourceLayerID {
		_, _, err := s.History.RedoGlobal()
		return err
	}
	_, _, err := s.History.Redo(sourceLayerID)
	return err
}

func (s *Session) anyRemoteFiltered(sourceLayerID string) bool {
	for _, id := range s.Registry.IDs() {
		if id == sourceLayerID {
			continue
		}
		if l, ok := s.Registry.Get(id); ok && l.SubsetExpression() != "" {
			return true
		}
	}
	return false
}

// describeFilter renders the filter for complexity analysis and logging.
func describeFilter(opts FilterOptions) string {
	expr := ""
	for i, p := range opts.Predicates {
		if i > 0 {
			expr += " OR "
		}
		expr += p
	}
	if opts.Buffer != 0 {
		expr += fmt.Sprintf(" buffer(%g)", opts.Buffer)
	}
	return expr
}
