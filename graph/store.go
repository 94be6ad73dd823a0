package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/songzhibin97/workflow-collab/storage"
	"github.com/songzhibin97/workflow-collab/types"
)

// document is the authoritative graph of one workflow. mu is the
// workflow's serialization point: mutations run one at a time under it.
type document struct {
	mu       sync.Mutex
	graph    *types.Graph
	revision uint64
	dirty    bool

	ready   chan struct{}
	loadErr error
}

// Store keeps one document per workflow. Documents never share a lock, so
// workflows never contend with each other.
type Store struct {
	mu        sync.Mutex
	docs      map[string]*document
	validator Validator
	storage   storage.Storage
	logger    zerolog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithValidator sets the node data validator. Pass nil to disable validation.
func WithValidator(v Validator) StoreOption {
	return func(s *Store) { s.validator = v }
}

// WithStorage rehydrates documents from st on first use and lets Persist
// write them back.
func WithStorage(st storage.Storage) StoreOption {
	return func(s *Store) { s.storage = st }
}

// WithLogger sets the store logger.
func WithLogger(l zerolog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore creates an empty Store using DefaultSchema for validation.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		docs:      make(map[string]*document),
		validator: DefaultSchema(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// doc returns the document for workflowID, loading it from storage or
// creating an empty one on first use. Concurrent first callers wait for the
// load instead of seeing an empty graph.
func (s *Store) doc(ctx context.Context, workflowID string) (*document, error) {
	s.mu.Lock()
	d, ok := s.docs[workflowID]
	if ok {
		s.mu.Unlock()
		<-d.ready
		if d.loadErr != nil {
			return nil, d.loadErr
		}
		return d, nil
	}
	d = &document{graph: types.NewGraph(), ready: make(chan struct{})}
	s.docs[workflowID] = d
	s.mu.Unlock()
	defer close(d.ready)

	if s.storage == nil {
		return d, nil
	}
	g, err := s.storage.GetGraph(ctx, workflowID)
	switch {
	case err == nil:
		d.graph = g
		s.logger.Debug().Str("workflow_id", workflowID).Int("nodes", len(g.Nodes)).Msg("graph rehydrated")
	case errors.Is(err, storage.ErrGraphNotFound):
	default:
		d.loadErr = fmt.Errorf("load graph %s: %w", workflowID, err)
		s.mu.Lock()
		delete(s.docs, workflowID)
		s.mu.Unlock()
		return nil, d.loadErr
	}
	return d, nil
}

// Apply applies m to the workflow's graph under its serialization point.
// Rejections are reported in the Result, not as an error; the error is
// reserved for storage failures and context cancellation.
func (s *Store) Apply(ctx context.Context, workflowID string, m types.Mutation) (Result, error) {
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	default:
	}
	d, err := s.doc(ctx, workflowID)
	if err != nil {
		return Result{}, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	res := Apply(d.graph, m, s.validator)
	if res.Accepted && len(res.Applied) > 0 {
		d.revision++
		d.dirty = true
	}
	res.Revision = d.revision
	return res, nil
}

// Snapshot returns a deep copy of the workflow's graph and its revision.
func (s *Store) Snapshot(ctx context.Context, workflowID string) (*types.Graph, uint64, error) {
	d, err := s.doc(ctx, workflowID)
	if err != nil {
		return nil, 0, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.graph.Clone(), d.revision, nil
}

// Lookup is Snapshot for readers outside a session: a workflow that is not
// loaded is read straight from storage, at revision 0, and stays unloaded.
func (s *Store) Lookup(ctx context.Context, workflowID string) (*types.Graph, uint64, error) {
	s.mu.Lock()
	d, ok := s.docs[workflowID]
	s.mu.Unlock()
	if ok {
		<-d.ready
		if d.loadErr == nil {
			d.mu.Lock()
			defer d.mu.Unlock()
			return d.graph.Clone(), d.revision, nil
		}
	}
	if s.storage == nil {
		return nil, 0, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	g, err := s.storage.GetGraph(ctx, workflowID)
	if errors.Is(err, storage.ErrGraphNotFound) {
		return nil, 0, fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("load graph %s: %w", workflowID, err)
	}
	return g, 0, nil
}

// Persist writes the workflow's graph to storage if it changed since the
// last write. It is a no-op without storage.
func (s *Store) Persist(ctx context.Context, workflowID string) error {
	if s.storage == nil {
		return nil
	}
	s.mu.Lock()
	d, ok := s.docs[workflowID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrWorkflowNotFound, workflowID)
	}
	<-d.ready

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dirty {
		return nil
	}
	if err := s.storage.SaveGraph(ctx, workflowID, d.graph); err != nil {
		return fmt.Errorf("persist graph %s: %w", workflowID, err)
	}
	d.dirty = false
	return nil
}

// Drop evicts the workflow from memory. Unpersisted changes are lost.
func (s *Store) Drop(workflowID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, workflowID)
}

// Evict persists the workflow and drops it from memory. Without storage the
// document stays loaded, since memory holds its only copy.
func (s *Store) Evict(ctx context.Context, workflowID string) error {
	if s.storage == nil {
		return nil
	}
	if err := s.Persist(ctx, workflowID); err != nil {
		return err
	}
	s.Drop(workflowID)
	return nil
}

// Workflows returns the ids of loaded workflows.
func (s *Store) Workflows() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	return ids
}
