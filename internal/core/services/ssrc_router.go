package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"simulcastctl/internal/core/domain"
	apperrors "simulcastctl/pkg/errors"

	"go.uber.org/multierr"
)

// ReceivePipelineAllocator creates and frees receiving pipelines for a routing table.
type ReceivePipelineAllocator interface {
	Allocate() (domain.PipelineHandle, error)
	Free(p domain.PipelineHandle) error
}

// RoutingTable maps identifiers 1..n to receiving pipelines. It is immutable once built.
type RoutingTable struct {
	pipelines []domain.PipelineHandle
	owned     []bool
}

// BuildRoutingTable binds n receiving pipelines to identifiers 1..n in order. When first is a
// valid handle it becomes identifier 1 and only n-1 pipelines are allocated. On failure every
// pipeline allocated here is freed again and an AllocationError is returned.
func BuildRoutingTable(ctx context.Context, n int, first domain.PipelineHandle, alloc ReceivePipelineAllocator) (*RoutingTable, error) {
	if n < 1 || n > domain.MaxStreams {
		return nil, fmt.Errorf("routing table size %d out of range 1..%d", n, domain.MaxStreams)
	}

	t := &RoutingTable{
		pipelines: make([]domain.PipelineHandle, 0, n),
		owned:     make([]bool, 0, n),
	}
	if first != domain.InvalidPipeline {
		t.pipelines = append(t.pipelines, first)
		t.owned = append(t.owned, false)
	}

	for len(t.pipelines) < n {
		if err := ctx.Err(); err != nil {
			return nil, t.unwind(n, err, alloc)
		}
		p, err := alloc.Allocate()
		if err != nil {
			return nil, t.unwind(n, err, alloc)
		}
		t.pipelines = append(t.pipelines, p)
		t.owned = append(t.owned, true)
	}
	return t, nil
}

func (t *RoutingTable) unwind(n int, cause error, alloc ReceivePipelineAllocator) error {
	allocated := 0
	for i := len(t.pipelines) - 1; i >= 0; i-- {
		if !t.owned[i] {
			continue
		}
		allocated++
		if err := alloc.Free(t.pipelines[i]); err != nil {
			cause = multierr.Append(cause, fmt.Errorf("free pipeline %d: %w", t.pipelines[i], err))
		}
	}
	t.pipelines = nil
	t.owned = nil
	return &apperrors.AllocationError{Requested: n, Allocated: allocated, Cause: cause}
}

// Len is the fixed number of identifiers in the table.
func (t *RoutingTable) Len() int {
	return len(t.pipelines)
}

// Pipeline resolves an identifier regardless of policy.
func (t *RoutingTable) Pipeline(id domain.StreamIdentifier) (domain.PipelineHandle, bool) {
	if !id.Valid(len(t.pipelines)) {
		return domain.InvalidPipeline, false
	}
	return t.pipelines[id-1], true
}

// Pipelines returns the handles in identifier order.
func (t *RoutingTable) Pipelines() []domain.PipelineHandle {
	return append([]domain.PipelineHandle(nil), t.pipelines...)
}

// routingSnapshot is swapped as a unit so readers never pair a policy with the wrong count.
type routingSnapshot struct {
	policy domain.RelayPolicy
	active int
}

// RouteDecision is the outcome of routing one identifier.
type RouteDecision struct {
	Pipeline  domain.PipelineHandle
	Delivered bool
	Policy    domain.RelayPolicy
	Active    int
}

// SsrcRouter resolves inbound stream identifiers to receiving pipelines under the current
// relay policy. Route is lock-free and safe to call concurrently with SetPolicy/Apply.
type SsrcRouter struct {
	table    *RoutingTable
	snap     atomic.Pointer[routingSnapshot]
	released atomic.Bool
	mu       sync.Mutex
}

// NewSsrcRouter starts with RelayAll over every identifier in the table.
func NewSsrcRouter(table *RoutingTable) *SsrcRouter {
	r := &SsrcRouter{table: table}
	r.snap.Store(&routingSnapshot{policy: domain.RelayAll(), active: table.Len()})
	return r
}

// Table returns the routing table.
func (r *SsrcRouter) Table() *RoutingTable {
	return r.table
}

// SetPolicy replaces the relay policy and keeps the active count. The caller validates
// RelayOne identifiers.
func (r *SsrcRouter) SetPolicy(policy domain.RelayPolicy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur := r.snap.Load()
	r.snap.Store(&routingSnapshot{policy: policy, active: cur.active})
}

// Apply replaces policy and active count in one step.
func (r *SsrcRouter) Apply(policy domain.RelayPolicy, active int) {
	if active > r.table.Len() {
		active = r.table.Len()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Store(&routingSnapshot{policy: policy, active: active})
}

// Snapshot returns the current policy and active identifier count.
func (r *SsrcRouter) Snapshot() (domain.RelayPolicy, int) {
	s := r.snap.Load()
	return s.policy, s.active
}

// Decide routes id against a single snapshot.
func (r *SsrcRouter) Decide(id domain.StreamIdentifier) RouteDecision {
	s := r.snap.Load()
	d := RouteDecision{Pipeline: domain.InvalidPipeline, Policy: s.policy, Active: s.active}
	if r.released.Load() {
		return d
	}

	p, ok := r.table.Pipeline(id)
	if !ok {
		return d
	}
	if active, one := s.policy.Active(); one {
		if id != active {
			return d
		}
	} else if int(id) > s.active {
		return d
	}

	d.Pipeline = p
	d.Delivered = true
	return d
}

// Route returns the pipeline for id, or false when the packet is dropped.
func (r *SsrcRouter) Route(id domain.StreamIdentifier) (domain.PipelineHandle, bool) {
	d := r.Decide(id)
	return d.Pipeline, d.Delivered
}

// Release stops all further routing. Pipelines are owned and deleted by the controller.
func (r *SsrcRouter) Release() {
	r.released.Store(true)
}

// Released reports whether Release was called.
func (r *SsrcRouter) Released() bool {
	return r.released.Load()
}
