package engine

import (
	"fmt"

	"simulcastctl/internal/core/domain"
	"simulcastctl/internal/core/ports"
)

type renderer struct {
	view    string
	zOrder  int
	running bool
}

type renderAPI struct {
	refCount
	e *Engine
}

func (r *renderAPI) AddRenderer(src ports.RenderSource, view string, zOrder int) error {
	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if !e.sourceExistsLocked(src) {
		return fmt.Errorf("render source %d: %w", src, ErrUnknownRenderer)
	}
	if _, ok := e.renderers[src]; ok {
		return fmt.Errorf("render source %d: %w", src, ErrAlreadyRunning)
	}
	e.renderers[src] = &renderer{view: view, zOrder: zOrder}
	return nil
}

func (e *Engine) sourceExistsLocked(src ports.RenderSource) bool {
	if _, ok := e.captures[int(src)]; ok {
		return true
	}
	_, ok := e.pipelines[domain.PipelineHandle(src)]
	return ok
}

func (r *renderAPI) StartRender(src ports.RenderSource) error {
	return r.setRunning(src, true)
}

func (r *renderAPI) StopRender(src ports.RenderSource) error {
	return r.setRunning(src, false)
}

func (r *renderAPI) setRunning(src ports.RenderSource, running bool) error {
	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	rd, ok := e.renderers[src]
	if !ok {
		return fmt.Errorf("render source %d: %w", src, ErrUnknownRenderer)
	}
	rd.running = running
	return nil
}

func (r *renderAPI) RemoveRenderer(src ports.RenderSource) error {
	e := r.e
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.renderers[src]; !ok {
		return fmt.Errorf("render source %d: %w", src, ErrUnknownRenderer)
	}
	delete(e.renderers, src)
	return nil
}

// Rendering reports whether src has a started renderer.
func (e *Engine) Rendering(src ports.RenderSource) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rd, ok := e.renderers[src]
	return ok && rd.running
}
