package registry

import (
	"sync"

	"github.com/streamplex/streamplex/pkg/fanout"
)

// Registry hands out the single Actor instance for each source stream.
type Registry struct {
	store          *Store
	log            fanout.StreamAppender
	engine         Deliverer
	queue          Enqueuer // nil when no fan-out queue is configured
	sink           Emitter
	queueThreshold int

	mu     sync.RWMutex
	actors map[string]*Actor
}

// Options wires the registry's collaborators.
type Options struct {
	Store  *Store
	Log    fanout.StreamAppender
	Engine Deliverer
	// Queue enables queued fan-out above QueueThreshold; nil keeps every
	// publish inline.
	Queue          Enqueuer
	Sink           Emitter
	QueueThreshold int
}

// New creates a registry.
func New(opts Options) *Registry {
	threshold := opts.QueueThreshold
	if threshold <= 0 {
		threshold = 100
	}
	return &Registry{
		store:          opts.Store,
		log:            opts.Log,
		engine:         opts.Engine,
		queue:          opts.Queue,
		sink:           opts.Sink,
		queueThreshold: threshold,
	}
}

// Actor returns the actor owning streamID, creating it on first use. The
// same instance is always returned for a given stream, so its mutex is the
// stream's serialization point.
func (r *Registry) Actor(streamID string) *Actor {
	r.mu.RLock()
	a, ok := r.actors[streamID]
	r.mu.RUnlock()
	if ok {
		return a
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.actors[streamID]; ok {
		return a
	}
	if r.actors == nil {
		r.actors = make(map[string]*Actor)
	}
	a = &Actor{streamID: streamID, reg: r}
	r.actors[streamID] = a
	return a
}
