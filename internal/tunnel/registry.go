package tunnel

import (
	"sync"
	"time"

	"github.com/caffix/queue"
	cache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"
)

const (
	clientTimeout  = 40 * time.Second
	stagerTimeout  = clientTimeout * 4
	sweepInterval  = 20 * time.Second
	stagerCacheTTL = stagerTimeout
)

// ControllerSubscriber is the registry's narrow view of a controller
// connection waiting on a server_id: it gets woken up either because a
// session finally registered (OnNewClient) or because it was asked to pull
// a stage payload from its peer (RequestStage).
type ControllerSubscriber interface {
	OnNewClient()
	RequestStage()
}

// Registry is the process-wide rendezvous point pairing controller sockets
// to implant sessions by server_id. All exported methods are safe for
// concurrent use.
type Registry struct {
	mu            sync.Mutex
	idPool        []byte
	clientMap     map[byte]*Session
	servers       map[string][]*Session
	waitedServers map[string][]ControllerSubscriber

	stagers       *cache.Cache
	defaultStager *StageClient

	unregisterPending queue.Queue

	timeout *TimeoutService
}

// NewRegistry builds a Registry with a fresh 'a'..'z' id pool and starts its
// background timeout sweep.
func NewRegistry() *Registry {
	r := &Registry{
		idPool:            make([]byte, 0, 26),
		clientMap:         make(map[byte]*Session),
		servers:           make(map[string][]*Session),
		waitedServers:     make(map[string][]ControllerSubscriber),
		// No go-cache expiry: onTimeout evicts stale stagers, and keeps
		// those a controller is still subscribed for.
		stagers:           cache.New(cache.NoExpiration, 0),
		defaultStager:     NewStageClient(nil),
		unregisterPending: queue.NewQueue(),
		timeout:           NewTimeoutService(sweepInterval),
	}
	for c := byte('a'); c <= 'z'; c++ {
		r.idPool = append(r.idPool, c)
	}
	r.timeout.AddCallback(r.onTimeout, false)
	return r
}

// RequestClientID pops a free id from the pool for session, or reports
// exhaustion.
func (r *Registry) RequestClientID(s *Session) (byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.idPool) == 0 {
		log.Error().Msg("tunnel: registry has no free client ids")
		return 0, false
	}
	id := r.idPool[0]
	r.idPool = r.idPool[1:]
	r.clientMap[id] = s
	return id, true
}

// RegisterClientForServer marks session as awaiting a controller for
// serverID, then notifies the first subscribed controller outside the
// registry lock (mirroring the original's lock-then-notify split).
func (r *Registry) RegisterClientForServer(serverID string, s *Session) {
	log.Info().Str("server_id", serverID).Msg("tunnel: registering session for server")
	r.mu.Lock()
	r.servers[serverID] = append(r.servers[serverID], s)
	r.mu.Unlock()
	r.notifyWaitedServers(serverID)
}

func (r *Registry) notifyWaitedServers(serverID string) {
	r.mu.Lock()
	waiters := r.waitedServers[serverID]
	var notify ControllerSubscriber
	if len(waiters) > 0 {
		notify = waiters[0]
		waiters = waiters[1:]
		if len(waiters) == 0 {
			delete(r.waitedServers, serverID)
		} else {
			r.waitedServers[serverID] = waiters
		}
	}
	r.mu.Unlock()
	if notify != nil {
		notify.OnNewClient()
	}
}

// Subscribe registers sub as waiting for the next session under serverID.
func (r *Registry) Subscribe(serverID string, sub ControllerSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waitedServers[serverID] = append(r.waitedServers[serverID], sub)
}

// Unsubscribe removes sub from serverID's waiter list, if present.
func (r *Registry) Unsubscribe(serverID string, sub ControllerSubscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	waiters := r.waitedServers[serverID]
	for i, w := range waiters {
		if w == sub {
			r.waitedServers[serverID] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

// GetClientByID resolves a client_id label to its session.
func (r *Registry) GetClientByID(clientID byte) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.clientMap[clientID]
	return s, ok
}

// GetNewClientForServer pops the next session waiting under serverID, for
// a controller that just connected or was just notified.
func (r *Registry) GetNewClientForServer(serverID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sessions := r.servers[serverID]
	if len(sessions) == 0 {
		return nil, false
	}
	s := sessions[0]
	sessions = sessions[1:]
	if len(sessions) == 0 {
		delete(r.servers, serverID)
	} else {
		r.servers[serverID] = sessions
	}
	return s, true
}

// GetStageClientForServer returns the cached stage for serverID. If none is
// cached yet, it asks the first subscribed controller (if any) to upload
// one and returns the shared empty default in the meantime.
func (r *Registry) GetStageClientForServer(serverID string) *StageClient {
	if v, ok := r.stagers.Get(serverID); ok {
		stage := v.(*StageClient)
		r.stagers.Set(serverID, stage, cache.DefaultExpiration)
		stage.touch(time.Now().Unix())
		return stage
	}

	r.mu.Lock()
	waiters := r.waitedServers[serverID]
	var ask ControllerSubscriber
	if len(waiters) > 0 {
		ask = waiters[0]
	}
	r.mu.Unlock()

	if ask != nil {
		log.Info().Str("server_id", serverID).Msg("tunnel: requesting stage upload from subscribed controller")
		ask.RequestStage()
	} else {
		log.Debug().Str("server_id", serverID).Msg("tunnel: no controller subscribed to serve a stage")
	}
	return r.defaultStager
}

// AddStagerForServer caches an uploaded stage payload for serverID.
func (r *Registry) AddStagerForServer(serverID string, data []byte) {
	stage := NewStageClient(data)
	stage.touch(time.Now().Unix())
	r.stagers.Set(serverID, stage, cache.DefaultExpiration)
}

// IsStagerServer reports whether a stage is currently cached for serverID.
func (r *Registry) IsStagerServer(serverID string) bool {
	_, ok := r.stagers.Get(serverID)
	return ok
}

// unregisterClient frees a client_id immediately, returning it to the pool.
func (r *Registry) unregisterClient(clientID byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clientMap[clientID]; ok {
		delete(r.clientMap, clientID)
		r.idPool = append(r.idPool, clientID)
	}
}

// UnregisterClient stages clientID for deferred removal (pending=true,
// matching the Python default) or frees it immediately.
func (r *Registry) UnregisterClient(clientID byte, pending bool) {
	if pending {
		r.unregisterPending.Append(clientID)
		return
	}
	r.unregisterClient(clientID)
}

// onTimeout is the registry's permanent TimeoutService listener: it reaps
// stale sessions, evicts unsubscribed stagers, and drains the deferred
// unregister queue for sessions that finally went idle.
func (r *Registry) onTimeout(now int64) {
	var disconnected []*Session

	r.mu.Lock()
	var staleIDs []byte
	for id, s := range r.clientMap {
		if abs64(now-s.LastSeen()) >= int64(clientTimeout.Seconds()) {
			staleIDs = append(staleIDs, id)
			disconnected = append(disconnected, s)
		}
	}
	for _, id := range staleIDs {
		delete(r.clientMap, id)
		r.idPool = append(r.idPool, id)
		log.Info().Str("client_id", string(id)).Msg("tunnel: reaping session (timeout)")
	}
	r.mu.Unlock()

	for _, s := range disconnected {
		serverID := s.ServerID()
		r.mu.Lock()
		sessions := r.servers[serverID]
		for i, cand := range sessions {
			if cand == s {
				r.servers[serverID] = append(sessions[:i], sessions[i+1:]...)
				break
			}
		}
		r.mu.Unlock()
		s.OnTimeout()
	}

	for id, item := range r.stagers.Items() {
		stage := item.Object.(*StageClient)
		if abs64(now-stage.lastSeen()) < int64(stagerTimeout.Seconds()) {
			continue
		}
		r.mu.Lock()
		hasWaiters := len(r.waitedServers[id]) > 0
		r.mu.Unlock()
		if !hasWaiters {
			r.stagers.Delete(id)
			log.Debug().Str("server_id", id).Msg("tunnel: evicted unsubscribed stager")
		}
	}

	var stillPending []byte
	r.unregisterPending.Process(func(data interface{}) {
		id, ok := data.(byte)
		if !ok {
			return
		}
		r.mu.Lock()
		s, exists := r.clientMap[id]
		r.mu.Unlock()
		if !exists {
			return
		}
		if s.IsIdle() {
			r.unregisterClient(id)
			log.Info().Str("client_id", string(id)).Msg("tunnel: drained pending unregister")
		} else {
			stillPending = append(stillPending, id)
		}
	})
	for _, id := range stillPending {
		r.unregisterPending.Append(id)
	}
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
