package controller

import (
	"net"
	"sync"

	"github.com/caffix/queue"
	"github.com/rs/zerolog/log"

	"dns-bridge/internal/tunnel"
)

// Listener accepts controller TCP connections and hands each one its own
// goroutine. It replaces the original's single select()-driven MSFListener:
// Go's blocking per-connection I/O plus the netpoller already does the
// multiplexing, so the listener itself only needs to track which
// connections are alive. Connection teardown is reported back through a
// caffix/queue work list and drained by one housekeeping goroutine, the same
// append-then-drain shape used for the registry's deferred unregistration.
type Listener struct {
	reg *tunnel.Registry

	mu     sync.Mutex
	active map[*Controller]struct{}

	removals queue.Queue
	done     chan struct{}
	wg       sync.WaitGroup

	ln net.Listener
}

// NewListener builds a Listener pairing controllers against reg. Call Serve
// to start accepting.
func NewListener(reg *tunnel.Registry) *Listener {
	l := &Listener{
		reg:      reg,
		active:   make(map[*Controller]struct{}),
		removals: queue.NewQueue(),
		done:     make(chan struct{}),
	}
	l.wg.Add(1)
	go l.houseKeep()
	return l
}

// Serve listens on addr and blocks, accepting one connection at a time
// until the listener is shut down or Accept fails permanently.
func (l *Listener) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	l.ln = ln
	log.Info().Str("addr", addr).Msg("controller: listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return nil
			default:
			}
			log.Warn().Err(err).Msg("controller: accept failed")
			return err
		}
		log.Info().Str("remote", conn.RemoteAddr().String()).Msg("controller: incoming connection")
		c := newController(conn, l.reg, l)
		l.track(c)
		go c.run()
	}
}

// Shutdown closes the listening socket and every live connection.
func (l *Listener) Shutdown() {
	close(l.done)
	if l.ln != nil {
		l.ln.Close()
	}
	l.mu.Lock()
	conns := make([]*Controller, 0, len(l.active))
	for c := range l.active {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.closeConn()
	}
	l.wg.Wait()
}

func (l *Listener) track(c *Controller) {
	l.mu.Lock()
	l.active[c] = struct{}{}
	l.mu.Unlock()
}

// untrack queues c for removal from the active set; called from a
// connection's own closeConn, so the removal itself happens off that
// goroutine on the housekeeping loop.
func (l *Listener) untrack(c *Controller) {
	l.removals.Append(c)
}

func (l *Listener) houseKeep() {
	defer l.wg.Done()
	for {
		select {
		case <-l.removals.Signal():
			l.removals.Process(func(data interface{}) {
				c, ok := data.(*Controller)
				if !ok {
					return
				}
				l.mu.Lock()
				delete(l.active, c)
				l.mu.Unlock()
			})
		case <-l.done:
			return
		}
	}
}
