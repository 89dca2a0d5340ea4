package room

import (
	"time"

	"github.com/park285/cheese-chessroom/internal/clock"
)

type session struct {
	member Member
	conn   Conn // nil while disconnected
	joined time.Time
	seq    uint64

	// grace runs while a player is disconnected during a match.
	grace *clock.Clock
	// subscribed gates move/give-up actions from conn.
	subscribed bool
}

func (s *session) id() string { return s.member.User.ID }

func (s *session) connected() bool { return s.member.State.Connected }

func (s *session) stopGrace() {
	if s.grace != nil {
		s.grace.Stop()
		s.grace = nil
	}
}

// registry keys sessions by user id and remembers join order.
type registry struct {
	byID  map[string]*session
	order []string
	seq   uint64
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]*session)}
}

func (r *registry) get(id string) *session { return r.byID[id] }

func (r *registry) add(s *session) {
	r.seq++
	s.seq = r.seq
	r.byID[s.id()] = s
	r.order = append(r.order, s.id())
}

func (r *registry) remove(id string) {
	if _, ok := r.byID[id]; !ok {
		return
	}
	delete(r.byID, id)
	for i, v := range r.order {
		if v == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

func (r *registry) all() []*session {
	out := make([]*session, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *registry) byConn(conn Conn) *session {
	if conn == nil {
		return nil
	}
	for _, s := range r.byID {
		if s.conn == conn {
			return s
		}
	}
	return nil
}

func (r *registry) connectedCount() int {
	n := 0
	for _, s := range r.byID {
		if s.connected() {
			n++
		}
	}
	return n
}

// earliestSpectator returns the connected non-player that joined first.
func (r *registry) earliestSpectator() *session {
	var best *session
	for _, s := range r.byID {
		if !s.connected() || s.member.State.IsPlayer {
			continue
		}
		if best == nil || s.joined.Before(best.joined) ||
			(s.joined.Equal(best.joined) && s.seq < best.seq) {
			best = s
		}
	}
	return best
}

func (r *registry) members() []Member {
	out := make([]Member, 0, len(r.order))
	for _, s := range r.all() {
		out = append(out, s.member)
	}
	return out
}

func (r *registry) stopGraceClocks() {
	for _, s := range r.byID {
		s.stopGrace()
	}
}
