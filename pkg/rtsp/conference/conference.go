// Package conference implements an in-memory session.ConferenceManager:
// the opaque room-membership collaborator the spec keeps out of the
// RTSP core proper. Its participants/mu shape is adapted from the
// demo Conference type in arzzra_soft_phone's
// examples/media_builder/conference_call, simplified to the
// join(room, memberId, label)/leave(memberId) primitives the core
// actually calls.
package conference

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// Member is one RTSP session bound into a room.
type Member struct {
	ID    string
	Label string
}

// Registry is a minimal multi-room membership table. It does not
// model media mixing or RTP forwarding — those belong to the media
// subsystem this core only ever hands payload-type/port tuples to.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member // room -> memberID -> Member
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{rooms: make(map[string]map[string]Member)}
}

// Join adds memberID to room under label, replacing any prior entry
// for the same memberID (a session rejoining after a transport hiccup
// shouldn't be rejected).
func (r *Registry) Join(room, memberID, label string) error {
	if room == "" || memberID == "" {
		return fmt.Errorf("conference: join requires a room and member id")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Member)
		r.rooms[room] = members
	}
	members[memberID] = Member{ID: memberID, Label: label}
	log.Debug().Str("room", room).Str("member", memberID).Str("label", label).Msg("conference member joined")
	return nil
}

// Leave removes memberID from whichever room it's in. Leaving a
// member that was never joined is a no-op, matching ClearCall's
// best-effort teardown on every termination path.
func (r *Registry) Leave(memberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for room, members := range r.rooms {
		if _, ok := members[memberID]; ok {
			delete(members, memberID)
			if len(members) == 0 {
				delete(r.rooms, room)
			}
			log.Debug().Str("room", room).Str("member", memberID).Msg("conference member left")
			return nil
		}
	}
	return nil
}

// Members returns a snapshot of room's current membership, for
// diagnostics and tests.
func (r *Registry) Members(room string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.rooms[room]
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}
