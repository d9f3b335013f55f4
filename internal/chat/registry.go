package chat

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Registry is the sole authority over session membership and message
// delivery. It maps display names to sessions under a single mutex: every
// mutation and every read spanning more than one entry runs as one critical
// section, so no caller ever observes a name that is claimed but not
// deliverable, or a partially updated membership set.
//
// A name mapping to a nil session is reserved: TryRegister succeeded but
// Activate has not run yet. Reserved names count for uniqueness but are
// invisible to snapshots and delivery.
type Registry struct {
	mu      sync.Mutex
	members map[string]*Session
	log     zerolog.Logger
}

// NewRegistry returns an empty registry ready for use.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		members: make(map[string]*Session),
		log:     logger,
	}
}

// TryRegister atomically checks name for uniqueness and reserves it.
// It reports false when the name is already reserved or active; the caller
// must retry with a different name.
func (r *Registry) TryRegister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, taken := r.members[name]; taken {
		return false
	}
	r.members[name] = nil
	return true
}

// Activate installs the session behind a name reserved by TryRegister,
// making it deliverable. Within the same critical section it queues the
// acceptance and the full membership snapshot (one NEW_USER line per active
// member, the joiner included) on the new session, and announces the join
// to every existing member. Doing all three atomically is what guarantees
// that concurrent joiners each see exactly one NEW_USER line per member.
func (r *Registry) Activate(name string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.members[name] = s

	// Size the queue so the acceptance line and one NEW_USER line per
	// member always fit on top of the configured depth: the write pump
	// only starts draining after activation returns, and a joiner must
	// not be evicted by its own join burst.
	s.queue = make(chan string, len(r.members)+1+s.depth)

	var failed []string
	if !s.enqueueLocked(lineNameAccepted) {
		failed = append(failed, name)
	}

	others := make([]*Session, 0, len(r.members))
	for member, other := range r.members {
		if other == nil || member == name {
			continue
		}
		others = append(others, other)
	}
	failed = append(failed, r.fanoutLocked(others, joinLine(name))...)

	for _, member := range r.snapshotLocked() {
		if !s.enqueueLocked(joinLine(member)) {
			failed = append(failed, name)
			break
		}
	}

	r.evictLocked(failed)
	r.log.Info().Str("name", name).Int("members", len(r.snapshotLocked())).Msg("session activated")
}

// Unregister removes name from the registry, closes its outbound queue, and
// announces the departure to the remaining members. It is idempotent: a
// second call for the same name reports false and announces nothing, so
// double-cleanup on error paths cannot double-emit REMOVE_USER.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(name)
}

// detach is the session loop's cleanup entry point. Unlike Unregister it
// removes the name only while it still maps to this exact session, so a
// loop finishing late cannot tear down a successor that reused the name
// after a slow-consumer eviction.
func (r *Registry) detach(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.members[s.name]; !ok || current != s {
		return false
	}
	return r.removeLocked(s.name)
}

// SnapshotNames returns the active membership at a single consistent point
// in time, sorted. Every returned name is deliverable at that instant;
// reserved names are excluded.
func (r *Registry) SnapshotNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len reports the number of active sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, s := range r.members {
		if s != nil {
			n++
		}
	}
	return n
}

// Deliver routes one parsed chat line from sender. The target set always
// contains the sender; ALL adds every active session, an explicit list adds
// each name that currently resolves (names that do not are silently
// dropped), and a malformed directive adds nobody. When the resolved set is
// the sender alone the body is prefixed with the no-receiver notice so the
// sender can see the message went nowhere. Resolution and handoff happen
// under one critical section; actual socket writes do not.
func (r *Registry) Deliver(sender string, dir Directive) {
	r.mu.Lock()
	defer r.mu.Unlock()

	targets := make(map[string]*Session)
	if s, ok := r.members[sender]; ok && s != nil {
		targets[sender] = s
	}

	switch {
	case dir.Malformed:
		// sender only
	case dir.ToAll:
		for name, s := range r.members {
			if s != nil {
				targets[name] = s
			}
		}
	default:
		for _, name := range dir.Recipients {
			if s, ok := r.members[name]; ok && s != nil {
				targets[name] = s
			}
		}
	}

	body := dir.Body
	// The notice applies only when the message reaches nobody but its own
	// sender; a lone resolved recipient (possible when the sender itself
	// vanished mid-delivery) still gets the plain message.
	if _, senderPresent := targets[sender]; senderPresent && len(targets) == 1 {
		body = noReceiverNotice + body
	}
	line := chatLine(sender, body)

	sessions := make([]*Session, 0, len(targets))
	for _, s := range targets {
		sessions = append(sessions, s)
	}
	r.evictLocked(r.fanoutLocked(sessions, line))
}

// CloseAll removes every entry and closes every active session's queue.
// Used on server shutdown; the write pumps drain and close the connections.
// It returns the number of sessions closed.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for name, s := range r.members {
		delete(r.members, name)
		if s != nil {
			s.closeLocked()
			n++
		}
	}
	return n
}

// removeLocked deletes name, closes its session if one was activated, and
// announces the departure to everyone still present.
func (r *Registry) removeLocked(name string) bool {
	s, ok := r.members[name]
	if !ok {
		return false
	}
	delete(r.members, name)
	if s == nil {
		// Reservation released before activation; nothing was deliverable,
		// so there is nobody to notify.
		return true
	}
	s.closeLocked()
	r.evictLocked(r.fanoutLocked(r.activeLocked(), departLine(name)))
	return true
}

// fanoutLocked queues line on each session and returns the names whose
// queues were full or already closed.
func (r *Registry) fanoutLocked(sessions []*Session, line string) []string {
	var failed []string
	for _, s := range sessions {
		if !s.enqueueLocked(line) {
			failed = append(failed, s.name)
		}
	}
	return failed
}

// evictLocked removes sessions that could not accept a line. Each eviction
// is announced like a normal departure; announcements that fail in turn
// join the worklist, so a cascade of stalled clients still terminates.
func (r *Registry) evictLocked(names []string) {
	for len(names) > 0 {
		name := names[0]
		names = names[1:]

		s, ok := r.members[name]
		if !ok || s == nil {
			continue
		}
		delete(r.members, name)
		s.closeLocked()
		r.log.Warn().Str("name", name).Msg("evicting client with full outbound queue")
		names = append(names, r.fanoutLocked(r.activeLocked(), departLine(name))...)
	}
}

func (r *Registry) activeLocked() []*Session {
	sessions := make([]*Session, 0, len(r.members))
	for _, s := range r.members {
		if s != nil {
			sessions = append(sessions, s)
		}
	}
	return sessions
}

func (r *Registry) snapshotLocked() []string {
	names := make([]string, 0, len(r.members))
	for name, s := range r.members {
		if s != nil {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
