package phxsocket

import (
	"fmt"
	"sync"
)

// Default event names a Presence engine listens for, per spec §4.6.
const (
	EventPresenceState Event = "presence_state"
	EventPresenceDiff  Event = "presence_diff"
)

// PresenceMeta is one entry in a key's metas list: a phx_ref plus whatever
// arbitrary fields the server attached.
type PresenceMeta map[string]any

func (m PresenceMeta) phxRef() string {
	if v, ok := m["phx_ref"].(string); ok {
		return v
	}
	return ""
}

// PresenceEntry is the record held for a single presence key.
type PresenceEntry struct {
	Metas []PresenceMeta
}

func cloneMetas(metas []PresenceMeta) []PresenceMeta {
	out := make([]PresenceMeta, len(metas))
	copy(out, metas)
	return out
}

// PresenceState is the full key→record mapping maintained by Presence.
type PresenceState map[string]PresenceEntry

func (s PresenceState) clone() PresenceState {
	out := make(PresenceState, len(s))
	for k, v := range s {
		out[k] = PresenceEntry{Metas: cloneMetas(v.Metas)}
	}
	return out
}

// PresenceDiff is the {joins, leaves} shape of a presence_diff payload.
type PresenceDiff struct {
	Joins  PresenceState
	Leaves PresenceState
}

// PresenceConfig configures a Presence engine's event names; both default
// to the conventional Phoenix names if left empty.
type PresenceConfig struct {
	StateEvent Event
	DiffEvent  Event
}

type presenceEvent struct {
	key     string
	current *PresenceEntry
	changed PresenceEntry
}

// Presence is the diff/merge engine from spec §4.6, layered over a Channel's
// message stream.
type Presence struct {
	channel    *Channel
	stateEvent Event
	diffEvent  Event

	mu               sync.Mutex
	state            PresenceState
	pendingDiffs     []PresenceDiff
	lastStateJoinRef string
	onJoinCb         func(key string, current *PresenceEntry, joined PresenceEntry)
	onLeaveCb        func(key string, current *PresenceEntry, left PresenceEntry)
	onSyncCb         func()

	cancel func()
}

// NewPresence attaches a Presence engine to channel and begins listening on
// its message stream for state/diff events.
func NewPresence(channel *Channel, cfg PresenceConfig) *Presence {
	if cfg.StateEvent == "" {
		cfg.StateEvent = EventPresenceState
	}
	if cfg.DiffEvent == "" {
		cfg.DiffEvent = EventPresenceDiff
	}
	p := &Presence{
		channel:    channel,
		stateEvent: cfg.StateEvent,
		diffEvent:  cfg.DiffEvent,
		state:      make(PresenceState),
	}
	out, cancel := channel.Messages()
	p.cancel = cancel
	go func() {
		for msg := range out {
			p.handleMessage(msg)
		}
	}()
	return p
}

// OnJoin registers cb to run once per key that gains metas in a processed
// state or diff event.
func (p *Presence) OnJoin(cb func(key string, current *PresenceEntry, joined PresenceEntry)) {
	p.mu.Lock()
	p.onJoinCb = cb
	p.mu.Unlock()
}

// OnLeave registers cb to run once per key that loses metas in a processed
// state or diff event.
func (p *Presence) OnLeave(cb func(key string, current *PresenceEntry, left PresenceEntry)) {
	p.mu.Lock()
	p.onLeaveCb = cb
	p.mu.Unlock()
}

// OnSync registers cb to run once per processed state or diff event,
// regardless of whether it produced any joins or leaves.
func (p *Presence) OnSync(cb func()) {
	p.mu.Lock()
	p.onSyncCb = cb
	p.mu.Unlock()
}

// State returns a snapshot copy of the current presence map.
func (p *Presence) State() PresenceState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

// List projects the current state through chooser into a flat slice. With a
// nil chooser each element is the key's PresenceEntry (a copy of its metas);
// the key itself is not included.
func (p *Presence) List(chooser func(key string, entry PresenceEntry) any) []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]any, 0, len(p.state))
	for key, entry := range p.state {
		if chooser != nil {
			out = append(out, chooser(key, entry))
		} else {
			out = append(out, PresenceEntry{Metas: cloneMetas(entry.Metas)})
		}
	}
	return out
}

// Dispose cancels the underlying channel-message subscription. Idempotent.
func (p *Presence) Dispose() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (p *Presence) handleMessage(msg Message) {
	switch msg.Event {
	case p.stateEvent:
		state, err := parsePresenceMap(msg.Payload)
		if err != nil {
			p.channel.socket.logger.Warnf("phxsocket: malformed presence_state payload: %v", err)
			return
		}
		p.applyState(state)
	case p.diffEvent:
		diff, err := parsePresenceDiff(msg.Payload)
		if err != nil {
			p.channel.socket.logger.Warnf("phxsocket: malformed presence_diff payload: %v", err)
			return
		}
		p.applyDiff(diff)
	}
}

func (p *Presence) applyState(newState PresenceState) {
	p.mu.Lock()
	diff := computeStateDiff(p.state, newState)
	joins, leaves := p.applyDiffLocked(diff)

	pending := p.pendingDiffs
	p.pendingDiffs = nil
	for _, d := range pending {
		j, l := p.applyDiffLocked(d)
		joins = append(joins, j...)
		leaves = append(leaves, l...)
	}
	p.lastStateJoinRef = p.channel.JoinRef()
	onJoin, onLeave, onSync := p.onJoinCb, p.onLeaveCb, p.onSyncCb
	p.mu.Unlock()

	fireCallbacks(joins, leaves, onJoin, onLeave, onSync)
}

func (p *Presence) applyDiff(diff PresenceDiff) {
	p.mu.Lock()
	if p.channel.JoinRef() != p.lastStateJoinRef {
		p.pendingDiffs = append(p.pendingDiffs, diff)
		p.mu.Unlock()
		return
	}
	joins, leaves := p.applyDiffLocked(diff)
	onJoin, onLeave, onSync := p.onJoinCb, p.onLeaveCb, p.onSyncCb
	p.mu.Unlock()

	fireCallbacks(joins, leaves, onJoin, onLeave, onSync)
}

func fireCallbacks(joins, leaves []presenceEvent, onJoin, onLeave func(string, *PresenceEntry, PresenceEntry), onSync func()) {
	if onJoin != nil {
		for _, e := range joins {
			onJoin(e.key, e.current, e.changed)
		}
	}
	if onLeave != nil {
		for _, e := range leaves {
			onLeave(e.key, e.current, e.changed)
		}
	}
	if onSync != nil {
		onSync()
	}
}

// applyDiffLocked mutates p.state in place per the join/leave merge rule in
// spec §4.6. Must be called with p.mu held.
func (p *Presence) applyDiffLocked(diff PresenceDiff) (joins, leaves []presenceEvent) {
	for key, newEntry := range diff.Joins {
		current, had := p.state[key]
		merged := PresenceEntry{Metas: cloneMetas(newEntry.Metas)}
		if had {
			joinedRefs := make(map[string]bool, len(merged.Metas))
			for _, m := range merged.Metas {
				joinedRefs[m.phxRef()] = true
			}
			for _, m := range current.Metas {
				if !joinedRefs[m.phxRef()] {
					merged.Metas = append(merged.Metas, m)
				}
			}
		}
		p.state[key] = merged

		var curPtr *PresenceEntry
		if had {
			c := current
			curPtr = &c
		}
		joins = append(joins, presenceEvent{key: key, current: curPtr, changed: newEntry})
	}

	for key, leftEntry := range diff.Leaves {
		current, had := p.state[key]
		if !had {
			continue
		}
		removeRefs := make(map[string]bool, len(leftEntry.Metas))
		for _, m := range leftEntry.Metas {
			removeRefs[m.phxRef()] = true
		}
		remaining := make([]PresenceMeta, 0, len(current.Metas))
		for _, m := range current.Metas {
			if !removeRefs[m.phxRef()] {
				remaining = append(remaining, m)
			}
		}
		current.Metas = remaining
		leaves = append(leaves, presenceEvent{key: key, current: &current, changed: leftEntry})
		if len(remaining) == 0 {
			delete(p.state, key)
		} else {
			p.state[key] = current
		}
	}
	return joins, leaves
}

// computeStateDiff derives the {joins, leaves} that would move current to
// newState, per spec §4.6's state-snapshot merge rule.
func computeStateDiff(current, newState PresenceState) PresenceDiff {
	diff := PresenceDiff{Joins: make(PresenceState), Leaves: make(PresenceState)}

	for key, presence := range current {
		if _, ok := newState[key]; !ok {
			diff.Leaves[key] = presence
		}
	}

	for key, newPresence := range newState {
		currentPresence, ok := current[key]
		if !ok {
			diff.Joins[key] = newPresence
			continue
		}
		curRefs := make(map[string]bool, len(currentPresence.Metas))
		for _, m := range currentPresence.Metas {
			curRefs[m.phxRef()] = true
		}
		newRefs := make(map[string]bool, len(newPresence.Metas))
		for _, m := range newPresence.Metas {
			newRefs[m.phxRef()] = true
		}
		var joined, left []PresenceMeta
		for _, m := range newPresence.Metas {
			if !curRefs[m.phxRef()] {
				joined = append(joined, m)
			}
		}
		for _, m := range currentPresence.Metas {
			if !newRefs[m.phxRef()] {
				left = append(left, m)
			}
		}
		if len(joined) > 0 {
			diff.Joins[key] = PresenceEntry{Metas: joined}
		}
		if len(left) > 0 {
			diff.Leaves[key] = PresenceEntry{Metas: left}
		}
	}
	return diff
}

func parsePresenceMap(payload any) (PresenceState, error) {
	raw, ok := payload.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("phxsocket: expected object payload, got %T", payload)
	}
	state := make(PresenceState, len(raw))
	for key, v := range raw {
		entryMap, ok := v.(map[string]any)
		if !ok {
			continue
		}
		metasRaw, _ := entryMap["metas"].([]any)
		metas := make([]PresenceMeta, 0, len(metasRaw))
		for _, mr := range metasRaw {
			if m, ok := mr.(map[string]any); ok {
				metas = append(metas, PresenceMeta(m))
			}
		}
		state[key] = PresenceEntry{Metas: metas}
	}
	return state, nil
}

func parsePresenceDiff(payload any) (PresenceDiff, error) {
	raw, ok := payload.(map[string]any)
	if !ok {
		return PresenceDiff{}, fmt.Errorf("phxsocket: expected object payload, got %T", payload)
	}
	joins, err := parsePresenceMap(raw["joins"])
	if err != nil {
		joins = make(PresenceState)
	}
	leaves, err := parsePresenceMap(raw["leaves"])
	if err != nil {
		leaves = make(PresenceState)
	}
	return PresenceDiff{Joins: joins, Leaves: leaves}, nil
}
