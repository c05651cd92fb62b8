package fsm

import (
	"github.com/ahwlsqja/autonomy-abci/consensus/round"
)

// Link binds a final state of one sub-graph to a round of another. Every
// edge that ended in From ends in To after chaining.
type Link struct {
	From  string
	To    string
	Reset bool
}

// Chain merges apps into one graph called name and resolves links. The
// first app provides the initial round and the round params. Round ids
// must be unique across apps.
func Chain(name string, apps []*AbciApp, links []Link) (*AbciApp, error) {
	if len(apps) == 0 {
		return nil, configErrorf(name, "nothing to chain")
	}

	merged := apps[0].clone(name)
	for _, app := range apps[1:] {
		if err := merged.merge(app); err != nil {
			return nil, err
		}
	}

	for _, l := range links {
		if _, ok := merged.finals[l.From]; !ok {
			return nil, configErrorf(name, "link source %s is not a final state", l.From)
		}
		if _, ok := merged.rounds[l.To]; !ok {
			return nil, configErrorf(name, "link target %s is not a round", l.To)
		}
		merged.redirect(func(_ string, _ round.EventType, e edge) bool {
			return e.to == l.From
		}, l.To, l.Reset)
		delete(merged.finals, l.From)
	}
	merged.pruneFinals()

	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// Compose joins a to b: every edge of a that is labelled terminal and ends
// in a final state is redirected to the initial round of b.
func Compose(a *AbciApp, terminal round.EventType, b *AbciApp) (*AbciApp, error) {
	name := a.name + "+" + b.name

	found := false
	for _, byEvent := range a.edges {
		if e, ok := byEvent[terminal]; ok {
			if _, final := a.finals[e.to]; final {
				found = true
			}
		}
	}
	if !found {
		return nil, configErrorf(name, "%s has no final state reached on %s", a.name, terminal)
	}

	merged := a.clone(name)
	if err := merged.merge(b); err != nil {
		return nil, err
	}
	merged.redirect(func(_ string, ev round.EventType, e edge) bool {
		_, final := a.finals[e.to]
		return ev == terminal && final
	}, b.initial, false)
	merged.pruneFinals()

	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

func (a *AbciApp) merge(other *AbciApp) error {
	for id, k := range other.rounds {
		if a.has(id) {
			return configErrorf(a.name, "round id %s collides with %s", id, other.name)
		}
		a.rounds[id] = k
	}
	for id := range other.finals {
		if a.has(id) {
			return configErrorf(a.name, "final state %s collides with %s", id, other.name)
		}
		a.finals[id] = struct{}{}
	}
	for from, byEvent := range other.edges {
		for ev, e := range byEvent {
			a.setEdge(from, ev, e)
		}
	}
	return nil
}

func (a *AbciApp) redirect(match func(from string, ev round.EventType, e edge) bool, to string, reset bool) {
	for from, byEvent := range a.edges {
		for ev, e := range byEvent {
			if match(from, ev, e) {
				byEvent[ev] = edge{to: to, reset: e.reset || reset}
			}
		}
	}
}

// pruneFinals drops final states no edge reaches any more.
func (a *AbciApp) pruneFinals() {
	targeted := make(map[string]bool)
	for _, byEvent := range a.edges {
		for _, e := range byEvent {
			targeted[e.to] = true
		}
	}
	for id := range a.finals {
		if !targeted[id] {
			delete(a.finals, id)
		}
	}
}
