// Package fsm defines the transition graph over rounds (the ABCI app),
// its composition from sub-graphs and its reviewable YAML specification.
package fsm

import (
	"sort"
	"time"

	"github.com/ahwlsqja/autonomy-abci/consensus/round"
	"github.com/ahwlsqja/autonomy-abci/consensus/state"
)

// Transition is one resolved edge of the graph.
type Transition struct {
	From  string
	Event round.EventType
	To    string
	// Reset - the adapter starts a new period before entering To.
	Reset bool
}

type edge struct {
	to    string
	reset bool
}

// AbciApp is an immutable rooted graph over rounds. Final states have no
// round kind; they mark where a sub-graph hands over to the next one.
type AbciApp struct {
	name    string
	initial string
	rounds  map[string]round.Kind
	finals  map[string]struct{}
	edges   map[string]map[round.EventType]edge
	params  round.Params
}

// Builder assembles an AbciApp.
type Builder struct {
	app *AbciApp
	err error
}

// NewBuilder starts a graph called name.
func NewBuilder(name string) *Builder {
	return &Builder{app: &AbciApp{
		name:   name,
		rounds: make(map[string]round.Kind),
		finals: make(map[string]struct{}),
		edges:  make(map[string]map[round.EventType]edge),
	}}
}

// Round declares a round. The first declared round is the initial one
// unless Initial says otherwise.
func (b *Builder) Round(id string, kind round.Kind) *Builder {
	if b.err != nil {
		return b
	}
	if b.app.has(id) {
		b.err = configErrorf(b.app.name, "round %s declared twice", id)
		return b
	}
	b.app.rounds[id] = kind
	if b.app.initial == "" {
		b.app.initial = id
	}
	return b
}

// Final declares a final state.
func (b *Builder) Final(id string) *Builder {
	if b.err != nil {
		return b
	}
	if b.app.has(id) {
		b.err = configErrorf(b.app.name, "state %s declared twice", id)
		return b
	}
	b.app.finals[id] = struct{}{}
	return b
}

// Initial sets the initial round.
func (b *Builder) Initial(id string) *Builder {
	b.app.initial = id
	return b
}

// Edge adds from --ev--> to. Reset edges are only introduced by Chain.
func (b *Builder) Edge(from string, ev round.EventType, to string) *Builder {
	if b.err != nil {
		return b
	}
	if _, ok := b.app.edges[from][ev]; ok {
		b.err = configErrorf(b.app.name, "edge (%s, %s) declared twice", from, ev)
		return b
	}
	b.app.setEdge(from, ev, edge{to: to})
	return b
}

// Params sets the round params the app instantiates rounds with.
func (b *Builder) Params(p round.Params) *Builder {
	b.app.params = p
	return b
}

// Build validates and returns the app.
func (b *Builder) Build() (*AbciApp, error) {
	if b.err != nil {
		return nil, b.err
	}
	if err := b.app.Validate(); err != nil {
		return nil, err
	}
	return b.app, nil
}

func (a *AbciApp) has(id string) bool {
	if _, ok := a.rounds[id]; ok {
		return true
	}
	_, ok := a.finals[id]
	return ok
}

func (a *AbciApp) setEdge(from string, ev round.EventType, e edge) {
	if a.edges[from] == nil {
		a.edges[from] = make(map[round.EventType]edge)
	}
	a.edges[from][ev] = e
}

// Name returns the app name.
func (a *AbciApp) Name() string { return a.name }

// InitialRound returns the id of the round the app starts in.
func (a *AbciApp) InitialRound() string { return a.initial }

// Params returns the params rounds are instantiated with.
func (a *AbciApp) Params() round.Params { return a.params }

// WithParams returns a copy of the app that instantiates rounds with p.
func (a *AbciApp) WithParams(p round.Params) *AbciApp {
	cp := a.clone(a.name)
	cp.params = p
	return cp
}

// Validate checks that the initial round exists, that every edge lands on
// a declared state and that every event a round can emit has an edge.
func (a *AbciApp) Validate() error {
	if _, ok := a.rounds[a.initial]; !ok {
		return configErrorf(a.name, "initial round %q is not declared", a.initial)
	}
	for from, byEvent := range a.edges {
		kind, ok := a.rounds[from]
		if !ok {
			return configErrorf(a.name, "edge from undeclared round %s", from)
		}
		for ev, e := range byEvent {
			if !kind.Emits(ev) {
				return configErrorf(a.name, "round %s never emits %s", from, ev)
			}
			if !a.has(e.to) {
				return configErrorf(a.name, "edge (%s, %s) targets undeclared state %s", from, ev, e.to)
			}
		}
	}
	for _, id := range a.Rounds() {
		for _, ev := range a.rounds[id].Events {
			if _, ok := a.edges[id][ev]; !ok {
				return configErrorf(a.name, "round %s emits %s but has no edge for it", id, ev)
			}
		}
	}
	return nil
}

// CheckClosed fails if a final state is left unbound. Only closed apps
// can be run by the adapter.
func (a *AbciApp) CheckClosed() error {
	if finals := a.Finals(); len(finals) > 0 {
		return configErrorf(a.name, "unbound final states %v", finals)
	}
	return nil
}

// Next resolves the edge leaving id on ev.
func (a *AbciApp) Next(id string, ev round.EventType) (Transition, error) {
	e, ok := a.edges[id][ev]
	if !ok {
		return Transition{}, configErrorf(a.name, "no transition from %s on %s", id, ev)
	}
	return Transition{From: id, Event: ev, To: e.to, Reset: e.reset}, nil
}

// NewRound instantiates round id reading from view, starting at start.
func (a *AbciApp) NewRound(id string, view *state.Snapshot, start time.Time) (round.Round, error) {
	kind, ok := a.rounds[id]
	if !ok {
		if _, final := a.finals[id]; final {
			return nil, configErrorf(a.name, "final state %s is not bound to a round", id)
		}
		return nil, configErrorf(a.name, "unknown round %s", id)
	}
	return kind.New(round.Config{ID: id, View: view, Start: start, Params: a.params}), nil
}

// Rounds returns the round ids, sorted.
func (a *AbciApp) Rounds() []string {
	ids := make([]string, 0, len(a.rounds))
	for id := range a.rounds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Finals returns the final state ids, sorted.
func (a *AbciApp) Finals() []string {
	ids := make([]string, 0, len(a.finals))
	for id := range a.finals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Edges returns every transition, sorted by source round and event.
func (a *AbciApp) Edges() []Transition {
	var out []Transition
	for from, byEvent := range a.edges {
		for ev, e := range byEvent {
			out = append(out, Transition{From: from, Event: ev, To: e.to, Reset: e.reset})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].From != out[j].From {
			return out[i].From < out[j].From
		}
		return out[i].Event < out[j].Event
	})
	return out
}

func (a *AbciApp) clone(name string) *AbciApp {
	cp := &AbciApp{
		name:    name,
		initial: a.initial,
		rounds:  make(map[string]round.Kind, len(a.rounds)),
		finals:  make(map[string]struct{}, len(a.finals)),
		edges:   make(map[string]map[round.EventType]edge, len(a.edges)),
		params:  a.params,
	}
	for id, k := range a.rounds {
		cp.rounds[id] = k
	}
	for id := range a.finals {
		cp.finals[id] = struct{}{}
	}
	for from, byEvent := range a.edges {
		for ev, e := range byEvent {
			cp.setEdge(from, ev, e)
		}
	}
	return cp
}
