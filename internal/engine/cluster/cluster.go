// Package cluster exposes whether this engine instance is authoritative.
// Election itself happens elsewhere; the engine only reads the outcome.
package cluster

import "sync/atomic"

type Leadership interface {
	IsLeader() bool
}

// Solo is a single-instance deployment: always the leader.
type Solo struct{}

func (Solo) IsLeader() bool { return true }

// Switch is flipped by whatever tracks the election result.
type Switch struct {
	leader atomic.Bool
}

func NewSwitch(leader bool) *Switch {
	s := &Switch{}
	s.leader.Store(leader)
	return s
}

func (s *Switch) IsLeader() bool { return s.leader.Load() }

// Set returns the previous value.
func (s *Switch) Set(leader bool) bool { return s.leader.Swap(leader) }
