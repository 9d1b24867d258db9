package testutil

import (
	"sync/atomic"

	"flowsync/internal/flow"
)

// SwitchableNetwork is a NetworkMonitor whose connection can change mid-test.
type SwitchableNetwork struct {
	conn atomic.Int32
}

// NewSwitchableNetwork starts with c.
func NewSwitchableNetwork(c flow.ConnectionType) *SwitchableNetwork {
	n := &SwitchableNetwork{}
	n.Set(c)
	return n
}

func (n *SwitchableNetwork) Set(c flow.ConnectionType) {
	n.conn.Store(int32(c))
}

func (n *SwitchableNetwork) Connection() flow.ConnectionType {
	return flow.ConnectionType(n.conn.Load())
}
