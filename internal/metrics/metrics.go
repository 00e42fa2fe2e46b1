// Package metrics holds process-wide relay counters. Counters are atomic
// so the per-connection goroutines and the sweepers never contend.
package metrics

import (
	"sync/atomic"
	"time"
)

type Snapshot struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Connections ConnMetrics     `json:"connections"`
	Delivery    DeliveryMetrics `json:"delivery"`
	Queue       QueueMetrics    `json:"queue"`
}

type ConnMetrics struct {
	Live               int64  `json:"live"`
	AuthTotal          uint64 `json:"auth_total"`
	Replaced           uint64 `json:"replaced"`
	HeartbeatEvictions uint64 `json:"heartbeat_evictions"`
	ProtocolErrors     uint64 `json:"protocol_errors"`
}

type DeliveryMetrics struct {
	Delivered uint64 `json:"delivered"`
	Queued    uint64 `json:"queued"`
	Drained   uint64 `json:"drained"`
	PushFail  uint64 `json:"push_fail"`
}

type QueueMetrics struct {
	CapEvicted uint64 `json:"cap_evicted"`
	Expired    uint64 `json:"expired"`
}

type Metrics struct {
	live               atomic.Int64
	authTotal          atomic.Uint64
	replaced           atomic.Uint64
	heartbeatEvictions atomic.Uint64
	protocolErrors     atomic.Uint64
	delivered          atomic.Uint64
	queued             atomic.Uint64
	drained            atomic.Uint64
	pushFail           atomic.Uint64
	capEvicted         atomic.Uint64
	expired            atomic.Uint64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) ConnOpened() {
	m.live.Add(1)
}

func (m *Metrics) ConnClosed() {
	m.live.Add(-1)
}

func (m *Metrics) IncAuthTotal() {
	m.authTotal.Add(1)
}

func (m *Metrics) IncReplaced() {
	m.replaced.Add(1)
}

func (m *Metrics) IncHeartbeatEvictions() {
	m.heartbeatEvictions.Add(1)
}

func (m *Metrics) IncProtocolErrors() {
	m.protocolErrors.Add(1)
}

func (m *Metrics) IncDelivered() {
	m.delivered.Add(1)
}

func (m *Metrics) IncQueued() {
	m.queued.Add(1)
}

func (m *Metrics) AddDrained(n int) {
	if n > 0 {
		m.drained.Add(uint64(n))
	}
}

func (m *Metrics) IncPushFail() {
	m.pushFail.Add(1)
}

func (m *Metrics) IncCapEvicted() {
	m.capEvicted.Add(1)
}

func (m *Metrics) AddExpired(n int) {
	if n > 0 {
		m.expired.Add(uint64(n))
	}
}

func (m *Metrics) Snapshot() Snapshot {
	return Snapshot{
		GeneratedAt: time.Now().UTC(),
		Connections: ConnMetrics{
			Live:               m.live.Load(),
			AuthTotal:          m.authTotal.Load(),
			Replaced:           m.replaced.Load(),
			HeartbeatEvictions: m.heartbeatEvictions.Load(),
			ProtocolErrors:     m.protocolErrors.Load(),
		},
		Delivery: DeliveryMetrics{
			Delivered: m.delivered.Load(),
			Queued:    m.queued.Load(),
			Drained:   m.drained.Load(),
			PushFail:  m.pushFail.Load(),
		},
		Queue: QueueMetrics{
			CapEvicted: m.capEvicted.Load(),
			Expired:    m.expired.Load(),
		},
	}
}
