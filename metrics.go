// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package modbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Counter is a simple atomic counter.
type Counter struct {
	value atomic.Int64
}

// Add adds delta to the counter.
func (c *Counter) Add(delta int64) {
	c.value.Add(delta)
}

// Value returns the current counter value.
func (c *Counter) Value() int64 {
	return c.value.Load()
}

// Reset resets the counter to zero.
func (c *Counter) Reset() {
	c.value.Store(0)
}

var latencyBounds = []struct {
	ms    float64
	label string
}{
	{1, "1ms"},
	{5, "5ms"},
	{10, "10ms"},
	{25, "25ms"},
	{50, "50ms"},
	{100, "100ms"},
	{250, "250ms"},
	{500, "500ms"},
	{1000, "1s"},
	{5000, "5s+"},
}

// LatencyHistogram tracks latency distribution.
type LatencyHistogram struct {
	mu      sync.Mutex
	buckets []int64 // count per bucket
	sum     float64 // ms
	count   int64
	min     float64
	max     float64
}

// NewLatencyHistogram creates a new latency histogram with default buckets.
func NewLatencyHistogram() *LatencyHistogram {
	return &LatencyHistogram{
		buckets: make([]int64, len(latencyBounds)),
		min:     -1,
		max:     -1,
	}
}

// Observe records a latency observation.
func (h *LatencyHistogram) Observe(d time.Duration) {
	ms := float64(d.Microseconds()) / 1000.0

	h.mu.Lock()
	defer h.mu.Unlock()

	h.sum += ms
	h.count++
	if h.min < 0 || ms < h.min {
		h.min = ms
	}
	if ms > h.max {
		h.max = ms
	}

	for i, b := range latencyBounds {
		if ms <= b.ms {
			h.buckets[i]++
			return
		}
	}
	// Greater than all bounds
	h.buckets[len(h.buckets)-1]++
}

// Stats returns histogram statistics.
func (h *LatencyHistogram) Stats() LatencyStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := LatencyStats{
		Count:   h.count,
		Sum:     h.sum,
		Buckets: make(map[string]int64, len(h.buckets)),
	}
	if h.count > 0 {
		stats.Avg = h.sum / float64(h.count)
		stats.Min = h.min
		stats.Max = h.max
	}
	for i, count := range h.buckets {
		stats.Buckets[latencyBounds[i].label] = count
	}
	return stats
}

// Reset resets the histogram.
func (h *LatencyHistogram) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()

	clear(h.buckets)
	h.sum = 0
	h.count = 0
	h.min = -1
	h.max = -1
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int64
	Sum     float64
	Avg     float64
	Min     float64
	Max     float64
	Buckets map[string]int64
}

// FunctionMetrics holds metrics for a specific function code.
type FunctionMetrics struct {
	Requests Counter
	Errors   Counter
	Latency  *LatencyHistogram
}

type functionTable struct {
	m sync.Map // FunctionCode -> *FunctionMetrics
}

func (t *functionTable) get(fc FunctionCode) *FunctionMetrics {
	if val, ok := t.m.Load(fc); ok {
		return val.(*FunctionMetrics)
	}
	actual, _ := t.m.LoadOrStore(fc, &FunctionMetrics{Latency: NewLatencyHistogram()})
	return actual.(*FunctionMetrics)
}

func (t *functionTable) collect() map[string]interface{} {
	out := make(map[string]interface{})
	t.m.Range(func(key, value interface{}) bool {
		fm := value.(*FunctionMetrics)
		out[key.(FunctionCode).String()] = map[string]interface{}{
			"requests": fm.Requests.Value(),
			"errors":   fm.Errors.Value(),
			"latency":  fm.Latency.Stats(),
		}
		return true
	})
	return out
}

func (t *functionTable) reset() {
	t.m.Range(func(_, value interface{}) bool {
		fm := value.(*FunctionMetrics)
		fm.Requests.Reset()
		fm.Errors.Reset()
		fm.Latency.Reset()
		return true
	})
}

// Metrics holds master session metrics.
type Metrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter
	Timeouts        Counter
	Exceptions      Counter
	Latency         *LatencyHistogram

	functions functionTable
}

// NewMetrics creates a new Metrics instance.
func NewMetrics() *Metrics {
	return &Metrics{
		Latency: NewLatencyHistogram(),
	}
}

// ForFunction returns metrics for a specific function code.
func (m *Metrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	return m.functions.get(fc)
}

// Collect returns all metrics as a map (compatible with expvar).
func (m *Metrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"timeouts":         m.Timeouts.Value(),
		"exceptions":       m.Exceptions.Value(),
		"latency":          m.Latency.Stats(),
	}
	if funcs := m.functions.collect(); len(funcs) > 0 {
		result["functions"] = funcs
	}
	return result
}

// Reset resets all metrics.
func (m *Metrics) Reset() {
	m.RequestsTotal.Reset()
	m.RequestsSuccess.Reset()
	m.RequestsErrors.Reset()
	m.Timeouts.Reset()
	m.Exceptions.Reset()
	m.Latency.Reset()
	m.functions.reset()
}

// ServerMetrics holds slave metrics.
type ServerMetrics struct {
	RequestsTotal   Counter
	RequestsSuccess Counter
	RequestsErrors  Counter // answered with an exception
	DroppedFrames   Counter // bad CRC, foreign unit or malformed header
	ActiveConns     Counter
	TotalConns      Counter

	functions functionTable
}

// NewServerMetrics creates a new ServerMetrics instance.
func NewServerMetrics() *ServerMetrics {
	return &ServerMetrics{}
}

// ForFunction returns metrics for a specific function code.
func (m *ServerMetrics) ForFunction(fc FunctionCode) *FunctionMetrics {
	return m.functions.get(fc)
}

// Collect returns all metrics as a map (compatible with expvar).
func (m *ServerMetrics) Collect() map[string]interface{} {
	result := map[string]interface{}{
		"requests_total":   m.RequestsTotal.Value(),
		"requests_success": m.RequestsSuccess.Value(),
		"requests_errors":  m.RequestsErrors.Value(),
		"dropped_frames":   m.DroppedFrames.Value(),
		"active_conns":     m.ActiveConns.Value(),
		"total_conns":      m.TotalConns.Value(),
	}
	if funcs := m.functions.collect(); len(funcs) > 0 {
		result["functions"] = funcs
	}
	return result
}
