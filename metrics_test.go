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
	"testing"
	"time"
)

func TestCounterConcurrent(t *testing.T) {
	var c Counter
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.Add(1)
			}
		}()
	}
	wg.Wait()

	if c.Value() != 8000 {
		t.Errorf("expected 8000, got %d", c.Value())
	}
	c.Add(-8000)
	if c.Value() != 0 {
		t.Errorf("after Add(-8000): expected 0, got %d", c.Value())
	}
}

func TestLatencyHistogramBuckets(t *testing.T) {
	tests := []struct {
		d      time.Duration
		bucket string
	}{
		{300 * time.Microsecond, "1ms"},
		{time.Millisecond, "1ms"},
		{3 * time.Millisecond, "5ms"},
		{40 * time.Millisecond, "50ms"},
		{800 * time.Millisecond, "1s"},
		{2 * time.Second, "5s+"},
		{30 * time.Second, "5s+"},
	}
	for _, tt := range tests {
		h := NewLatencyHistogram()
		h.Observe(tt.d)
		stats := h.Stats()
		if stats.Buckets[tt.bucket] != 1 {
			t.Errorf("%v: expected bucket %s, got %v", tt.d, tt.bucket, stats.Buckets)
		}
		if len(stats.Buckets) != len(latencyBounds) {
			t.Errorf("%v: expected %d buckets, got %d", tt.d, len(latencyBounds), len(stats.Buckets))
		}
	}
}

func TestLatencyHistogramStats(t *testing.T) {
	h := NewLatencyHistogram()

	if stats := h.Stats(); stats.Count != 0 || stats.Min != 0 || stats.Avg != 0 {
		t.Errorf("empty histogram: got %+v", stats)
	}

	h.Observe(2 * time.Millisecond)
	h.Observe(4 * time.Millisecond)
	h.Observe(12 * time.Millisecond)

	stats := h.Stats()
	if stats.Count != 3 {
		t.Errorf("Count: expected 3, got %d", stats.Count)
	}
	if stats.Min != 2 || stats.Max != 12 || stats.Avg != 6 {
		t.Errorf("expected min 2, max 12, avg 6; got %.2f, %.2f, %.2f", stats.Min, stats.Max, stats.Avg)
	}

	// a reset histogram tracks min afresh
	h.Reset()
	h.Observe(20 * time.Millisecond)
	stats = h.Stats()
	if stats.Count != 1 || stats.Min != 20 || stats.Sum != 20 {
		t.Errorf("after reset: got %+v", stats)
	}
}

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	m.RequestsTotal.Add(10)
	m.RequestsSuccess.Add(7)
	m.RequestsErrors.Add(3)
	m.Timeouts.Add(2)
	m.Exceptions.Add(1)

	collected := m.Collect()

	if collected["requests_total"] != int64(10) {
		t.Errorf("requests_total: expected 10, got %v", collected["requests_total"])
	}
	if collected["requests_success"] != int64(7) {
		t.Errorf("requests_success: expected 7, got %v", collected["requests_success"])
	}
	if collected["requests_errors"] != int64(3) {
		t.Errorf("requests_errors: expected 3, got %v", collected["requests_errors"])
	}
	if collected["timeouts"] != int64(2) {
		t.Errorf("timeouts: expected 2, got %v", collected["timeouts"])
	}
	if collected["exceptions"] != int64(1) {
		t.Errorf("exceptions: expected 1, got %v", collected["exceptions"])
	}
	if _, ok := collected["functions"]; ok {
		t.Error("functions should be absent before any per-function traffic")
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RequestsTotal.Add(10)
	m.Latency.Observe(5 * time.Millisecond)
	m.ForFunction(FuncReadInputRegisters).Requests.Add(4)

	m.Reset()

	if m.RequestsTotal.Value() != 0 {
		t.Errorf("RequestsTotal after reset: expected 0, got %d", m.RequestsTotal.Value())
	}
	if stats := m.Latency.Stats(); stats.Count != 0 {
		t.Errorf("Latency.Count after reset: expected 0, got %d", stats.Count)
	}
	if v := m.ForFunction(FuncReadInputRegisters).Requests.Value(); v != 0 {
		t.Errorf("ReadInputRegisters requests after reset: expected 0, got %d", v)
	}
}

func TestFunctionMetrics(t *testing.T) {
	m := NewMetrics()

	// Get metrics for a function
	fm := m.ForFunction(FuncReadHoldingRegisters)
	fm.Requests.Add(5)
	fm.Errors.Add(1)

	// Get same function again - should be same instance
	fm2 := m.ForFunction(FuncReadHoldingRegisters)
	if fm2.Requests.Value() != 5 {
		t.Errorf("Requests: expected 5, got %d", fm2.Requests.Value())
	}

	// Different function should be different instance
	fm3 := m.ForFunction(FuncWriteSingleRegister)
	fm3.Requests.Add(3)

	if fm3.Requests.Value() != 3 {
		t.Errorf("WriteSingleRegister requests: expected 3, got %d", fm3.Requests.Value())
	}
	if fm.Requests.Value() != 5 {
		t.Errorf("ReadHoldingRegisters requests: expected 5, got %d", fm.Requests.Value())
	}

	funcs, ok := m.Collect()["functions"].(map[string]interface{})
	if !ok {
		t.Fatal("functions missing from Collect")
	}
	if _, ok := funcs["ReadHoldingRegisters"]; !ok {
		t.Error("ReadHoldingRegisters missing from functions")
	}
}

func TestServerMetrics(t *testing.T) {
	m := NewServerMetrics()

	m.RequestsTotal.Add(4)
	m.DroppedFrames.Add(2)
	m.ActiveConns.Add(1)
	m.ForFunction(FuncWriteMultipleRegisters).Errors.Add(1)

	collected := m.Collect()
	if collected["requests_total"] != int64(4) {
		t.Errorf("requests_total: expected 4, got %v", collected["requests_total"])
	}
	if collected["dropped_frames"] != int64(2) {
		t.Errorf("dropped_frames: expected 2, got %v", collected["dropped_frames"])
	}
	if collected["active_conns"] != int64(1) {
		t.Errorf("active_conns: expected 1, got %v", collected["active_conns"])
	}
	if _, ok := collected["functions"]; !ok {
		t.Error("functions missing from Collect")
	}
}

func TestFunctionCodeString(t *testing.T) {
	tests := []struct {
		fc     FunctionCode
		expect string
	}{
		{FuncReadHoldingRegisters, "ReadHoldingRegisters"},
		{FuncReadInputRegisters, "ReadInputRegisters"},
		{FuncWriteSingleRegister, "WriteSingleRegister"},
		{FuncWriteMultipleRegisters, "WriteMultipleRegisters"},
		{FunctionCode(0xFF), "Unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expect, func(t *testing.T) {
			if tt.fc.String() != tt.expect {
				t.Errorf("FunctionCode %d: expected %s, got %s", tt.fc, tt.expect, tt.fc.String())
			}
		})
	}
}
