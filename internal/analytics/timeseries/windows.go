// Package timeseries keeps the bounded per-(device, field) rolling windows the
// detectors score against, and enforces per-device timestamp ordering.
package timeseries

import (
	"fmt"
	"sync"
	"time"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// ringBuffer is a fixed-capacity circular buffer of samples.
type ringBuffer struct {
	data     []models.Sample
	head     int
	size     int
	capacity int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{
		data:     make([]models.Sample, capacity),
		capacity: capacity,
	}
}

func (rb *ringBuffer) push(s models.Sample) {
	idx := (rb.head + rb.size) % rb.capacity
	rb.data[idx] = s
	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// slice returns all samples in chronological order.
func (rb *ringBuffer) slice() []models.Sample {
	out := make([]models.Sample, rb.size)
	for i := 0; i < rb.size; i++ {
		out[i] = rb.data[(rb.head+i)%rb.capacity]
	}
	return out
}

type deviceWindow struct {
	mu     sync.Mutex
	last   time.Time
	fields map[models.Field]*ringBuffer
}

// Windows holds one ring buffer per (device, field). Each device has its own
// lock so unrelated devices never contend.
type Windows struct {
	mu       sync.RWMutex
	capacity int
	devices  map[string]*deviceWindow
}

// New creates windows holding at most capacity samples per key.
func New(capacity int) *Windows {
	if capacity < 1 {
		capacity = 1
	}
	return &Windows{capacity: capacity, devices: make(map[string]*deviceWindow)}
}

// Capacity is the per-key sample bound.
func (w *Windows) Capacity() int { return w.capacity }

func (w *Windows) device(id string) *deviceWindow {
	w.mu.RLock()
	dw, ok := w.devices[id]
	w.mu.RUnlock()
	if ok {
		return dw
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if dw, ok = w.devices[id]; ok {
		return dw
	}
	dw = &deviceWindow{fields: make(map[models.Field]*ringBuffer, len(models.Fields))}
	for _, f := range models.Fields {
		dw.fields[f] = newRingBuffer(w.capacity)
	}
	w.devices[id] = dw
	return dw
}

// Advance applies r to its device's windows. It returns each field's window
// as it was before r, oldest first. A reading older than the last applied one
// for the device is rejected with a *models.ValidationError and leaves the
// windows untouched.
func (w *Windows) Advance(r models.Reading) (map[models.Field][]models.Sample, error) {
	dw := w.device(r.DeviceID)
	dw.mu.Lock()
	defer dw.mu.Unlock()

	if r.Timestamp.Before(dw.last) {
		return nil, &models.ValidationError{
			Field:  "timestamp",
			Reason: fmt.Sprintf("out of order: %s precedes last applied %s", r.Timestamp.Format(time.RFC3339Nano), dw.last.Format(time.RFC3339Nano)),
		}
	}

	prior := make(map[models.Field][]models.Sample, len(models.Fields))
	for _, f := range models.Fields {
		rb := dw.fields[f]
		prior[f] = rb.slice()
		rb.push(models.Sample{Timestamp: r.Timestamp, Value: r.Value(f)})
	}
	dw.last = r.Timestamp
	return prior, nil
}

// Seed warms an empty window with samples (oldest first), typically the tail
// stored in a trained ModelState. Non-empty windows are left alone.
func (w *Windows) Seed(key models.ModelKey, samples []models.Sample) bool {
	if len(samples) == 0 {
		return false
	}
	dw := w.device(key.DeviceID)
	dw.mu.Lock()
	defer dw.mu.Unlock()

	rb, ok := dw.fields[key.Field]
	if !ok || rb.size > 0 {
		return false
	}
	for _, s := range samples {
		rb.push(s)
	}
	if tail := samples[len(samples)-1].Timestamp; tail.After(dw.last) {
		dw.last = tail
	}
	return true
}

// Snapshot returns a copy of the key's window, oldest first.
func (w *Windows) Snapshot(key models.ModelKey) []models.Sample {
	w.mu.RLock()
	dw, ok := w.devices[key.DeviceID]
	w.mu.RUnlock()
	if !ok {
		return nil
	}
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if rb, ok := dw.fields[key.Field]; ok {
		return rb.slice()
	}
	return nil
}

// Devices returns the number of tracked devices.
func (w *Windows) Devices() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.devices)
}
