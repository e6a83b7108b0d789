package decision

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/smartsensor/smartsensor-ai/internal/models"
)

// HistorySource supplies the readings of a device taken strictly before a
// given instant, oldest first. The reading under decision is never included.
type HistorySource interface {
	Recent(deviceID string, before time.Time) []models.Reading
}

// History keeps the last size readings of up to maxDevices devices, plus the
// one currently being decided. The least recently observed device is evicted
// first.
type History struct {
	size  int
	keep  int
	mu    sync.Mutex
	cache *lru.Cache[string, []models.Reading]
}

// NewHistory creates a bounded reading history.
func NewHistory(maxDevices, size int) (*History, error) {
	if size < 1 {
		size = 1
	}
	cache, err := lru.New[string, []models.Reading](maxDevices)
	if err != nil {
		return nil, err
	}
	return &History{size: size, keep: size + 1, cache: cache}, nil
}

// Observe records r for its device.
func (h *History) Observe(r models.Reading) {
	h.mu.Lock()
	defer h.mu.Unlock()

	prev, _ := h.cache.Get(r.DeviceID)
	next := make([]models.Reading, 0, h.keep)
	if drop := len(prev) + 1 - h.keep; drop > 0 {
		prev = prev[drop:]
	}
	next = append(append(next, prev...), r)
	h.cache.Add(r.DeviceID, next)
}

// Recent implements HistorySource. It returns at most size readings older
// than before. The returned slice must not be modified.
func (h *History) Recent(deviceID string, before time.Time) []models.Reading {
	h.mu.Lock()
	defer h.mu.Unlock()
	readings, _ := h.cache.Get(deviceID)
	end := len(readings)
	for end > 0 && !readings[end-1].Timestamp.Before(before) {
		end--
	}
	readings = readings[:end]
	if len(readings) > h.size {
		readings = readings[len(readings)-h.size:]
	}
	return readings
}

// Len is the number of tracked devices.
func (h *History) Len() int { return h.cache.Len() }
