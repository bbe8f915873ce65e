package storage

import (
	"sort"
	"sync"
	"time"
)

// DataPoint represents a single (timestamp, value) observation
type DataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Series is a target series extracted from a dataset column, kept in
// timestamp order
type Series struct {
	ID     string
	Labels map[string]string
	Points []DataPoint
	mu     sync.RWMutex
}

// NewSeries creates a new, empty series
func NewSeries(id string, labels map[string]string) *Series {
	if labels == nil {
		labels = make(map[string]string)
	}
	return &Series{
		ID:     id,
		Labels: labels,
		Points: make([]DataPoint, 0),
	}
}

// AddPoint inserts a point in timestamp order. Points sharing a timestamp
// are kept in insertion order.
func (s *Series) AddPoint(timestamp time.Time, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := sort.Search(len(s.Points), func(i int) bool {
		return s.Points[i].Timestamp.After(timestamp)
	})

	s.Points = append(s.Points, DataPoint{})
	copy(s.Points[pos+1:], s.Points[pos:])
	s.Points[pos] = DataPoint{Timestamp: timestamp, Value: value}
}

// GetLatest returns the most recent N points
func (s *Series) GetLatest(count int) []DataPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if count <= 0 || len(s.Points) == 0 {
		return nil
	}

	start := len(s.Points) - count
	if start < 0 {
		start = 0
	}

	result := make([]DataPoint, len(s.Points)-start)
	copy(result, s.Points[start:])
	return result
}

// Values returns the observed values in order
func (s *Series) Values() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	values := make([]float64, len(s.Points))
	for i, p := range s.Points {
		values[i] = p.Value
	}
	return values
}

// Timestamps returns the observation timestamps in order
func (s *Series) Timestamps() []time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ts := make([]time.Time, len(s.Points))
	for i, p := range s.Points {
		ts[i] = p.Timestamp
	}
	return ts
}

// Size returns the number of data points
func (s *Series) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Points)
}
