package history

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kx-labs/tracewatch/pkg/model"
)

// memoryStore keeps everything in maps. It backs deployments without a
// Postgres DSN and most of the test suite. State is lost on restart.
type memoryStore struct {
	mtx           sync.RWMutex
	spanBaselines map[string]model.SpanBaseline
	timeBaselines map[string]model.TimeBaseline
	anomalies     map[string]model.Anomaly
	watermarks    map[string]model.Watermark
	training      map[string]model.TrainingExample
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() Store {
	return &memoryStore{
		spanBaselines: make(map[string]model.SpanBaseline),
		timeBaselines: make(map[string]model.TimeBaseline),
		anomalies:     make(map[string]model.Anomaly),
		watermarks:    make(map[string]model.Watermark),
		training:      make(map[string]model.TrainingExample),
	}
}

func timeBaselineKey(spanKey string, day, hour int) string {
	return fmt.Sprintf("%s|%d|%d", spanKey, day, hour)
}

func (s *memoryStore) UpsertSpanBaselines(_ context.Context, baselines []model.SpanBaseline) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, b := range baselines {
		s.spanBaselines[b.SpanKey] = b
	}
	return nil
}

func (s *memoryStore) UpsertTimeBaselines(_ context.Context, baselines []model.TimeBaseline) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	for _, b := range baselines {
		s.timeBaselines[timeBaselineKey(b.SpanKey, b.DayOfWeek, b.HourOfDay)] = b
	}
	return nil
}

func (s *memoryStore) SpanBaselines(_ context.Context) ([]model.SpanBaseline, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]model.SpanBaseline, 0, len(s.spanBaselines))
	for _, b := range s.spanBaselines {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SampleCount > out[j].SampleCount })
	return out, nil
}

func (s *memoryStore) TimeBaselines(_ context.Context) ([]model.TimeBaseline, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]model.TimeBaseline, 0, len(s.timeBaselines))
	for _, b := range s.timeBaselines {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SpanKey != out[j].SpanKey {
			return out[i].SpanKey < out[j].SpanKey
		}
		if out[i].DayOfWeek != out[j].DayOfWeek {
			return out[i].DayOfWeek < out[j].DayOfWeek
		}
		return out[i].HourOfDay < out[j].HourOfDay
	})
	return out, nil
}

func (s *memoryStore) InsertAnomaly(_ context.Context, a model.Anomaly) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.anomalies[a.ID]; ok {
		return nil
	}
	s.anomalies[a.ID] = a
	return nil
}

func (s *memoryStore) AnomalyHistory(_ context.Context, q HistoryQuery) ([]model.Anomaly, error) {
	if q.Limit <= 0 {
		q.Limit = defaultHistoryLimit
	}
	since := time.Now().UTC().Add(-time.Duration(q.Hours) * time.Hour)

	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]model.Anomaly, 0, len(s.anomalies))
	for _, a := range s.anomalies {
		if a.Timestamp.Before(since) {
			continue
		}
		if q.Service != "" && a.Service != q.Service {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })

	if len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (s *memoryStore) HourlyTrend(_ context.Context, hours int) ([]TrendBucket, error) {
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)

	s.mtx.RLock()
	byHour := make(map[time.Time]TrendBucket)
	for _, a := range s.anomalies {
		if a.Timestamp.Before(since) {
			continue
		}
		hour := a.Timestamp.UTC().Truncate(time.Hour)
		b := byHour[hour]
		b.Hour = hour
		b.Count++
		if a.Severity <= model.SeverityMajor {
			b.Critical++
		}
		byHour[hour] = b
	}
	s.mtx.RUnlock()

	buckets := make([]TrendBucket, 0, len(byHour))
	for _, b := range byHour {
		buckets = append(buckets, b)
	}
	return fillTrend(buckets, hours, time.Now()), nil
}

func (s *memoryStore) Watermark(_ context.Context, service string) (model.Watermark, bool, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	wm, ok := s.watermarks[service]
	return wm, ok, nil
}

func (s *memoryStore) SetWatermark(_ context.Context, wm model.Watermark) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.watermarks[wm.Service] = wm
	return nil
}

func (s *memoryStore) ClearWatermarks(_ context.Context) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.watermarks = make(map[string]model.Watermark)
	return nil
}

func (s *memoryStore) InsertTrainingExample(_ context.Context, ex model.TrainingExample) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.training[ex.ID] = ex
	return nil
}

func (s *memoryStore) TrainingExamples(_ context.Context) ([]model.TrainingExample, error) {
	s.mtx.RLock()
	defer s.mtx.RUnlock()

	out := make([]model.TrainingExample, 0, len(s.training))
	for _, ex := range s.training {
		out = append(out, ex)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return strings.Compare(out[i].ID, out[j].ID) < 0
	})
	return out, nil
}

func (s *memoryStore) DeleteTrainingExample(_ context.Context, id string) (bool, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if _, ok := s.training[id]; !ok {
		return false, nil
	}
	delete(s.training, id)
	return true, nil
}

func (s *memoryStore) Ping(context.Context) error { return nil }

func (s *memoryStore) Close() error { return nil }
