package training

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/kx-labs/tracewatch/pkg/model"
)

var (
	metricExamplesRated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "training_examples_rated_total",
		Help:      "The total number of rated training examples by rating",
	}, []string{"rating"})
	metricExamplesExported = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "tracewatch",
		Name:      "training_examples_exported_total",
		Help:      "The total number of training examples written to JSONL exports",
	})
)

// ErrInvalidRating is returned when a rating is neither good nor bad.
var ErrInvalidRating = errors.New("rating must be good or bad")

// ErrNotFound is returned when deleting an example that does not exist.
var ErrNotFound = errors.New("training example not found")

// Store is the persistence the service needs, satisfied by the history store.
type Store interface {
	InsertTrainingExample(ctx context.Context, ex model.TrainingExample) error
	TrainingExamples(ctx context.Context) ([]model.TrainingExample, error)
	DeleteTrainingExample(ctx context.Context, id string) (bool, error)
}

// Stats summarizes the rated corpus.
type Stats struct {
	Total int `json:"total"`
	Good  int `json:"good"`
	Bad   int `json:"bad"`
}

// Service collects operator-rated analyses as fine-tune material.
type Service struct {
	store Store
}

func New(store Store) *Service {
	return &Service{store: store}
}

// Rate validates and persists one rated example. The id and creation time are
// assigned here.
func (s *Service) Rate(ctx context.Context, ex model.TrainingExample) (model.TrainingExample, error) {
	if ex.Rating != model.RatingGood && ex.Rating != model.RatingBad {
		return model.TrainingExample{}, ErrInvalidRating
	}

	ex.ID = uuid.NewString()
	ex.CreatedAt = time.Now().UTC()

	if err := s.store.InsertTrainingExample(ctx, ex); err != nil {
		return model.TrainingExample{}, errors.Wrap(err, "storing training example")
	}
	metricExamplesRated.WithLabelValues(ex.Rating).Inc()
	return ex, nil
}

// List returns all collected examples.
func (s *Service) List(ctx context.Context) ([]model.TrainingExample, error) {
	return s.store.TrainingExamples(ctx)
}

// Stats counts the corpus by rating.
func (s *Service) Stats(ctx context.Context) (Stats, error) {
	examples, err := s.store.TrainingExamples(ctx)
	if err != nil {
		return Stats{}, err
	}

	out := Stats{Total: len(examples)}
	for _, ex := range examples {
		switch ex.Rating {
		case model.RatingGood:
			out.Good++
		case model.RatingBad:
			out.Bad++
		}
	}
	return out, nil
}

// exportLine is the fine-tune wire format, one object per line.
type exportLine struct {
	Prompt     string `json:"prompt"`
	Completion string `json:"completion"`
}

// ExportJSONL streams the corpus in fine-tune format. Bad examples with a
// correction export the correction as the completion; bad examples without
// one are skipped.
func (s *Service) ExportJSONL(ctx context.Context, w io.Writer) error {
	examples, err := s.store.TrainingExamples(ctx)
	if err != nil {
		return err
	}

	enc := jsoniter.NewEncoder(w)
	for _, ex := range examples {
		line := exportLine{Prompt: ex.Prompt, Completion: ex.Completion}
		if ex.Rating == model.RatingBad {
			if ex.Correction == "" {
				continue
			}
			line.Completion = ex.Correction
		}
		if err := enc.Encode(line); err != nil {
			return errors.Wrap(err, "encoding training example")
		}
		metricExamplesExported.Inc()
	}
	return nil
}

// Delete removes one example by id.
func (s *Service) Delete(ctx context.Context, id string) error {
	deleted, err := s.store.DeleteTrainingExample(ctx, id)
	if err != nil {
		return err
	}
	if !deleted {
		return ErrNotFound
	}
	return nil
}
