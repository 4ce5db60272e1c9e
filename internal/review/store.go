// Package review owns the flashcard collections of every material together
// with their review state. Scheduling math is delegated to a Scheduler.
package review

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/knol"
	"github.com/conorfennell/recall/internal/sm2"
	"github.com/conorfennell/recall/internal/storage"
)

const (
	DefaultPrefix   = "recall_questions_material_"
	AllQuestionsKey = "recall_all_questions"
	// MigratedKey marks a store whose legacy records were migrated on open.
	MigratedKey     = "recall_legacy_migrated"
)

var (
	ErrIndexOutOfRange = errors.New("review: question index out of range")
	ErrInvalidScore    = errors.New("review: score must be between 0 and 100")
	ErrNoScheduler     = errors.New("review: scheduler not available")
	ErrInvalidSnapshot = errors.New("review: invalid import data")
)

// Scheduler computes review states. *sm2.Params satisfies it.
type Scheduler interface {
	Quality(score int) sm2.Quality
	ProcessAnswer(card domain.Flashcard, score int, now time.Time) domain.ReviewState
}

// Store is the repository of materials. Construct one per process and share
// it; its methods serialize read-modify-write sequences internally.
type Store struct {
	mu     sync.Mutex
	kv     storage.KV
	sched  Scheduler
	prefix string
	now    func() time.Time
	loc    *time.Location
	log    *slog.Logger
	newID  func() string
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets the key prefix under which materials are stored.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithLocation sets the time zone used for calendar days.
func WithLocation(loc *time.Location) Option {
	return func(s *Store) { s.loc = loc }
}

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option {
	return func(s *Store) { s.log = log }
}

// New returns a Store over kv. sched may be nil, in which case scheduling
// operations fail with ErrNoScheduler and queries return empty results.
func New(kv storage.KV, sched Scheduler, opts ...Option) *Store {
	s := &Store{
		kv:     kv,
		sched:  sched,
		prefix: DefaultPrefix,
		now:    time.Now,
		loc:    time.Local,
		log:    slog.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "review")
	return s
}

// Open is New followed by the legacy migration, which runs only the first
// time a given kv is opened. Cards saved afterwards without review state are
// new cards, not legacy ones.
func Open(kv storage.KV, sched Scheduler, opts ...Option) (*Store, error) {
	s := New(kv, sched, opts...)
	_, done, err := kv.Get(MigratedKey)
	if err != nil {
		return nil, fmt.Errorf("check migration marker: %w", err)
	}
	if done {
		return s, nil
	}
	if _, err := s.MigrateLegacyRecords(); err != nil {
		return nil, fmt.Errorf("migrate legacy records: %w", err)
	}
	stamp, _ := s.clock().MarshalText()
	if err := kv.Set(MigratedKey, stamp); err != nil {
		return nil, fmt.Errorf("write migration marker: %w", err)
	}
	return s, nil
}

func (s *Store) key(materialID string) string {
	return s.prefix + materialID
}

func (s *Store) clock() time.Time {
	return s.now().In(s.loc)
}

// Materials returns the ids of all stored materials in enumeration order.
func (s *Store) Materials() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.materials()
}

func (s *Store) materials() ([]string, error) {
	keys, err := s.kv.Keys(s.prefix)
	if err != nil {
		return nil, fmt.Errorf("list materials: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		if k == AllQuestionsKey || k == MigratedKey {
			continue
		}
		ids = append(ids, strings.TrimPrefix(k, s.prefix))
	}
	return ids, nil
}

// QuestionsByMaterial returns the ordered flashcards of a material. Missing
// or corrupt collections are logged and come back empty.
func (s *Store) QuestionsByMaterial(materialID string) []domain.Flashcard {
	s.mu.Lock()
	defer s.mu.Unlock()
	cards, _ := s.load(materialID)
	return cards
}

// load reads a material. The bool is false when the stored value is
// missing or could not be decoded.
func (s *Store) load(materialID string) ([]domain.Flashcard, bool) {
	raw, ok, err := s.kv.Get(s.key(materialID))
	if err != nil {
		s.log.Error("Failed to read material", "material_id", materialID, "error", err)
		return []domain.Flashcard{}, false
	}
	if !ok {
		return []domain.Flashcard{}, false
	}
	var cards []domain.Flashcard
	if err := json.Unmarshal(raw, &cards); err != nil {
		s.log.Error("Corrupt material record, treating as empty", "material_id", materialID, "error", err)
		return []domain.Flashcard{}, false
	}
	if cards == nil {
		cards = []domain.Flashcard{}
	}
	return cards, true
}

// SaveQuestionsByMaterial overwrites the whole collection of a material.
// Cards missing an id, content hash or material reference get one.
func (s *Store) SaveQuestionsByMaterial(materialID string, questions []domain.Flashcard) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.save(materialID, questions)
}

func (s *Store) save(materialID string, questions []domain.Flashcard) error {
	cards := make([]domain.Flashcard, len(questions))
	copy(cards, questions)
	for i := range cards {
		s.stamp(&cards[i], materialID)
	}

	raw, err := json.Marshal(cards)
	if err != nil {
		return fmt.Errorf("encode material %s: %w", materialID, err)
	}
	if err := s.kv.Set(s.key(materialID), raw); err != nil {
		return fmt.Errorf("save material %s: %w", materialID, err)
	}
	s.log.Debug("Saved material", "material_id", materialID, "questions", len(cards))
	return nil
}

func (s *Store) stamp(c *domain.Flashcard, materialID string) {
	if c.ID == "" {
		c.ID = s.newID()
	}
	if c.Hash == "" {
		c.Hash = knol.Hash(*c)
	}
	if c.MaterialRef() == "" {
		c.MaterialID = domain.MaterialRef(materialID)
	}
}

// DeleteMaterial removes a material and all of its flashcards.
func (s *Store) DeleteMaterial(materialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Delete(s.key(materialID)); err != nil {
		return fmt.Errorf("delete material %s: %w", materialID, err)
	}
	return nil
}

// UpdateReviewData patches the flashcard at index and stamps lastUpdated.
// An index outside the collection yields ErrIndexOutOfRange and nothing is
// written.
func (s *Store) UpdateReviewData(materialID string, index int, update domain.ReviewUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.updateReviewData(materialID, index, update)
	return err
}

func (s *Store) updateReviewData(materialID string, index int, update domain.ReviewUpdate) (domain.Flashcard, error) {
	cards, _ := s.load(materialID)
	if index < 0 || index >= len(cards) {
		s.log.Warn("Invalid question index", "material_id", materialID, "index", index, "questions", len(cards))
		return domain.Flashcard{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, len(cards))
	}

	update.Apply(&cards[index])
	now := s.clock()
	cards[index].LastUpdated = &now

	if err := s.save(materialID, cards); err != nil {
		return domain.Flashcard{}, err
	}
	return cards[index], nil
}

// ProcessAnswer schedules the flashcard at index after an answer scored on
// the 0-100 scale, persists the new state and returns it.
func (s *Store) ProcessAnswer(materialID string, index, score int) (domain.ReviewState, error) {
	if score < 0 || score > 100 {
		return domain.ReviewState{}, fmt.Errorf("%w: got %d", ErrInvalidScore, score)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cards, _ := s.load(materialID)
	if index < 0 || index >= len(cards) {
		s.log.Warn("Invalid question index", "material_id", materialID, "index", index, "questions", len(cards))
		return domain.ReviewState{}, fmt.Errorf("%w: %d not in [0, %d)", ErrIndexOutOfRange, index, len(cards))
	}
	if s.sched == nil {
		s.log.Error("Scheduler not initialized", "material_id", materialID)
		return domain.ReviewState{}, ErrNoScheduler
	}

	rs := s.sched.ProcessAnswer(cards[index], score, s.clock())
	update := domain.UpdateFromState(rs).WithScore(float64(score))
	if _, err := s.updateReviewData(materialID, index, update); err != nil {
		return domain.ReviewState{}, err
	}

	s.log.Info("Answer processed",
		"material_id", materialID,
		"index", index,
		"score", score,
		"interval", rs.Interval,
		"next_review", rs.NextReviewDate.Format(time.DateOnly),
	)
	return rs, nil
}

// FindIndex returns the position of the flashcard with the given stable id,
// or -1.
func (s *Store) FindIndex(materialID, id string) int {
	for i, c := range s.QuestionsByMaterial(materialID) {
		if c.ID == id {
			return i
		}
	}
	return -1
}

// SyncAllQuestionsView rewrites the denormalized all-questions key from the
// per-material collections. Callers invoke it after a batch of writes; it is
// not atomic with them.
func (s *Store) SyncAllQuestionsView() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allQuestions()
	if err != nil {
		return err
	}
	raw, err := json.Marshal(all)
	if err != nil {
		return fmt.Errorf("encode all questions: %w", err)
	}
	if err := s.kv.Set(AllQuestionsKey, raw); err != nil {
		return fmt.Errorf("save all questions: %w", err)
	}
	return nil
}
