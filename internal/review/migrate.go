package review

import (
	"math"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/sm2"
)

// fallbackQuality seeds the initial history entry when no scheduler is wired.
const fallbackQuality = sm2.Fair

// InitializeReviewData returns card with a fresh review state: due tomorrow,
// default ease and a single history entry seeded from the card's current
// score. A missing stable id is assigned; the card's other fields are kept.
func (s *Store) InitializeReviewData(card domain.Flashcard) domain.Flashcard {
	if card.ID == "" {
		card.ID = s.newID()
	}
	now := s.clock()
	tomorrow := sm2.NextReviewDate(1, now)

	quality := fallbackQuality
	if s.sched != nil {
		quality = s.sched.Quality(int(math.Round(card.Score)))
	}

	card.ReviewState = domain.ReviewState{
		Repetition:     0,
		EaseFactor:     sm2.DefaultEaseFactor,
		Interval:       1,
		NextReviewDate: &tomorrow,
		LastReviewDate: &now,
		ReviewHistory: []domain.ReviewEntry{{
			Date:       now,
			Score:      card.Score,
			Quality:    int(quality),
			Interval:   1,
			EaseFactor: sm2.DefaultEaseFactor,
			Repetition: 0,
		}},
	}
	return card
}

// MigrateLegacyRecords initializes the review state of every stored card that
// lacks a next review date or a history. Only materials that changed are
// written back, so a second run performs no writes. Corrupt materials are
// logged and skipped.
func (s *Store) MigrateLegacyRecords() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.materials()
	if err != nil {
		return 0, err
	}

	migrated := 0
	for _, id := range ids {
		cards, ok := s.load(id)
		if !ok {
			continue
		}

		changed := false
		for i, c := range cards {
			if c.NextReviewDate == nil || c.ReviewHistory == nil {
				cards[i] = s.InitializeReviewData(c)
				changed = true
				migrated++
			}
		}
		if !changed {
			continue
		}
		if err := s.save(id, cards); err != nil {
			return migrated, err
		}
	}

	s.log.Info("Legacy migration complete", "migrated", migrated, "materials", len(ids))
	return migrated, nil
}

// IsLegacyFraction reports whether a stored score is on the old 0-1 scale.
// Exactly 1 is read as 1%, not 100%: the new scale also produces 1 for a
// genuine answer, and rescaling it would destroy that value.
func IsLegacyFraction(score float64) bool {
	return score > 0 && score < 1
}

// NormalizeScores rescales legacy fractional scores to the 0-100 scale.
// Values already on the percentage scale are left alone, so the operation
// is idempotent.
func (s *Store) NormalizeScores() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.materials()
	if err != nil {
		return 0, err
	}

	total := 0
	for _, id := range ids {
		cards, ok := s.load(id)
		if !ok {
			continue
		}

		normalized := 0
		for i := range cards {
			if !IsLegacyFraction(cards[i].Score) {
				continue
			}
			old := cards[i].Score
			cards[i].Score = math.Round(old * 100)
			s.log.Debug("Normalized score", "material_id", id, "index", i, "from", old, "to", cards[i].Score)
			normalized++
		}
		if normalized == 0 {
			continue
		}
		if err := s.save(id, cards); err != nil {
			return total, err
		}
		total += normalized
	}

	s.log.Info("Score normalization complete", "normalized", total)
	return total, nil
}
