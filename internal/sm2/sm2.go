package sm2

import (
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/conorfennell/recall/internal/domain"
)

// Quality grades how well a review went, from 1 (very bad) to 5 (excellent).
type Quality int

const (
	VeryBad   Quality = 1
	Bad       Quality = 2
	Fair      Quality = 3
	Good      Quality = 4
	Excellent Quality = 5
)

// PassingQuality is the lowest quality that keeps the repetition streak.
const PassingQuality = Fair

const (
	DefaultEaseFactor = 2.5
	MinEaseFactor     = 1.3
)

// ScoreToQuality maps a 0-100 score onto a quality grade.
func ScoreToQuality(score int) Quality {
	switch {
	case score >= 90:
		return Excellent
	case score >= 75:
		return Good
	case score >= 60:
		return Fair
	case score >= 40:
		return Bad
	default:
		return VeryBad
	}
}

// Params holds the tunables of the scheduler.
type Params struct {
	// BaseIntervals is indexed by quality-1.
	BaseIntervals     [5]int  `validate:"dive,min=1"`
	DefaultEaseFactor float64 `validate:"gtefield=MinEaseFactor"`
	MinEaseFactor     float64 `validate:"gt=0"`
}

// DefaultParams provides the standard interval table: 1, 3, 7, 14 and 30 days.
func DefaultParams() *Params {
	return &Params{
		BaseIntervals:     [5]int{1, 3, 7, 14, 30},
		DefaultEaseFactor: DefaultEaseFactor,
		MinEaseFactor:     MinEaseFactor,
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks that the parameters can produce a valid schedule.
func (p *Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid scheduler params: %w", err)
	}
	return nil
}

// Step is the outcome of a single scheduling decision.
type Step struct {
	Interval   int
	EaseFactor float64
	Repetition int
}

// NextInterval computes the next interval, ease factor and repetition count.
// A lapse (quality below PassingQuality) restarts the streak but keeps the
// ease factor. The first two successful reviews use fixed 1 and 6 day
// intervals; later ones scale the base interval by the ease factor.
func (p *Params) NextInterval(q Quality, repetition int, easeFactor float64) Step {
	if repetition < 0 {
		repetition = 0
	}
	if q < PassingQuality {
		return Step{Interval: 1, EaseFactor: easeFactor, Repetition: 0}
	}

	next := repetition + 1
	var interval int
	switch next {
	case 1:
		interval = 1
	case 2:
		interval = 6
	default:
		interval = int(math.Round(float64(p.baseInterval(q)) * easeFactor))
	}
	if interval < 1 {
		interval = 1
	}

	d := float64(Excellent - q)
	ease := easeFactor + (0.1 - d*(0.08+d*0.02))
	if ease < p.MinEaseFactor {
		ease = p.MinEaseFactor
	}

	return Step{Interval: interval, EaseFactor: ease, Repetition: next}
}

func (p *Params) baseInterval(q Quality) int {
	if q < VeryBad {
		q = VeryBad
	}
	if q > Excellent {
		q = Excellent
	}
	return p.BaseIntervals[q-1]
}

// Quality implements the scheduler contract used by the review store.
func (p *Params) Quality(score int) Quality {
	return ScoreToQuality(score)
}

// ProcessAnswer schedules card after an answer with the given score and
// returns its full new review state, including the appended history entry.
// The card itself is not modified.
func (p *Params) ProcessAnswer(card domain.Flashcard, score int, now time.Time) domain.ReviewState {
	q := ScoreToQuality(score)

	ease := card.EaseFactor
	if ease <= 0 {
		ease = p.DefaultEaseFactor
	}
	step := p.NextInterval(q, card.Repetition, ease)
	next := NextReviewDate(step.Interval, now)
	last := now

	history := make([]domain.ReviewEntry, len(card.ReviewHistory), len(card.ReviewHistory)+1)
	copy(history, card.ReviewHistory)
	history = append(history, domain.ReviewEntry{
		Date:       now,
		Score:      float64(score),
		Quality:    int(q),
		Interval:   step.Interval,
		EaseFactor: step.EaseFactor,
		Repetition: step.Repetition,
	})

	return domain.ReviewState{
		Repetition:     step.Repetition,
		EaseFactor:     step.EaseFactor,
		Interval:       step.Interval,
		NextReviewDate: &next,
		LastReviewDate: &last,
		ReviewHistory:  history,
	}
}

// NextReviewDate returns from plus interval calendar days.
func NextReviewDate(interval int, from time.Time) time.Time {
	return from.AddDate(0, 0, interval)
}

// DaysUntil returns the number of calendar days from today until next,
// negative when next lies in the past. Both dates are taken in today's
// location and time of day is ignored.
func DaysUntil(next, today time.Time) int {
	n := civilDay(next.In(today.Location()))
	t := civilDay(today)
	return int(n.Sub(t).Hours() / 24)
}

// IsDue reports whether next falls on today or an earlier calendar day.
func IsDue(next, today time.Time) bool {
	return DaysUntil(next, today) <= 0
}

// civilDay drops the time of day, keeping y/m/d in UTC so that the
// difference between two days is always a whole multiple of 24h.
func civilDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
