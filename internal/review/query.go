package review

import (
	"fmt"
	"sort"
	"time"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/sm2"
)

// AllQuestions concatenates every material's flashcards in material
// enumeration order, keeping the order within each material.
func (s *Store) AllQuestions() []domain.Flashcard {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allQuestions()
	if err != nil {
		s.log.Error("Failed to list materials", "error", err)
		return []domain.Flashcard{}
	}
	return all
}

func (s *Store) allQuestions() ([]domain.Flashcard, error) {
	var all []domain.Flashcard
	err := s.each(func(_ string, _ int, c domain.Flashcard) {
		all = append(all, c)
	})
	if all == nil {
		all = []domain.Flashcard{}
	}
	return all, err
}

// each visits every stored flashcard with its material id and index.
func (s *Store) each(fn func(materialID string, index int, c domain.Flashcard)) error {
	ids, err := s.materials()
	if err != nil {
		return err
	}
	for _, id := range ids {
		cards, _ := s.load(id)
		for i, c := range cards {
			if c.MaterialRef() == "" {
				c.MaterialID = domain.MaterialRef(id)
			}
			fn(id, i, c)
		}
	}
	return nil
}

// DueQuestion is a flashcard that should be reviewed now, with the address
// needed to answer it.
type DueQuestion struct {
	domain.Flashcard
	MaterialKey string `json:"materialKey"`
	Index       int    `json:"index"`
	DaysOverdue int    `json:"daysOverdue"`
	IsNewCard   bool   `json:"isNew"`
}

// DueQuestions returns the cards due today or earlier. Previously reviewed
// cards come first, most overdue first; never-reviewed cards come last.
// Ties keep enumeration order.
func (s *Store) DueQuestions() []DueQuestion {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched == nil {
		s.log.Error("Scheduler not initialized, no due questions")
		return []DueQuestion{}
	}

	today := s.clock()
	due := []DueQuestion{}
	err := s.each(func(materialID string, index int, c domain.Flashcard) {
		if c.IsNew() {
			due = append(due, DueQuestion{Flashcard: c, MaterialKey: materialID, Index: index, IsNewCard: true})
			return
		}
		if sm2.IsDue(*c.NextReviewDate, today) {
			due = append(due, DueQuestion{
				Flashcard:   c,
				MaterialKey: materialID,
				Index:       index,
				DaysOverdue: -sm2.DaysUntil(*c.NextReviewDate, today),
			})
		}
	})
	if err != nil {
		s.log.Error("Failed to list materials", "error", err)
	}

	sort.SliceStable(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.IsNewCard != b.IsNewCard {
			return !a.IsNewCard
		}
		return a.DaysOverdue > b.DaysOverdue
	})
	return due
}

// Counters is the per-scope breakdown used by Stats. Every card lands in
// exactly one of New, DueToday and Upcoming.
type Counters struct {
	Total    int `json:"total"`
	DueToday int `json:"dueToday"`
	Upcoming int `json:"upcoming"`
	New      int `json:"new"`
}

func (c *Counters) add(card domain.Flashcard, today time.Time) {
	c.Total++
	switch {
	case card.IsNew():
		c.New++
	case sm2.IsDue(*card.NextReviewDate, today):
		c.DueToday++
	default:
		c.Upcoming++
	}
}

// Stats summarizes all flashcards, globally and per material. ByMaterial is
// keyed by each card's own material reference, which may differ from the
// collection it is stored in.
type Stats struct {
	Counters
	ByMaterial map[string]*Counters `json:"byMaterial"`
}

// GlobalStats counts every card in a single pass. It returns nil when no
// scheduler is wired.
func (s *Store) GlobalStats() *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats()
}

func (s *Store) stats() *Stats {
	if s.sched == nil {
		s.log.Error("Scheduler not initialized, no stats")
		return nil
	}

	today := s.clock()
	st := &Stats{ByMaterial: make(map[string]*Counters)}
	err := s.each(func(_ string, _ int, c domain.Flashcard) {
		st.add(c, today)
		ref := c.MaterialRef()
		if ref == "" {
			ref = domain.UnassignedMaterial
		}
		m, ok := st.ByMaterial[ref]
		if !ok {
			m = &Counters{}
			st.ByMaterial[ref] = m
		}
		m.add(c, today)
	})
	if err != nil {
		s.log.Error("Failed to list materials", "error", err)
	}
	return st
}

// CalendarDay lists the flashcards scheduled for one day.
type CalendarDay struct {
	Date      string             `json:"date"`
	Count     int                `json:"count"`
	Questions []domain.Flashcard `json:"questions"`
}

// Calendar returns one entry per day of the month, keyed YYYY-MM-DD, counting
// the cards whose next review date falls on that day in the store's time
// zone. Days without reviews are present with a zero count.
func (s *Store) Calendar(year int, month time.Month) (map[string]*CalendarDay, error) {
	if month < time.January || month > time.December {
		return nil, fmt.Errorf("invalid month %d", month)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sched == nil {
		s.log.Error("Scheduler not initialized, empty calendar")
		return map[string]*CalendarDay{}, nil
	}

	// Day 0 of the next month is the last day of this one.
	days := time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
	cal := make(map[string]*CalendarDay, days)
	for d := 1; d <= days; d++ {
		key := time.Date(year, month, d, 0, 0, 0, 0, time.UTC).Format(time.DateOnly)
		cal[key] = &CalendarDay{Date: key, Questions: []domain.Flashcard{}}
	}

	err := s.each(func(_ string, _ int, c domain.Flashcard) {
		if c.IsNew() {
			return
		}
		at := c.NextReviewDate.In(s.loc)
		if at.Year() != year || at.Month() != month {
			return
		}
		day := cal[at.Format(time.DateOnly)]
		day.Count++
		day.Questions = append(day.Questions, c)
	})
	return cal, err
}
