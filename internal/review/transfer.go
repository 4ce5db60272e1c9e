package review

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/knol"
)

// Snapshot is the export document: every flashcard plus computed stats.
type Snapshot struct {
	ExportDate     time.Time          `json:"exportDate"`
	TotalQuestions int                `json:"totalQuestions"`
	Stats          *Stats             `json:"stats"`
	Questions      []domain.Flashcard `json:"questions"`
}

// ExportAll serializes every material's flashcards as an indented Snapshot.
func (s *Store) ExportAll() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all, err := s.allQuestions()
	if err != nil {
		return nil, err
	}
	snap := Snapshot{
		ExportDate:     s.clock(),
		TotalQuestions: len(all),
		Stats:          s.stats(),
		Questions:      all,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode export: %w", err)
	}
	return data, nil
}

// ImportMode decides what happens to a material that already has cards.
type ImportMode string

const (
	// ImportReplace overwrites each imported material with the incoming cards.
	ImportReplace ImportMode = "replace"
	// ImportMerge keeps existing cards, replacing those that match an
	// incoming card by stable id or content hash and appending the rest.
	ImportMerge ImportMode = "merge"
)

// ParseImportMode validates a mode name. The empty string means replace.
func ParseImportMode(s string) (ImportMode, error) {
	switch ImportMode(s) {
	case "", ImportReplace:
		return ImportReplace, nil
	case ImportMerge:
		return ImportMerge, nil
	default:
		return "", fmt.Errorf("unknown import mode %q", s)
	}
}

// ImportAll reads a document of the form {"questions": [...]}, groups the
// cards by their material reference and writes each group. Cards without a
// reference go to domain.UnassignedMaterial. It returns the number of
// imported cards.
func (s *Store) ImportAll(data []byte, mode ImportMode) (int, error) {
	var doc struct {
		Questions *[]domain.Flashcard `json:"questions"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	if doc.Questions == nil {
		return 0, fmt.Errorf("%w: missing questions array", ErrInvalidSnapshot)
	}

	var order []string
	groups := make(map[string][]domain.Flashcard)
	for _, c := range *doc.Questions {
		if c.Hash == "" {
			c.Hash = knol.Hash(c)
		}
		id := c.MaterialRef()
		if id == "" {
			id = domain.UnassignedMaterial
		}
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], c)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range order {
		incoming := groups[id]
		if mode == ImportMerge {
			existing, _ := s.load(id)
			incoming = merge(existing, incoming)
		}
		if err := s.save(id, incoming); err != nil {
			return 0, err
		}
	}

	s.log.Info("Import complete", "questions", len(*doc.Questions), "materials", len(order), "mode", string(mode))
	return len(*doc.Questions), nil
}

func merge(existing, incoming []domain.Flashcard) []domain.Flashcard {
	out := append([]domain.Flashcard(nil), existing...)
	byID := make(map[string]int)
	byHash := make(map[string]int)
	for i, c := range out {
		if c.ID != "" {
			byID[c.ID] = i
		}
		if c.Hash != "" {
			byHash[c.Hash] = i
		}
	}

	for _, c := range incoming {
		i, ok := byID[c.ID]
		if !ok {
			i, ok = byHash[c.Hash]
		}
		if ok {
			if c.ID == "" {
				c.ID = out[i].ID
			}
			out[i] = c
			continue
		}
		out = append(out, c)
		if c.ID != "" {
			byID[c.ID] = len(out) - 1
		}
		if c.Hash != "" {
			byHash[c.Hash] = len(out) - 1
		}
	}
	return out
}
