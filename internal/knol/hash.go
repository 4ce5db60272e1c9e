package knol

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/conorfennell/recall/internal/domain"
)

// Normalize joins the question, answer and context of a flashcard after
// lowercasing each part, trimming it, unifying line endings and collapsing
// runs of blanks inside lines. Review state and scores never take part, so
// a card keeps its hash across reviews.
func Normalize(card domain.Flashcard) string {
	return strings.Join([]string{
		normalizePart(card.Question),
		normalizePart(card.Answer),
		normalizePart(card.Context),
	}, "\n")
}

func normalizePart(part string) string {
	p := strings.ReplaceAll(strings.ToLower(part), "\r\n", "\n")
	lines := strings.Split(strings.TrimSpace(p), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.Join(lines, "\n")
}

// Hash returns the hex SHA-256 of the normalized card content. It is the
// content fingerprint used to match a card across re-ingestion and imports.
func Hash(card domain.Flashcard) string {
	sum := sha256.Sum256([]byte(Normalize(card)))
	return hex.EncodeToString(sum[:])
}
