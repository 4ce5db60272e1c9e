package parser

import (
	"bufio"
	"io"
	"os"
	"strings"

	"github.com/conorfennell/recall/internal/domain"
)

const (
	questionPrefix = "Q:"
	answerPrefix   = "A:"
	contextPrefix  = "C:"
	separator      = "---"
)

type field int

const (
	none field = iota
	question
	answer
	context
)

// ParseFile reads a markdown file from the given path and extracts all flashcards.
func ParseFile(path string) ([]domain.Flashcard, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	return Parse(file)
}

// Parse extracts flashcards from Q:/A:/C: blocks. A new Q: line or a "---"
// line ends the current card; lines without a prefix continue the current
// field. Cards without a question are dropped.
func Parse(r io.Reader) ([]domain.Flashcard, error) {
	var (
		cards   []domain.Flashcard
		current domain.Flashcard
		block   []string
		active  = none
	)

	flushField := func() {
		if len(block) == 0 {
			return
		}
		content := strings.TrimRight(strings.Join(block, "\n"), "\n")
		switch active {
		case question:
			current.Question = content
		case answer:
			current.Answer = content
		case context:
			current.Context = content
		}
		block = nil
	}

	finishCard := func() {
		flushField()
		if current.Question != "" {
			cards = append(cards, current)
		}
		current = domain.Flashcard{}
		active = none
	}

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()

		if line == separator {
			finishCard()
			continue
		}

		next, content, ok := splitPrefix(line)
		if !ok {
			if active != none {
				block = append(block, line)
			}
			continue
		}

		if next == question && active != none {
			finishCard()
		} else {
			flushField()
		}
		active = next
		block = append(block, content)
	}

	finishCard()

	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return cards, nil
}

// splitPrefix recognises a field prefix and strips it plus one optional space.
func splitPrefix(line string) (field, string, bool) {
	prefixes := []struct {
		prefix string
		f      field
	}{
		{questionPrefix, question},
		{answerPrefix, answer},
		{contextPrefix, context},
	}
	for _, p := range prefixes {
		if rest, ok := strings.CutPrefix(line, p.prefix); ok {
			return p.f, strings.TrimPrefix(rest, " "), true
		}
	}
	return none, "", false
}
