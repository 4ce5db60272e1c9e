package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"
)

// UnassignedMaterial is the bucket for records that carry no material reference.
const UnassignedMaterial = "sin_material"

// Flashcard represents a single question-answer-context entry belonging to
// exactly one material. Field names follow the stored JSON records so that
// collections written by older clients decode unchanged. Keys the struct does
// not model are kept in Extra and written back on encode.
type Flashcard struct {
	ID       string `json:"id,omitempty"`
	Hash     string `json:"hash,omitempty"`
	Question string `json:"pregunta"`
	Answer   string `json:"respuesta,omitempty"`
	Context  string `json:"topic,omitempty"`

	// Score is the last obtained score on the 0-100 scale. Legacy records may
	// hold a fraction in (0, 1).
	Score float64 `json:"score"`

	MaterialID MaterialRef    `json:"material_id,omitempty"`
	CarpetaID  MaterialRef    `json:"carpeta_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`

	ReviewState

	LastUpdated *time.Time `json:"lastUpdated,omitempty"`

	Extra map[string]json.RawMessage `json:"-"`
}

// knownFields are the JSON keys of Flashcard and its embedded ReviewState.
var knownFields = map[string]bool{
	"id": true, "hash": true, "pregunta": true, "respuesta": true, "topic": true,
	"score": true, "material_id": true, "carpeta_id": true, "metadata": true,
	"repetition": true, "easeFactor": true, "interval": true,
	"nextReviewDate": true, "lastReviewDate": true, "reviewHistory": true,
	"lastUpdated": true,
}

// dateFields decode "" the same as an absent date.
var dateFields = []string{"nextReviewDate", "lastReviewDate", "lastUpdated"}

// flashcardJSON has the fields of Flashcard without its codec methods.
type flashcardJSON Flashcard

// UnmarshalJSON decodes a stored record, treating empty date strings as unset
// and collecting unknown keys into Extra.
func (c *Flashcard) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	for _, k := range dateFields {
		if v, ok := fields[k]; ok && bytes.Equal(bytes.TrimSpace(v), []byte(`""`)) {
			delete(fields, k)
		}
	}
	known, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	var plain flashcardJSON
	if err := json.Unmarshal(known, &plain); err != nil {
		return err
	}
	for k, v := range fields {
		if knownFields[k] {
			continue
		}
		if plain.Extra == nil {
			plain.Extra = make(map[string]json.RawMessage)
		}
		plain.Extra[k] = v
	}
	*c = Flashcard(plain)
	return nil
}

// MarshalJSON encodes the modeled fields followed by Extra in key order.
func (c Flashcard) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(flashcardJSON(c))
	if err != nil || len(c.Extra) == 0 {
		return data, err
	}
	keys := make([]string, 0, len(c.Extra))
	for k := range c.Extra {
		if !knownFields[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(data[:len(data)-1])
	sep := len(data) > 2
	for _, k := range keys {
		v := c.Extra[k]
		if !json.Valid(v) {
			return nil, fmt.Errorf("flashcard field %q: invalid JSON", k)
		}
		if sep {
			buf.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(v)
		sep = true
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Meta returns metadata[key] when it holds a string.
func (c Flashcard) Meta(key string) string {
	s, _ := c.Metadata[key].(string)
	return s
}

// WithMeta returns a copy of c whose metadata also carries the given pairs.
func (c Flashcard) WithMeta(kv map[string]string) Flashcard {
	meta := make(map[string]any, len(c.Metadata)+len(kv))
	for k, v := range c.Metadata {
		meta[k] = v
	}
	for k, v := range kv {
		meta[k] = v
	}
	c.Metadata = meta
	return c
}

// MaterialRef returns the material the card claims to belong to, preferring
// material_id over the legacy carpeta_id. Empty when neither is set.
func (c Flashcard) MaterialRef() string {
	if c.MaterialID != "" {
		return string(c.MaterialID)
	}
	return string(c.CarpetaID)
}

// IsNew reports whether the card has never been scheduled.
func (c Flashcard) IsNew() bool {
	return c.NextReviewDate == nil
}

// ReviewState is the scheduling state embedded in a Flashcard. It is only
// ever replaced by scheduler output.
type ReviewState struct {
	Repetition     int           `json:"repetition"`
	EaseFactor     float64       `json:"easeFactor,omitempty"`
	Interval       int           `json:"interval,omitempty"`
	NextReviewDate *time.Time    `json:"nextReviewDate,omitempty"`
	LastReviewDate *time.Time    `json:"lastReviewDate,omitempty"`
	ReviewHistory  []ReviewEntry `json:"reviewHistory,omitempty"`
}

// ReviewEntry records a single processed answer.
type ReviewEntry struct {
	Date       time.Time `json:"date"`
	Score      float64   `json:"score"`
	Quality    int       `json:"quality"`
	Interval   int       `json:"interval"`
	EaseFactor float64   `json:"easeFactor"`
	Repetition int       `json:"repetition"`
}

// ReviewUpdate names exactly which fields of a card may be patched. Nil
// fields are left untouched.
type ReviewUpdate struct {
	Repetition     *int
	EaseFactor     *float64
	Interval       *int
	NextReviewDate *time.Time
	LastReviewDate *time.Time
	ReviewHistory  []ReviewEntry
	Score          *float64
}

// UpdateFromState builds an update that replaces every review field with the
// values in rs.
func UpdateFromState(rs ReviewState) ReviewUpdate {
	u := ReviewUpdate{
		Repetition:     &rs.Repetition,
		EaseFactor:     &rs.EaseFactor,
		Interval:       &rs.Interval,
		NextReviewDate: rs.NextReviewDate,
		LastReviewDate: rs.LastReviewDate,
		ReviewHistory:  rs.ReviewHistory,
	}
	return u
}

// WithScore returns a copy of u that also sets the card's last score.
func (u ReviewUpdate) WithScore(score float64) ReviewUpdate {
	u.Score = &score
	return u
}

// Apply writes the non-nil fields of u onto c.
func (u ReviewUpdate) Apply(c *Flashcard) {
	if u.Repetition != nil {
		c.Repetition = *u.Repetition
	}
	if u.EaseFactor != nil {
		c.EaseFactor = *u.EaseFactor
	}
	if u.Interval != nil {
		c.Interval = *u.Interval
	}
	if u.NextReviewDate != nil {
		t := *u.NextReviewDate
		c.NextReviewDate = &t
	}
	if u.LastReviewDate != nil {
		t := *u.LastReviewDate
		c.LastReviewDate = &t
	}
	if u.ReviewHistory != nil {
		c.ReviewHistory = append([]ReviewEntry(nil), u.ReviewHistory...)
	}
	if u.Score != nil {
		c.Score = *u.Score
	}
}

// MaterialRef is a material identifier. Older records store it as a JSON
// number, newer ones as a string; both decode to the same value.
type MaterialRef string

// UnmarshalJSON accepts a string, a number or null.
func (r *MaterialRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = MaterialRef(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	if i, err := n.Int64(); err == nil {
		*r = MaterialRef(strconv.FormatInt(i, 10))
		return nil
	}
	*r = MaterialRef(n.String())
	return nil
}
