package review

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/recall/internal/domain"
)

func TestExportImportRoundTrip(t *testing.T) {
	src, srcKV := newTestStore(t)
	require.NoError(t, src.SaveQuestionsByMaterial("bio", []domain.Flashcard{
		{Question: "Cell?", Answer: "Unit of life", Score: 70},
		reviewed("DNA?", daysFromNow(-1)),
	}))
	require.NoError(t, src.SaveQuestionsByMaterial("42", []domain.Flashcard{
		reviewed("Capital of Peru?", daysFromNow(3)),
	}))
	_, err := src.ProcessAnswer("bio", 0, 88)
	require.NoError(t, err)

	data, err := src.ExportAll()
	require.NoError(t, err)

	var snap Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Equal(t, 3, snap.TotalQuestions)
	assert.Len(t, snap.Questions, 3)
	require.NotNil(t, snap.Stats)
	assert.Equal(t, 3, snap.Stats.Total)
	assert.True(t, snap.ExportDate.Equal(testNow))

	dst, dstKV := newTestStore(t)
	n, err := dst.ImportAll(data, ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	for _, id := range []string{"bio", "42"} {
		assert.JSONEq(t,
			string(rawGet(t, srcKV, DefaultPrefix+id)),
			string(rawGet(t, dstKV, DefaultPrefix+id)),
			"material %s differs after round-trip", id)
	}
}

func TestImportGroupsByMaterialReference(t *testing.T) {
	s, _ := newTestStore(t)
	doc := `{"questions":[
		{"pregunta":"a","material_id":7},
		{"pregunta":"b","carpeta_id":"folder"},
		{"pregunta":"c"},
		{"pregunta":"d","material_id":"7"}
	]}`

	n, err := s.ImportAll([]byte(doc), ImportReplace)
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	seven := s.QuestionsByMaterial("7")
	require.Len(t, seven, 2)
	assert.Equal(t, "a", seven[0].Question)
	assert.Equal(t, "d", seven[1].Question)

	assert.Len(t, s.QuestionsByMaterial("folder"), 1)
	unassigned := s.QuestionsByMaterial(domain.UnassignedMaterial)
	require.Len(t, unassigned, 1)
	assert.Equal(t, "c", unassigned[0].Question)
}

func TestImportReplaceOverwrites(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{{Question: "old1"}, {Question: "old2"}}))
	require.NoError(t, s.SaveQuestionsByMaterial("untouched", []domain.Flashcard{{Question: "keep"}}))

	_, err := s.ImportAll([]byte(`{"questions":[{"pregunta":"new","material_id":"m"}]}`), ImportReplace)
	require.NoError(t, err)

	cards := s.QuestionsByMaterial("m")
	require.Len(t, cards, 1)
	assert.Equal(t, "new", cards[0].Question)
	assert.Len(t, s.QuestionsByMaterial("untouched"), 1)
}

func TestImportMergeKeepsExisting(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{
		{Question: "keep"},
		{Question: "Capital of Peru?", Answer: "Lima"},
	}))
	existing := s.QuestionsByMaterial("m")

	doc := `{"questions":[
		{"id":"` + existing[0].ID + `","pregunta":"keep","score":90,"material_id":"m"},
		{"pregunta":"capital of peru?","respuesta":"lima","score":75,"material_id":"m"},
		{"pregunta":"brand new","material_id":"m"}
	]}`
	_, err := s.ImportAll([]byte(doc), ImportMerge)
	require.NoError(t, err)

	cards := s.QuestionsByMaterial("m")
	require.Len(t, cards, 3)
	assert.Equal(t, 90.0, cards[0].Score, "matched by id")
	assert.Equal(t, 75.0, cards[1].Score, "matched by content hash")
	assert.Equal(t, "brand new", cards[2].Question)
}

func TestImportRejectsInvalidDocuments(t *testing.T) {
	s, _ := newTestStore(t)

	_, err := s.ImportAll([]byte(`not json`), ImportReplace)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	_, err = s.ImportAll([]byte(`{"items":[]}`), ImportReplace)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)

	_, err = s.ImportAll([]byte(`{"questions":{"a":1}}`), ImportReplace)
	assert.ErrorIs(t, err, ErrInvalidSnapshot)
}

func TestParseImportMode(t *testing.T) {
	m, err := ParseImportMode("")
	require.NoError(t, err)
	assert.Equal(t, ImportReplace, m)

	m, err = ParseImportMode("merge")
	require.NoError(t, err)
	assert.Equal(t, ImportMerge, m)

	_, err = ParseImportMode("append")
	assert.Error(t, err)
}

func TestExportImportKeepsUnknownFields(t *testing.T) {
	src, srcKV := newTestStore(t)
	require.NoError(t, srcKV.Set(DefaultPrefix+"m", []byte(
		`[{"id":"card-1","pregunta":"Q1","material_id":"m","feedback":"keep me"}]`)))

	data, err := src.ExportAll()
	require.NoError(t, err)

	dst, dstKV := newTestStore(t)
	_, err = dst.ImportAll(data, ImportMerge)
	require.NoError(t, err)

	var stored []map[string]any
	require.NoError(t, json.Unmarshal(rawGet(t, dstKV, DefaultPrefix+"m"), &stored))
	require.Len(t, stored, 1)
	assert.Equal(t, "keep me", stored[0]["feedback"])
}
