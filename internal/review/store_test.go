package review

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/recall/internal/domain"
	"github.com/conorfennell/recall/internal/sm2"
	"github.com/conorfennell/recall/internal/storage"
)

var testNow = time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, opts ...Option) (*Store, *storage.Memory) {
	t.Helper()
	kv := storage.NewMemory()
	base := []Option{
		WithClock(func() time.Time { return testNow }),
		WithLocation(time.UTC),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	s := New(kv, sm2.DefaultParams(), append(base, opts...)...)
	n := 0
	s.newID = func() string {
		n++
		return fmt.Sprintf("card-%d", n)
	}
	return s, kv
}

func rawGet(t *testing.T, kv storage.KV, key string) []byte {
	t.Helper()
	v, ok, err := kv.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "key %s missing", key)
	return v
}

func daysFromNow(d int) *time.Time {
	t := testNow.AddDate(0, 0, d)
	return &t
}

func reviewed(question string, next *time.Time) domain.Flashcard {
	return domain.Flashcard{
		Question: question,
		ReviewState: domain.ReviewState{
			Repetition:     1,
			EaseFactor:     2.5,
			Interval:       1,
			NextReviewDate: next,
			LastReviewDate: daysFromNow(-10),
			ReviewHistory:  []domain.ReviewEntry{{Date: testNow.AddDate(0, 0, -10), Score: 90, Quality: 5, Interval: 1, EaseFactor: 2.5, Repetition: 1}},
		},
	}
}

func TestQuestionsByMaterial(t *testing.T) {
	s, kv := newTestStore(t)

	assert.Empty(t, s.QuestionsByMaterial("unknown"))

	require.NoError(t, kv.Set(DefaultPrefix+"broken", []byte(`{not json`)))
	assert.Empty(t, s.QuestionsByMaterial("broken"))

	require.NoError(t, kv.Set(DefaultPrefix+"object", []byte(`{"pregunta":"x"}`)))
	assert.Empty(t, s.QuestionsByMaterial("object"), "non-array records are treated as empty")

	require.NoError(t, s.SaveQuestionsByMaterial("bio", []domain.Flashcard{{Question: "Cell?"}, {Question: "DNA?"}}))
	cards := s.QuestionsByMaterial("bio")
	require.Len(t, cards, 2)
	assert.Equal(t, "Cell?", cards[0].Question)
	assert.Equal(t, "card-1", cards[0].ID)
	assert.NotEmpty(t, cards[0].Hash)
	assert.Equal(t, "bio", cards[0].MaterialRef())

	// A corrupt material must not hide the others.
	all := s.AllQuestions()
	assert.Len(t, all, 2)
}

func TestSaveIsTotalOverwrite(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{{Question: "a"}, {Question: "b"}}))
	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{{Question: "c"}}))

	cards := s.QuestionsByMaterial("m")
	require.Len(t, cards, 1)
	assert.Equal(t, "c", cards[0].Question)
}

func TestUpdateReviewData(t *testing.T) {
	s, kv := newTestStore(t)
	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{{Question: "a", Score: 40}}))
	before := rawGet(t, kv, DefaultPrefix+"m")

	interval := 6
	err := s.UpdateReviewData("m", 1, domain.ReviewUpdate{Interval: &interval})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	err = s.UpdateReviewData("m", -1, domain.ReviewUpdate{Interval: &interval})
	assert.ErrorIs(t, err, ErrIndexOutOfRange)
	assert.Equal(t, before, rawGet(t, kv, DefaultPrefix+"m"), "failed update must not write")

	require.NoError(t, s.UpdateReviewData("m", 0, domain.ReviewUpdate{Interval: &interval}))
	card := s.QuestionsByMaterial("m")[0]
	assert.Equal(t, 6, card.Interval)
	assert.Equal(t, 40.0, card.Score)
	require.NotNil(t, card.LastUpdated)
	assert.True(t, card.LastUpdated.Equal(testNow))
}

func TestInitializeReviewData(t *testing.T) {
	s, _ := newTestStore(t)

	card := s.InitializeReviewData(domain.Flashcard{Question: "q", Score: 80})
	assert.Equal(t, 0, card.Repetition)
	assert.Equal(t, 2.5, card.EaseFactor)
	assert.Equal(t, 1, card.Interval)
	assert.Equal(t, "card-1", card.ID)
	require.NotNil(t, card.NextReviewDate)
	assert.True(t, card.NextReviewDate.Equal(testNow.AddDate(0, 0, 1)))
	assert.True(t, card.LastReviewDate.Equal(testNow))
	require.Len(t, card.ReviewHistory, 1)
	assert.Equal(t, 4, card.ReviewHistory[0].Quality)
	assert.Equal(t, 80.0, card.ReviewHistory[0].Score)

	noSched := New(storage.NewMemory(), nil, WithClock(func() time.Time { return testNow }))
	card = noSched.InitializeReviewData(domain.Flashcard{Question: "q", Score: 10})
	assert.Equal(t, 3, card.ReviewHistory[0].Quality)
}

func TestMigrateLegacyRecordsIsIdempotent(t *testing.T) {
	s, kv := newTestStore(t)

	legacy := `[{"pregunta":"old","score":70},{"pregunta":"half","score":55,"nextReviewDate":"2025-01-01T00:00:00Z"}]`
	require.NoError(t, kv.Set(DefaultPrefix+"legacy", []byte(legacy)))
	require.NoError(t, s.SaveQuestionsByMaterial("fresh", []domain.Flashcard{reviewed("done", daysFromNow(3))}))
	freshBefore := rawGet(t, kv, DefaultPrefix+"fresh")

	n, err := s.MigrateLegacyRecords()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	first := rawGet(t, kv, DefaultPrefix+"legacy")
	assert.Equal(t, freshBefore, rawGet(t, kv, DefaultPrefix+"fresh"), "unchanged material must not be rewritten")

	cards := s.QuestionsByMaterial("legacy")
	require.Len(t, cards, 2)
	for _, c := range cards {
		assert.NotNil(t, c.NextReviewDate)
		assert.Len(t, c.ReviewHistory, 1)
		assert.NotEmpty(t, c.ID)
	}

	n, err = s.MigrateLegacyRecords()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.True(t, bytes.Equal(first, rawGet(t, kv, DefaultPrefix+"legacy")))
}

func TestOpenRunsMigration(t *testing.T) {
	kv := storage.NewMemory()
	require.NoError(t, kv.Set(DefaultPrefix+"m", []byte(`[{"pregunta":"q"}]`)))

	s, err := Open(kv, sm2.DefaultParams(), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	cards := s.QuestionsByMaterial("m")
	require.Len(t, cards, 1)
	assert.NotNil(t, cards[0].NextReviewDate)
	rawGet(t, kv, MigratedKey)

	// Cards added after the first open stay new across later opens.
	require.NoError(t, s.SaveQuestionsByMaterial("later", []domain.Flashcard{{Question: "fresh"}}))
	s, err = Open(kv, sm2.DefaultParams(), WithClock(func() time.Time { return testNow }))
	require.NoError(t, err)
	assert.True(t, s.QuestionsByMaterial("later")[0].IsNew())

	ids, err := s.Materials()
	require.NoError(t, err)
	assert.Equal(t, []string{"later", "m"}, ids)
}

func TestNormalizeScores(t *testing.T) {
	s, kv := newTestStore(t)
	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{
		{Question: "a", Score: 0.5},
		{Question: "b", Score: 0.69},
		{Question: "c", Score: 1},
		{Question: "d", Score: 85},
		{Question: "e", Score: 0},
	}))

	n, err := s.NormalizeScores()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	cards := s.QuestionsByMaterial("m")
	assert.Equal(t, 50.0, cards[0].Score)
	assert.Equal(t, 69.0, cards[1].Score)
	assert.Equal(t, 1.0, cards[2].Score, "exactly 1 is a percentage, not a fraction")
	assert.Equal(t, 85.0, cards[3].Score)
	assert.Equal(t, 0.0, cards[4].Score)

	after := rawGet(t, kv, DefaultPrefix+"m")
	n, err = s.NormalizeScores()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, after, rawGet(t, kv, DefaultPrefix+"m"))
}

func TestIsLegacyFraction(t *testing.T) {
	assert.True(t, IsLegacyFraction(0.01))
	assert.True(t, IsLegacyFraction(0.999))
	assert.False(t, IsLegacyFraction(0))
	assert.False(t, IsLegacyFraction(1))
	assert.False(t, IsLegacyFraction(100))
	assert.False(t, IsLegacyFraction(-0.5))
}

func TestAllQuestionsOrder(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SaveQuestionsByMaterial("b", []domain.Flashcard{{Question: "b1"}, {Question: "b2"}}))
	require.NoError(t, s.SaveQuestionsByMaterial("a", []domain.Flashcard{{Question: "a1"}}))

	var got []string
	for _, c := range s.AllQuestions() {
		got = append(got, c.Question)
	}
	assert.Equal(t, []string{"a1", "b1", "b2"}, got)

	ids, err := s.Materials()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestDueQuestionsOrdering(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SaveQuestionsByMaterial("m1", []domain.Flashcard{
		{Question: "C"},
		reviewed("B", daysFromNow(-1)),
		reviewed("future", daysFromNow(2)),
	}))
	require.NoError(t, s.SaveQuestionsByMaterial("m2", []domain.Flashcard{
		reviewed("A", daysFromNow(-5)),
		reviewed("today", daysFromNow(0)),
		{Question: "D"},
	}))

	due := s.DueQuestions()
	var got []string
	for _, d := range due {
		got = append(got, d.Question)
	}
	assert.Equal(t, []string{"A", "B", "today", "C", "D"}, got)

	assert.Equal(t, 5, due[0].DaysOverdue)
	assert.Equal(t, "m2", due[0].MaterialKey)
	assert.Equal(t, 0, due[0].Index)
	assert.True(t, due[3].IsNewCard)
	assert.Equal(t, "m1", due[3].MaterialKey)
}

func TestGlobalStats(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SaveQuestionsByMaterial("m1", []domain.Flashcard{
		{Question: "new"},
		reviewed("due", daysFromNow(-2)),
	}))
	require.NoError(t, s.SaveQuestionsByMaterial("m2", []domain.Flashcard{
		reviewed("later", daysFromNow(4)),
		reviewed("today", daysFromNow(0)),
	}))

	st := s.GlobalStats()
	require.NotNil(t, st)
	assert.Equal(t, Counters{Total: 4, DueToday: 2, Upcoming: 1, New: 1}, st.Counters)
	assert.Equal(t, &Counters{Total: 2, DueToday: 1, New: 1}, st.ByMaterial["m1"])
	assert.Equal(t, &Counters{Total: 2, DueToday: 1, Upcoming: 1}, st.ByMaterial["m2"])

	strays := reviewed("stray", daysFromNow(4))
	strays.CarpetaID = "legacy-folder"
	require.NoError(t, s.SaveQuestionsByMaterial("m3", []domain.Flashcard{strays}))
	st = s.GlobalStats()
	assert.Equal(t, &Counters{Total: 1, Upcoming: 1}, st.ByMaterial["legacy-folder"])
	assert.NotContains(t, st.ByMaterial, "m3")

	noSched := New(storage.NewMemory(), nil)
	assert.Nil(t, noSched.GlobalStats())
	assert.Empty(t, noSched.DueQuestions())
}

func TestCalendar(t *testing.T) {
	s, _ := newTestStore(t)
	jan20 := time.Date(2025, 1, 20, 15, 0, 0, 0, time.UTC)
	feb1 := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{
		reviewed("x", &jan20),
		reviewed("y", &jan20),
		reviewed("feb", &feb1),
		{Question: "new"},
	}))

	cal, err := s.Calendar(2025, time.January)
	require.NoError(t, err)
	assert.Len(t, cal, 31)
	for d := 1; d <= 31; d++ {
		key := fmt.Sprintf("2025-01-%02d", d)
		require.Contains(t, cal, key)
	}
	assert.Equal(t, 2, cal["2025-01-20"].Count)
	assert.Len(t, cal["2025-01-20"].Questions, 2)
	assert.Equal(t, 0, cal["2025-01-01"].Count)

	leap, err := s.Calendar(2024, time.February)
	require.NoError(t, err)
	assert.Len(t, leap, 29)

	_, err = s.Calendar(2025, 13)
	assert.Error(t, err)
}

func TestCalendarUsesStoreLocation(t *testing.T) {
	lima := time.FixedZone("PET", -5*3600)
	s, _ := newTestStore(t, WithLocation(lima))
	// 2025-02-01 02:00 UTC is still January 31 in Lima.
	at := time.Date(2025, 2, 1, 2, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{reviewed("x", &at)}))

	cal, err := s.Calendar(2025, time.January)
	require.NoError(t, err)
	assert.Equal(t, 1, cal["2025-01-31"].Count)
}

func TestProcessAnswer(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{{Question: "q"}}))

	_, err := s.ProcessAnswer("m", 0, 101)
	assert.ErrorIs(t, err, ErrInvalidScore)
	_, err = s.ProcessAnswer("m", 0, -1)
	assert.ErrorIs(t, err, ErrInvalidScore)
	_, err = s.ProcessAnswer("m", 3, 50)
	assert.ErrorIs(t, err, ErrIndexOutOfRange)

	rs, err := s.ProcessAnswer("m", 0, 95)
	require.NoError(t, err)
	assert.Equal(t, 1, rs.Repetition)
	assert.Equal(t, 1, rs.Interval)

	rs, err = s.ProcessAnswer("m", 0, 95)
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Repetition)
	assert.Equal(t, 6, rs.Interval)

	card := s.QuestionsByMaterial("m")[0]
	assert.Equal(t, 95.0, card.Score)
	assert.Len(t, card.ReviewHistory, 2)
	assert.Equal(t, 6, card.Interval)
	assert.True(t, card.NextReviewDate.Equal(testNow.AddDate(0, 0, 6)))
	assert.Equal(t, 0, s.FindIndex("m", card.ID))
	assert.Equal(t, -1, s.FindIndex("m", "nope"))

	noSched := New(storage.NewMemory(), nil)
	require.NoError(t, noSched.SaveQuestionsByMaterial("m", []domain.Flashcard{{Question: "q"}}))
	_, err = noSched.ProcessAnswer("m", 0, 50)
	assert.ErrorIs(t, err, ErrNoScheduler)
}

func TestDeleteMaterial(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{{Question: "q"}}))
	require.NoError(t, s.DeleteMaterial("m"))
	assert.Empty(t, s.QuestionsByMaterial("m"))
	ids, err := s.Materials()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSyncAllQuestionsView(t *testing.T) {
	s, kv := newTestStore(t, WithPrefix("recall_"))
	require.NoError(t, s.SaveQuestionsByMaterial("m", []domain.Flashcard{{Question: "q"}}))
	require.NoError(t, s.SyncAllQuestionsView())
	assert.Contains(t, string(rawGet(t, kv, AllQuestionsKey)), `"pregunta":"q"`)

	// The view key shares the prefix here and must not show up as a material.
	ids, err := s.Materials()
	require.NoError(t, err)
	assert.Equal(t, []string{"m"}, ids)
}

func TestLegacyRecordsSurviveAnswers(t *testing.T) {
	s, kv := newTestStore(t)
	require.NoError(t, kv.Set(DefaultPrefix+"m", []byte(
		`[{"id":"card-1","pregunta":"Q1","score":80,"feedback":"keep me","metadata":{"page":3}},`+
			`{"pregunta":"Q2","nextReviewDate":"","clasificacion":"facil"}]`)))

	cards := s.QuestionsByMaterial("m")
	require.Len(t, cards, 2)
	assert.True(t, cards[1].IsNew())
	assert.Len(t, s.DueQuestions(), 2)

	_, err := s.ProcessAnswer("m", 0, 95)
	require.NoError(t, err)

	var stored []map[string]any
	require.NoError(t, json.Unmarshal(rawGet(t, kv, DefaultPrefix+"m"), &stored))
	require.Len(t, stored, 2)
	assert.Equal(t, "keep me", stored[0]["feedback"])
	assert.Equal(t, map[string]any{"page": float64(3)}, stored[0]["metadata"])
	assert.EqualValues(t, 1, stored[0]["repetition"])
	assert.Equal(t, "facil", stored[1]["clasificacion"])
	assert.NotContains(t, stored[1], "nextReviewDate")
}
