package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewOcrResult_LengthWeightedConfidence(t *testing.T) {
	tests := []struct {
		name     string
		lines    []OcrLine
		wantText string
		wantConf float64
	}{
		{
			name:     "empty result is valid",
			lines:    nil,
			wantText: "",
			wantConf: 0,
		},
		{
			name:     "single line",
			lines:    []OcrLine{{Text: "Invoice", Confidence: 0.8}},
			wantText: "Invoice",
			wantConf: 0.8,
		},
		{
			name: "longer lines weigh more",
			lines: []OcrLine{
				{Text: "ab", Confidence: 1.0},
				{Text: "abcdefgh", Confidence: 0.5},
			},
			wantText: "ab\nabcdefgh",
			wantConf: (2*1.0 + 8*0.5) / 10,
		},
		{
			name: "runes not bytes",
			lines: []OcrLine{
				{Text: "äöü", Confidence: 0.9},
				{Text: "abc", Confidence: 0.3},
			},
			wantText: "äöü\nabc",
			wantConf: 0.6,
		},
		{
			name:     "blank lines are skipped",
			lines:    []OcrLine{{Text: "", Confidence: 1}, {Text: "x", Confidence: 0.4}},
			wantText: "x",
			wantConf: 0.4,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := NewOcrResult(tt.lines)
			assert.Equal(t, tt.wantText, res.Text)
			assert.InDelta(t, tt.wantConf, res.Confidence, 1e-9)
			assert.NotNil(t, res.Lines)
		})
	}
}

func TestFullFrame(t *testing.T) {
	c := FullFrame(640, 480)
	assert.Equal(t, Point{0, 0}, c.Points[0])
	assert.Equal(t, Point{639, 0}, c.Points[1])
	assert.Equal(t, Point{639, 479}, c.Points[2])
	assert.Equal(t, Point{0, 479}, c.Points[3])
	assert.Zero(t, c.Confidence)
}

func TestStateRoundTrip(t *testing.T) {
	for s := StateCaptured; s <= StateFailed; s++ {
		b, err := json.Marshal(s)
		require.NoError(t, err)
		var got State
		require.NoError(t, json.Unmarshal(b, &got))
		assert.Equal(t, s, got)
	}
	_, err := ParseState("Scanned")
	assert.Error(t, err)
}

func TestStateNext(t *testing.T) {
	order := []State{StateCaptured, StateRectified, StateEnhanced, StateTextExtracted,
		StateClassified, StateIndexed, StateStored}
	for i := 0; i < len(order)-1; i++ {
		next, ok := order[i].Next()
		require.True(t, ok)
		assert.Equal(t, order[i+1], next)
	}
	_, ok := StateStored.Next()
	assert.False(t, ok)
	assert.True(t, StateStored.Terminal())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateEnhanced.Terminal())
}

func TestCheckpointFailKeepsLast(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cp := &Checkpoint{ID: "doc"}
	cp.Advance(StateRectified, now)
	cp.Advance(StateEnhanced, now)
	cp.Fail(StateTextExtracted, &OcrUnavailableError{Backend: "tesseract"}, now)

	assert.Equal(t, StateFailed, cp.State)
	assert.Equal(t, StateEnhanced, cp.Last)
	require.NotNil(t, cp.Failure)
	assert.Equal(t, StateTextExtracted, cp.Failure.Stage)
	assert.Equal(t, KindOcrUnavailable, cp.Failure.Kind)
	assert.Contains(t, cp.Failure.String(), "Failed(TextExtracted, OcrUnavailableError)")

	cp.Advance(StateTextExtracted, now)
	assert.Nil(t, cp.Failure)
}

func TestCheckpointFlags(t *testing.T) {
	cp := &Checkpoint{}
	cp.Flag(FlagEmptyText)
	cp.Flag(FlagEmptyText)
	cp.Flag(FlagNoCompany)
	assert.Equal(t, []ReviewFlag{FlagEmptyText, FlagNoCompany}, cp.ReviewFlags)
	cp.Unflag(FlagEmptyText)
	assert.Equal(t, []ReviewFlag{FlagNoCompany}, cp.ReviewFlags)
}

func TestErrorKind(t *testing.T) {
	base := errors.New("disk full")
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&GeometryError{Reason: "zero area"}, KindGeometry},
		{fmt.Errorf("decode: %w", &InvalidImageError{Op: "decode", Err: base}), KindInvalidImage},
		{&OcrUnavailableError{Backend: "x"}, KindOcrUnavailable},
		{&InvalidQueryError{Reason: "topK"}, KindInvalidQuery},
		{fmt.Errorf("put: %w", &StorageError{Op: "put", Err: base}), KindStorage},
		{&IndexConsistencyError{IndexModel: "a", CurrentModel: "b"}, KindIndexConsistency},
		{fmt.Errorf("stage: %w", context.Canceled), KindCanceled},
		{base, KindInternal},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ErrorKind(tt.err), "%v", tt.err)
	}

	assert.True(t, Retryable(&StorageError{Op: "put", Err: base}))
	assert.False(t, Retryable(fmt.Errorf("put: %w", &StorageError{Op: "put", Err: base, Permanent: true})))
	assert.False(t, Retryable(&IndexConsistencyError{}))
	assert.ErrorIs(t, &StorageError{Op: "put", Err: base}, base)
	assert.Contains(t, (&IndexConsistencyError{IndexModel: "a", CurrentModel: "b"}).Error(), "rebuild index required")
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "short text", Snippet("  short \n text ", 40))
	long := "alpha beta gamma delta epsilon zeta eta theta"
	s := Snippet(long, 20)
	assert.LessOrEqual(t, len([]rune(s)), 21)
	assert.Equal(t, "alpha beta gamma…", s)
}
