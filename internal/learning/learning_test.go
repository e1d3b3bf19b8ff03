package learning

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pipemend-io/pipemend/internal/issues"
)

func TestFeedbackImpact(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	now := time.Now().UTC()

	tests := []struct {
		name     string
		feedback Feedback
		want     float64
	}{
		{
			name: "fresh manual data quality",
			feedback: Feedback{
				Kind:       FeedbackManual,
				Confidence: 1.0,
				Category:   issues.CategoryDataQuality,
				CreatedAt:  now,
			},
			want: 0.7 * 1.2,
		},
		{
			name: "hesitant automatic pipeline",
			feedback: Feedback{
				Kind:       FeedbackAutomatic,
				Confidence: 0.5,
				Category:   issues.CategoryPipeline,
				CreatedAt:  now,
			},
			want: 0.2 * 0.5 * 0.8,
		},
		{
			name: "resolution decays after a month",
			feedback: Feedback{
				Kind:       FeedbackResolution,
				Confidence: 1.0,
				Category:   issues.CategorySystem,
				CreatedAt:  now.Add(-30 * 24 * time.Hour),
			},
			want: 0.5 * 0.9,
		},
		{
			name: "inferred decays twice after two months",
			feedback: Feedback{
				Kind:       FeedbackInferred,
				Confidence: 1.0,
				CreatedAt:  now.Add(-60 * 24 * time.Hour),
			},
			want: 0.3 * 0.81,
		},
		{
			name: "clock skew never amplifies impact",
			feedback: Feedback{
				Kind:       FeedbackManual,
				Confidence: 1.0,
				CreatedAt:  now.Add(time.Hour),
			},
			want: 0.7,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, tt.feedback.Impact(now), 1e-9)
		})
	}
}

func TestFeedbackValidate(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	valid := Feedback{
		ActionID:   "act-1",
		Kind:       FeedbackManual,
		Confidence: 0.9,
	}
	assert.NoError(t, valid.Validate())

	tests := []struct {
		name   string
		mutate func(f *Feedback)
	}{
		{"unknown kind", func(f *Feedback) { f.Kind = "vibes" }},
		{"missing action", func(f *Feedback) { f.ActionID = "" }},
		{"confidence below zero", func(f *Feedback) { f.Confidence = -0.1 }},
		{"confidence above one", func(f *Feedback) { f.Confidence = 1.5 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			feedback := valid
			tt.mutate(&feedback)
			assert.ErrorIs(t, feedback.Validate(), ErrInvalidFeedback)
		})
	}
}

func TestFeedbackKindIsValid(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	for _, kind := range []FeedbackKind{FeedbackAutomatic, FeedbackResolution, FeedbackManual, FeedbackInferred} {
		assert.True(t, kind.IsValid(), kind)
	}

	assert.False(t, FeedbackKind("").IsValid())
	assert.False(t, FeedbackKind("gut_feeling").IsValid())
}
