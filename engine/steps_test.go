package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coldmail/models"
)

func TestBuildStepVariants(t *testing.T) {
	tmplID := uint(5)
	tagID := uint(9)

	tests := []struct {
		name string
		row  models.SequenceStep
		want string
	}{
		{"email inline", models.SequenceStep{StepType: models.StepTypeEmail, Subject: "Hi"}, models.StepTypeEmail},
		{"email from template", models.SequenceStep{StepType: models.StepTypeEmail, TemplateID: &tmplID}, models.StepTypeEmail},
		{"delay", models.SequenceStep{StepType: models.StepTypeDelay, DelayValue: 2, DelayUnit: "hours"}, models.StepTypeDelay},
		{"condition", models.SequenceStep{StepType: models.StepTypeCondition, ConditionType: "opened"}, models.StepTypeCondition},
		{"tag", models.SequenceStep{StepType: models.StepTypeTag, TagAction: "add", TagID: &tagID}, models.StepTypeTag},
		{"webhook", models.SequenceStep{StepType: models.StepTypeWebhook, WebhookURL: "https://example.com"}, models.StepTypeWebhook},
		{"task", models.SequenceStep{StepType: models.StepTypeTask, TaskTitle: "Call them"}, models.StepTypeTask},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			step, err := buildStep(&tt.row)
			require.NoError(t, err)
			assert.Equal(t, tt.want, step.Type())
		})
	}
}

func TestBuildStepRejectsBadRows(t *testing.T) {
	tests := []struct {
		name string
		row  models.SequenceStep
	}{
		{"unknown type", models.SequenceStep{StepType: "carrier_pigeon"}},
		{"email without content", models.SequenceStep{StepType: models.StepTypeEmail}},
		{"delay without value", models.SequenceStep{StepType: models.StepTypeDelay, DelayUnit: "hours"}},
		{"delay bad unit", models.SequenceStep{StepType: models.StepTypeDelay, DelayValue: 1, DelayUnit: "fortnights"}},
		{"condition without type", models.SequenceStep{StepType: models.StepTypeCondition}},
		{"tag without tag", models.SequenceStep{StepType: models.StepTypeTag, TagAction: "add"}},
		{"tag bad action", models.SequenceStep{StepType: models.StepTypeTag, TagAction: "toggle", TagID: new(uint)}},
		{"webhook without url", models.SequenceStep{StepType: models.StepTypeWebhook}},
		{"task without title", models.SequenceStep{StepType: models.StepTypeTask}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := buildStep(&tt.row)
			assert.Error(t, err)
		})
	}
}

func TestBuildStepWebhookDefaultsToPost(t *testing.T) {
	step, err := buildStep(&models.SequenceStep{StepType: models.StepTypeWebhook, WebhookURL: "https://example.com"})
	require.NoError(t, err)
	assert.Equal(t, "POST", step.(WebhookStep).Method)
}

func TestDelayDuration(t *testing.T) {
	tests := []struct {
		value int
		unit  string
		want  time.Duration
	}{
		{30, "minutes", 30 * time.Minute},
		{2, "hours", 2 * time.Hour},
		{3, "days", 72 * time.Hour},
	}
	for _, tt := range tests {
		got, err := delayDuration(tt.value, tt.unit)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestCompareCount(t *testing.T) {
	tests := []struct {
		count    int
		operator string
		value    float64
		want     bool
	}{
		{3, "gt", 2, true},
		{3, "gt", 3, false},
		{3, "gte", 3, true},
		{1, "lt", 2, true},
		{2, "lte", 2, true},
		{2, "eq", 2, true},
		{2, "eq", 3, false},
	}
	for _, tt := range tests {
		got, err := compareCount(tt.count, tt.operator, tt.value)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%d %s %v", tt.count, tt.operator, tt.value)
	}

	_, err := compareCount(1, "like", 1)
	assert.Error(t, err)
}

func TestEvalConditionAgainstEnrollment(t *testing.T) {
	store := newMemStore()
	e := NewSequenceEngine(store, &fakeMailer{}, fakeRenderer{}, &fakeWebhook{}, nil)

	contact := store.addContact(&models.Contact{Email: "x@example.com", IsActive: true, Score: 75})
	tagID := uint(3)
	require.NoError(t, store.AddContactTag(contact.ID, tagID))

	enr := &models.SequenceEnrollment{OpenCount: 2, EmailsSent: 3}

	tests := []struct {
		name string
		step ConditionStep
		want bool
	}{
		{"opened", ConditionStep{Condition: "opened"}, true},
		{"clicked", ConditionStep{Condition: "clicked"}, false},
		{"replied", ConditionStep{Condition: "replied"}, false},
		{"score above", ConditionStep{Condition: "score_above", Value: 50}, true},
		{"score below", ConditionStep{Condition: "score_below", Value: 50}, false},
		{"has tag", ConditionStep{Condition: "has_tag", TagID: &tagID}, true},
		{"email count", ConditionStep{Condition: "email_count", Operator: "gte", Value: 3}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.evalCondition(store, enr, contact, tt.step)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := e.evalCondition(store, enr, contact, ConditionStep{Condition: "phase_of_moon"})
	assert.Error(t, err)
}
