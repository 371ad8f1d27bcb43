package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"coldmail/models"
)

func stepRow(id uint, order int, stepType string) models.SequenceStep {
	return models.SequenceStep{
		Model:     gorm.Model{ID: id},
		StepOrder: order,
		StepType:  stepType,
		IsActive:  true,
	}
}

func emailRow(id uint, order int) models.SequenceStep {
	row := stepRow(id, order, models.StepTypeEmail)
	row.Subject = "Hi {{first_name}}"
	row.BodyHTML = "<p>Hi</p>"
	return row
}

func TestValidateStepsAcceptsLinearFlow(t *testing.T) {
	delay := stepRow(2, 2, models.StepTypeDelay)
	delay.DelayValue = 1
	delay.DelayUnit = "days"

	steps := []models.SequenceStep{emailRow(1, 1), delay, emailRow(3, 3)}
	assert.NoError(t, ValidateSteps(steps))
}

func TestValidateStepsAcceptsForwardBranch(t *testing.T) {
	hot := uint(4)
	cond := stepRow(2, 2, models.StepTypeCondition)
	cond.ConditionType = "opened"
	cond.TrueStepID = &hot

	steps := []models.SequenceStep{emailRow(1, 1), cond, emailRow(3, 3), emailRow(4, 4)}
	assert.NoError(t, ValidateSteps(steps))
}

func TestValidateStepsRejectsEmpty(t *testing.T) {
	require.ErrorIs(t, ValidateSteps(nil), ErrSequenceEmpty)

	inactive := emailRow(1, 1)
	inactive.IsActive = false
	assert.ErrorIs(t, ValidateSteps([]models.SequenceStep{inactive}), ErrSequenceEmpty)
}

func TestValidateStepsRejectsMissingBranchTarget(t *testing.T) {
	missing := uint(99)
	cond := stepRow(1, 1, models.StepTypeCondition)
	cond.ConditionType = "opened"
	cond.TrueStepID = &missing

	err := ValidateSteps([]models.SequenceStep{cond, emailRow(2, 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing or inactive")
}

func TestValidateStepsRejectsBackwardCycle(t *testing.T) {
	back := uint(1)
	cond := stepRow(2, 2, models.StepTypeCondition)
	cond.ConditionType = "opened"
	cond.TrueStepID = &back

	err := ValidateSteps([]models.SequenceStep{emailRow(1, 1), cond})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
}

func TestValidateStepsRejectsBadStep(t *testing.T) {
	bad := stepRow(1, 1, models.StepTypeEmail) // no subject, no template
	err := ValidateSteps([]models.SequenceStep{bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither subject nor template")
}
