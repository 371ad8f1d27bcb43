package engine

import (
	"fmt"

	"coldmail/models"
)

// ValidateSteps checks a sequence's steps before they are saved: every
// active step must build into its typed variant, branch references must
// point at active steps, and the step graph must be acyclic so an
// enrollment always terminates.
func ValidateSteps(steps []models.SequenceStep) error {
	active := activeSteps(steps)
	if len(active) == 0 {
		return ErrSequenceEmpty
	}

	byID := map[uint]int{}
	for i := range active {
		byID[active[i].ID] = i
	}

	for i := range active {
		row := &active[i]
		if _, err := buildStep(row); err != nil {
			return err
		}
		for _, ref := range []*uint{row.TrueStepID, row.FalseStepID} {
			if ref == nil {
				continue
			}
			if _, ok := byID[*ref]; !ok {
				return fmt.Errorf("step %d branches to missing or inactive step %d", row.ID, *ref)
			}
		}
	}

	return checkAcyclic(active, byID)
}

// checkAcyclic walks the graph formed by fall-through order and condition
// branches. Colors: 0 unvisited, 1 on the current path, 2 done.
func checkAcyclic(active []models.SequenceStep, byID map[uint]int) error {
	color := make([]int, len(active))

	var visit func(i int) error
	visit = func(i int) error {
		switch color[i] {
		case 1:
			return fmt.Errorf("step %d is part of a cycle", active[i].ID)
		case 2:
			return nil
		}
		color[i] = 1

		row := &active[i]
		var next []int
		if row.StepType == models.StepTypeCondition {
			for _, ref := range []*uint{row.TrueStepID, row.FalseStepID} {
				if ref != nil {
					next = append(next, byID[*ref])
				} else if after := stepAfter(active, row.StepOrder); after != nil {
					next = append(next, byID[after.ID])
				}
			}
		} else if after := stepAfter(active, row.StepOrder); after != nil {
			next = append(next, byID[after.ID])
		}

		for _, j := range next {
			if err := visit(j); err != nil {
				return err
			}
		}
		color[i] = 2
		return nil
	}

	for i := range active {
		if err := visit(i); err != nil {
			return err
		}
	}
	return nil
}
