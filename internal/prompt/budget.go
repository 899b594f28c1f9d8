package prompt

import (
	"strings"

	"github.com/ashureev/tutorloop/internal/domain"
)

// Response token budgets per complexity tier. Each is the tier's target word
// count converted to tokens plus a 20% margin.
const (
	BudgetSimple   = 240
	BudgetModerate = 480
	BudgetComplex  = 800
)

// ResponseBudget picks the max-token budget for an instructor reply. Difficulty
// decides when set; otherwise the teaching target word count does.
func ResponseBudget(act *domain.Activity) int {
	if act == nil {
		return BudgetModerate
	}
	switch strings.ToLower(strings.TrimSpace(act.Metadata.Difficulty)) {
	case domain.DifficultyBasic:
		return BudgetSimple
	case domain.DifficultyIntermediate:
		return BudgetModerate
	case domain.DifficultyAdvanced:
		return BudgetComplex
	}

	switch words := act.Teaching.TargetWords; {
	case words <= 0:
		return BudgetModerate
	case words <= 150:
		return BudgetSimple
	case words <= 300:
		return BudgetModerate
	default:
		return BudgetComplex
	}
}
