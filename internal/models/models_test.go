package models

import (
	"errors"
	"testing"
)

func validRequest() GenerationRequest {
	return GenerationRequest{
		UserID:   "user-1",
		MealType: MealTypeBreakfast,
		NumDays:  1,
		Targets:  Nutrition{Calories: 2000, Protein: 150},
	}
}

func TestGenerationRequestValidate(t *testing.T) {
	req := validRequest()
	if err := req.Validate(); err != nil {
		t.Fatalf("expected valid request, got %v", err)
	}
}

func TestGenerationRequestValidateEmptyUserID(t *testing.T) {
	req := validRequest()
	req.UserID = ""
	if err := req.Validate(); !errors.Is(err, ErrEmptyUserID) {
		t.Errorf("expected ErrEmptyUserID, got %v", err)
	}
}

func TestGenerationRequestValidateMealType(t *testing.T) {
	req := validRequest()
	req.MealType = "Brunch"
	if err := req.Validate(); !errors.Is(err, ErrInvalidMealType) {
		t.Errorf("expected ErrInvalidMealType, got %v", err)
	}
}

func TestGenerationRequestValidateNumDays(t *testing.T) {
	req := validRequest()
	req.NumDays = 0
	if err := req.Validate(); !errors.Is(err, ErrInvalidNumDays) {
		t.Errorf("expected ErrInvalidNumDays for 0 days, got %v", err)
	}

	req = validRequest()
	req.IsPro = true
	req.NumDays = MaxNumDays + 1
	if err := req.Validate(); !errors.Is(err, ErrTooManyDays) {
		t.Errorf("expected ErrTooManyDays, got %v", err)
	}
}

func TestGenerationRequestProGate(t *testing.T) {
	// Full-day plans require pro.
	req := validRequest()
	req.MealType = MealTypeFullDay
	if err := req.Validate(); !errors.Is(err, ErrProRequired) {
		t.Errorf("expected ErrProRequired for full day without pro, got %v", err)
	}

	// Multi-day plans require pro.
	req = validRequest()
	req.NumDays = 3
	if err := req.Validate(); !errors.Is(err, ErrProRequired) {
		t.Errorf("expected ErrProRequired for multi-day without pro, got %v", err)
	}

	// Pro users pass both gates.
	req = validRequest()
	req.MealType = MealTypeFullDay
	req.NumDays = 3
	req.IsPro = true
	if err := req.Validate(); err != nil {
		t.Errorf("expected pro request to validate, got %v", err)
	}
}

func TestExpectedMealCount(t *testing.T) {
	if got := ExpectedMealCount(MealTypeBreakfast, 1); got != 1 {
		t.Errorf("breakfast x1: expected 1, got %d", got)
	}
	if got := ExpectedMealCount(MealTypeDinner, 5); got != 5 {
		t.Errorf("dinner x5: expected 5, got %d", got)
	}
	if got := ExpectedMealCount(MealTypeFullDay, 2); got != 8 {
		t.Errorf("full day x2: expected 8, got %d", got)
	}
}

func TestMealPlanValidateShape(t *testing.T) {
	plan := &MealPlan{ID: "mp1", Meals: make([]Meal, 8)}
	if err := plan.ValidateShape(MealTypeFullDay, 2); err != nil {
		t.Errorf("expected 8 meals to satisfy full day x2, got %v", err)
	}
	if err := plan.ValidateShape(MealTypeFullDay, 3); err == nil {
		t.Error("expected shape error for full day x3 with 8 meals")
	}
	if err := plan.ValidateShape(MealTypeLunch, 8); err != nil {
		t.Errorf("expected 8 meals to satisfy lunch x8, got %v", err)
	}
}

func TestGenerationOutcomeConstructors(t *testing.T) {
	plan := &MealPlan{ID: "mp1"}
	out := ImmediateOutcome(plan)
	if out.Kind != OutcomeImmediate || out.Plan != plan {
		t.Errorf("unexpected immediate outcome: %+v", out)
	}

	out = BackgroundOutcome("mp2", "task-9")
	if out.Kind != OutcomeBackground || out.PlanID != "mp2" || out.TaskID != "task-9" {
		t.Errorf("unexpected background outcome: %+v", out)
	}

	out = FailureOutcome(ErrProRequired)
	if out.Kind != OutcomeFailure || !errors.Is(out.Err, ErrProRequired) {
		t.Errorf("unexpected failure outcome: %+v", out)
	}
	if out.Reason == "" {
		t.Error("failure outcome should carry a reason string")
	}
}

func TestSessionStateValidate(t *testing.T) {
	var s GenerationSessionState
	if err := s.Validate(); err != nil {
		t.Errorf("zero state should validate, got %v", err)
	}

	s = GenerationSessionState{IsGenerating: true, IsComplete: true, CurrentPlanID: "mp1"}
	if err := s.Validate(); !errors.Is(err, ErrStateConflict) {
		t.Errorf("expected ErrStateConflict, got %v", err)
	}

	s = GenerationSessionState{IsComplete: true}
	if err := s.Validate(); !errors.Is(err, ErrCompleteWithoutPlan) {
		t.Errorf("expected ErrCompleteWithoutPlan, got %v", err)
	}

	s = GenerationSessionState{HasBeenViewed: true}
	if err := s.Validate(); !errors.Is(err, ErrViewedBeforeComplete) {
		t.Errorf("expected ErrViewedBeforeComplete, got %v", err)
	}

	s = GenerationSessionState{IsComplete: true, HasBeenViewed: true, CurrentPlanID: "mp1"}
	if err := s.Validate(); err != nil {
		t.Errorf("viewed complete session should validate, got %v", err)
	}
}
