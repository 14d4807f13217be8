// Package models defines the core data structures for MealReady.
//
// It includes types for meal plans, generation requests, generation outcomes,
// and the JSON envelope shared by the API handlers.
package models

import (
	"errors"
	"fmt"
)

// MealType identifies which meal slot a generation request targets.
type MealType string

const (
	MealTypeBreakfast MealType = "Breakfast"
	MealTypeLunch     MealType = "Lunch"
	MealTypeDinner    MealType = "Dinner"
	MealTypeSnack     MealType = "Snack"
	// MealTypeFullDay requests all four canonical slots for each day.
	MealTypeFullDay MealType = "Full Day"
)

// MealsPerFullDay is the number of canonical meal slots in a full-day plan
// (breakfast, lunch, dinner, snack).
const MealsPerFullDay = 4

// Validation constants for generation requests.
const (
	// MaxNumDays caps the number of days a single request may span.
	MaxNumDays = 7
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID     = errors.New("user id cannot be empty")
	ErrInvalidMealType = errors.New("invalid meal type")
	ErrInvalidNumDays  = errors.New("number of days must be at least 1")
	ErrTooManyDays     = errors.New("number of days exceeds maximum")
	ErrProRequired     = errors.New("pro subscription required for this feature")

	ErrAuthFailed    = errors.New("authentication failed")
	ErrInvalidFormat = errors.New("invalid response format")
	ErrTimeout       = errors.New("timeout")
	ErrPlanNotFound  = errors.New("plan not found")

	// ErrStaleState signals that an asynchronous update no longer matches the
	// session the store currently tracks. Updates carrying this error are
	// dropped silently rather than applied.
	ErrStaleState = errors.New("stale session state")

	ErrStateConflict        = errors.New("session cannot be generating and complete at once")
	ErrCompleteWithoutPlan  = errors.New("complete session must reference a plan id")
	ErrViewedBeforeComplete = errors.New("session cannot be viewed before it is complete")
)

// IsValidMealType checks if the given meal type is supported.
func IsValidMealType(mt MealType) bool {
	switch mt {
	case MealTypeBreakfast, MealTypeLunch, MealTypeDinner, MealTypeSnack, MealTypeFullDay:
		return true
	default:
		return false
	}
}

// ExpectedMealCount returns the number of meals a well-formed plan should
// contain for the given meal type and day count.
func ExpectedMealCount(mt MealType, numDays int) int {
	if mt == MealTypeFullDay {
		return MealsPerFullDay * numDays
	}
	return numDays
}

// Nutrition holds the macro profile for a meal or a set of targets.
type Nutrition struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
	Fiber    float64 `json:"fiber"`
	Sugar    float64 `json:"sugar"`
}

// Ingredient is a single ingredient line within a meal, optionally carrying
// its own macro breakdown as returned by the generation backend.
type Ingredient struct {
	Name     string     `json:"name"`
	Quantity string     `json:"quantity,omitempty"`
	Macros   *Nutrition `json:"macros,omitempty"`
}

// Meal is one generated meal with nutrition and preparation instructions.
type Meal struct {
	ID           string       `json:"id,omitempty"`
	Title        string       `json:"title"`
	MealType     MealType     `json:"meal_type,omitempty"` // set on full-day plans
	Nutrition    Nutrition    `json:"nutrition"`
	Ingredients  []Ingredient `json:"ingredients,omitempty"`
	Instructions string       `json:"instructions,omitempty"`
	ImageURL     string       `json:"image_url,omitempty"`
}

// MealPlan is an ordered set of meals produced by the generation backend.
type MealPlan struct {
	ID    string `json:"meal_plan_id,omitempty"`
	Meals []Meal `json:"meal_plan"`
}

// ValidateShape checks the plan against the expected meal count for the
// request that produced it. A full-day plan spanning N days must contain
// exactly 4xN meals; single-slot requests must contain one meal per day.
func (p *MealPlan) ValidateShape(mt MealType, numDays int) error {
	want := ExpectedMealCount(mt, numDays)
	if len(p.Meals) != want {
		return fmt.Errorf("plan has %d meals, expected %d for %s over %d day(s)", len(p.Meals), want, mt, numDays)
	}
	return nil
}

// GenerationRequest describes one meal plan generation attempt. The request
// itself is never persisted; only its effects on the session state are.
type GenerationRequest struct {
	UserID             string    `json:"user_id"`
	DietaryPreferences string    `json:"dietary_preferences"`
	MealType           MealType  `json:"meal_type"`
	NumDays            int       `json:"num_days"`
	Targets            Nutrition `json:"targets"`
	IsPro              bool      `json:"is_pro"`
	PantryIngredients  []string  `json:"pantry_ingredients,omitempty"`
}

// Validate performs precondition checks on a GenerationRequest. It must pass
// before any network call is issued; a violation aborts the attempt with no
// side effects.
func (r *GenerationRequest) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if !IsValidMealType(r.MealType) {
		return ErrInvalidMealType
	}
	if r.NumDays < 1 {
		return ErrInvalidNumDays
	}
	if r.NumDays > MaxNumDays {
		return ErrTooManyDays
	}
	// Multi-day and full-day plans are gated behind the pro tier.
	if !r.IsPro && (r.MealType == MealTypeFullDay || r.NumDays > 1) {
		return ErrProRequired
	}
	return nil
}

// OutcomeKind discriminates the variants of a GenerationOutcome.
type OutcomeKind string

const (
	// OutcomeImmediate means the generation endpoint returned a complete plan inline.
	OutcomeImmediate OutcomeKind = "immediate"
	// OutcomeBackground means the plan is being computed by a background task.
	OutcomeBackground OutcomeKind = "background"
	// OutcomeFailure means the attempt failed before a plan or task was obtained.
	OutcomeFailure OutcomeKind = "failure"
)

// GenerationOutcome is the tagged result of one generation attempt. Exactly
// the fields relevant to Kind are populated.
type GenerationOutcome struct {
	Kind   OutcomeKind `json:"kind"`
	Plan   *MealPlan   `json:"plan,omitempty"`    // immediate
	PlanID string      `json:"plan_id,omitempty"` // background
	TaskID string      `json:"task_id,omitempty"` // background
	Reason string      `json:"reason,omitempty"`  // failure
	Err    error       `json:"-"`                 // failure, for errors.Is at the call site
}

// ImmediateOutcome builds an outcome for an inline plan response.
func ImmediateOutcome(plan *MealPlan) GenerationOutcome {
	return GenerationOutcome{Kind: OutcomeImmediate, Plan: plan}
}

// BackgroundOutcome builds an outcome for a background-task response.
func BackgroundOutcome(planID, taskID string) GenerationOutcome {
	return GenerationOutcome{Kind: OutcomeBackground, PlanID: planID, TaskID: taskID}
}

// FailureOutcome builds a failure outcome from an error.
func FailureOutcome(err error) GenerationOutcome {
	return GenerationOutcome{Kind: OutcomeFailure, Reason: err.Error(), Err: err}
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusProcessing indicates the request was accepted and is being
	// computed in the background.
	APIStatusProcessing APIStatus = "processing"
)

// APIResponse is the JSON envelope returned by every MealReady endpoint.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Processing creates a response for a request handed off to a background task.
func Processing(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusProcessing), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
