// Package testutil provides common test utilities and helpers for MealReady tests.
package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/grovli/mealready/internal/api"
	"github.com/grovli/mealready/internal/auth"
	"github.com/grovli/mealready/internal/generation"
	"github.com/grovli/mealready/internal/mealapi"
	"github.com/grovli/mealready/internal/models"
	"github.com/grovli/mealready/internal/notify"
	"github.com/grovli/mealready/internal/store"
)

// NewTestServer creates a test API server with in-memory dependencies and a
// generation client pointed at backendURL. The orchestrator is returned so
// tests can close it and subscribe to completion signals.
func NewTestServer(t testing.TB, backendURL string, notifyOpts ...notify.Option) (*api.Server, *generation.Orchestrator, store.Store) {
	t.Helper()
	st := store.NewInMemoryStore()
	client, err := mealapi.NewClient(
		mealapi.WithBaseURL(backendURL),
		mealapi.WithAuth(auth.StaticToken("test-token")),
	)
	if err != nil {
		t.Fatalf("failed to create test client: %v", err)
	}
	channel := notify.NewChannel(st, notifyOpts...)
	orch := generation.NewOrchestrator(st, client, channel)
	return api.NewServer(st, channel, orch), orch, st
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes JSON response and validates the status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Error("response missing or invalid 'status' field")
	}

	return response
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reqBody = bytes.NewBuffer(jsonData)
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
	}
	return req
}

// SampleMeal returns a plausible single meal for tests.
func SampleMeal(title string, mt models.MealType) models.Meal {
	return models.Meal{
		Title:    title,
		MealType: mt,
		Nutrition: models.Nutrition{
			Calories: 450,
			Protein:  32,
			Carbs:    40,
			Fat:      15,
			Fiber:    6,
			Sugar:    8,
		},
		Ingredients: []models.Ingredient{
			{Name: "eggs", Quantity: "3"},
			{Name: "spinach", Quantity: "1 cup"},
		},
		Instructions: "Whisk, fold, serve.",
	}
}

// SamplePlan returns a plan with the expected meal count for the given
// request shape.
func SamplePlan(planID string, mt models.MealType, numDays int) *models.MealPlan {
	count := models.ExpectedMealCount(mt, numDays)
	meals := make([]models.Meal, 0, count)
	slots := []models.MealType{models.MealTypeBreakfast, models.MealTypeLunch, models.MealTypeDinner, models.MealTypeSnack}
	for i := 0; i < count; i++ {
		slot := mt
		if mt == models.MealTypeFullDay {
			slot = slots[i%len(slots)]
		}
		meals = append(meals, SampleMeal(fmt.Sprintf("Meal %d", i+1), slot))
	}
	return &models.MealPlan{ID: planID, Meals: meals}
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
