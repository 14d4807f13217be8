// Package mealapi is the HTTP client for the external meal plan generation
// backend.
//
// The backend exposes two endpoints this pipeline depends on: POST /mealplan/
// which either returns a complete plan inline or hands the request to a
// background task, and GET /mealplan/by_id/{id} which returns a finished
// plan. Both require a bearer credential supplied by an auth.HeaderProvider.
package mealapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/grovli/mealready/internal/auth"
	"github.com/grovli/mealready/internal/models"
)

// DefaultRequestTimeout bounds a single HTTP call to the backend.
const DefaultRequestTimeout = 60 * time.Second

// Opts holds configuration options for the API client.
type Opts struct {
	BaseURL    string
	HTTPClient *http.Client
	Auth       auth.HeaderProvider
}

// Option defines a configuration option for the API client.
type Option func(*Opts)

// WithBaseURL sets the backend base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithHTTPClient overrides the HTTP client used for backend calls.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

// WithAuth sets the credential provider attached to every call.
func WithAuth(p auth.HeaderProvider) Option {
	return func(o *Opts) { o.Auth = p }
}

// Client talks to the meal plan generation backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authHdrs   auth.HeaderProvider
}

// NewClient creates a backend client. A base URL is required.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("meal plan API base URL must be provided")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid meal plan API base URL: %w", err)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: DefaultRequestTimeout}
	}
	slog.Debug("mealapi.NewClient created", "baseURL", cfg.BaseURL, "auth_set", cfg.Auth != nil)
	return &Client{baseURL: cfg.BaseURL, httpClient: cfg.HTTPClient, authHdrs: cfg.Auth}, nil
}

// generatePayload is the wire shape of the generation request body.
type generatePayload struct {
	DietaryPreferences string   `json:"dietary_preferences"`
	MealType           string   `json:"meal_type"`
	NumDays            int      `json:"num_days"`
	Calories           float64  `json:"calories"`
	Protein            float64  `json:"protein"`
	Carbs              float64  `json:"carbs"`
	Fat                float64  `json:"fat"`
	Fiber              float64  `json:"fiber"`
	Sugar              float64  `json:"sugar"`
	PantryIngredients  []string `json:"pantry_ingredients,omitempty"`
}

// GenerateResponse is the raw backend response to a generation request.
// Exactly one of the two shapes is populated: an inline MealPlan, or a
// processing status with a plan ID (and optionally a request hash used as
// the background task identifier).
type GenerateResponse struct {
	MealPlan    []models.Meal `json:"meal_plan,omitempty"`
	Cached      bool          `json:"cached,omitempty"`
	Status      string        `json:"status,omitempty"`
	MealPlanID  string        `json:"meal_plan_id,omitempty"`
	RequestHash string        `json:"request_hash,omitempty"`
}

// TaskID returns the identifier to track the background task by: the request
// hash when the backend supplies one, otherwise the plan ID.
func (r *GenerateResponse) TaskID() string {
	if r.RequestHash != "" {
		return r.RequestHash
	}
	return r.MealPlanID
}

// Generate submits a generation request. The caller classifies the response;
// this method only moves bytes and reports transport, auth, and decode
// failures.
func (c *Client) Generate(ctx context.Context, req models.GenerationRequest) (*GenerateResponse, error) {
	payload := generatePayload{
		DietaryPreferences: req.DietaryPreferences,
		MealType:           string(req.MealType),
		NumDays:            req.NumDays,
		Calories:           req.Targets.Calories,
		Protein:            req.Targets.Protein,
		Carbs:              req.Targets.Carbs,
		Fat:                req.Targets.Fat,
		Fiber:              req.Targets.Fiber,
		Sugar:              req.Targets.Sugar,
		PantryIngredients:  req.PantryIngredients,
	}
	var resp GenerateResponse
	if err := c.post(ctx, "/mealplan/", payload, &resp); err != nil {
		return nil, err
	}
	slog.Debug("mealapi.Generate response", "inline_meals", len(resp.MealPlan), "status", resp.Status, "planID", resp.MealPlanID)
	return &resp, nil
}

// PlanResponse is the backend response to a plan fetch.
type PlanResponse struct {
	MealPlan []models.Meal `json:"meal_plan"`
}

// PlanByID fetches a finished plan. A 404 or an empty plan body surfaces as
// models.ErrPlanNotFound.
func (c *Client) PlanByID(ctx context.Context, planID string) (*models.MealPlan, error) {
	if planID == "" {
		return nil, models.ErrPlanNotFound
	}
	var resp PlanResponse
	err := c.get(ctx, "/mealplan/by_id/"+url.PathEscape(planID), &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.MealPlan) == 0 {
		slog.Warn("mealapi.PlanByID: empty plan body", "planID", planID)
		return nil, models.ErrPlanNotFound
	}
	return &models.MealPlan{ID: planID, Meals: resp.MealPlan}, nil
}

func (c *Client) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	if c.authHdrs != nil {
		hdrs, err := c.authHdrs(req.Context())
		if err != nil {
			return fmt.Errorf("%w: %v", models.ErrAuthFailed, err)
		}
		for key, values := range hdrs {
			for _, v := range values {
				req.Header.Add(key, v)
			}
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("meal plan API request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return models.ErrPlanNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: backend returned HTTP %d", models.ErrAuthFailed, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("meal plan API returned HTTP %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidFormat, err)
	}
	return nil
}
