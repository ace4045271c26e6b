package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	apperrors "github.com/mpalomar/dosewatch/internal/errors"
)

// Source provides the patient's currently active schedules.
type Source interface {
	ActiveSchedules(ctx context.Context, patientID string) ([]MedicineSchedule, error)
}

// Client fetches schedules from the remote schedule service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]MedicineSchedule]
	logger  *zap.Logger
}

// NewClient creates a schedule service client.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker[[]MedicineSchedule](gobreaker.Settings{
		Name:    "schedule-service",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		logger:  logger,
	}
}

// ActiveSchedules fetches the patient's schedules and filters out the ones
// whose window has fully elapsed. Invalid schedules are skipped, not fatal.
func (c *Client) ActiveSchedules(ctx context.Context, patientID string) ([]MedicineSchedule, error) {
	schedules, err := c.breaker.Execute(func() ([]MedicineSchedule, error) {
		return c.fetch(ctx, patientID)
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrScheduleFetch.Code, "schedule fetch failed")
	}

	now := time.Now()
	active := make([]MedicineSchedule, 0, len(schedules))
	for _, s := range schedules {
		if err := s.Validate(); err != nil {
			c.logger.Warn("Skipping invalid schedule",
				zap.String("schedule_id", s.ID),
				zap.Error(apperrors.Wrap(err, apperrors.ErrScheduleInvalid.Code, "schedule failed validation")),
			)
			continue
		}
		if !s.ActiveAt(now) {
			continue
		}
		active = append(active, s)
	}

	return active, nil
}

func (c *Client) fetch(ctx context.Context, patientID string) ([]MedicineSchedule, error) {
	url := fmt.Sprintf("%s/v1/patients/%s/schedules", c.baseURL, patientID)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("schedule service returned status %d", resp.StatusCode)
	}

	var payload struct {
		Schedules []MedicineSchedule `json:"schedules"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode schedules: %w", err)
	}

	return payload.Schedules, nil
}
