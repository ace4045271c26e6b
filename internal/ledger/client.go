// Package ledger talks to the remote confirmation ledger, the final
// arbiter of whether a dose earns points.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/mpalomar/dosewatch/internal/errors"
)

// Confirmer records a dose as taken and returns the points awarded.
type Confirmer interface {
	ConfirmDose(ctx context.Context, medicineItemID string, takenAt time.Time) (int, error)
}

// Client is the HTTP confirmation ledger client. Confirm calls are rate
// limited so a stuck retry loop cannot hammer the service, and wrapped in a
// circuit breaker like every other remote dependency.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[int]
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewClient creates a ledger client.
func NewClient(baseURL, token string, timeout time.Duration, logger *zap.Logger) *Client {
	breaker := gobreaker.NewCircuitBreaker[int](gobreaker.Settings{
		Name:    "confirmation-ledger",
		Timeout: 15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		// terminal rejections are answers, not outages
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			code := apperrors.GetCode(err)
			return code == apperrors.ErrConfirmExpired.Code || code == apperrors.ErrAlreadyConfirmed.Code
		},
	})

	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: timeout},
		breaker: breaker,
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 3),
		logger:  logger,
	}
}

type confirmRequest struct {
	MedicineItemID string `json:"medicineItemId"`
	TakenAt        string `json:"takenAt"`
}

type confirmResponse struct {
	PointsAwarded int    `json:"pointsAwarded"`
	Error         string `json:"error,omitempty"`
}

// ConfirmDose posts the confirmation. Terminal rejections come back as
// ErrConfirmExpired or ErrAlreadyConfirmed; anything retryable is wrapped
// as ErrConfirmTransient.
func (c *Client) ConfirmDose(ctx context.Context, medicineItemID string, takenAt time.Time) (int, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, apperrors.Wrap(err, apperrors.ErrConfirmTransient.Code, "rate limiter interrupted")
	}

	points, err := c.breaker.Execute(func() (int, error) {
		return c.post(ctx, medicineItemID, takenAt)
	})
	if err != nil {
		if appErr, ok := err.(*apperrors.AppError); ok {
			return 0, appErr
		}
		// breaker open, network failure, timeouts
		return 0, apperrors.Wrap(err, apperrors.ErrConfirmTransient.Code, "confirm call failed")
	}

	return points, nil
}

func (c *Client) post(ctx context.Context, medicineItemID string, takenAt time.Time) (int, error) {
	body, err := json.Marshal(confirmRequest{
		MedicineItemID: medicineItemID,
		TakenAt:        takenAt.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return 0, err
	}

	url := c.baseURL + "/v1/doses/confirm"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var decoded confirmResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode == http.StatusOK {
		return 0, fmt.Errorf("failed to decode ledger response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		c.logger.Info("Dose confirmed by ledger",
			zap.String("medicine_item_id", medicineItemID),
			zap.Int("points", decoded.PointsAwarded),
		)
		return decoded.PointsAwarded, nil
	case http.StatusGone, http.StatusNotFound:
		return 0, apperrors.New(apperrors.ErrConfirmExpired.Code, "ledger rejected confirmation: "+reason(decoded, resp.StatusCode))
	case http.StatusConflict:
		return 0, apperrors.New(apperrors.ErrAlreadyConfirmed.Code, "ledger rejected confirmation: "+reason(decoded, resp.StatusCode))
	default:
		return 0, apperrors.New(apperrors.ErrConfirmTransient.Code, "ledger returned status "+fmt.Sprint(resp.StatusCode))
	}
}

func reason(r confirmResponse, status int) string {
	if r.Error != "" {
		return r.Error
	}
	return fmt.Sprintf("status %d", status)
}
