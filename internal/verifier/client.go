package verifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result is the outcome of a 1:1 identity check.
type Result struct {
	StudentID  string  `json:"student_id"`
	Verified   bool    `json:"verified"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
}

// Client calls the identity verification microservice. The service itself
// (face matching, liveness) is opaque; redemption only consumes the
// verified/rejected result.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable skip mode for local development.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // biometric matching can take time
		},
	}
}

// Health pings the verification service.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("verifier unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("verifier unhealthy: %s", resp.Status)
	}
	return nil
}

// Check performs a 1:1 verification of the claimed student against the
// supplied proof and returns the full result.
func (c *Client) Check(ctx context.Context, studentID, proof string) (*Result, error) {
	if c.Skip {
		return &Result{StudentID: studentID, Verified: proof != "", Similarity: 0.95, Threshold: 0.5}, nil
	}
	if studentID == "" {
		return nil, fmt.Errorf("student id required")
	}
	if proof == "" {
		return &Result{StudentID: studentID, Verified: false}, nil
	}

	body, _ := json.Marshal(map[string]string{
		"student_id": studentID,
		"proof":      proof,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("verifier request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("verifier error %s: %s", resp.Status, string(bodyBytes))
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.StudentID == "" {
		out.StudentID = studentID
	}
	return &out, nil
}

// Verify adapts Check to the boolean gate the redemption path consumes.
func (c *Client) Verify(ctx context.Context, studentID, proof string) (bool, error) {
	res, err := c.Check(ctx, studentID, proof)
	if err != nil {
		return false, err
	}
	return res.Verified && res.StudentID == studentID, nil
}
