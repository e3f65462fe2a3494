package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type WristbandRegistration struct {
	UID     string `json:"uid"`
	Auth0   int    `json:"auth0"`
	CMAC    bool   `json:"cmac"`
	BatchID string `json:"batch_id,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

func registerWristband(endpoint, token string, reg WristbandRegistration) (string, error) {
	payload, err := json.Marshal(reg)
	if err != nil {
		return "", fmt.Errorf("marshal registration: %w", err)
	}

	req, err := http.NewRequest("POST", endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	requestID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-ID", requestID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return requestID, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return requestID, fmt.Errorf("API returned non-2xx status: %d %s", resp.StatusCode, resp.Status)
	}

	return requestID, nil
}
