// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package backend is the HTTP client for the remote prayer-log API. The sync
// core treats the backend as an opaque request/response collaborator; all
// calls here map one-to-one onto its endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// RecordFields is the domain payload pushed to and pulled from the backend.
type RecordFields struct {
	EntryDate  string    `json:"entry_date"`
	RangeStart int       `json:"range_start"`
	RangeEnd   int       `json:"range_end"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RemoteRecord is one record as the backend stores it.
type RemoteRecord struct {
	RemoteID   string    `json:"remote_id"`
	OwnerID    string    `json:"owner_id"`
	EntryDate  string    `json:"entry_date"`
	RangeStart int       `json:"range_start"`
	RangeEnd   int       `json:"range_end"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Client talks JSON over HTTP to the backend. Token is optional; when set it
// is called per request and its result sent as a bearer token.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Token   func(ctx context.Context) (string, error)
}

func NewClient(baseURL string, tok func(ctx context.Context) (string, error)) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 30 * time.Second},
		Token:   tok,
	}
}

type registerRequest struct {
	DeviceID      string `json:"device_id"`
	SessionUserID string `json:"session_user_id,omitempty"`
}

type registerResponse struct {
	UserID string `json:"user_id"`
}

// RegisterOrGetUser performs the idempotent user upsert keyed by device id.
// Calling twice returns the same id.
func (c *Client) RegisterOrGetUser(ctx context.Context, deviceID, sessionUserID string) (string, error) {
	var resp registerResponse
	err := c.do(ctx, http.MethodPost, "/v1/users/register",
		registerRequest{DeviceID: deviceID, SessionUserID: sessionUserID}, &resp)
	if err != nil {
		return "", err
	}
	if resp.UserID == "" {
		return "", fmt.Errorf("register returned empty user id")
	}
	return resp.UserID, nil
}

type createRecordRequest struct {
	OwnerID string `json:"owner_id"`
	RecordFields
}

type createRecordResponse struct {
	RemoteID  string    `json:"remote_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateRecord creates a record remotely and returns its assigned remote id.
func (c *Client) CreateRecord(ctx context.Context, ownerID string, fields RecordFields) (string, time.Time, error) {
	var resp createRecordResponse
	err := c.do(ctx, http.MethodPost, "/v1/records",
		createRecordRequest{OwnerID: ownerID, RecordFields: fields}, &resp)
	if err != nil {
		return "", time.Time{}, err
	}
	return resp.RemoteID, resp.UpdatedAt, nil
}

type updateRecordResponse struct {
	UpdatedAt time.Time `json:"updated_at"`
}

// UpdateRecord replaces the fields of an existing remote record.
func (c *Client) UpdateRecord(ctx context.Context, remoteID string, fields RecordFields) (time.Time, error) {
	var resp updateRecordResponse
	err := c.do(ctx, http.MethodPut, "/v1/records/"+url.PathEscape(remoteID), fields, &resp)
	if err != nil {
		return time.Time{}, err
	}
	return resp.UpdatedAt, nil
}

// DeleteRecord removes a remote record. A 404 counts as success so retried
// deletes stay idempotent.
func (c *Client) DeleteRecord(ctx context.Context, remoteID string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/records/"+url.PathEscape(remoteID), nil, nil)
	var re *RemoteError
	if errors.As(err, &re) && re.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}

type listRecordsResponse struct {
	Records []RemoteRecord `json:"records"`
}

// ListRecordsSince fetches records for ownerID updated at or after since,
// ascending by update time.
func (c *Client) ListRecordsSince(ctx context.Context, ownerID string, since time.Time) ([]RemoteRecord, error) {
	q := url.Values{}
	q.Set("owner_id", ownerID)
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	var resp listRecordsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/records?"+q.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

type anonymizeRequest struct {
	DeviceID string `json:"device_id"`
}

// AnonymizeUserData irreversibly wipes all server-side data tied to the
// device id. Used only by the data-deletion flow.
func (c *Client) AnonymizeUserData(ctx context.Context, deviceID string) error {
	return c.do(ctx, http.MethodPost, "/v1/users/anonymize", anonymizeRequest{DeviceID: deviceID}, nil)
}

// do sends one JSON request and decodes the response into out (when non-nil).
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return fmt.Errorf("failed to get auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w (status %d)", ErrUnauthorized, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &RemoteError{StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
