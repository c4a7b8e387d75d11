package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"blockbatch/crypto"
	"blockbatch/gateway/auth"
)

var (
	clientNow       = time.Now
	clientHTTP      = &http.Client{Timeout: 30 * time.Second}
	newRequestNonce = uuid.NewString
)

// apiError mirrors the daemon's error envelope.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type client struct {
	baseURL string
	key     *crypto.PrivateKey
	token   string
}

func newClient(server string, key *crypto.PrivateKey, token string) *client {
	return &client{baseURL: strings.TrimRight(strings.TrimSpace(server), "/"), key: key, token: strings.TrimSpace(token)}
}

// call issues a request and returns the raw response body. Requests are
// signed whenever the client holds a key.
func (c *client) call(method, path string, payload interface{}) ([]byte, error) {
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = encoded
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.key != nil {
		if err := auth.SignRequest(req, body, c.key, clientNow(), newRequestNonce()); err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := clientHTTP.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		apiErr := &apiError{Status: resp.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(raw))}
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error.Code != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return nil, apiErr
	}
	return raw, nil
}
