package surface

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/eachlabs/kbridge/internal/coordinator"
	"github.com/eachlabs/kbridge/internal/session"
)

// API calls the plain HTTP routes of a running kbridge.
type API struct {
	Base  string
	Token string
	HTTP  *http.Client
}

// NewAPI creates an API client for base (http://host:port).
func NewAPI(base, token string) *API {
	return &API{
		Base:  strings.TrimSuffix(base, "/"),
		Token: token,
		HTTP:  &http.Client{Timeout: 10 * time.Second},
	}
}

// PutExtraction stores an extraction in the session slot.
func (a *API) PutExtraction(ctx context.Context, title, text string) error {
	body, err := json.Marshal(map[string]string{"title": title, "textContent": text})
	if err != nil {
		return err
	}
	return a.do(ctx, http.MethodPut, "/extraction", body, nil)
}

// GetExtraction reads the session slot.
func (a *API) GetExtraction(ctx context.Context) (session.Extraction, error) {
	var e session.Extraction
	err := a.do(ctx, http.MethodGet, "/extraction", nil, &e)
	return e, err
}

// ClearExtraction empties the session slot.
func (a *API) ClearExtraction(ctx context.Context) error {
	return a.do(ctx, http.MethodDelete, "/extraction", nil, nil)
}

// Status returns the coordinator snapshot.
func (a *API) Status(ctx context.Context) (coordinator.Snapshot, error) {
	var s coordinator.Snapshot
	err := a.do(ctx, http.MethodGet, "/status", nil, &s)
	return s, err
}

func (a *API) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, a.Base+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.Token)
	}

	resp, err := a.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if e.Error == "" {
			e.Error = resp.Status
		}
		return fmt.Errorf("%s %s: %s", method, path, e.Error)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
