// Package submit performs single submission attempts against the tally server and classifies
// the server's answer.
package submit

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

	"tally-sync/internal/models"
)

// Kind is the classified result of one attempt.
type Kind string

const (
	Success   Kind = "SUCCESS"
	Conflict  Kind = "CONFLICT"
	AuthBlock Kind = "AUTH_BLOCKED"
	Transient Kind = "TRANSIENT_FAILURE"
)

// DefaultConflictMessage is shown when the server rejects with 409 and no message of its own.
const DefaultConflictMessage = "La mesa ya fue escrutada. ¿Sobrescribir?"

// maxBody bounds how much of a response is read.
const maxBody = 1 << 20

// Result describes one attempt. Status is 0 when no HTTP response was received.
type Result struct {
	Kind    Kind
	Status  int
	Message string
	Err     error
}

// Client talks to the submission and mesa lookup endpoints.
type Client struct {
	httpClient *http.Client
	submitURL  string
	mesaURL    string
}

// NewClient builds a client. timeout bounds every attempt; a timed out attempt is Transient.
func NewClient(submitURL, mesaURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		submitURL:  submitURL,
		mesaURL:    mesaURL,
	}
}

type serverReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Attempt posts the payload once. It never returns an error: transport failures are
// classified as Transient with Err set.
func (c *Client) Attempt(ctx context.Context, payload map[string]any, credential string) Result {
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Kind: Transient, Err: fmt.Errorf("marshal payload: %w", err)}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.submitURL, bytes.NewReader(body))
	if err != nil {
		return Result{Kind: Transient, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if credential != "" {
		req.Header.Set("X-CSRFToken", credential)
		req.Header.Set("Authorization", "Bearer "+credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{Kind: Transient, Err: fmt.Errorf("post submission: %w", err)}
	}
	defer resp.Body.Close()

	var reply serverReply
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	_ = json.Unmarshal(raw, &reply)

	return Classify(resp.StatusCode, reply.Status, reply.Message)
}

// Classify maps an HTTP status and the server's "status"/"message" fields to a Result.
func Classify(code int, status, message string) Result {
	res := Result{Status: code, Message: message}
	switch {
	case code >= 200 && code < 300 && status == "ok":
		res.Kind = Success
	case code == http.StatusConflict:
		res.Kind = Conflict
		if res.Message == "" {
			res.Message = DefaultConflictMessage
		}
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		res.Kind = AuthBlock
	default:
		res.Kind = Transient
		if res.Message == "" {
			res.Message = fmt.Sprintf("HTTP %d", code)
		}
	}
	return res
}

// Describe renders the result for logs and diagnostics.
func (r Result) Describe() string {
	if r.Err != nil {
		return r.Err.Error()
	}
	if r.Message != "" {
		return r.Message
	}
	return fmt.Sprintf("HTTP %d", r.Status)
}

// ErrMesaNotFound is returned by LookupMesa on a 404.
var ErrMesaNotFound = errors.New("mesa no encontrada")

// LookupMesa resolves a station number to its school and circuit.
func (c *Client) LookupMesa(ctx context.Context, numero string) (models.MesaInfo, error) {
	u, err := url.Parse(c.mesaURL)
	if err != nil {
		return models.MesaInfo{}, fmt.Errorf("parse mesa url: %w", err)
	}
	q := u.Query()
	q.Set("numero_mesa", numero)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.MesaInfo{}, fmt.Errorf("build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return models.MesaInfo{}, fmt.Errorf("lookup mesa: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return models.MesaInfo{}, ErrMesaNotFound
	}
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode != http.StatusOK {
		var reply serverReply
		if json.Unmarshal(raw, &reply) == nil && reply.Error != "" {
			return models.MesaInfo{}, errors.New(reply.Error)
		}
		return models.MesaInfo{}, fmt.Errorf("lookup mesa: HTTP %d", resp.StatusCode)
	}
	var info models.MesaInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return models.MesaInfo{}, fmt.Errorf("decode mesa lookup: %w", err)
	}
	return info, nil
}
