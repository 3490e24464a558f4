// Package telemetry records calibration runs and diagnostic events as TWChart sessions
package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/calvinmclean/babyapi"
	"github.com/calvinmclean/twchart"
)

var errNoSession = errors.New("no open session")

// sessionResource is the shape the TWChart sessions API stores and returns
type sessionResource struct {
	babyapi.DefaultResource
	Session twchart.Session
}

// doneTime is the body of the done endpoint
type doneTime struct {
	Time time.Time `json:"time"`
}

// Client uploads one motor session to a TWChart server. A motor session carries no temperature
// data: calibration phases are recorded as stages and everything else as notes
type Client struct {
	sessions *babyapi.Client[*sessionResource]
	id       string
}

func NewClient(addr string) *Client {
	return &Client{sessions: babyapi.NewClient[*sessionResource](addr, "/sessions")}
}

// Open creates the session starting at start and keeps its ID for later uploads
func (c *Client) Open(ctx context.Context, name string, start time.Time) (string, error) {
	resp, err := c.sessions.Post(ctx, &sessionResource{
		Session: twchart.Session{
			Name:      name,
			Date:      start,
			StartTime: start,
		},
	})
	if err != nil {
		return "", fmt.Errorf("error creating session: %w", err)
	}

	c.id = resp.Data.GetID()
	return c.id, nil
}

// Stage starts a new stage. The server ends the previous one at the same time
func (c *Client) Stage(ctx context.Context, name string, at time.Time) error {
	return c.post(ctx, "add-stage", twchart.Stage{Name: name, Start: at})
}

func (c *Client) Note(ctx context.Context, note string, at time.Time) error {
	return c.post(ctx, "add-event", twchart.Event{Note: note, Time: at})
}

// Close ends the last stage
func (c *Client) Close(ctx context.Context, at time.Time) error {
	return c.post(ctx, "done", doneTime{Time: at})
}

// post sends one session part. The API answers 204 when it was stored
func (c *Client) post(ctx context.Context, part string, body any) error {
	if c.id == "" {
		return errNoSession
	}

	url, err := c.sessions.URL(c.id)
	if err != nil {
		return fmt.Errorf("error building %s URL: %w", part, err)
	}

	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("error encoding %s: %w", part, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/"+part, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("error creating %s request: %w", part, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.sessions.MakeGenericRequest(req, nil)
	if err != nil {
		return fmt.Errorf("error posting %s: %w", part, err)
	}
	if resp.Response.StatusCode != http.StatusNoContent {
		return fmt.Errorf("unexpected status code for %s: %d, response: %v", part, resp.Response.StatusCode, resp.Body)
	}
	return nil
}
