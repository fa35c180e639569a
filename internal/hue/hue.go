// Package hue controls Philips Hue lights through the bridge's local HTTP
// API. It implements actuator.Client with brightness as the parameter.
package hue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/banshee-data/radar.lights/internal/actuator"
	"github.com/banshee-data/radar.lights/internal/httputil"
)

// MaxBrightness is the largest "bri" value the bridge accepts.
const MaxBrightness = 254

// ErrBridge is wrapped by errors reported in a bridge response body.
var ErrBridge = errors.New("hue bridge error")

// BridgeError is one error entry of a bridge response.
type BridgeError struct {
	Type        int    `json:"type"`
	Address     string `json:"address"`
	Description string `json:"description"`
}

func (e BridgeError) Error() string {
	return fmt.Sprintf("%s (type %d, %s)", e.Description, e.Type, e.Address)
}

// Client talks to one bridge with one application username.
type Client struct {
	http     httputil.HTTPClient
	base     string
	username string
}

// NewClient returns a client for the bridge at bridgeURL ("http://host"). A
// bare host is accepted and gets the http scheme.
func NewClient(c httputil.HTTPClient, bridgeURL, username string) (*Client, error) {
	if !strings.Contains(bridgeURL, "://") {
		bridgeURL = "http://" + bridgeURL
	}
	u, err := url.Parse(bridgeURL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid bridge url %q", bridgeURL)
	}
	if username == "" {
		return nil, errors.New("bridge username is required")
	}
	return &Client{
		http:     c,
		base:     strings.TrimRight(u.String(), "/"),
		username: username,
	}, nil
}

func (c *Client) lightURL(lightID string) string {
	return fmt.Sprintf("%s/api/%s/lights/%s", c.base, url.PathEscape(c.username), url.PathEscape(lightID))
}

type lightResponse struct {
	State struct {
		On  bool `json:"on"`
		Bri *int `json:"bri"`
	} `json:"state"`
}

// GetState reads the on flag and brightness of a light.
func (c *Client) GetState(ctx context.Context, lightID string) (actuator.State, error) {
	body, err := httputil.DoJSON(ctx, c.http, http.MethodGet, c.lightURL(lightID), nil, nil)
	if err != nil {
		return actuator.State{}, err
	}
	// errors come back as a 200 with an array body
	if err := bridgeErrors(body); err != nil {
		return actuator.State{}, err
	}

	var lr lightResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return actuator.State{}, fmt.Errorf("decode light %s: %w", lightID, err)
	}
	s := actuator.State{On: &lr.State.On}
	if lr.State.Bri != nil {
		bri := *lr.State.Bri
		s.Parameter = &bri
	}
	return s, nil
}

type stateRequest struct {
	On  *bool `json:"on,omitempty"`
	Bri *int  `json:"bri,omitempty"`
}

// SetState sends the present fields of s in one request. Brightness is
// clamped to what the bridge accepts; the returned state is s as requested
// so the caller's cache matches its own targets.
func (c *Client) SetState(ctx context.Context, lightID string, s actuator.State) (actuator.State, error) {
	req := stateRequest{On: s.On}
	if s.Parameter != nil {
		bri := min(max(*s.Parameter, 0), MaxBrightness)
		req.Bri = &bri
	}
	if req.On == nil && req.Bri == nil {
		return s, nil
	}

	body, err := httputil.DoJSON(ctx, c.http, http.MethodPut, c.lightURL(lightID)+"/state", nil, req)
	if err != nil {
		return actuator.State{}, err
	}
	if err := bridgeErrors(body); err != nil {
		return actuator.State{}, err
	}
	return s, nil
}

// bridgeErrors returns the first error entry of an array response, if any.
// Object responses (a light's state) carry no errors.
func bridgeErrors(body []byte) error {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "[") {
		return nil
	}
	var entries []struct {
		Error *BridgeError `json:"error"`
	}
	if err := json.Unmarshal(body, &entries); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	for _, e := range entries {
		if e.Error != nil {
			return fmt.Errorf("%w: %v", ErrBridge, *e.Error)
		}
	}
	return nil
}
