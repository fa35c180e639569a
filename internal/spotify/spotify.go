// Package spotify sets playback volume through the Spotify Web API. It
// implements actuator.Client with the volume percentage as the parameter;
// the player has no on/off axis.
package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/banshee-data/radar.lights/internal/actuator"
	"github.com/banshee-data/radar.lights/internal/httputil"
)

// DefaultBaseURL is the Web API root.
const DefaultBaseURL = "https://api.spotify.com/v1"

// ErrNoActivePlayer is returned when the account has no active device.
var ErrNoActivePlayer = errors.New("no active spotify player")

// Client sets volume with a pre-issued OAuth access token. Token refresh is
// left to whoever provisions the token.
type Client struct {
	http  httputil.HTTPClient
	base  string
	token string
}

// NewClient returns a client for baseURL (DefaultBaseURL when empty).
func NewClient(c httputil.HTTPClient, baseURL, token string) (*Client, error) {
	if token == "" {
		return nil, errors.New("spotify access token is required")
	}
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{http: c, base: strings.TrimRight(baseURL, "/"), token: token}, nil
}

func (c *Client) header() http.Header {
	return http.Header{"Authorization": []string{"Bearer " + c.token}}
}

// SetState sets the volume to s.Parameter percent on deviceID, or on the
// active device when deviceID is empty. The on flag is ignored.
func (c *Client) SetState(ctx context.Context, deviceID string, s actuator.State) (actuator.State, error) {
	if s.Parameter == nil {
		return actuator.State{}, nil
	}
	volume := min(max(*s.Parameter, 0), 100)

	q := url.Values{}
	q.Set("volume_percent", strconv.Itoa(volume))
	if deviceID != "" {
		q.Set("device_id", deviceID)
	}
	u := c.base + "/me/player/volume?" + q.Encode()
	if _, err := httputil.DoJSON(ctx, c.http, http.MethodPut, u, c.header(), nil); err != nil {
		return actuator.State{}, fmt.Errorf("set volume: %w", err)
	}
	return actuator.At(*s.Parameter), nil
}

type playerResponse struct {
	Device struct {
		ID            string `json:"id"`
		VolumePercent *int   `json:"volume_percent"`
	} `json:"device"`
}

// GetState reads the volume of the active device.
func (c *Client) GetState(ctx context.Context, deviceID string) (actuator.State, error) {
	body, err := httputil.DoJSON(ctx, c.http, http.MethodGet, c.base+"/me/player", c.header(), nil)
	if err != nil {
		return actuator.State{}, fmt.Errorf("read player: %w", err)
	}
	// 204 with an empty body means nothing is playing anywhere
	if len(strings.TrimSpace(string(body))) == 0 {
		return actuator.State{}, ErrNoActivePlayer
	}

	var pr playerResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return actuator.State{}, fmt.Errorf("decode player: %w", err)
	}
	if deviceID != "" && pr.Device.ID != deviceID {
		return actuator.State{}, fmt.Errorf("%w: device %s is not the active player", ErrNoActivePlayer, deviceID)
	}
	return actuator.State{Parameter: pr.Device.VolumePercent}, nil
}
