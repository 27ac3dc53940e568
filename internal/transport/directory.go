package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"

	"github.com/ooni/minispeed/internal/model"
)

type tokenRecord struct {
	Token string `json:"token"`
}

// FetchToken implements [model.Directory].
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	var rec tokenRecord
	if err := c.FetchObject(ctx, http.MethodPost, c.Endpoints.Token, "", &rec); err != nil {
		return "", err
	}
	if rec.Token == "" {
		return "", fmt.Errorf("%w: empty token", model.ErrTransport)
	}
	return rec.Token, nil
}

// FetchIPInfo implements [model.Directory].
func (c *Client) FetchIPInfo(ctx context.Context) (*model.IPInfo, error) {
	info := &model.IPInfo{}
	if err := c.FetchObject(ctx, http.MethodGet, c.Endpoints.IPInfo, "", info); err != nil {
		return nil, err
	}
	return info, nil
}

// serverRecord is an entry of the server list. Some deployments use
// lat/lon instead of latitude/longitude.
type serverRecord struct {
	URL       string   `json:"url"`
	Provider  string   `json:"provider"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
}

func (r *serverRecord) candidate() model.ServerCandidate {
	return model.ServerCandidate{
		URL:       r.URL,
		Provider:  r.Provider,
		Latitude:  firstOrNaN(r.Latitude, r.Lat),
		Longitude: firstOrNaN(r.Longitude, r.Lon),
	}
}

func firstOrNaN(values ...*float64) float64 {
	for _, v := range values {
		if v != nil {
			return *v
		}
	}
	return math.NaN()
}

// FetchServers implements [model.Directory]. Entries that are not objects
// or lack a URL are dropped.
func (c *Client) FetchServers(ctx context.Context, token string) ([]model.ServerCandidate, error) {
	elements, err := c.FetchArray(ctx, http.MethodGet, c.Endpoints.Servers, token)
	if err != nil {
		return nil, err
	}
	out := make([]model.ServerCandidate, 0, len(elements))
	for idx, raw := range elements {
		var rec serverRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			c.logger.Debugf("transport: skipping server #%d: %s", idx, err.Error())
			continue
		}
		if rec.URL == "" {
			c.logger.Debugf("transport: skipping server #%d: no url", idx)
			continue
		}
		out = append(out, rec.candidate())
	}
	c.logger.Debugf("transport: got %d servers", len(out))
	return out, nil
}
