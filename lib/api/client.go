// Package api talks to the fleet API and the image registry to gather the
// two inputs the preloader needs: the application metadata (including the
// image to pull) and the additional disk space the image requires.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fleetforge/preload/lib/logger"
	"github.com/samber/lo"
)

// configPrefix marks environment variables that are device configuration
// rather than application environment.
const configPrefix = "FLEET_"

// AppData is the application metadata one preload run operates on.
type AppData struct {
	AppID     int64             `json:"appId"`
	Name      string            `json:"name"`
	Commit    string            `json:"commit"`
	ImageRepo string            `json:"-"`
	ImageID   string            `json:"imageId"`
	Env       map[string]string `json:"env"`
	Config    map[string]string `json:"config"`
}

// Client queries the fleet API.
type Client struct {
	httpClient   *http.Client
	apiHost      string
	registryHost string
	token        string
	apiKey       string
}

// NewClient builds a Client for the given API host, authenticating with the
// bearer token when set, otherwise with the API key.
func NewClient(apiHost, registryHost, token, apiKey string) *Client {
	return &Client{
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		apiHost:      strings.TrimRight(apiHost, "/"),
		registryHost: registryHost,
		token:        token,
		apiKey:       apiKey,
	}
}

type applicationResponse struct {
	D []struct {
		ID                  int64  `json:"id"`
		AppName             string `json:"app_name"`
		Commit              string `json:"commit"`
		EnvironmentVariable []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"environment_variable"`
	} `json:"d"`
}

// GetAppData fetches the application's metadata and derives the registry
// image identifier to pull. A non-empty commit overrides the application's
// current commit.
func (c *Client) GetAppData(ctx context.Context, appID, commit string) (*AppData, error) {
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "fetching application metadata", "app_id", appID, "api_host", c.apiHost)

	endpoint := fmt.Sprintf("v2/application(%s)?$expand=environment_variable", appID)
	var response applicationResponse
	if err := c.get(ctx, endpoint, &response); err != nil {
		return nil, fmt.Errorf("fetch application %s: %w", appID, err)
	}
	if len(response.D) == 0 {
		return nil, fmt.Errorf("application %s not found", appID)
	}

	app := response.D[0]
	if commit == "" {
		commit = app.Commit
	}

	env := make(map[string]string, len(app.EnvironmentVariable))
	for _, v := range app.EnvironmentVariable {
		env[v.Name] = v.Value
	}

	imageRepo := strings.ToLower(app.AppName + "/" + commit)
	return &AppData{
		AppID:     app.ID,
		Name:      app.AppName,
		Commit:    commit,
		ImageRepo: imageRepo,
		ImageID:   strings.ToLower(c.registryHost + "/" + imageRepo),
		Env: lo.OmitBy(env, func(key, _ string) bool {
			return strings.HasPrefix(key, configPrefix)
		}),
		Config: lo.PickBy(env, func(key, _ string) bool {
			return strings.HasPrefix(key, configPrefix)
		}),
	}, nil
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiHost+"/"+endpoint, nil)
	if err != nil {
		return err
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	} else if c.apiKey != "" {
		query := req.URL.Query()
		query.Set("apikey", c.apiKey)
		req.URL.RawQuery = query.Encode()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// RegistryHost returns the registry the client resolves images against.
func (c *Client) RegistryHost() string {
	return c.registryHost
}
