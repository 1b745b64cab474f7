package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/h2non/filetype"
)

type Platform string

const (
	Twitter   Platform = "twitter"
	Facebook  Platform = "facebook"
	Instagram Platform = "instagram"
	LinkedIn  Platform = "linkedin"
)

func Parse(s string) (Platform, error) {
	switch Platform(s) {
	case Twitter, Facebook, Instagram, LinkedIn:
		return Platform(s), nil
	}
	return "", fmt.Errorf("unsupported platform %q", s)
}

func All() []Platform {
	return []Platform{Twitter, Facebook, Instagram, LinkedIn}
}

type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

type Profile struct {
	ID       string
	Name     string
	Username string
	Picture  string
}

// PublishContent is the platform-agnostic payload handed to an adapter. The
// worker re-reads post content at execution time, so edits made before the
// due time land here.
type PublishContent struct {
	Text      string
	MediaURLs []string
	// AccountID is the platform-side account (user/page/business) id.
	AccountID string
	// AuthorURN overrides the author for platforms that post under URNs
	// (LinkedIn organizations).
	AuthorURN string
}

type PublishResult struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

type Metrics struct {
	Platform    Platform `json:"platform"`
	Impressions int64    `json:"impressions"`
	Engagements int64    `json:"engagements"`
	Followers   int64    `json:"followers"`
}

type Audience struct {
	Platform  Platform         `json:"platform"`
	Total     int64            `json:"total"`
	Breakdown map[string]int64 `json:"breakdown,omitempty"`
}

// Adapter is the uniform capability surface over one external platform.
type Adapter interface {
	Platform() Platform
	AuthURL(state string) string
	ExchangeCode(ctx context.Context, code string) (*Token, error)
	Profile(ctx context.Context, accessToken string) (*Profile, error)
	Publish(ctx context.Context, accessToken string, content *PublishContent) (*PublishResult, error)
	Metrics(ctx context.Context, accessToken, accountID string, since, until time.Time) (*Metrics, error)
	Audience(ctx context.Context, accessToken, accountID string) (*Audience, error)
}

// ProviderError means the platform itself rejected the call (content policy,
// expired auth, rate limit). It is terminal for the attempt: the worker folds
// it into the schedule instead of retrying it through the queue.
type ProviderError struct {
	Platform   Platform
	StatusCode int
	Message    string
	Body       string
}

func (e *ProviderError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("%s: %s (status %d): %s", e.Platform, e.Message, e.StatusCode, e.Body)
	}
	return fmt.Sprintf("%s: %s", e.Platform, e.Message)
}

// Registry resolves adapters once at startup; adding a platform is a
// registration, not a scattered literal edit.
type Registry struct {
	adapters map[Platform]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[Platform]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.Platform()] = a
	}
	return r
}

func (r *Registry) Get(p Platform) (Adapter, error) {
	a, ok := r.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for platform %q", p)
	}
	return a, nil
}

func (r *Registry) Platforms() []Platform {
	platforms := make([]Platform, 0, len(r.adapters))
	for p := range r.adapters {
		platforms = append(platforms, p)
	}
	return platforms
}

var httpClient = &http.Client{Timeout: 2 * time.Minute}

// doJSON performs an HTTP round trip with a JSON body and decodes a JSON
// response, turning any non-2xx status into a ProviderError carrying the
// platform's error payload.
func doJSON(ctx context.Context, p Platform, method, url string, headers map[string]string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("error marshalling payload: %w", err)
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP request error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{
			Platform:   p,
			StatusCode: resp.StatusCode,
			Message:    "request rejected",
			Body:       string(respBody),
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("error parsing response: %w", err)
		}
	}
	return nil
}

// decodeBody drains an already-received response the same way doJSON does.
func decodeBody(resp *http.Response, p Platform, out interface{}) error {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &ProviderError{
			Platform:   p,
			StatusCode: resp.StatusCode,
			Message:    "request rejected",
			Body:       string(respBody),
		}
	}
	if out != nil && len(respBody) > 0 {
		return unmarshalJSON(respBody, out)
	}
	return nil
}

func unmarshalJSON(data []byte, out interface{}) error {
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("error parsing response: %w", err)
	}
	return nil
}

// fetchMedia downloads one media asset and sniffs its MIME type for
// platforms that need the raw bytes (Twitter legacy upload, LinkedIn asset
// PUT).
func fetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		slog.Info(err.Error())
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("unexpected status code %d fetching media %s", resp.StatusCode, mediaURL)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", err
	}

	kind, err := filetype.Match(data)
	if err != nil {
		return nil, "", fmt.Errorf("unable to detect media type: %w", err)
	}
	return data, kind.MIME.Value, nil
}
