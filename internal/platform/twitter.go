package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	config "github.com/postpilothq/postpilot/configs"
	"golang.org/x/oauth2"
)

const (
	twitterAPIBase    = "https://api.twitter.com"
	twitterUploadBase = "https://upload.twitter.com"
)

type twitterAdapter struct {
	oauth      oauth2.Config
	apiBase    string
	uploadBase string
}

func NewTwitterAdapter(creds config.PlatformCredentials) Adapter {
	return &twitterAdapter{
		oauth: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Scopes:       []string{"tweet.read", "tweet.write", "users.read", "offline.access"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://twitter.com/i/oauth2/authorize",
				TokenURL: twitterAPIBase + "/2/oauth2/token",
			},
		},
		apiBase:    twitterAPIBase,
		uploadBase: twitterUploadBase,
	}
}

func (a *twitterAdapter) Platform() Platform { return Twitter }

func (a *twitterAdapter) AuthURL(state string) string {
	return a.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

func (a *twitterAdapter) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange twitter code: %w", err)
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

func (a *twitterAdapter) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	var result struct {
		Data struct {
			ID       string `json:"id"`
			Name     string `json:"name"`
			Username string `json:"username"`
			Picture  string `json:"profile_image_url"`
		} `json:"data"`
	}

	url := fmt.Sprintf("%s/2/users/me?user.fields=profile_image_url", a.apiBase)
	if err := doJSON(ctx, Twitter, http.MethodGet, url, bearer(accessToken), nil, &result); err != nil {
		return nil, err
	}

	return &Profile{
		ID:       result.Data.ID,
		Name:     result.Data.Name,
		Username: result.Data.Username,
		Picture:  result.Data.Picture,
	}, nil
}

// Publish uploads media through the legacy v1.1 media endpoint, then creates
// the tweet referencing the uploaded media ids.
func (a *twitterAdapter) Publish(ctx context.Context, accessToken string, content *PublishContent) (*PublishResult, error) {
	var mediaIDs []string
	for _, mediaURL := range content.MediaURLs {
		id, err := a.uploadMedia(ctx, accessToken, mediaURL)
		if err != nil {
			return nil, err
		}
		mediaIDs = append(mediaIDs, id)
	}

	payload := map[string]interface{}{
		"text": content.Text,
	}
	if len(mediaIDs) > 0 {
		payload["media"] = map[string]interface{}{"media_ids": mediaIDs}
	}

	var result struct {
		Data struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"data"`
	}
	url := a.apiBase + "/2/tweets"
	if err := doJSON(ctx, Twitter, http.MethodPost, url, bearer(accessToken), payload, &result); err != nil {
		return nil, err
	}
	if result.Data.ID == "" {
		return nil, &ProviderError{Platform: Twitter, Message: "no tweet id returned"}
	}

	return &PublishResult{ID: result.Data.ID, Text: result.Data.Text}, nil
}

func (a *twitterAdapter) uploadMedia(ctx context.Context, accessToken, mediaURL string) (string, error) {
	data, _, err := fetchMedia(ctx, mediaURL)
	if err != nil {
		return "", err
	}

	var form bytes.Buffer
	writer := multipart.NewWriter(&form)
	part, err := writer.CreateFormFile("media", "media")
	if err != nil {
		return "", err
	}
	if _, err := part.Write(data); err != nil {
		return "", err
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	url := a.uploadBase + "/1.1/media/upload.json"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &form)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request error: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &ProviderError{
			Platform:   Twitter,
			StatusCode: resp.StatusCode,
			Message:    "media upload rejected",
			Body:       string(respBody),
		}
	}

	var result struct {
		MediaIDString string `json:"media_id_string"`
	}
	if err := unmarshalJSON(respBody, &result); err != nil {
		return "", err
	}
	if result.MediaIDString == "" {
		return "", &ProviderError{Platform: Twitter, Message: "no media id returned"}
	}
	return result.MediaIDString, nil
}

func (a *twitterAdapter) Metrics(ctx context.Context, accessToken, accountID string, since, until time.Time) (*Metrics, error) {
	var result struct {
		Data struct {
			PublicMetrics struct {
				Followers  int64 `json:"followers_count"`
				TweetCount int64 `json:"tweet_count"`
				Listed     int64 `json:"listed_count"`
			} `json:"public_metrics"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/2/users/%s?user.fields=public_metrics", a.apiBase, accountID)
	if err := doJSON(ctx, Twitter, http.MethodGet, url, bearer(accessToken), nil, &result); err != nil {
		return nil, err
	}
	return &Metrics{
		Platform:    Twitter,
		Followers:   result.Data.PublicMetrics.Followers,
		Engagements: result.Data.PublicMetrics.Listed,
		Impressions: result.Data.PublicMetrics.TweetCount,
	}, nil
}

func (a *twitterAdapter) Audience(ctx context.Context, accessToken, accountID string) (*Audience, error) {
	metrics, err := a.Metrics(ctx, accessToken, accountID, time.Time{}, time.Time{})
	if err != nil {
		return nil, err
	}
	return &Audience{Platform: Twitter, Total: metrics.Followers}, nil
}

func bearer(accessToken string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + accessToken}
}
