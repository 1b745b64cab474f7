package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	config "github.com/postpilothq/postpilot/configs"
	"golang.org/x/oauth2"
)

const facebookGraphBase = "https://graph.facebook.com/v18.0"

type facebookAdapter struct {
	oauth     oauth2.Config
	graphBase string
}

func NewFacebookAdapter(creds config.PlatformCredentials) Adapter {
	return &facebookAdapter{
		oauth: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Scopes:       []string{"pages_manage_posts", "pages_read_engagement", "read_insights"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://www.facebook.com/v18.0/dialog/oauth",
				TokenURL: facebookGraphBase + "/oauth/access_token",
			},
		},
		graphBase: facebookGraphBase,
	}
}

func (a *facebookAdapter) Platform() Platform { return Facebook }

func (a *facebookAdapter) AuthURL(state string) string {
	return a.oauth.AuthCodeURL(state)
}

func (a *facebookAdapter) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange facebook code: %w", err)
	}
	return &Token{AccessToken: tok.AccessToken, ExpiresAt: tok.Expiry}, nil
}

func (a *facebookAdapter) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	var result struct {
		ID      string `json:"id"`
		Name    string `json:"name"`
		Picture struct {
			Data struct {
				URL string `json:"url"`
			} `json:"data"`
		} `json:"picture"`
	}
	reqURL := fmt.Sprintf("%s/me?fields=id,name,picture&access_token=%s", a.graphBase, url.QueryEscape(accessToken))
	if err := doJSON(ctx, Facebook, http.MethodGet, reqURL, nil, nil, &result); err != nil {
		return nil, err
	}
	return &Profile{ID: result.ID, Name: result.Name, Picture: result.Picture.Data.URL}, nil
}

// Publish uploads photos unpublished first, then creates the feed post
// referencing them: a single photo rides as object_attachment, several as an
// attached_media array.
func (a *facebookAdapter) Publish(ctx context.Context, accessToken string, content *PublishContent) (*PublishResult, error) {
	var photoIDs []string
	for _, mediaURL := range content.MediaURLs {
		id, err := a.uploadPhoto(ctx, accessToken, content.AccountID, mediaURL)
		if err != nil {
			return nil, err
		}
		photoIDs = append(photoIDs, id)
	}

	payload := map[string]interface{}{
		"message":      content.Text,
		"access_token": accessToken,
	}
	switch {
	case len(photoIDs) == 1:
		payload["object_attachment"] = photoIDs[0]
	case len(photoIDs) > 1:
		attached := make([]map[string]string, 0, len(photoIDs))
		for _, id := range photoIDs {
			attached = append(attached, map[string]string{"media_fbid": id})
		}
		payload["attached_media"] = attached
	}

	var result struct {
		ID string `json:"id"`
	}
	reqURL := fmt.Sprintf("%s/%s/feed", a.graphBase, content.AccountID)
	if err := doJSON(ctx, Facebook, http.MethodPost, reqURL, nil, payload, &result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, &ProviderError{Platform: Facebook, Message: "no post id returned"}
	}
	return &PublishResult{ID: result.ID, Text: content.Text}, nil
}

func (a *facebookAdapter) uploadPhoto(ctx context.Context, accessToken, pageID, mediaURL string) (string, error) {
	payload := map[string]interface{}{
		"url":          mediaURL,
		"published":    false,
		"access_token": accessToken,
	}
	var result struct {
		ID string `json:"id"`
	}
	reqURL := fmt.Sprintf("%s/%s/photos", a.graphBase, pageID)
	if err := doJSON(ctx, Facebook, http.MethodPost, reqURL, nil, payload, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", &ProviderError{Platform: Facebook, Message: "no photo id returned"}
	}
	return result.ID, nil
}

func (a *facebookAdapter) Metrics(ctx context.Context, accessToken, accountID string, since, until time.Time) (*Metrics, error) {
	var result struct {
		Data []struct {
			Name   string `json:"name"`
			Values []struct {
				Value int64 `json:"value"`
			} `json:"values"`
		} `json:"data"`
	}
	reqURL := fmt.Sprintf(
		"%s/%s/insights?metric=page_impressions,page_post_engagements&since=%d&until=%d&access_token=%s",
		a.graphBase, accountID, since.Unix(), until.Unix(), url.QueryEscape(accessToken),
	)
	if err := doJSON(ctx, Facebook, http.MethodGet, reqURL, nil, nil, &result); err != nil {
		return nil, err
	}

	metrics := &Metrics{Platform: Facebook}
	for _, entry := range result.Data {
		var total int64
		for _, v := range entry.Values {
			total += v.Value
		}
		switch entry.Name {
		case "page_impressions":
			metrics.Impressions = total
		case "page_post_engagements":
			metrics.Engagements = total
		}
	}
	return metrics, nil
}

func (a *facebookAdapter) Audience(ctx context.Context, accessToken, accountID string) (*Audience, error) {
	var result struct {
		FanCount int64 `json:"fan_count"`
	}
	reqURL := fmt.Sprintf("%s/%s?fields=fan_count&access_token=%s", a.graphBase, accountID, url.QueryEscape(accessToken))
	if err := doJSON(ctx, Facebook, http.MethodGet, reqURL, nil, nil, &result); err != nil {
		return nil, err
	}
	return &Audience{Platform: Facebook, Total: result.FanCount}, nil
}
