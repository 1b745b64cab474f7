package platform

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	config "github.com/postpilothq/postpilot/configs"
)

const (
	instagramAuthBase  = "https://www.instagram.com"
	instagramTokenBase = "https://api.instagram.com"
	instagramGraphBase = "https://graph.instagram.com/v21.0"
)

type instagramAdapter struct {
	creds     config.PlatformCredentials
	authBase  string
	tokenBase string
	graphBase string
}

func NewInstagramAdapter(creds config.PlatformCredentials) Adapter {
	return &instagramAdapter{
		creds:     creds,
		authBase:  instagramAuthBase,
		tokenBase: instagramTokenBase,
		graphBase: instagramGraphBase,
	}
}

func (a *instagramAdapter) Platform() Platform { return Instagram }

func (a *instagramAdapter) AuthURL(state string) string {
	params := url.Values{}
	params.Add("client_id", a.creds.ClientID)
	params.Add("scope", "instagram_business_basic,instagram_business_content_publish")
	params.Add("response_type", "code")
	params.Add("redirect_uri", a.creds.RedirectURI)
	params.Add("state", state)
	return fmt.Sprintf("%s/oauth/authorize?%s", a.authBase, params.Encode())
}

// ExchangeCode trades the code for a short-lived token, then upgrades it to
// a long-lived one. Instagram's token endpoint is form-encoded, not OAuth2
// standard, so the exchange is done by hand.
func (a *instagramAdapter) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	data := url.Values{}
	data.Set("client_id", a.creds.ClientID)
	data.Set("client_secret", a.creds.ClientSecret)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", a.creds.RedirectURI)
	data.Set("code", code)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		a.tokenBase+"/oauth/access_token", strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get short-lived token: %w", err)
	}
	defer resp.Body.Close()

	var shortLived struct {
		AccessToken string `json:"access_token"`
	}
	if err := decodeBody(resp, Instagram, &shortLived); err != nil {
		return nil, err
	}

	var longLived struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	exchangeURL := fmt.Sprintf(
		"%s/access_token?grant_type=ig_exchange_token&client_secret=%s&access_token=%s",
		a.graphBase, a.creds.ClientSecret, shortLived.AccessToken,
	)
	if err := doJSON(ctx, Instagram, http.MethodGet, exchangeURL, nil, nil, &longLived); err != nil {
		return nil, fmt.Errorf("failed to get long-lived token: %w", err)
	}

	return &Token{
		AccessToken:  longLived.AccessToken,
		RefreshToken: longLived.AccessToken,
		ExpiresAt:    time.Now().Add(time.Second * time.Duration(longLived.ExpiresIn)),
	}, nil
}

func (a *instagramAdapter) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	var result struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Name     string `json:"name"`
		Picture  string `json:"profile_picture_url"`
	}
	reqURL := fmt.Sprintf(
		"%s/me?fields=id,username,name,profile_picture_url&access_token=%s",
		a.graphBase, url.QueryEscape(accessToken),
	)
	if err := doJSON(ctx, Instagram, http.MethodGet, reqURL, nil, nil, &result); err != nil {
		return nil, err
	}
	return &Profile{ID: result.ID, Name: result.Name, Username: result.Username, Picture: result.Picture}, nil
}

// Publish is two-phase: create a media container (one per asset, plus a
// carousel wrapper when there are several), then publish the container by id.
// Instagram cannot publish text-only posts, so missing media fails fast
// before any container is created.
func (a *instagramAdapter) Publish(ctx context.Context, accessToken string, content *PublishContent) (*PublishResult, error) {
	if len(content.MediaURLs) == 0 {
		return nil, &ProviderError{Platform: Instagram, Message: "instagram requires at least one media item"}
	}

	var containerID string
	if len(content.MediaURLs) == 1 {
		id, err := a.createContainer(ctx, accessToken, content.AccountID, map[string]interface{}{
			"image_url":    content.MediaURLs[0],
			"caption":      content.Text,
			"access_token": accessToken,
		})
		if err != nil {
			return nil, err
		}
		containerID = id
	} else {
		children := make([]string, 0, len(content.MediaURLs))
		for _, mediaURL := range content.MediaURLs {
			id, err := a.createContainer(ctx, accessToken, content.AccountID, map[string]interface{}{
				"image_url":        mediaURL,
				"is_carousel_item": true,
				"access_token":     accessToken,
			})
			if err != nil {
				return nil, err
			}
			children = append(children, id)
		}
		id, err := a.createContainer(ctx, accessToken, content.AccountID, map[string]interface{}{
			"media_type":   "CAROUSEL",
			"caption":      content.Text,
			"children":     children,
			"access_token": accessToken,
		})
		if err != nil {
			return nil, err
		}
		containerID = id
	}

	var result struct {
		ID string `json:"id"`
	}
	publishURL := fmt.Sprintf("%s/%s/media_publish", a.graphBase, content.AccountID)
	payload := map[string]string{
		"creation_id":  containerID,
		"access_token": accessToken,
	}
	if err := doJSON(ctx, Instagram, http.MethodPost, publishURL, nil, payload, &result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, &ProviderError{Platform: Instagram, Message: "no media id returned"}
	}
	return &PublishResult{ID: result.ID, Text: content.Text}, nil
}

func (a *instagramAdapter) createContainer(ctx context.Context, accessToken, accountID string, payload map[string]interface{}) (string, error) {
	var result struct {
		ID string `json:"id"`
	}
	reqURL := fmt.Sprintf("%s/%s/media", a.graphBase, accountID)
	if err := doJSON(ctx, Instagram, http.MethodPost, reqURL, nil, payload, &result); err != nil {
		return "", err
	}
	if result.ID == "" {
		return "", &ProviderError{Platform: Instagram, Message: "no container id returned"}
	}
	return result.ID, nil
}

func (a *instagramAdapter) Metrics(ctx context.Context, accessToken, accountID string, since, until time.Time) (*Metrics, error) {
	var result struct {
		Data []struct {
			Name   string `json:"name"`
			Values []struct {
				Value int64 `json:"value"`
			} `json:"values"`
		} `json:"data"`
	}
	reqURL := fmt.Sprintf(
		"%s/%s/insights?metric=impressions,reach&period=day&since=%d&until=%d&access_token=%s",
		a.graphBase, accountID, since.Unix(), until.Unix(), url.QueryEscape(accessToken),
	)
	if err := doJSON(ctx, Instagram, http.MethodGet, reqURL, nil, nil, &result); err != nil {
		return nil, err
	}

	metrics := &Metrics{Platform: Instagram}
	for _, entry := range result.Data {
		var total int64
		for _, v := range entry.Values {
			total += v.Value
		}
		switch entry.Name {
		case "impressions":
			metrics.Impressions = total
		case "reach":
			metrics.Engagements = total
		}
	}
	return metrics, nil
}

func (a *instagramAdapter) Audience(ctx context.Context, accessToken, accountID string) (*Audience, error) {
	var result struct {
		FollowersCount int64 `json:"followers_count"`
	}
	reqURL := fmt.Sprintf("%s/%s?fields=followers_count&access_token=%s", a.graphBase, accountID, url.QueryEscape(accessToken))
	if err := doJSON(ctx, Instagram, http.MethodGet, reqURL, nil, nil, &result); err != nil {
		return nil, err
	}
	return &Audience{Platform: Instagram, Total: result.FollowersCount}, nil
}
