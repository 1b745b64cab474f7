package platform

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	config "github.com/postpilothq/postpilot/configs"
	"golang.org/x/oauth2"
)

const linkedinAPIBase = "https://api.linkedin.com"

type linkedinAdapter struct {
	oauth   oauth2.Config
	apiBase string
}

func NewLinkedInAdapter(creds config.PlatformCredentials) Adapter {
	return &linkedinAdapter{
		oauth: oauth2.Config{
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
			RedirectURL:  creds.RedirectURI,
			Scopes:       []string{"openid", "profile", "w_member_social", "r_organization_social"},
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://www.linkedin.com/oauth/v2/authorization",
				TokenURL: "https://www.linkedin.com/oauth/v2/accessToken",
			},
		},
		apiBase: linkedinAPIBase,
	}
}

func (a *linkedinAdapter) Platform() Platform { return LinkedIn }

func (a *linkedinAdapter) AuthURL(state string) string {
	return a.oauth.AuthCodeURL(state)
}

func (a *linkedinAdapter) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	tok, err := a.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange linkedin code: %w", err)
	}
	return &Token{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}, nil
}

func (a *linkedinAdapter) Profile(ctx context.Context, accessToken string) (*Profile, error) {
	var result struct {
		Sub     string `json:"sub"`
		Name    string `json:"name"`
		Picture string `json:"picture"`
	}
	if err := doJSON(ctx, LinkedIn, http.MethodGet, a.apiBase+"/v2/userinfo", bearer(accessToken), nil, &result); err != nil {
		return nil, err
	}
	return &Profile{ID: result.Sub, Name: result.Name, Picture: result.Picture}, nil
}

// Publish runs the registered-upload handshake for every media asset (obtain
// an upload URL, PUT the bytes, keep the returned asset URN), then creates a
// ugcPost referencing the assets. The author is the member URN unless the
// account carries an organization URN.
func (a *linkedinAdapter) Publish(ctx context.Context, accessToken string, content *PublishContent) (*PublishResult, error) {
	author := content.AuthorURN
	if author == "" {
		author = "urn:li:person:" + content.AccountID
	}

	var assets []string
	for _, mediaURL := range content.MediaURLs {
		asset, err := a.uploadAsset(ctx, accessToken, author, mediaURL)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}

	shareContent := map[string]interface{}{
		"shareCommentary":    map[string]string{"text": content.Text},
		"shareMediaCategory": "NONE",
	}
	if len(assets) > 0 {
		shareContent["shareMediaCategory"] = "IMAGE"
		media := make([]map[string]interface{}, 0, len(assets))
		for _, asset := range assets {
			media = append(media, map[string]interface{}{
				"status": "READY",
				"media":  asset,
			})
		}
		shareContent["media"] = media
	}

	payload := map[string]interface{}{
		"author":         author,
		"lifecycleState": "PUBLISHED",
		"specificContent": map[string]interface{}{
			"com.linkedin.ugc.ShareContent": shareContent,
		},
		"visibility": map[string]string{
			"com.linkedin.ugc.MemberNetworkVisibility": "PUBLIC",
		},
	}

	var result struct {
		ID string `json:"id"`
	}
	headers := bearer(accessToken)
	headers["X-Restli-Protocol-Version"] = "2.0.0"
	if err := doJSON(ctx, LinkedIn, http.MethodPost, a.apiBase+"/v2/ugcPosts", headers, payload, &result); err != nil {
		return nil, err
	}
	if result.ID == "" {
		return nil, &ProviderError{Platform: LinkedIn, Message: "no share id returned"}
	}
	return &PublishResult{ID: result.ID, Text: content.Text}, nil
}

func (a *linkedinAdapter) uploadAsset(ctx context.Context, accessToken, owner, mediaURL string) (string, error) {
	recipe := "urn:li:digitalmediaRecipe:feedshare-image"
	data, mime, err := fetchMedia(ctx, mediaURL)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(mime, "video/") {
		recipe = "urn:li:digitalmediaRecipe:feedshare-video"
	}

	registerPayload := map[string]interface{}{
		"registerUploadRequest": map[string]interface{}{
			"recipes": []string{recipe},
			"owner":   owner,
			"serviceRelationships": []map[string]string{{
				"relationshipType": "OWNER",
				"identifier":       "urn:li:userGeneratedContent",
			}},
		},
	}

	var registered struct {
		Value struct {
			Asset           string `json:"asset"`
			UploadMechanism struct {
				Request struct {
					UploadURL string `json:"uploadUrl"`
				} `json:"com.linkedin.digitalmedia.uploading.MediaUploadHttpRequest"`
			} `json:"uploadMechanism"`
		} `json:"value"`
	}
	registerURL := a.apiBase + "/v2/assets?action=registerUpload"
	if err := doJSON(ctx, LinkedIn, http.MethodPost, registerURL, bearer(accessToken), registerPayload, &registered); err != nil {
		return "", err
	}

	uploadURL := registered.Value.UploadMechanism.Request.UploadURL
	if uploadURL == "" || registered.Value.Asset == "" {
		return "", &ProviderError{Platform: LinkedIn, Message: "register upload returned no upload url"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", mime)

	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("HTTP request error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return "", &ProviderError{
			Platform:   LinkedIn,
			StatusCode: resp.StatusCode,
			Message:    "asset upload rejected",
			Body:       string(respBody),
		}
	}
	return registered.Value.Asset, nil
}

func (a *linkedinAdapter) Metrics(ctx context.Context, accessToken, accountID string, since, until time.Time) (*Metrics, error) {
	// Share statistics are only exposed for organization URNs; member
	// accounts get their audience numbers instead.
	if !strings.HasPrefix(accountID, "urn:li:organization:") {
		audience, err := a.Audience(ctx, accessToken, accountID)
		if err != nil {
			return nil, err
		}
		return &Metrics{Platform: LinkedIn, Followers: audience.Total}, nil
	}

	var result struct {
		Elements []struct {
			TotalShareStatistics struct {
				ImpressionCount int64 `json:"impressionCount"`
				EngagementSum   int64 `json:"clickCount"`
				LikeCount       int64 `json:"likeCount"`
			} `json:"totalShareStatistics"`
		} `json:"elements"`
	}
	reqURL := fmt.Sprintf(
		"%s/v2/organizationalEntityShareStatistics?q=organizationalEntity&organizationalEntity=%s",
		a.apiBase, accountID,
	)
	if err := doJSON(ctx, LinkedIn, http.MethodGet, reqURL, bearer(accessToken), nil, &result); err != nil {
		return nil, err
	}

	metrics := &Metrics{Platform: LinkedIn}
	for _, el := range result.Elements {
		metrics.Impressions += el.TotalShareStatistics.ImpressionCount
		metrics.Engagements += el.TotalShareStatistics.EngagementSum + el.TotalShareStatistics.LikeCount
	}
	return metrics, nil
}

func (a *linkedinAdapter) Audience(ctx context.Context, accessToken, accountID string) (*Audience, error) {
	urn := accountID
	if !strings.HasPrefix(urn, "urn:") {
		urn = "urn:li:person:" + accountID
	}

	var result struct {
		FirstDegreeSize int64 `json:"firstDegreeSize"`
	}
	reqURL := fmt.Sprintf("%s/v2/networkSizes/%s?edgeType=FIRST_DEGREE_CONNECTION", a.apiBase, urn)
	if err := doJSON(ctx, LinkedIn, http.MethodGet, reqURL, bearer(accessToken), nil, &result); err != nil {
		return nil, err
	}
	return &Audience{Platform: LinkedIn, Total: result.FirstDegreeSize}, nil
}
