package service

import (
	"context"
	"log/slog"
	"time"

	config "github.com/postpilothq/postpilot/configs"
	"github.com/postpilothq/postpilot/internal/models"
	"github.com/postpilothq/postpilot/internal/platform"
	"github.com/postpilothq/postpilot/internal/repository"
	"github.com/postpilothq/postpilot/pkg/utils"
)

// PlatformService owns connected social accounts: the OAuth connect flow,
// listing, removal, and the metrics/audience passthrough. All platform
// dispatch goes through the adapter registry; the service never switches on
// platform names itself.
type PlatformService interface {
	AuthURL(platformName, state string) (string, error)
	HandleCallback(ctx context.Context, userID int64, platformName, code string) (*models.SocialAccount, error)
	List(ctx context.Context, userID int64) ([]*models.SocialAccount, error)
	Remove(ctx context.Context, userID, accountID int64) error
	Metrics(ctx context.Context, userID, accountID int64, since, until time.Time) (*platform.Metrics, error)
	Audience(ctx context.Context, userID, accountID int64) (*platform.Audience, error)
}

type platformService struct {
	cfg      config.Config
	registry *platform.Registry
	sa       repository.SocialAccountRepository
}

func NewPlatformService(cfg config.Config, registry *platform.Registry, sa repository.SocialAccountRepository) PlatformService {
	return &platformService{
		cfg:      cfg,
		registry: registry,
		sa:       sa,
	}
}

func (s *platformService) AuthURL(platformName, state string) (string, error) {
	p, err := platform.Parse(platformName)
	if err != nil {
		return "", &ValidationError{Message: err.Error()}
	}
	adapter, err := s.registry.Get(p)
	if err != nil {
		return "", err
	}
	return adapter.AuthURL(state), nil
}

// HandleCallback finishes the OAuth connect: exchanges the code, fetches the
// profile, and persists the account with its tokens encrypted at rest.
func (s *platformService) HandleCallback(ctx context.Context, userID int64, platformName, code string) (*models.SocialAccount, error) {
	p, err := platform.Parse(platformName)
	if err != nil {
		return nil, &ValidationError{Message: err.Error()}
	}
	adapter, err := s.registry.Get(p)
	if err != nil {
		return nil, err
	}

	token, err := adapter.ExchangeCode(ctx, code)
	if err != nil {
		return nil, err
	}
	profile, err := adapter.Profile(ctx, token.AccessToken)
	if err != nil {
		return nil, err
	}

	encryptedAccess, err := utils.Encrypt([]byte(token.AccessToken), []byte(s.cfg.SecretKey))
	if err != nil {
		return nil, err
	}
	encryptedRefresh := ""
	if token.RefreshToken != "" {
		encryptedRefresh, err = utils.Encrypt([]byte(token.RefreshToken), []byte(s.cfg.SecretKey))
		if err != nil {
			return nil, err
		}
	}

	account := &models.SocialAccount{
		UserID:          userID,
		Platform:        string(p),
		AccountID:       profile.ID,
		AccountName:     profile.Name,
		AccountUsername: profile.Username,
		ProfilePicture:  profile.Picture,
		AccessToken:     encryptedAccess,
		RefreshToken:    encryptedRefresh,
		TokenExpiresAt:  token.ExpiresAt,
	}
	id, err := s.sa.Create(ctx, nil, account)
	if err != nil {
		return nil, err
	}
	account.ID = id

	slog.Info("social account connected",
		"user_id", userID,
		"platform", string(p),
		"account", profile.Username)
	return account, nil
}

func (s *platformService) List(ctx context.Context, userID int64) ([]*models.SocialAccount, error) {
	return s.sa.ListInfoByUserID(ctx, userID)
}

func (s *platformService) Remove(ctx context.Context, userID, accountID int64) error {
	isValid, err := s.sa.CheckByUserID(ctx, accountID, userID)
	if err != nil {
		return err
	}
	if !isValid {
		return &NotFoundError{Resource: "social account"}
	}
	return s.sa.Remove(ctx, accountID)
}

func (s *platformService) Metrics(ctx context.Context, userID, accountID int64, since, until time.Time) (*platform.Metrics, error) {
	adapter, account, accessToken, err := s.adapterFor(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	return adapter.Metrics(ctx, accessToken, account.AccountID, since, until)
}

func (s *platformService) Audience(ctx context.Context, userID, accountID int64) (*platform.Audience, error) {
	adapter, account, accessToken, err := s.adapterFor(ctx, userID, accountID)
	if err != nil {
		return nil, err
	}
	return adapter.Audience(ctx, accessToken, account.AccountID)
}

func (s *platformService) adapterFor(ctx context.Context, userID, accountID int64) (platform.Adapter, *models.SocialAccount, string, error) {
	account, err := s.sa.GetByID(ctx, accountID)
	if err != nil {
		return nil, nil, "", err
	}
	if account == nil || account.UserID != userID {
		return nil, nil, "", &NotFoundError{Resource: "social account"}
	}

	p, err := platform.Parse(account.Platform)
	if err != nil {
		return nil, nil, "", err
	}
	adapter, err := s.registry.Get(p)
	if err != nil {
		return nil, nil, "", err
	}

	accessToken, err := utils.Decrypt(account.AccessToken, []byte(s.cfg.SecretKey))
	if err != nil {
		return nil, nil, "", err
	}
	return adapter, account, accessToken, nil
}
