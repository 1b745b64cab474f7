package service

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/postpilothq/postpilot/internal/models"
	"github.com/postpilothq/postpilot/internal/repository"
	"github.com/postpilothq/postpilot/internal/transfer"
)

type PostService interface {
	Create(ctx context.Context, userID int64, pc *transfer.PostCreation, files []*multipart.FileHeader) (int64, error)
	List(ctx context.Context, userID int64) ([]*models.Post, error)
	Info(ctx context.Context, userID, postID int64) (*models.Post, error)
	Remove(ctx context.Context, userID, postID int64) error
}

type postService struct {
	db    *sql.DB
	pr    repository.PostRepository
	ma    repository.MediaAssetRepository
	pm    repository.PostMediaRepository
	media *MediaService
	sched ScheduleService
}

func NewPostService(
	db *sql.DB,
	pr repository.PostRepository,
	ma repository.MediaAssetRepository,
	pm repository.PostMediaRepository,
	media *MediaService,
	sched ScheduleService) PostService {
	return &postService{
		db:    db,
		pr:    pr,
		ma:    ma,
		pm:    pm,
		media: media,
		sched: sched,
	}
}

// Create persists the post and its media atomically. A post may carry text,
// media, or both; a post with neither is rejected here rather than at
// schedule time.
func (s *postService) Create(ctx context.Context, userID int64, pc *transfer.PostCreation, files []*multipart.FileHeader) (int64, error) {
	if pc.Content == "" && len(files) == 0 {
		return 0, &ValidationError{Message: "post needs content or media"}
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		} else if err != nil {
			tx.Rollback()
		}
	}()

	post := models.Post{
		UserID:  userID,
		Content: pc.Content,
		Tags:    pc.Tags,
		Status:  models.PostStatusDraft,
	}
	postID, err := s.pr.Create(ctx, tx, &post)
	if err != nil {
		return 0, fmt.Errorf("error creating post: %w", err)
	}

	if err = s.processFiles(ctx, tx, userID, postID, files); err != nil {
		return 0, fmt.Errorf("error processing files: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return postID, nil
}

func (s *postService) processFiles(ctx context.Context, tx *sql.Tx, userID, postID int64, files []*multipart.FileHeader) error {
	allowedTypes := map[string]struct{}{
		"mp4": {}, "mov": {}, "jpeg": {}, "png": {}, "jpg": {},
	}

	for i, file := range files {
		fileContent, err := file.Open()
		if err != nil {
			return fmt.Errorf("error opening file: %w", err)
		}
		defer fileContent.Close()

		fileBytes, err := io.ReadAll(fileContent)
		if err != nil {
			return fmt.Errorf("error reading file content: %w", err)
		}

		fileType, err := filetype.Match(fileBytes)
		if err != nil || fileType == types.Unknown {
			return &ValidationError{Message: "unsupported file type"}
		}
		if _, ok := allowedTypes[fileType.Extension]; !ok {
			return &ValidationError{Message: fmt.Sprintf("file type %s is not allowed", fileType.Extension)}
		}

		assetID, err := s.saveFile(ctx, tx, userID, fileType.MIME.Value, fileBytes)
		if err != nil {
			return fmt.Errorf("error uploading file: %w", err)
		}

		postMedia := models.PostMedia{
			PostID:       postID,
			AssetID:      assetID,
			DisplayOrder: i,
		}
		if err := s.pm.Create(ctx, tx, &postMedia); err != nil {
			return fmt.Errorf("error saving media file: %w", err)
		}
	}
	return nil
}

func (s *postService) saveFile(ctx context.Context, tx *sql.Tx, userID int64, contentType string, file []byte) (int64, error) {
	key, err := gonanoid.New()
	if err != nil {
		slog.Info(err.Error())
		return 0, err
	}
	if err := s.media.Upload(ctx, key, file, contentType); err != nil {
		return 0, err
	}

	ma := models.MediaAsset{
		UserID:   userID,
		FileName: key,
		FileType: contentType,
		FileSize: int64(len(file)),
		FileURL:  s.media.PublicURL(key),
	}
	return s.ma.Create(ctx, tx, &ma)
}

func (s *postService) Info(ctx context.Context, userID, postID int64) (*models.Post, error) {
	isValid, err := s.pr.CheckByUserID(ctx, postID, userID)
	if err != nil {
		return nil, err
	}
	if !isValid {
		return nil, &NotFoundError{Resource: "post"}
	}
	return s.pr.GetByID(ctx, postID)
}

func (s *postService) List(ctx context.Context, userID int64) ([]*models.Post, error) {
	return s.pr.GetByUserID(ctx, userID)
}

// Remove cancels every live schedule of the post before deleting it, so no
// queued job outlives the content it would publish.
func (s *postService) Remove(ctx context.Context, userID, postID int64) error {
	isValid, err := s.pr.CheckByUserID(ctx, postID, userID)
	if err != nil {
		return err
	}
	if !isValid {
		return &NotFoundError{Resource: "post"}
	}

	if err := s.sched.CancelByPost(ctx, userID, postID); err != nil {
		return err
	}

	media, err := s.pm.ListByPostID(ctx, postID)
	if err != nil {
		return err
	}
	if err := s.pm.Remove(ctx, postID); err != nil {
		return err
	}
	for _, pm := range media {
		asset, err := s.ma.GetByID(ctx, pm.AssetID)
		if err != nil || asset == nil {
			continue
		}
		// Bucket deletion is best effort; an orphaned object costs less than
		// a post row that cannot be removed.
		if err := s.media.Remove(ctx, asset.FileName); err != nil {
			slog.Info(err.Error())
		}
		if err := s.ma.Remove(ctx, asset.ID); err != nil {
			return err
		}
	}
	return s.pr.Remove(ctx, postID)
}
