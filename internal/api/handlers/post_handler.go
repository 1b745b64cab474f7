package handlers

import (
	"log/slog"
	"mime/multipart"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/postpilothq/postpilot/internal/service"
	"github.com/postpilothq/postpilot/internal/transfer"
)

type PostHandler struct {
	s  service.PostService
	ss service.ScheduleService
}

func NewPostHandler(postService service.PostService, scheduleService service.ScheduleService) *PostHandler {
	return &PostHandler{s: postService, ss: scheduleService}
}

// CreatePost stores the post and its media. When publish_now is set the post
// is queued for immediate publishing in the same request, to the listed
// account_ids or to every connected account when none are given.
func (h *PostHandler) CreatePost(c *fiber.Ctx) error {
	userID := GetUserID(c)

	content := c.FormValue("content")
	tags := c.FormValue("tags")

	var files []*multipart.FileHeader
	if form, err := c.MultipartForm(); err == nil && form != nil {
		files = form.File["files"]
	}

	postID, err := h.s.Create(c.Context(), userID, &transfer.PostCreation{
		Content: content,
		Tags:    tags,
	}, files)
	if err != nil {
		return serviceError(c, err)
	}

	if c.FormValue("publish_now") == "true" {
		accountIDs, err := parseAccountIDs(c.FormValue("account_ids"))
		if err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid account_ids",
			})
		}
		if err := h.ss.PublishNow(c.Context(), userID, postID, accountIDs); err != nil {
			return serviceError(c, err)
		}
	}

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"post_id": postID,
	})
}

func (h *PostHandler) ListPosts(c *fiber.Ctx) error {
	userID := GetUserID(c)
	postID := c.QueryInt("id", 0)

	if postID != 0 {
		post, err := h.s.Info(c.Context(), userID, int64(postID))
		if err != nil {
			return serviceError(c, err)
		}
		return c.Status(fiber.StatusOK).JSON(post)
	}

	posts, err := h.s.List(c.Context(), userID)
	if err != nil {
		return serviceError(c, err)
	}
	return c.Status(fiber.StatusOK).JSON(posts)
}

func (h *PostHandler) RemovePost(c *fiber.Ctx) error {
	userID := GetUserID(c)
	postID := c.QueryInt("id", 0)
	if postID == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "post id is required",
		})
	}

	if err := h.s.Remove(c.Context(), userID, int64(postID)); err != nil {
		slog.Error(err.Error())
		return serviceError(c, err)
	}
	return c.SendStatus(fiber.StatusOK)
}

func parseAccountIDs(raw string) ([]int64, error) {
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	ids := make([]int64, 0, len(parts))
	for _, part := range parts {
		id, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
