// Tuition post HTTP handlers.
//
//   - POST   /posts                 (create, student)
//   - GET    /posts                 (browse visible posts, weak ETag)
//   - GET    /posts/mine            (own posts, student)
//   - GET    /posts/queue           (moderation queue, admin)
//   - GET    /posts/{id}            (get)
//   - PUT    /posts/{id}            (edit, owner)
//   - DELETE /posts/{id}            (delete, owner)
//   - PATCH  /posts/{id}/moderation (approve/reject, admin)
package handlers

import (
	"fmt"
	"hash/fnv"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/repo"
	"github.com/tbourn/go-tuition-backend/internal/search"
	"github.com/tbourn/go-tuition-backend/internal/services"
)

// PostRequest is the create/edit payload of a tuition post.
type PostRequest struct {
	Subject  string          `json:"subject"  binding:"required,max=120"  example:"Physics"`
	Class    string          `json:"class"    binding:"required,max=60"   example:"HSC 1st year"`
	Location string          `json:"location" binding:"required,max=255"  example:"Dhanmondi, Dhaka"`
	Budget   decimal.Decimal `json:"budget"   binding:"dgt0"              swaggertype:"string" example:"8000.00"`
	Schedule string          `json:"schedule" binding:"max=255"           example:"Sun, Tue, Thu 5-7pm"`
	Details  string          `json:"details"  binding:"max=5000"          example:"Needs help with mechanics."`
}

func (r PostRequest) input() services.PostInput {
	return services.PostInput{
		Subject:  r.Subject,
		Class:    r.Class,
		Location: r.Location,
		Budget:   r.Budget,
		Schedule: r.Schedule,
		Details:  r.Details,
	}
}

// ModerationRequest carries an admin decision.
type ModerationRequest struct {
	Status string `json:"status" binding:"required,oneof=approved rejected" example:"approved"`
}

// ListPostsResponse wraps a page of posts.
type ListPostsResponse struct {
	Posts      []domain.TuitionPost `json:"posts"`
	Pagination Pagination           `json:"pagination"`
}

// CreatePost godoc
// @ID          createPost
// @Summary     Create a tuition post
// @Description Stores a post owned by the calling student. It starts pending moderation and open.
// @Tags        Posts
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.PostRequest  true  "Post"
// @Success     201  {object}  domain.TuitionPost
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a student"
// @Router      /posts [post]
func (h *Handlers) CreatePost(c *gin.Context) {
	var req PostRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.posts.Create(c.Request.Context(), actor(c), req.input())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, p)
}

// BrowsePosts godoc
// @ID          browsePosts
// @Summary     Browse visible posts
// @Description Approved, open posts. Supports weak ETag via If-None-Match and may return 304.
// @Tags        Posts
// @Produce     json
// @Security    BearerAuth
// @Param       q              query   string  false  "Case-insensitive search term"
// @Param       sort           query   string  false  "latest|location|class|subject"  default(latest)
// @Param       page           query   int     false  "Page number"     minimum(1) default(1)
// @Param       page_size      query   int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Param       If-None-Match  header  string  false  "Return 304 if ETag matches"
// @Success     200  {object}  handlers.ListPostsResponse
// @Header      200  {string}  ETag  "Weak ETag for current result"
// @Success     304  {string}  string  "Not Modified"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     403  {object}  handlers.ErrorResponse  "Not registered"
// @Router      /posts [get]
func (h *Handlers) BrowsePosts(c *gin.Context) {
	ctx := c.Request.Context()
	a := actor(c)
	q := search.NewQuery(c.Query("q"), c.Query("sort"))
	pg := pageParams(c)

	// ETag pre-check (best effort), only for callers allowed to browse.
	if svc, isSvc := h.posts.(*services.PostService); isSvc && svc.DB != nil && a.Registered() {
		if v, err := repo.VisiblePostsVersion(ctx, svc.DB, q); err == nil {
			etag := browseETag(q, pg, v)
			c.Header("ETag", etag)
			if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
				c.Status(http.StatusNotModified)
				return
			}
		}
	}

	items, total, err := h.posts.Browse(ctx, a, q, pg)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListPostsResponse{Posts: items, Pagination: newPagination(pg, total)})
}

// browseETag identifies one page of the feed for one query.
func browseETag(q search.Query, pg services.Page, v repo.FeedVersion) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(q.Term))
	var ts int64
	if !v.Latest.IsZero() {
		ts = v.Latest.UnixNano()
	}
	return fmt.Sprintf(`W/"posts:%x:%s:%d:%d:%d:%d"`, h.Sum64(), q.Sort, pg.Number, pg.Size, v.Count, ts)
}

// MyPosts godoc
// @ID          myPosts
// @Summary     List own posts
// @Tags        Posts
// @Produce     json
// @Security    BearerAuth
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListPostsResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not a student"
// @Router      /posts/mine [get]
func (h *Handlers) MyPosts(c *gin.Context) {
	pg := pageParams(c)
	items, total, err := h.posts.Mine(c.Request.Context(), actor(c), pg)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListPostsResponse{Posts: items, Pagination: newPagination(pg, total)})
}

// ModerationQueue godoc
// @ID          moderationQueue
// @Summary     Moderation queue
// @Tags        Posts
// @Produce     json
// @Security    BearerAuth
// @Param       status     query  string  false  "pending|approved|rejected"  default(pending)
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListPostsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown status"
// @Failure     403  {object}  handlers.ErrorResponse  "Not an admin"
// @Router      /posts/queue [get]
func (h *Handlers) ModerationQueue(c *gin.Context) {
	pg := pageParams(c)
	status := domain.ModerationStatus(c.Query("status"))
	items, total, err := h.posts.Queue(c.Request.Context(), actor(c), status, pg)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListPostsResponse{Posts: items, Pagination: newPagination(pg, total)})
}

// GetPost godoc
// @ID          getPost
// @Summary     Get a post
// @Description Owners and admins see any state; other callers only visible posts.
// @Tags        Posts
// @Produce     json
// @Security    BearerAuth
// @Param       id  path  string  true  "Post ID (UUID)"  format(uuid)
// @Success     200  {object}  domain.TuitionPost
// @Failure     404  {object}  handlers.ErrorResponse  "Post not found"
// @Router      /posts/{id} [get]
func (h *Handlers) GetPost(c *gin.Context) {
	id, valid := uuidParam(c, "id", "post")
	if !valid {
		return
	}
	p, err := h.posts.Get(c.Request.Context(), actor(c), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// UpdatePost godoc
// @ID          updatePost
// @Summary     Edit a post
// @Description Replaces the editable attributes of an open post owned by the caller.
// @Tags        Posts
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                true  "Post ID (UUID)"  format(uuid)
// @Param       body  body  handlers.PostRequest  true  "Post"
// @Success     200  {object}  domain.TuitionPost
// @Failure     403  {object}  handlers.ErrorResponse  "Not the owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Post not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Post is booked"
// @Router      /posts/{id} [put]
func (h *Handlers) UpdatePost(c *gin.Context) {
	id, valid := uuidParam(c, "id", "post")
	if !valid {
		return
	}
	var req PostRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.posts.Update(c.Request.Context(), actor(c), id, req.input())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}

// DeletePost godoc
// @ID          deletePost
// @Summary     Delete a post
// @Description Deletes an unbooked post owned by the caller together with its applications.
// @Tags        Posts
// @Security    BearerAuth
// @Param       id  path  string  true  "Post ID (UUID)"  format(uuid)
// @Success     204  {string}  string  "No Content"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Post not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Post is booked"
// @Router      /posts/{id} [delete]
func (h *Handlers) DeletePost(c *gin.Context) {
	id, valid := uuidParam(c, "id", "post")
	if !valid {
		return
	}
	if err := h.posts.Delete(c.Request.Context(), actor(c), id); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// ModeratePost godoc
// @ID          moderatePost
// @Summary     Moderate a post
// @Tags        Posts
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                      true  "Post ID (UUID)"  format(uuid)
// @Param       body  body  handlers.ModerationRequest  true  "Decision"
// @Success     200  {object}  domain.TuitionPost
// @Failure     403  {object}  handlers.ErrorResponse  "Not an admin"
// @Failure     404  {object}  handlers.ErrorResponse  "Post not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Post is booked"
// @Router      /posts/{id}/moderation [patch]
func (h *Handlers) ModeratePost(c *gin.Context) {
	id, valid := uuidParam(c, "id", "post")
	if !valid {
		return
	}
	var req ModerationRequest
	if !bindJSON(c, &req) {
		return
	}
	p, err := h.posts.Moderate(c.Request.Context(), actor(c), id, domain.ModerationStatus(req.Status))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, p)
}
