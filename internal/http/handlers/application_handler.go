// Application HTTP handlers.
//
//   - POST   /posts/{id}/applications     (apply, tutor)
//   - GET    /posts/{id}/applications     (applications of a post, owner/admin)
//   - GET    /applications/mine           (tutor's submissions)
//   - GET    /applications/received       (student's received applications)
//   - GET    /applications/{id}           (get)
//   - PUT    /applications/{id}           (edit, tutor, pending)
//   - DELETE /applications/{id}           (delete)
//   - POST   /applications/bulk-delete    (delete several, student)
//   - PATCH  /applications/{id}/review    (approve/reject, post owner)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/services"
)

// ApplicationRequest is the apply/edit payload.
type ApplicationRequest struct {
	Qualifications string          `json:"qualifications"  binding:"required,max=2000"  example:"BSc Physics, BUET"`
	Experience     string          `json:"experience"      binding:"max=2000"           example:"3 years of HSC tutoring"`
	ExpectedSalary decimal.Decimal `json:"expected_salary" binding:"dgt0"               swaggertype:"string" example:"7500.00"`
}

func (r ApplicationRequest) input() services.ApplicationInput {
	return services.ApplicationInput{
		Qualifications: r.Qualifications,
		Experience:     r.Experience,
		ExpectedSalary: r.ExpectedSalary,
	}
}

// ReviewRequest carries the post owner's decision.
type ReviewRequest struct {
	Status string `json:"status" binding:"required,oneof=approved rejected" example:"approved"`
}

// BulkDeleteRequest lists the applications to delete.
type BulkDeleteRequest struct {
	IDs []string `json:"ids" binding:"required"`
}

// ListApplicationsResponse wraps a page of applications.
type ListApplicationsResponse struct {
	Applications []domain.Application `json:"applications"`
	Pagination   Pagination           `json:"pagination"`
}

// Apply godoc
// @ID          applyToPost
// @Summary     Apply to a post
// @Description Creates a pending, unpaid application by the calling tutor. One application per tutor and post.
// @Tags        Applications
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                       true  "Post ID (UUID)"  format(uuid)
// @Param       body  body  handlers.ApplicationRequest  true  "Application"
// @Success     201  {object}  domain.Application
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a tutor"
// @Failure     404  {object}  handlers.ErrorResponse  "Post not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already applied or post not open"
// @Router      /posts/{id}/applications [post]
func (h *Handlers) Apply(c *gin.Context) {
	postID, valid := uuidParam(c, "id", "post")
	if !valid {
		return
	}
	var req ApplicationRequest
	if !bindJSON(c, &req) {
		return
	}
	a, err := h.apps.Apply(c.Request.Context(), actor(c), postID, req.input())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, a)
}

// PostApplications godoc
// @ID          postApplications
// @Summary     Applications of a post
// @Tags        Applications
// @Produce     json
// @Security    BearerAuth
// @Param       id         path   string  true   "Post ID (UUID)"  format(uuid)
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListApplicationsResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not the post owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Post not found"
// @Router      /posts/{id}/applications [get]
func (h *Handlers) PostApplications(c *gin.Context) {
	postID, valid := uuidParam(c, "id", "post")
	if !valid {
		return
	}
	pg := pageParams(c)
	items, total, err := h.apps.ListForPost(c.Request.Context(), actor(c), postID, pg)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListApplicationsResponse{Applications: items, Pagination: newPagination(pg, total)})
}

// MyApplications godoc
// @ID          myApplications
// @Summary     Tutor's submitted applications
// @Tags        Applications
// @Produce     json
// @Security    BearerAuth
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListApplicationsResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not a tutor"
// @Router      /applications/mine [get]
func (h *Handlers) MyApplications(c *gin.Context) {
	pg := pageParams(c)
	items, total, err := h.apps.Mine(c.Request.Context(), actor(c), pg)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListApplicationsResponse{Applications: items, Pagination: newPagination(pg, total)})
}

// ReceivedApplications godoc
// @ID          receivedApplications
// @Summary     Applications received on the student's posts
// @Tags        Applications
// @Produce     json
// @Security    BearerAuth
// @Param       page       query  int  false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int  false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListApplicationsResponse
// @Failure     403  {object}  handlers.ErrorResponse  "Not a student"
// @Router      /applications/received [get]
func (h *Handlers) ReceivedApplications(c *gin.Context) {
	pg := pageParams(c)
	items, total, err := h.apps.Received(c.Request.Context(), actor(c), pg)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListApplicationsResponse{Applications: items, Pagination: newPagination(pg, total)})
}

// GetApplication godoc
// @ID          getApplication
// @Summary     Get an application
// @Tags        Applications
// @Produce     json
// @Security    BearerAuth
// @Param       id  path  string  true  "Application ID (UUID)"  format(uuid)
// @Success     200  {object}  domain.Application
// @Failure     404  {object}  handlers.ErrorResponse  "Application not found"
// @Router      /applications/{id} [get]
func (h *Handlers) GetApplication(c *gin.Context) {
	id, valid := uuidParam(c, "id", "application")
	if !valid {
		return
	}
	a, err := h.apps.Get(c.Request.Context(), actor(c), id)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

// UpdateApplication godoc
// @ID          updateApplication
// @Summary     Edit an application
// @Description Only the tutor who submitted it, and only while pending.
// @Tags        Applications
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                       true  "Application ID (UUID)"  format(uuid)
// @Param       body  body  handlers.ApplicationRequest  true  "Application"
// @Success     200  {object}  domain.Application
// @Failure     403  {object}  handlers.ErrorResponse  "Not the owner or no longer pending"
// @Failure     404  {object}  handlers.ErrorResponse  "Application not found"
// @Router      /applications/{id} [put]
func (h *Handlers) UpdateApplication(c *gin.Context) {
	id, valid := uuidParam(c, "id", "application")
	if !valid {
		return
	}
	var req ApplicationRequest
	if !bindJSON(c, &req) {
		return
	}
	a, err := h.apps.Update(c.Request.Context(), actor(c), id, req.input())
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}

// DeleteApplication godoc
// @ID          deleteApplication
// @Summary     Delete an application
// @Description Tutors delete their pending applications; students delete unpaid applications on their posts.
// @Tags        Applications
// @Security    BearerAuth
// @Param       id  path  string  true  "Application ID (UUID)"  format(uuid)
// @Success     204  {string}  string  "No Content"
// @Failure     403  {object}  handlers.ErrorResponse  "Not allowed"
// @Failure     404  {object}  handlers.ErrorResponse  "Application not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Application is paid or no longer pending"
// @Router      /applications/{id} [delete]
func (h *Handlers) DeleteApplication(c *gin.Context) {
	id, valid := uuidParam(c, "id", "application")
	if !valid {
		return
	}
	if err := h.apps.Delete(c.Request.Context(), actor(c), id); err != nil {
		failErr(c, err)
		return
	}
	noContent(c)
}

// BulkDeleteApplications godoc
// @ID          bulkDeleteApplications
// @Summary     Delete several applications
// @Description Each id is deleted independently; ids that could not be deleted are reported with an error code.
// @Tags        Applications
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.BulkDeleteRequest  true  "Application ids (at most 100)"
// @Success     200  {object}  services.BulkDeleteResult
// @Failure     400  {object}  handlers.ErrorResponse  "No ids or too many"
// @Failure     403  {object}  handlers.ErrorResponse  "Not a student"
// @Router      /applications/bulk-delete [post]
func (h *Handlers) BulkDeleteApplications(c *gin.Context) {
	var req BulkDeleteRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := h.apps.BulkDelete(c.Request.Context(), actor(c), req.IDs)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// ReviewApplication godoc
// @ID          reviewApplication
// @Summary     Approve or reject an application
// @Tags        Applications
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       id    path  string                  true  "Application ID (UUID)"  format(uuid)
// @Param       body  body  handlers.ReviewRequest  true  "Decision"
// @Success     200  {object}  domain.Application
// @Failure     403  {object}  handlers.ErrorResponse  "Not the post owner"
// @Failure     404  {object}  handlers.ErrorResponse  "Application not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already reviewed or post booked"
// @Router      /applications/{id}/review [patch]
func (h *Handlers) ReviewApplication(c *gin.Context) {
	id, valid := uuidParam(c, "id", "application")
	if !valid {
		return
	}
	var req ReviewRequest
	if !bindJSON(c, &req) {
		return
	}
	a, err := h.apps.Review(c.Request.Context(), actor(c), id, domain.ReviewStatus(req.Status))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, a)
}
