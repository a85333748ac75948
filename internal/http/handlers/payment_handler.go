// Payment HTTP handlers.
//
//   - POST /applications/{id}/payments       (initiate, student; Idempotency-Key)
//   - GET  /applications/{id}/payments       (sessions of an application)
//   - GET  /payments/sessions/{id}           (get session)
//   - POST /payments/sessions/{id}/complete  (complete after redirect, payer)
//   - POST /payments/sessions/{id}/cancel    (cancel, payer)
//   - POST /payments/webhook                 (gateway callback, HMAC signed)
//   - GET  /payments/history                 (records, as=payer|payee|all)
//   - GET  /payments/history/export          (same view as XLSX)
package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/export"
	"github.com/tbourn/go-tuition-backend/internal/http/middleware"
	"github.com/tbourn/go-tuition-backend/internal/payment"
)

// ListRecordsResponse wraps a page of payment records.
type ListRecordsResponse struct {
	Records    []domain.PaymentRecord `json:"records"`
	Pagination Pagination             `json:"pagination"`
}

// ListSessionsResponse lists the checkout sessions of one application.
type ListSessionsResponse struct {
	Sessions []domain.PaymentSession `json:"sessions"`
}

func markReplayed(c *gin.Context) {
	c.Header(middleware.HeaderIdempotencyReplayed, "true")
}

// InitiatePayment godoc
// @ID          initiatePayment
// @Summary     Start a checkout
// @Description Opens a checkout for an approved, unpaid application on the caller's post. A still open session is returned instead of a new one. Repeating an Idempotency-Key returns the session recorded for it.
// @Tags        Payments
// @Produce     json
// @Security    BearerAuth
// @Param       id               path    string  true   "Application ID (UUID)"  format(uuid)
// @Param       Idempotency-Key  header  string  false  "Client retry key"
// @Success     201  {object}  domain.PaymentSession
// @Success     200  {object}  domain.PaymentSession  "Replayed"
// @Header      200  {string}  Idempotency-Replayed  "true"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the payer"
// @Failure     404  {object}  handlers.ErrorResponse  "Application not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Not approved, already paid, or in flight"
// @Failure     503  {object}  handlers.ErrorResponse  "Gateway unavailable"
// @Router      /applications/{id}/payments [post]
func (h *Handlers) InitiatePayment(c *gin.Context) {
	appID, valid := uuidParam(c, "id", "application")
	if !valid {
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	res, err := h.payments.Initiate(c.Request.Context(), actor(c), appID, key)
	if err != nil {
		failErr(c, err)
		return
	}
	if res.Replayed {
		markReplayed(c)
		ok(c, http.StatusOK, res.Session)
		return
	}
	ok(c, http.StatusCreated, res.Session)
}

// ApplicationPayments godoc
// @ID          applicationPayments
// @Summary     Checkout sessions of an application
// @Tags        Payments
// @Produce     json
// @Security    BearerAuth
// @Param       id  path  string  true  "Application ID (UUID)"  format(uuid)
// @Success     200  {object}  handlers.ListSessionsResponse
// @Failure     404  {object}  handlers.ErrorResponse  "Application not found"
// @Router      /applications/{id}/payments [get]
func (h *Handlers) ApplicationPayments(c *gin.Context) {
	appID, valid := uuidParam(c, "id", "application")
	if !valid {
		return
	}
	items, err := h.payments.SessionsForApplication(c.Request.Context(), actor(c), appID)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListSessionsResponse{Sessions: items})
}

// GetSession godoc
// @ID          getPaymentSession
// @Summary     Get a checkout session
// @Tags        Payments
// @Produce     json
// @Security    BearerAuth
// @Param       id  path  string  true  "Session ID"
// @Success     200  {object}  domain.PaymentSession
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Router      /payments/sessions/{id} [get]
func (h *Handlers) GetSession(c *gin.Context) {
	s, err := h.payments.GetSession(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, s)
}

// CompletePayment godoc
// @ID          completePayment
// @Summary     Complete a checkout
// @Description Confirms the payment with the gateway, then marks the application paid and books the post. Completing again returns the existing record.
// @Tags        Payments
// @Produce     json
// @Security    BearerAuth
// @Param       id  path  string  true  "Session ID"
// @Success     200  {object}  domain.PaymentRecord
// @Header      200  {string}  Idempotency-Replayed  "true when already completed"
// @Failure     403  {object}  handlers.ErrorResponse  "Not the payer"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Cancelled, not settled, or post already booked"
// @Failure     503  {object}  handlers.ErrorResponse  "Gateway unavailable"
// @Router      /payments/sessions/{id}/complete [post]
func (h *Handlers) CompletePayment(c *gin.Context) {
	res, err := h.payments.Complete(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	if res.Replayed {
		markReplayed(c)
	}
	ok(c, http.StatusOK, res.Record)
}

// CancelPayment godoc
// @ID          cancelPayment
// @Summary     Cancel a checkout
// @Description The application stays approved and unpaid, so a new checkout may be started.
// @Tags        Payments
// @Produce     json
// @Security    BearerAuth
// @Param       id  path  string  true  "Session ID"
// @Success     200  {object}  domain.PaymentSession
// @Failure     403  {object}  handlers.ErrorResponse  "Not the payer"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Already succeeded"
// @Router      /payments/sessions/{id}/cancel [post]
func (h *Handlers) CancelPayment(c *gin.Context) {
	s, err := h.payments.Cancel(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, s)
}

// PaymentWebhook godoc
// @ID          paymentWebhook
// @Summary     Gateway callback
// @Description Body is {session_id, status, transaction_id} signed with HMAC-SHA256 in X-Signature. Redeliveries are acknowledged with replayed=true.
// @Tags        Payments
// @Accept      json
// @Produce     json
// @Param       X-Signature  header  string  true  "sha256=<hex>"
// @Success     200  {object}  services.WebhookResult
// @Failure     400  {object}  handlers.ErrorResponse  "Malformed payload"
// @Failure     401  {object}  handlers.ErrorResponse  "Bad signature"
// @Failure     404  {object}  handlers.ErrorResponse  "Session not found"
// @Failure     409  {object}  handlers.ErrorResponse  "Session state does not allow the transition"
// @Router      /payments/webhook [post]
func (h *Handlers) PaymentWebhook(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "unreadable body")
		return
	}
	res, err := h.payments.HandleWebhook(c.Request.Context(), body, c.GetHeader(payment.SignatureHeader))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, res)
}

// PaymentHistory godoc
// @ID          paymentHistory
// @Summary     Payment records
// @Description Defaults to payer for students, payee for tutors and the whole ledger for admins.
// @Tags        Payments
// @Produce     json
// @Security    BearerAuth
// @Param       as         query  string  false  "payer|payee|all"
// @Param       page       query  int     false  "Page number"     minimum(1) default(1)
// @Param       page_size  query  int     false  "Items per page"  minimum(1) maximum(100) default(20)
// @Success     200  {object}  handlers.ListRecordsResponse
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown view"
// @Router      /payments/history [get]
func (h *Handlers) PaymentHistory(c *gin.Context) {
	pg := pageParams(c)
	items, total, err := h.payments.History(c.Request.Context(), actor(c), c.Query("as"), pg)
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, ListRecordsResponse{Records: items, Pagination: newPagination(pg, total)})
}

// ExportPaymentHistory godoc
// @ID          exportPaymentHistory
// @Summary     Export payment records as XLSX
// @Tags        Payments
// @Produce     application/vnd.openxmlformats-officedocument.spreadsheetml.sheet
// @Security    BearerAuth
// @Param       as  query  string  false  "payer|payee|all"
// @Success     200  {file}    file
// @Failure     400  {object}  handlers.ErrorResponse  "Unknown view or more records than one export allows"
// @Router      /payments/history/export [get]
func (h *Handlers) ExportPaymentHistory(c *gin.Context) {
	var buf bytes.Buffer
	n, err := h.payments.ExportHistory(c.Request.Context(), actor(c), c.Query("as"), &buf)
	if err != nil {
		failErr(c, err)
		return
	}
	name := fmt.Sprintf("payments-%s.xlsx", time.Now().UTC().Format("20060102"))
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Header("X-Record-Count", fmt.Sprint(n))
	c.Data(http.StatusOK, export.ContentTypeXLSX, buf.Bytes())
}
