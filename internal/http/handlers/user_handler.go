// User HTTP handlers.
//
//   - POST /users     (register the caller as student or tutor)
//   - GET  /users/me  (current directory entry)
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/services"
)

// RegisterRequest is the self-registration payload.
type RegisterRequest struct {
	Role  string `json:"role"  binding:"required"  example:"student"`
	Name  string `json:"name"  binding:"max=255"   example:"Nusrat Jahan"`
	Phone string `json:"phone" binding:"max=32"    example:"+8801700000000"`
}

// Register godoc
// @ID          registerUser
// @Summary     Register the caller
// @Description Records the caller's role. Registering again with the same role returns the existing entry.
// @Tags        Users
// @Accept      json
// @Produce     json
// @Security    BearerAuth
// @Param       body  body  handlers.RegisterRequest  true  "Registration"
// @Success     201  {object}  domain.User
// @Failure     400  {object}  handlers.ErrorResponse  "Validation failed"
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     409  {object}  handlers.ErrorResponse  "Registered with another role"
// @Router      /users [post]
func (h *Handlers) Register(c *gin.Context) {
	var req RegisterRequest
	if !bindJSON(c, &req) {
		return
	}
	u, err := h.users.Register(c.Request.Context(), actor(c), services.RegisterInput{
		Role:  domain.Role(req.Role),
		Name:  req.Name,
		Phone: req.Phone,
	})
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusCreated, u)
}

// Me godoc
// @ID          currentUser
// @Summary     Current user
// @Tags        Users
// @Produce     json
// @Security    BearerAuth
// @Success     200  {object}  domain.User
// @Failure     401  {object}  handlers.ErrorResponse  "Unauthenticated"
// @Failure     403  {object}  handlers.ErrorResponse  "Not registered"
// @Router      /users/me [get]
func (h *Handlers) Me(c *gin.Context) {
	u, err := h.users.Me(c.Request.Context(), actor(c))
	if err != nil {
		failErr(c, err)
		return
	}
	ok(c, http.StatusOK, u)
}
