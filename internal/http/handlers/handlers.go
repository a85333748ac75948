// Package handlers exposes the marketplace lifecycle over HTTP.
//
// Handlers are transport-thin: they bind and validate input, resolve the
// acting caller from the context set by middleware.Identify, call the
// services, and translate results into responses. Authorization and state
// checks live in the services; a handler never decides who may do what.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/tbourn/go-tuition-backend/internal/auth"
	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/http/middleware"
	"github.com/tbourn/go-tuition-backend/internal/search"
	"github.com/tbourn/go-tuition-backend/internal/services"
	"github.com/tbourn/go-tuition-backend/internal/utils"
)

//
// Service contracts
//

// UserService manages self-registration.
type UserService interface {
	Register(ctx context.Context, actor auth.Actor, in services.RegisterInput) (*domain.User, error)
	Me(ctx context.Context, actor auth.Actor) (*domain.User, error)
}

// PostService manages tuition posts and their moderation.
type PostService interface {
	Create(ctx context.Context, actor auth.Actor, in services.PostInput) (*domain.TuitionPost, error)
	Get(ctx context.Context, actor auth.Actor, id string) (*domain.TuitionPost, error)
	Browse(ctx context.Context, actor auth.Actor, q search.Query, pg services.Page) ([]domain.TuitionPost, int64, error)
	Mine(ctx context.Context, actor auth.Actor, pg services.Page) ([]domain.TuitionPost, int64, error)
	Queue(ctx context.Context, actor auth.Actor, status domain.ModerationStatus, pg services.Page) ([]domain.TuitionPost, int64, error)
	Update(ctx context.Context, actor auth.Actor, id string, in services.PostInput) (*domain.TuitionPost, error)
	Delete(ctx context.Context, actor auth.Actor, id string) error
	Moderate(ctx context.Context, actor auth.Actor, id string, decision domain.ModerationStatus) (*domain.TuitionPost, error)
}

// ApplicationService manages tutor applications and their review.
type ApplicationService interface {
	Apply(ctx context.Context, actor auth.Actor, postID string, in services.ApplicationInput) (*domain.Application, error)
	Get(ctx context.Context, actor auth.Actor, id string) (*domain.Application, error)
	ListForPost(ctx context.Context, actor auth.Actor, postID string, pg services.Page) ([]domain.Application, int64, error)
	Mine(ctx context.Context, actor auth.Actor, pg services.Page) ([]domain.Application, int64, error)
	Received(ctx context.Context, actor auth.Actor, pg services.Page) ([]domain.Application, int64, error)
	Update(ctx context.Context, actor auth.Actor, id string, in services.ApplicationInput) (*domain.Application, error)
	Delete(ctx context.Context, actor auth.Actor, id string) error
	BulkDelete(ctx context.Context, actor auth.Actor, ids []string) (*services.BulkDeleteResult, error)
	Review(ctx context.Context, actor auth.Actor, id string, decision domain.ReviewStatus) (*domain.Application, error)
}

// PaymentService manages checkout sessions and payment records.
type PaymentService interface {
	Initiate(ctx context.Context, actor auth.Actor, applicationID, key string) (*services.InitiateResult, error)
	GetSession(ctx context.Context, actor auth.Actor, id string) (*domain.PaymentSession, error)
	SessionsForApplication(ctx context.Context, actor auth.Actor, applicationID string) ([]domain.PaymentSession, error)
	Complete(ctx context.Context, actor auth.Actor, sessionID string) (*services.CompleteResult, error)
	Cancel(ctx context.Context, actor auth.Actor, sessionID string) (*domain.PaymentSession, error)
	HandleWebhook(ctx context.Context, body []byte, signature string) (*services.WebhookResult, error)
	History(ctx context.Context, actor auth.Actor, as string, pg services.Page) ([]domain.PaymentRecord, int64, error)
	ExportHistory(ctx context.Context, actor auth.Actor, as string, w io.Writer) (int, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the API.
type Handlers struct {
	users    UserService
	posts    PostService
	apps     ApplicationService
	payments PaymentService
}

// New binds the handlers to their services and registers the custom
// validation tags on gin's validator.
func New(users UserService, posts PostService, apps ApplicationService, payments PaymentService) *Handlers {
	registerValidators()
	return &Handlers{users: users, posts: posts, apps: apps, payments: payments}
}

var validatorsOnce sync.Once

// registerValidators teaches gin's validator to read decimal.Decimal as a
// number and adds "dgt0", a required amount strictly greater than zero.
func registerValidators() {
	validatorsOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		v.RegisterCustomTypeFunc(decimalValue, decimal.Decimal{})
		v.RegisterAlias("dgt0", "required,gt=0")
	})
}

func decimalValue(field reflect.Value) any {
	if d, ok := field.Interface().(decimal.Decimal); ok {
		f, _ := d.Float64()
		return f
	}
	return nil
}

//
// Helpers
//

// actor returns the caller resolved by middleware.Identify.
func actor(c *gin.Context) auth.Actor { return middleware.ActorFrom(c) }

// pageParams reads page and page_size; services.NewPage applies the bounds.
func pageParams(c *gin.Context) services.Page {
	return services.NewPage(
		utils.AtoiDefault(c.Query("page"), 1),
		utils.AtoiDefault(c.Query("page_size"), 20),
	)
}

// uuidParam reads a path parameter that must be a UUID. It writes the 400
// response itself and reports false when the value is malformed.
func uuidParam(c *gin.Context, name, what string) (string, bool) {
	id := c.Param(name)
	if _, err := uuid.Parse(id); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, what+" id must be a UUID")
		return "", false
	}
	return id, true
}

// bindJSON decodes the body into dst and reports the first failing field.
func bindJSON(c *gin.Context, dst any) bool {
	err := c.ShouldBindJSON(dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fail(c, http.StatusBadRequest, ErrCodeValidation, fieldMessage(verrs[0]))
		return false
	}
	fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
	return false
}

func fieldMessage(fe validator.FieldError) string {
	name := snake(fe.Field())
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "dgt0", "gt":
		return name + " must be greater than zero"
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", name, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", name, fe.Param())
	}
	return name + " is invalid"
}

// snake converts a Go field name (ExpectedSalary) to its JSON form.
func snake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
