package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-tuition-backend/internal/http/middleware"
	"github.com/tbourn/go-tuition-backend/internal/services"
)

func TestFail_EnvelopeAndServerErrorLogging(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	r := gin.New()
	r.Use(middleware.RequestID(), func(c *gin.Context) {
		c.Set("logger", &logger)
		c.Next()
	})
	r.GET("/boom", func(c *gin.Context) { fail(c, http.StatusInternalServerError, ErrCodeInternal, "kaboom") })
	r.GET("/missing", func(c *gin.Context) { Fail(c, http.StatusNotFound, ErrCodeNotFound, "nope") })

	for _, tc := range []struct {
		path   string
		status int
		code   string
		msg    string
		logged bool
	}{
		{"/boom", http.StatusInternalServerError, ErrCodeInternal, "kaboom", true},
		{"/missing", http.StatusNotFound, ErrCodeNotFound, "nope", false},
	} {
		buf.Reset()
		req := httptest.NewRequest(http.MethodGet, tc.path, nil)
		req.Header.Set("X-Request-ID", "rid"+tc.path)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)

		if w.Code != tc.status {
			t.Fatalf("%s: status = %d", tc.path, w.Code)
		}
		var er ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
			t.Fatalf("%s: %v", tc.path, err)
		}
		if er != (ErrorResponse{RequestID: "rid" + tc.path, Code: tc.code, Message: tc.msg}) {
			t.Fatalf("%s: body = %+v", tc.path, er)
		}
		if got := strings.Contains(buf.String(), `"level":"error"`); got != tc.logged {
			t.Fatalf("%s: logged = %v, want %v (%s)", tc.path, got, tc.logged, buf.String())
		}
	}
}

func TestSuccessHelpers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ok", func(c *gin.Context) { ok(c, http.StatusCreated, gin.H{"n": 1}) })
	r.DELETE("/gone", func(c *gin.Context) { noContent(c) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusCreated || strings.TrimSpace(w.Body.String()) != `{"n":1}` {
		t.Fatalf("ok: %d %s", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/gone", nil))
	if w.Code != http.StatusNoContent || w.Body.Len() != 0 {
		t.Fatalf("noContent: %d %q", w.Code, w.Body.String())
	}
}

func TestFailErr_MapsKinds(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		name   string
		err    error
		status int
		code   string
		msg    string
	}{
		{"unauthorized", services.ErrNoIdentity, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required"},
		{"forbidden", services.ErrNotOwner, http.StatusForbidden, ErrCodeForbidden, "you do not own this resource"},
		{"invalid state", services.ErrPostBooked, http.StatusConflict, ErrCodeInvalidState, "tuition post is already booked"},
		{"not found", services.ErrApplicationNotFound, http.StatusNotFound, ErrCodeNotFound, "application not found"},
		{"conflict", services.ErrAlreadyApplied, http.StatusConflict, ErrCodeConflict, "you already applied to this post"},
		{"validation", &services.Error{Kind: services.ErrValidation, Msg: "budget must be greater than zero"}, http.StatusBadRequest, ErrCodeValidation, "budget must be greater than zero"},
		{"unavailable", fmt.Errorf("%w: create checkout: boom", services.ErrUnavailable), http.StatusServiceUnavailable, ErrCodeUnavailable, "payment gateway unavailable, retry later"},
		{"internal", errors.New("disk on fire"), http.StatusInternalServerError, ErrCodeInternal, "internal error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := gin.New()
			r.GET("/x", func(c *gin.Context) { failErr(c, tc.err) })

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
			if w.Code != tc.status {
				t.Fatalf("status = %d, want %d", w.Code, tc.status)
			}
			var er ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &er); err != nil {
				t.Fatalf("json: %v", err)
			}
			if er.Code != tc.code || er.Message != tc.msg {
				t.Fatalf("body = %+v", er)
			}
			if retry := w.Header().Get("Retry-After"); (tc.status == http.StatusServiceUnavailable) != (retry != "") {
				t.Fatalf("Retry-After = %q for status %d", retry, tc.status)
			}
		})
	}
}

func TestNewPagination(t *testing.T) {
	p := newPagination(services.NewPage(2, 10), 25)
	if p.Page != 2 || p.PageSize != 10 || p.TotalPages != 3 || !p.HasNext {
		t.Fatalf("unexpected %+v", p)
	}
	p = newPagination(services.NewPage(3, 10), 25)
	if p.HasNext {
		t.Fatalf("last page must not have next: %+v", p)
	}
	p = newPagination(services.NewPage(1, 20), 0)
	if p.TotalPages != 0 || p.HasNext {
		t.Fatalf("empty result: %+v", p)
	}
}
