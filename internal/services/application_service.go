// Package services – ApplicationService
//
// ApplicationService owns the tutor-side lifecycle: tutors apply to visible
// posts and edit or withdraw while pending; the post owner reviews once
// (approve or reject) and may delete any unpaid application, singly or in
// bulk. Approval only selects a tutor; payment is a separate step handled by
// PaymentService.
package services

import (
	"context"
	"errors"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/shopspring/decimal"

	"github.com/tbourn/go-tuition-backend/internal/auth"
	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/events"
	"github.com/tbourn/go-tuition-backend/internal/metrics"
	"github.com/tbourn/go-tuition-backend/internal/repo"
)

// MaxBulkDelete caps the number of ids accepted by BulkDelete.
const MaxBulkDelete = 100

// ApplicationInput carries the tutor-editable attributes of an application.
type ApplicationInput struct {
	Qualifications string
	Experience     string
	ExpectedSalary decimal.Decimal
}

func (in ApplicationInput) normalize() (ApplicationInput, error) {
	var err error
	if in.Qualifications, err = blockField("qualifications", in.Qualifications, true, 2000); err != nil {
		return in, err
	}
	if in.Experience, err = blockField("experience", in.Experience, false, 2000); err != nil {
		return in, err
	}
	if in.ExpectedSalary, err = amountField("expected_salary", in.ExpectedSalary); err != nil {
		return in, err
	}
	return in, nil
}

// BulkFailure describes one id BulkDelete could not remove.
type BulkFailure struct {
	ID      string `json:"id"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BulkDeleteResult reports the outcome of BulkDelete.
type BulkDeleteResult struct {
	Deleted  int           `json:"deleted"`
	Failures []BulkFailure `json:"failures"`
}

// ApplicationService coordinates application persistence and review.
type ApplicationService struct {
	DB     *gorm.DB
	Events events.Publisher
}

// NewApplicationService returns an ApplicationService.
func NewApplicationService(db *gorm.DB, pub events.Publisher) *ApplicationService {
	return &ApplicationService{DB: db, Events: pub}
}

// Apply creates a pending, unpaid application by the acting tutor on a
// visible post. A tutor can apply to a post only once.
func (s *ApplicationService) Apply(ctx context.Context, actor auth.Actor, postID string, in ApplicationInput) (*domain.Application, error) {
	ctx, span := otel.Tracer("services/ApplicationService").Start(ctx, "Apply",
		trace.WithAttributes(attribute.String("post.id", postID), attribute.String("user.id", actor.Email)))
	defer span.End()

	if err := requireRole(actor, domain.RoleTutor); err != nil {
		return nil, err
	}
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}

	var a *domain.Application
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := repo.GetPost(ctx, tx, postID)
		if err != nil {
			return notFoundAs(err, ErrPostNotFound)
		}
		if !p.Visible() {
			// Pending or rejected posts are hidden from tutors.
			if p.ModerationStatus != domain.ModerationApproved {
				return ErrPostNotFound
			}
			return ErrPostNotOpen
		}
		dup, err := repo.ApplicationExists(ctx, tx, actor.Email, postID)
		if err != nil {
			return err
		}
		if dup {
			return ErrAlreadyApplied
		}
		a = &domain.Application{
			PostID:         p.ID,
			TutorEmail:     actor.Email,
			TutorName:      actor.Name,
			StudentEmail:   p.StudentEmail,
			Subject:        p.Subject,
			Qualifications: in.Qualifications,
			Experience:     in.Experience,
			ExpectedSalary: in.ExpectedSalary,
			StudentDemand:  p.Budget,
			Status:         domain.ReviewPending,
			PaymentStatus:  domain.PaymentUnpaid,
		}
		if err := repo.CreateApplication(ctx, tx, a); err != nil {
			if errors.Is(err, repo.ErrDuplicate) {
				return ErrAlreadyApplied
			}
			return err
		}
		a.Post = *p
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.Transition("application", string(domain.ReviewPending))
	events.Emit(ctx, s.Events, events.New(events.ApplicationCreated, a.PostID, actor.Email, map[string]string{
		"application_id": a.ID,
	}))
	logger(ctx).Info().Str("application_id", a.ID).Str("post_id", a.PostID).Msg("application created")
	return a, nil
}

// Get returns an application to its tutor, the post owner or an admin.
func (s *ApplicationService) Get(ctx context.Context, actor auth.Actor, id string) (*domain.Application, error) {
	if err := requireRole(actor); err != nil {
		return nil, err
	}
	a, err := repo.GetApplication(ctx, s.DB, id)
	if err != nil {
		return nil, notFoundAs(err, ErrApplicationNotFound)
	}
	if a.TutorEmail != actor.Email && a.StudentEmail != actor.Email && !actor.IsAdmin() {
		return nil, ErrApplicationNotFound
	}
	return a, nil
}

// ListForPost lists applications on a post, oldest first, for the post owner
// or an admin.
func (s *ApplicationService) ListForPost(ctx context.Context, actor auth.Actor, postID string, pg Page) ([]domain.Application, int64, error) {
	ctx, span := otel.Tracer("services/ApplicationService").Start(ctx, "ListForPost",
		trace.WithAttributes(attribute.String("post.id", postID), attribute.Int("page", pg.Number)))
	defer span.End()

	if err := requireRole(actor, domain.RoleStudent, domain.RoleAdmin); err != nil {
		return nil, 0, err
	}
	p, err := repo.GetPost(ctx, s.DB, postID)
	if err != nil {
		return nil, 0, notFoundAs(err, ErrPostNotFound)
	}
	if p.StudentEmail != actor.Email && !actor.IsAdmin() {
		return nil, 0, ErrNotOwner
	}
	return repo.ListApplicationsByPost(ctx, s.DB, postID, pg.Offset(), pg.Size)
}

// Mine lists the acting tutor's submissions.
func (s *ApplicationService) Mine(ctx context.Context, actor auth.Actor, pg Page) ([]domain.Application, int64, error) {
	if err := requireRole(actor, domain.RoleTutor); err != nil {
		return nil, 0, err
	}
	return repo.ListApplicationsByTutor(ctx, s.DB, actor.Email, pg.Offset(), pg.Size)
}

// Received lists applications on the acting student's posts.
func (s *ApplicationService) Received(ctx context.Context, actor auth.Actor, pg Page) ([]domain.Application, int64, error) {
	if err := requireRole(actor, domain.RoleStudent); err != nil {
		return nil, 0, err
	}
	return repo.ListApplicationsByStudent(ctx, s.DB, actor.Email, pg.Offset(), pg.Size)
}

// Update edits the acting tutor's application while it is pending review.
func (s *ApplicationService) Update(ctx context.Context, actor auth.Actor, id string, in ApplicationInput) (*domain.Application, error) {
	ctx, span := otel.Tracer("services/ApplicationService").Start(ctx, "Update",
		trace.WithAttributes(attribute.String("application.id", id)))
	defer span.End()

	if err := requireRole(actor, domain.RoleTutor); err != nil {
		return nil, err
	}
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}

	var out *domain.Application
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := repo.GetApplication(ctx, tx, id)
		if err != nil {
			return notFoundAs(err, ErrApplicationNotFound)
		}
		if a.TutorEmail != actor.Email {
			return ErrNotOwner
		}
		if a.Status != domain.ReviewPending {
			return ErrApplicationLocked
		}
		n, err := repo.UpdatePendingApplication(ctx, tx, id, actor.Email, map[string]any{
			"qualifications":  in.Qualifications,
			"experience":      in.Experience,
			"expected_salary": in.ExpectedSalary,
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrApplicationLocked
		}
		out, err = repo.GetApplication(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes one application. The tutor may withdraw while pending; the
// post owner may delete any unpaid application.
func (s *ApplicationService) Delete(ctx context.Context, actor auth.Actor, id string) error {
	ctx, span := otel.Tracer("services/ApplicationService").Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("application.id", id)))
	defer span.End()

	if err := requireRole(actor, domain.RoleTutor, domain.RoleStudent); err != nil {
		return err
	}
	postID, err := s.deleteOne(ctx, actor, id)
	if err != nil {
		return err
	}
	s.deleted(ctx, actor, postID, []string{id})
	return nil
}

// BulkDelete removes several applications on the acting student's posts.
// Each id is deleted in its own transaction; ids that cannot be deleted are
// reported in Failures and do not affect the others.
func (s *ApplicationService) BulkDelete(ctx context.Context, actor auth.Actor, ids []string) (*BulkDeleteResult, error) {
	ctx, span := otel.Tracer("services/ApplicationService").Start(ctx, "BulkDelete",
		trace.WithAttributes(attribute.Int("ids", len(ids))))
	defer span.End()

	if err := requireRole(actor, domain.RoleStudent); err != nil {
		return nil, err
	}
	uniq := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		uniq = append(uniq, id)
	}
	if len(uniq) == 0 {
		return nil, invalid("ids must contain at least one application id")
	}
	if len(uniq) > MaxBulkDelete {
		return nil, invalid("at most %d ids may be deleted at once", MaxBulkDelete)
	}

	res := &BulkDeleteResult{Failures: []BulkFailure{}}
	byPost := map[string][]string{}
	for _, id := range uniq {
		postID, err := s.deleteOne(ctx, actor, id)
		if err != nil {
			if Kind(err) == "internal" {
				logger(ctx).Error().Err(err).Str("application_id", id).Msg("bulk delete failed")
			}
			res.Failures = append(res.Failures, BulkFailure{ID: id, Code: Kind(err), Message: err.Error()})
			continue
		}
		res.Deleted++
		byPost[postID] = append(byPost[postID], id)
	}
	for postID, deleted := range byPost {
		s.deleted(ctx, actor, postID, deleted)
	}
	return res, nil
}

// deleteOne deletes id in its own transaction and returns its post id.
func (s *ApplicationService) deleteOne(ctx context.Context, actor auth.Actor, id string) (string, error) {
	var postID string
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := repo.GetApplication(ctx, tx, id)
		if err != nil {
			return notFoundAs(err, ErrApplicationNotFound)
		}
		var (
			guard func(*gorm.DB) *gorm.DB
			lost  error
		)
		switch {
		case actor.Is(domain.RoleTutor) && a.TutorEmail == actor.Email:
			guard, lost = repo.StillPending, ErrNotPending
			if a.Status != domain.ReviewPending {
				return lost
			}
		case actor.Is(domain.RoleStudent) && a.StudentEmail == actor.Email:
			guard, lost = repo.StillUnpaid, ErrAlreadyPaid
			if a.PaymentStatus == domain.PaymentPaid {
				return lost
			}
		default:
			return ErrNotOwner
		}
		if _, err := repo.CancelOpenSessions(ctx, tx, nowUTC(), repo.ForApplication(id)); err != nil {
			return err
		}
		n, err := repo.DeleteApplication(ctx, tx, id, guard)
		if err != nil {
			return err
		}
		if n == 0 {
			return lost
		}
		postID = a.PostID
		return nil
	})
	return postID, err
}

func (s *ApplicationService) deleted(ctx context.Context, actor auth.Actor, postID string, ids []string) {
	events.Emit(ctx, s.Events, events.New(events.ApplicationsDeleted, postID, actor.Email, map[string]string{
		"application_ids": strings.Join(ids, ","),
	}))
	logger(ctx).Info().Str("post_id", postID).Int("count", len(ids)).Msg("applications deleted")
}

// Review records the post owner's one-shot decision. Approval requires the
// post to be visible; once any application is paid the post is booked and
// the remaining ones can no longer be approved.
func (s *ApplicationService) Review(ctx context.Context, actor auth.Actor, id string, decision domain.ReviewStatus) (*domain.Application, error) {
	ctx, span := otel.Tracer("services/ApplicationService").Start(ctx, "Review",
		trace.WithAttributes(attribute.String("application.id", id), attribute.String("decision", string(decision))))
	defer span.End()

	if err := requireRole(actor, domain.RoleStudent); err != nil {
		return nil, err
	}
	if !decision.IsDecision() {
		return nil, invalid("review status must be approved or rejected")
	}

	var out *domain.Application
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		a, err := repo.GetApplication(ctx, tx, id)
		if err != nil {
			return notFoundAs(err, ErrApplicationNotFound)
		}
		if a.StudentEmail != actor.Email {
			return ErrNotOwner
		}
		if a.Status != domain.ReviewPending {
			return ErrAlreadyReviewed
		}
		if decision == domain.ReviewApproved {
			if a.Post.FulfillmentStatus == domain.FulfillmentBooked {
				return ErrPostBooked
			}
			if !a.Post.Visible() {
				return ErrPostNotOpen
			}
		}
		n, err := repo.ReviewApplication(ctx, tx, id, decision)
		if err != nil {
			return err
		}
		if n == 0 {
			return s.reviewLost(ctx, tx, id)
		}
		out, err = repo.GetApplication(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.Transition("application", string(decision))
	events.Emit(ctx, s.Events, events.New(events.ApplicationReviewed, out.PostID, actor.Email, map[string]string{
		"application_id": id,
		"status":         string(decision),
	}))
	logger(ctx).Info().Str("application_id", id).Str("status", string(decision)).Msg("application reviewed")
	return out, nil
}

// reviewLost explains a guarded review that changed nothing: either another
// review got there first or the post stopped being open after it was read.
func (s *ApplicationService) reviewLost(ctx context.Context, tx *gorm.DB, id string) error {
	a, err := repo.GetApplication(ctx, tx, id)
	if err != nil {
		return notFoundAs(err, ErrApplicationNotFound)
	}
	switch {
	case a.Status != domain.ReviewPending:
		return ErrAlreadyReviewed
	case a.Post.FulfillmentStatus == domain.FulfillmentBooked:
		return ErrPostBooked
	}
	return ErrPostNotOpen
}
