// Package services – PostService
//
// PostService owns the tuition post lifecycle: students create, edit and
// delete their posts, admins moderate them, and tutors browse the ones that
// are approved and still open. Every mutation re-reads the post inside a
// transaction and then issues a guarded UPDATE/DELETE, so a concurrent
// booking makes an edit fail instead of being silently applied.
package services

import (
	"context"

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
	"github.com/tbourn/go-tuition-backend/internal/search"
)

// PostInput carries the student-editable attributes of a post.
type PostInput struct {
	Subject  string
	Class    string
	Location string
	Budget   decimal.Decimal
	Schedule string
	Details  string
}

func (in PostInput) normalize() (PostInput, error) {
	var err error
	if in.Subject, err = textField("subject", in.Subject, true, 120); err != nil {
		return in, err
	}
	if in.Class, err = textField("class", in.Class, true, 60); err != nil {
		return in, err
	}
	if in.Location, err = textField("location", in.Location, true, 255); err != nil {
		return in, err
	}
	if in.Schedule, err = textField("schedule", in.Schedule, false, 255); err != nil {
		return in, err
	}
	if in.Details, err = blockField("details", in.Details, false, 5000); err != nil {
		return in, err
	}
	if in.Budget, err = amountField("budget", in.Budget); err != nil {
		return in, err
	}
	return in, nil
}

// PostService coordinates tuition post persistence and moderation.
type PostService struct {
	DB     *gorm.DB
	Events events.Publisher
}

// NewPostService returns a PostService.
func NewPostService(db *gorm.DB, pub events.Publisher) *PostService {
	return &PostService{DB: db, Events: pub}
}

// Create stores a new post owned by the acting student. It starts pending
// moderation and open.
func (s *PostService) Create(ctx context.Context, actor auth.Actor, in PostInput) (*domain.TuitionPost, error) {
	ctx, span := otel.Tracer("services/PostService").Start(ctx, "Create",
		trace.WithAttributes(attribute.String("user.id", actor.Email)))
	defer span.End()

	if err := requireRole(actor, domain.RoleStudent); err != nil {
		return nil, err
	}
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}
	p := &domain.TuitionPost{
		StudentEmail:      actor.Email,
		StudentName:       actor.Name,
		Subject:           in.Subject,
		Class:             in.Class,
		Location:          in.Location,
		Budget:            in.Budget,
		Schedule:          in.Schedule,
		Details:           in.Details,
		ModerationStatus:  domain.ModerationPending,
		FulfillmentStatus: domain.FulfillmentOpen,
	}
	if err := repo.CreatePost(ctx, s.DB, p); err != nil {
		return nil, err
	}

	metrics.Transition("post", string(domain.ModerationPending))
	events.Emit(ctx, s.Events, events.New(events.PostCreated, p.ID, actor.Email, map[string]string{
		"subject": p.Subject,
	}))
	logger(ctx).Info().Str("post_id", p.ID).Msg("post created")
	return p, nil
}

// Get returns a post. Owners and admins see it in any state; everyone else
// only while it is visible.
func (s *PostService) Get(ctx context.Context, actor auth.Actor, id string) (*domain.TuitionPost, error) {
	ctx, span := otel.Tracer("services/PostService").Start(ctx, "Get",
		trace.WithAttributes(attribute.String("post.id", id)))
	defer span.End()

	if err := requireRole(actor); err != nil {
		return nil, err
	}
	p, err := repo.GetPost(ctx, s.DB, id)
	if err != nil {
		return nil, notFoundAs(err, ErrPostNotFound)
	}
	if p.StudentEmail != actor.Email && !actor.IsAdmin() && !p.Visible() {
		return nil, ErrPostNotFound
	}
	return p, nil
}

// Browse returns the page of visible posts matching q.
func (s *PostService) Browse(ctx context.Context, actor auth.Actor, q search.Query, pg Page) ([]domain.TuitionPost, int64, error) {
	ctx, span := otel.Tracer("services/PostService").Start(ctx, "Browse",
		trace.WithAttributes(
			attribute.String("search.sort", string(q.Sort)),
			attribute.Int("page", pg.Number),
			attribute.Int("page_size", pg.Size),
		))
	defer span.End()

	if err := requireRole(actor); err != nil {
		return nil, 0, err
	}
	total, err := repo.CountVisiblePosts(ctx, s.DB, q)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.TuitionPost{}, 0, nil
	}
	items, err := repo.ListVisiblePosts(ctx, s.DB, q, pg.Offset(), pg.Size)
	return items, total, err
}

// Mine lists the acting student's posts in every state.
func (s *PostService) Mine(ctx context.Context, actor auth.Actor, pg Page) ([]domain.TuitionPost, int64, error) {
	if err := requireRole(actor, domain.RoleStudent); err != nil {
		return nil, 0, err
	}
	return repo.ListPostsByStudent(ctx, s.DB, actor.Email, pg.Offset(), pg.Size)
}

// Queue lists posts by moderation status for admins. An empty status means
// pending.
func (s *PostService) Queue(ctx context.Context, actor auth.Actor, status domain.ModerationStatus, pg Page) ([]domain.TuitionPost, int64, error) {
	if err := requireRole(actor, domain.RoleAdmin); err != nil {
		return nil, 0, err
	}
	switch status {
	case "":
		status = domain.ModerationPending
	case domain.ModerationPending, domain.ModerationApproved, domain.ModerationRejected:
	default:
		return nil, 0, invalid("unknown moderation status %q", status)
	}
	return repo.ListPostsByModeration(ctx, s.DB, status, pg.Offset(), pg.Size)
}

// Update replaces the editable attributes of an open post owned by the actor
// and returns the stored result.
func (s *PostService) Update(ctx context.Context, actor auth.Actor, id string, in PostInput) (*domain.TuitionPost, error) {
	ctx, span := otel.Tracer("services/PostService").Start(ctx, "Update",
		trace.WithAttributes(attribute.String("post.id", id), attribute.String("user.id", actor.Email)))
	defer span.End()

	if err := requireRole(actor, domain.RoleStudent); err != nil {
		return nil, err
	}
	in, err := in.normalize()
	if err != nil {
		return nil, err
	}

	var out *domain.TuitionPost
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.ownedOpenPost(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		n, err := repo.UpdateOpenPost(ctx, tx, p.ID, actor.Email, map[string]any{
			"subject":     in.Subject,
			"class_level": in.Class,
			"location":    in.Location,
			"budget":      in.Budget,
			"schedule":    in.Schedule,
			"details":     in.Details,
		})
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrPostBooked
		}
		out, err = repo.GetPost(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	logger(ctx).Info().Str("post_id", id).Msg("post updated")
	return out, nil
}

// Delete removes an open post owned by the actor together with its
// applications. Open payment sessions of those applications are cancelled.
func (s *PostService) Delete(ctx context.Context, actor auth.Actor, id string) error {
	ctx, span := otel.Tracer("services/PostService").Start(ctx, "Delete",
		trace.WithAttributes(attribute.String("post.id", id), attribute.String("user.id", actor.Email)))
	defer span.End()

	if err := requireRole(actor, domain.RoleStudent); err != nil {
		return err
	}
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := s.ownedOpenPost(ctx, tx, actor, id)
		if err != nil {
			return err
		}
		if _, err := repo.CancelOpenSessions(ctx, tx, nowUTC(), repo.ForPost(p.ID)); err != nil {
			return err
		}
		if err := repo.DeleteApplicationsForPost(ctx, tx, p.ID); err != nil {
			return err
		}
		n, err := repo.DeleteOpenPost(ctx, tx, p.ID, actor.Email)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrPostBooked
		}
		return nil
	})
	if err != nil {
		return err
	}
	logger(ctx).Info().Str("post_id", id).Msg("post deleted")
	return nil
}

func (s *PostService) ownedOpenPost(ctx context.Context, tx *gorm.DB, actor auth.Actor, id string) (*domain.TuitionPost, error) {
	p, err := repo.GetPost(ctx, tx, id)
	if err != nil {
		return nil, notFoundAs(err, ErrPostNotFound)
	}
	if p.StudentEmail != actor.Email {
		return nil, ErrNotOwner
	}
	if p.FulfillmentStatus == domain.FulfillmentBooked {
		return nil, ErrPostBooked
	}
	return p, nil
}

// Moderate records an admin decision. Repeating the current decision is a
// no-op; the opposite decision may be issued at any time before booking.
func (s *PostService) Moderate(ctx context.Context, actor auth.Actor, id string, decision domain.ModerationStatus) (*domain.TuitionPost, error) {
	ctx, span := otel.Tracer("services/PostService").Start(ctx, "Moderate",
		trace.WithAttributes(attribute.String("post.id", id), attribute.String("decision", string(decision))))
	defer span.End()

	if err := requireRole(actor, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if !decision.IsDecision() {
		return nil, invalid("moderation status must be approved or rejected")
	}

	var (
		out     *domain.TuitionPost
		changed bool
	)
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		p, err := repo.GetPost(ctx, tx, id)
		if err != nil {
			return notFoundAs(err, ErrPostNotFound)
		}
		if p.FulfillmentStatus == domain.FulfillmentBooked {
			return ErrPostBooked
		}
		if p.ModerationStatus == decision {
			out = p
			return nil
		}
		n, err := repo.SetModeration(ctx, tx, id, decision)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrPostBooked
		}
		changed = true
		out, err = repo.GetPost(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	if changed {
		metrics.Transition("post", string(decision))
		events.Emit(ctx, s.Events, events.New(events.PostModerated, id, actor.Email, map[string]string{
			"status": string(decision),
		}))
		logger(ctx).Info().Str("post_id", id).Str("status", string(decision)).Msg("post moderated")
	}
	return out, nil
}
