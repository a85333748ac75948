// Package domain defines the persistence models for users, tuition posts,
// applications, and payments. These types are mapped with GORM and form the
// core data layer of the marketplace.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
)

// User is a registered marketplace identity. The email comes from the
// authentication provider and is the primary key; the role is chosen once at
// registration.
//
// Fields:
//   - Email: identity from the auth provider (primary key).
//   - Name / Phone: display data copied onto posts, applications and receipts.
//   - Role: "student", "tutor" or "admin" (enforced by DB constraint).
type User struct {
	Email     string    `json:"email"      gorm:"type:varchar(255);primaryKey"`
	Name      string    `json:"name"       gorm:"type:varchar(255);not null"`
	Phone     string    `json:"phone"      gorm:"type:varchar(32)"`
	Role      Role      `json:"role"       gorm:"type:varchar(16);not null;check:role IN ('student','tutor','admin')"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for User.
func (User) TableName() string { return "users" }

// TuitionPost is a student's request for a tutor.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - StudentEmail: owner; immutable after creation (indexed).
//   - Subject, Class, Location, Budget, Schedule, Details: descriptive attributes.
//   - ModerationStatus: pending|approved|rejected, admin-controlled.
//   - FulfillmentStatus: open|booked; booked exactly once on payment completion.
//   - BookedApplicationID: the application whose payment booked the post.
//
// A post is visible to tutors only while approved and open
// (idx_posts_visibility serves that filter).
type TuitionPost struct {
	ID                  string            `json:"id"                  gorm:"type:char(36);primaryKey"`
	StudentEmail        string            `json:"student_email"       gorm:"type:varchar(255);not null;index:idx_posts_student"`
	StudentName         string            `json:"student_name"        gorm:"type:varchar(255)"`
	Subject             string            `json:"subject"             gorm:"type:varchar(120);not null"`
	Class               string            `json:"class"               gorm:"column:class_level;type:varchar(60);not null"`
	Location            string            `json:"location"            gorm:"type:varchar(255);not null"`
	Budget              decimal.Decimal   `json:"budget"              gorm:"type:decimal(12,2);not null"`
	Schedule            string            `json:"schedule"            gorm:"type:varchar(255)"`
	Details             string            `json:"details"             gorm:"type:text"`
	ModerationStatus    ModerationStatus  `json:"moderation_status"   gorm:"type:varchar(16);not null;default:'pending';index:idx_posts_visibility,priority:1;check:moderation_status IN ('pending','approved','rejected')"`
	FulfillmentStatus   FulfillmentStatus `json:"fulfillment_status"  gorm:"type:varchar(16);not null;default:'open';index:idx_posts_visibility,priority:2;check:fulfillment_status IN ('open','booked')"`
	BookedApplicationID *string           `json:"booked_application_id,omitempty" gorm:"type:char(36)"`
	CreatedAt           time.Time         `json:"created_at"          gorm:"index:idx_posts_visibility,priority:3"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// TableName returns the database table name for TuitionPost.
func (TuitionPost) TableName() string { return "tuition_posts" }

// Visible reports whether tutors may see and apply to the post.
func (p *TuitionPost) Visible() bool {
	return p.ModerationStatus == ModerationApproved && p.FulfillmentStatus == FulfillmentOpen
}

// Application is a tutor's bid on a TuitionPost. A tutor may hold at most one
// application per post (ux_application_tutor_post).
//
// Fields:
//   - PostID: parent post (cascade-deleted with it).
//   - TutorEmail / TutorName: the applicant.
//   - StudentEmail: post owner, denormalized for "received" queries.
//   - Qualifications, Experience, ExpectedSalary: the tutor's offer.
//   - StudentDemand: the post budget at the time of applying.
//   - Status: pending|approved|rejected, one-shot review by the post owner.
//   - PaymentStatus: unpaid|paid; paid implies approved and a booked post.
//   - Moot: computed on read; true when the post was booked by another application.
type Application struct {
	ID             string          `json:"id"              gorm:"type:char(36);primaryKey"`
	PostID         string          `json:"post_id"         gorm:"type:char(36);not null;index:idx_applications_post;uniqueIndex:ux_application_tutor_post,priority:2"`
	TutorEmail     string          `json:"tutor_email"     gorm:"type:varchar(255);not null;index:idx_applications_tutor;uniqueIndex:ux_application_tutor_post,priority:1"`
	TutorName      string          `json:"tutor_name"      gorm:"type:varchar(255)"`
	StudentEmail   string          `json:"student_email"   gorm:"type:varchar(255);not null;index:idx_applications_student"`
	Subject        string          `json:"subject"         gorm:"type:varchar(120)"`
	Qualifications string          `json:"qualifications"  gorm:"type:text;not null"`
	Experience     string          `json:"experience"      gorm:"type:text"`
	ExpectedSalary decimal.Decimal `json:"expected_salary" gorm:"type:decimal(12,2);not null"`
	StudentDemand  decimal.Decimal `json:"student_demand"  gorm:"type:decimal(12,2);not null"`
	Status         ReviewStatus    `json:"status"          gorm:"type:varchar(16);not null;default:'pending';check:status IN ('pending','approved','rejected')"`
	PaymentStatus  PaymentStatus   `json:"payment_status"  gorm:"type:varchar(16);not null;default:'unpaid';check:payment_status IN ('unpaid','paid')"`
	Moot           bool            `json:"moot"            gorm:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`

	// Post is the parent tuition post. Applications are cascade-deleted
	// if their post is removed.
	Post TuitionPost `json:"-" gorm:"foreignKey:PostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Application.
func (Application) TableName() string { return "applications" }

// PaymentSession is an external checkout correlated to one Application.
// The ID is supplied by the payment gateway.
type PaymentSession struct {
	ID             string          `json:"id"              gorm:"type:varchar(64);primaryKey"`
	ApplicationID  string          `json:"application_id"  gorm:"type:char(36);not null;index:idx_sessions_application"`
	PostID         string          `json:"post_id"         gorm:"type:char(36);not null"`
	Amount         decimal.Decimal `json:"amount"          gorm:"type:decimal(12,2);not null"`
	Currency       string          `json:"currency"        gorm:"type:varchar(8);not null"`
	Subject        string          `json:"subject"         gorm:"type:varchar(120)"`
	PayerEmail     string          `json:"payer_email"     gorm:"type:varchar(255);not null;index"`
	PayerName      string          `json:"payer_name"      gorm:"type:varchar(255)"`
	PayeeEmail     string          `json:"payee_email"     gorm:"type:varchar(255);not null"`
	PayeeName      string          `json:"payee_name"      gorm:"type:varchar(255)"`
	Status         SessionStatus   `json:"status"          gorm:"type:varchar(16);not null;default:'initiated';check:status IN ('initiated','succeeded','cancelled')"`
	RedirectURL    string          `json:"redirect_url"    gorm:"type:text"`
	GatewayPayload datatypes.JSON  `json:"-"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CancelledAt    *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// TableName returns the database table name for PaymentSession.
func (PaymentSession) TableName() string { return "payment_sessions" }

// PaymentRecord is the durable receipt of a successful payment. Exactly one
// record exists per succeeded session (ux_payment_records_session).
//
// Parties, amount and subject are copied from the session so receipts
// survive deletion of the application or post.
type PaymentRecord struct {
	ID            string          `json:"id"             gorm:"type:char(36);primaryKey"`
	SessionID     string          `json:"session_id"     gorm:"type:varchar(64);not null;uniqueIndex:ux_payment_records_session"`
	TransactionID string          `json:"transaction_id" gorm:"type:varchar(64);not null;uniqueIndex"`
	TrackingID    string          `json:"tracking_id"    gorm:"type:varchar(32);not null;uniqueIndex"`
	ApplicationID string          `json:"application_id" gorm:"type:char(36);not null;index"`
	PostID        string          `json:"post_id"        gorm:"type:char(36);not null"`
	Amount        decimal.Decimal `json:"amount"         gorm:"type:decimal(12,2);not null"`
	Currency      string          `json:"currency"       gorm:"type:varchar(8);not null"`
	Subject       string          `json:"subject"        gorm:"type:varchar(120)"`
	PayerEmail    string          `json:"payer_email"    gorm:"type:varchar(255);not null;index:idx_records_payer"`
	PayerName     string          `json:"payer_name"     gorm:"type:varchar(255)"`
	PayeeEmail    string          `json:"payee_email"    gorm:"type:varchar(255);not null;index:idx_records_payee"`
	PayeeName     string          `json:"payee_name"     gorm:"type:varchar(255)"`
	PaidAt        time.Time       `json:"paid_at"`
	CreatedAt     time.Time       `json:"created_at"`
}

// TableName returns the database table name for PaymentRecord.
func (PaymentRecord) TableName() string { return "payment_records" }
