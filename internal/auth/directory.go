package auth

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/tbourn/go-tuition-backend/internal/domain"
	"github.com/tbourn/go-tuition-backend/internal/repo"
)

// DirectoryResolver resolves roles from the users table. Emails listed as
// admins resolve to RoleAdmin without a users row.
type DirectoryResolver struct {
	DB     *gorm.DB
	admins map[string]struct{}
}

// NewDirectoryResolver builds a resolver backed by db.
func NewDirectoryResolver(db *gorm.DB, adminEmails []string) *DirectoryResolver {
	m := make(map[string]struct{}, len(adminEmails))
	for _, e := range adminEmails {
		if e = NormalizeEmail(e); e != "" {
			m[e] = struct{}{}
		}
	}
	return &DirectoryResolver{DB: db, admins: m}
}

// Resolve implements RoleResolver. Unknown identities resolve to an
// unregistered Actor rather than an error.
func (d *DirectoryResolver) Resolve(ctx context.Context, id Identity) (Actor, error) {
	a := Actor{Email: NormalizeEmail(id.Email), Name: id.Name}
	if _, ok := d.admins[a.Email]; ok {
		a.Role = domain.RoleAdmin
		return a, nil
	}
	u, err := repo.GetUser(ctx, d.DB, a.Email)
	if errors.Is(err, repo.ErrNotFound) {
		return a, nil
	}
	if err != nil {
		return Actor{}, err
	}
	a.Role = u.Role
	if u.Name != "" {
		a.Name = u.Name
	}
	return a, nil
}
