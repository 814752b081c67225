package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"approvalq/internal/activity"
	"approvalq/internal/domain"
)

// MutationStore applies the entity changes carried by approved payloads.
type MutationStore interface {
	CreateUser(ctx context.Context, tx *sql.Tx, u domain.User) error
	UpdateUser(ctx context.Context, tx *sql.Tx, id string, ch domain.UserChanges, now string) (domain.User, error)
	CreateRole(ctx context.Context, tx *sql.Tx, role domain.Role) error
	UpdateRole(ctx context.Context, tx *sql.Tx, id string, ch domain.RoleChanges, now string) (domain.Role, error)
}

// Welcome is a notification owed to a newly created user once the transaction commits.
type Welcome struct {
	Email  string `json:"email"`
	Secret string `json:"-"`
}

// Execution is what an approved payload did.
type Execution struct {
	Kind    domain.PayloadKind
	Target  string
	Entries []domain.ActivityEntry
	Welcome *Welcome
}

// Executor dispatches an approved payload to its mutation inside the caller's transaction.
type Executor struct {
	Store     MutationStore
	Activity  activity.Log
	Passwords func() (string, error)
	Now       func() time.Time
}

func (x Executor) Execute(ctx context.Context, tx *sql.Tx, req domain.Request, actorID string) (Execution, error) {
	p, err := domain.DecodePayload(req.Type, req.Payload)
	if err != nil {
		return Execution{}, err
	}
	now := domain.Timestamp(x.Now())
	ex := Execution{Kind: p.Kind()}
	record := func(action, target, details string) error {
		entry, err := x.Activity.Append(ctx, tx, action, actorID, target, details)
		if err != nil {
			return err
		}
		ex.Entries = append(ex.Entries, entry)
		return nil
	}

	switch v := p.(type) {
	case domain.UserCreation:
		secret := v.Password
		if secret == "" {
			gen := x.Passwords
			if gen == nil {
				gen = GeneratePassword
			}
			if secret, err = gen(); err != nil {
				return Execution{}, fmt.Errorf("generate password: %w", err)
			}
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return Execution{}, fmt.Errorf("hash password: %w", err)
		}
		u := domain.User{
			ID:           "usr_" + uuid.NewString(),
			Email:        v.Email,
			Name:         v.Name,
			RoleID:       v.RoleID,
			AccessLevel:  v.AccessLevel,
			Branch:       v.Branch,
			PasswordHash: string(hash),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := x.Store.CreateUser(ctx, tx, u); err != nil {
			return Execution{}, err
		}
		ex.Target = u.Email
		ex.Welcome = &Welcome{Email: u.Email, Secret: secret}
		if err := record(activity.CreateUser, u.Email, "Created user "+u.ID+". Welcome email queued."); err != nil {
			return Execution{}, err
		}

	case domain.UserModification:
		u, err := x.Store.UpdateUser(ctx, tx, v.TargetID, v.Data, now)
		if err != nil {
			return Execution{}, err
		}
		ex.Target = u.ID
		if err := record(activity.UpdateUser, u.Email, "Updated user "+u.ID); err != nil {
			return Execution{}, err
		}

	case domain.RoleCreation:
		role := domain.Role{
			ID:          "role_" + uuid.NewString(),
			Name:        v.Name,
			Module:      v.Module,
			Permissions: v.Permissions,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := x.Store.CreateRole(ctx, tx, role); err != nil {
			return Execution{}, err
		}
		ex.Target = role.ID
		if err := record(activity.CreateRole, role.Name, "Created role "+role.ID); err != nil {
			return Execution{}, err
		}

	case domain.RoleModification:
		role, err := x.Store.UpdateRole(ctx, tx, v.TargetID, v.Data, now)
		if err != nil {
			return Execution{}, err
		}
		ex.Target = role.ID
		if err := record(activity.UpdateRole, role.Name, "Updated role "+role.ID); err != nil {
			return Execution{}, err
		}

	case domain.Generic:
		ex.Target = req.Type
		if req.Type == domain.TypeBranchStockRequest {
			err = record(activity.StockApproved, req.Type, fmt.Sprintf("Stock request for %s approved.", req.Branch))
		} else {
			err = record(activity.RequestFulfilled, req.Type, fmt.Sprintf("%s for %s fulfilled.", req.Type, req.CustomerName))
		}
		if err != nil {
			return Execution{}, err
		}

	default:
		return Execution{}, fmt.Errorf("unsupported payload kind %s", p.Kind())
	}
	return ex, nil
}

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GeneratePassword returns eight random characters followed by a suffix that
// satisfies upper, digit and symbol rules.
func GeneratePassword() (string, error) {
	buf := make([]byte, 8)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return string(buf) + "Aa1!", nil
}
