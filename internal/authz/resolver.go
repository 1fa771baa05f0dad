// Package authz decides whether a caller may execute a workflow. Decisions
// are pure reads over precomputed access tables; nothing here mutates state.
package authz

import (
	"context"

	"github.com/google/uuid"

	"github.com/bifrosthq/bifrost/internal/domain/models"
	"github.com/bifrosthq/bifrost/internal/domain/repositories"
)

// Input carries the caller context for one decision. Identity is nil for
// anonymous callers.
type Input struct {
	WorkflowID  uuid.UUID
	Identity    *uuid.UUID
	OrgID       *uuid.UUID
	IsSuperuser bool
	IsAPIKey    bool
}

type Resolver struct {
	access      *repositories.WorkflowAccessRepository
	assignments *repositories.RoleAssignmentRepository
	users       *repositories.UserRepository
}

func NewResolver(
	access *repositories.WorkflowAccessRepository,
	assignments *repositories.RoleAssignmentRepository,
	users *repositories.UserRepository,
) *Resolver {
	return &Resolver{access: access, assignments: assignments, users: users}
}

// CanExecute applies the access rules in order; the first decisive rule wins.
//
//  1. Superusers execute anything.
//  2. API-key callers execute the workflow the key was matched to at ingress.
//  3. Anonymous callers are denied.
//  4. Otherwise the workflow's access rows decide: an authenticated-level row
//     admits any signed-in caller, a role-based row admits callers whose role
//     set intersects the entity's assigned roles.
func (r *Resolver) CanExecute(ctx context.Context, in Input) (bool, error) {
	if in.IsSuperuser {
		return true, nil
	}
	if in.IsAPIKey {
		return true, nil
	}
	if in.Identity == nil {
		return false, nil
	}

	rows, err := r.access.FindForWorkflow(ctx, in.WorkflowID, in.OrgID)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		return false, nil
	}

	roleBased := rows[:0:0]
	for _, row := range rows {
		if row.AccessLevel == models.AccessLevelAuthenticated {
			return true, nil
		}
		if row.AccessLevel == models.AccessLevelRoleBased {
			roleBased = append(roleBased, row)
		}
	}
	if len(roleBased) == 0 {
		return false, nil
	}

	callerRoles, err := r.users.FindRoleIDs(ctx, *in.Identity)
	if err != nil {
		return false, err
	}
	if len(callerRoles) == 0 {
		return false, nil
	}
	roleSet := make(map[uuid.UUID]struct{}, len(callerRoles))
	for _, id := range callerRoles {
		roleSet[id] = struct{}{}
	}

	for _, row := range roleBased {
		assigned, err := r.assignments.FindRoleIDs(ctx, row.EntityType, row.EntityID)
		if err != nil {
			return false, err
		}
		for _, roleID := range assigned {
			if _, ok := roleSet[roleID]; ok {
				return true, nil
			}
		}
	}
	return false, nil
}
