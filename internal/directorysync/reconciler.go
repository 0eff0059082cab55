package directorysync

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/defguard/defguard-core/internal/events"
	"github.com/defguard/defguard-core/internal/group"
	"github.com/defguard/defguard-core/internal/user"
)

// Reconciler runs the directory sync reconciliation algorithm: a one-way sync from the external provider's state
// into the local user/group graph, never the reverse.
type Reconciler struct {
	provider Provider
	users    user.Repository
	groups   group.Repository
	bus      *events.Bus
	log      zerolog.Logger

	target         SyncTarget
	userPolicy     BehaviorPolicy
	adminPolicy    BehaviorPolicy
}

// NewReconciler constructs a Reconciler. bus may be nil, in which case reconciliation actions are logged but not
// published as AppEvents.
func NewReconciler(provider Provider, users user.Repository, groups group.Repository, bus *events.Bus,
	target SyncTarget, userPolicy, adminPolicy BehaviorPolicy, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		provider:    provider,
		users:       users,
		groups:      groups,
		bus:         bus,
		log:         logger.With().Str("component", "directorysync").Logger(),
		target:      target,
		userPolicy:  userPolicy,
		adminPolicy: adminPolicy,
	}
}

// Sync runs one reconciliation cycle. Any provider error aborts the cycle with no local writes beyond whatever
// already committed in a prior step; the next scheduled cycle is the retry, per the provider's failure semantics.
func (r *Reconciler) Sync(ctx context.Context) error {
	if err := r.provider.Prepare(ctx); err != nil {
		return fmt.Errorf("prepare directory sync provider: %w", err)
	}

	remoteUsers, err := r.provider.GetAllUsers(ctx)
	if err != nil {
		return fmt.Errorf("fetch remote users: %w", err)
	}
	remoteByEmail := make(map[string]DirectoryUser, len(remoteUsers))
	for _, ru := range remoteUsers {
		remoteByEmail[ru.Email] = ru
	}

	if r.target == SyncTargetAll || r.target == SyncTargetUsers {
		if err := r.reconcileUsers(ctx, remoteByEmail); err != nil {
			return err
		}
	}

	if r.target == SyncTargetAll || r.target == SyncTargetGroups {
		if err := r.reconcileGroups(ctx, remoteUsers); err != nil {
			return err
		}
	}

	return nil
}

// reconcileUsers applies the user/admin behavior policy to every local user whose remote account is inactive or
// absent, protecting the last remaining active administrator from being disabled or deleted.
func (r *Reconciler) reconcileUsers(ctx context.Context, remoteByEmail map[string]DirectoryUser) error {
	localUsers, err := r.users.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list local users: %w", err)
	}

	for _, lu := range localUsers {
		remote, present := remoteByEmail[lu.Email]
		if present && remote.Active {
			continue
		}

		isAdmin, err := r.isAdmin(ctx, lu.ID)
		if err != nil {
			r.log.Warn().Err(err).Str("user", lu.Email).Msg("Failed to check admin status during directory sync")
			continue
		}

		policy := r.userPolicy
		if isAdmin {
			policy = r.adminPolicy
		}
		if policy == PolicyKeep {
			continue
		}

		if isAdmin {
			activeAdmins, err := r.users.CountActiveAdmins(ctx, uuid.Nil)
			if err != nil {
				r.log.Warn().Err(err).Msg("Failed to count active admins during directory sync")
				continue
			}
			if activeAdmins <= 1 {
				r.log.Warn().Str("user", lu.Email).
					Msg("Skipping directory sync action that would remove the last active administrator")
				continue
			}
		}

		if err := r.apply(ctx, lu, policy); err != nil {
			r.log.Warn().Err(err).Str("user", lu.Email).Str("policy", string(policy)).
				Msg("Failed to apply directory sync user policy")
		}
	}
	return nil
}

func (r *Reconciler) isAdmin(ctx context.Context, userID uuid.UUID) (bool, error) {
	groups, err := r.groups.UserGroups(ctx, userID)
	if err != nil {
		return false, err
	}
	for _, g := range groups {
		if g.IsAdmin {
			return true, nil
		}
	}
	return false, nil
}

func (r *Reconciler) apply(ctx context.Context, u user.User, policy BehaviorPolicy) error {
	switch policy {
	case PolicyDisable:
		active := false
		if _, err := r.users.Update(ctx, u.ID, user.UpdateParams{IsActive: &active}); err != nil {
			return err
		}
	case PolicyDelete:
		if err := r.users.DeleteWithTombstones(ctx, u.ID, nil); err != nil {
			return err
		}
	default:
		return nil
	}

	r.log.Info().Str("user", u.Email).Str("policy", string(policy)).Msg("Applied directory sync user policy")
	r.publish(fmt.Sprintf("directory_sync.user_%sd", policy), u.ID)
	return nil
}

// reconcileGroups fetches the remote group list and, for each group, unions its remote membership into the
// matching local group (creating it if absent). A per-group failure is logged and skipped rather than aborting the
// whole cycle, matching the provider's documented partial-success exception.
func (r *Reconciler) reconcileGroups(ctx context.Context, allUsers []DirectoryUser) error {
	remoteGroups, err := r.provider.GetGroups(ctx)
	if err != nil {
		return fmt.Errorf("fetch remote groups: %w", err)
	}

	for _, rg := range remoteGroups {
		if err := r.reconcileOneGroup(ctx, rg, allUsers); err != nil {
			r.log.Warn().Err(err).Str("group", rg.Name).Msg("Failed to reconcile directory sync group, skipping")
		}
	}
	return nil
}

func (r *Reconciler) reconcileOneGroup(ctx context.Context, rg DirectoryGroup, allUsers []DirectoryUser) error {
	memberEmails, err := r.provider.GetGroupMembers(ctx, rg, allUsers)
	if err != nil {
		return fmt.Errorf("fetch members of group %s: %w", rg.Name, err)
	}

	local, err := r.groups.GetByName(ctx, rg.Name)
	if err != nil {
		id, err := r.groups.Create(ctx, group.CreateParams{Name: rg.Name})
		if err != nil {
			return fmt.Errorf("create local group %s: %w", rg.Name, err)
		}
		local = &group.Group{ID: id, Name: rg.Name}
	}

	existingMembers, err := r.groups.Members(ctx, local.ID)
	if err != nil {
		return fmt.Errorf("list existing members of group %s: %w", rg.Name, err)
	}
	existingSet := make(map[uuid.UUID]bool, len(existingMembers))
	for _, id := range existingMembers {
		existingSet[id] = true
	}

	union := append([]uuid.UUID{}, existingMembers...)
	for _, email := range memberEmails {
		creds, err := r.users.GetByEmail(ctx, email)
		if err != nil {
			continue
		}
		if !existingSet[creds.ID] {
			union = append(union, creds.ID)
			existingSet[creds.ID] = true
		}
	}

	if err := r.groups.SetMembers(ctx, local.ID, union); err != nil {
		return fmt.Errorf("set members of group %s: %w", rg.Name, err)
	}
	r.publish("directory_sync.group_synced", local.ID)
	return nil
}

func (r *Reconciler) publish(name string, actor uuid.UUID) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.Event{
		Kind: events.KindApp,
		Payload: events.AppEvent{
			Name:  name,
			Actor: actor,
		},
	})
}
