package flow

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"gatekeeper/internal/engine/crypto"
	"gatekeeper/internal/engine/providers"
	"gatekeeper/internal/pkg/errors"
	"gatekeeper/internal/platform/audit"
	"gatekeeper/internal/platform/directory"
	"gatekeeper/internal/platform/models"
	"gatekeeper/internal/platform/store"
)

const (
	flowKeyPrefix = "flow:"
	doneKeyPrefix = "flow_done:"

	// doneTTL keeps the consumed tombstone around long enough to tell a
	// replayed callback apart from a never-seen state token.
	doneTTL = time.Hour
)

func flowKey(state string) string { return flowKeyPrefix + state }
func doneKey(state string) string { return doneKeyPrefix + state }

// Machine drives the login flow lifecycle: Initiate creates a short-lived
// flow record keyed by its correlation token, Complete consumes it exactly
// once against the provider callback.
type Machine struct {
	store     store.Store
	registry  *providers.Registry
	directory directory.UserDirectory
	audit     audit.Recorder
	ttl       time.Duration

	// claimed guards flows mid-consumption in this process. The store
	// delete wins across processes; this mutex closes the window between
	// two local goroutines reading the same record.
	claimMu sync.Mutex
	claimed map[string]struct{}
}

func NewMachine(s store.Store, registry *providers.Registry, dir directory.UserDirectory, sink audit.Recorder, ttl time.Duration) *Machine {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Machine{
		store:     s,
		registry:  registry,
		directory: dir,
		audit:     sink,
		ttl:       ttl,
		claimed:   make(map[string]struct{}),
	}
}

// Result is the outcome of a consumed flow.
type Result struct {
	Flow     *models.AuthFlow
	Provider *models.SSOProvider
	Identity *models.ResolvedIdentity
	User     *models.User
}

// Initiate creates a flow for the provider and returns the redirect the
// browser should follow.
func (m *Machine) Initiate(ctx context.Context, providerID, returnURL string) (*models.AuthFlow, *providers.Redirect, error) {
	provider, err := m.registry.Get(ctx, providerID)
	if err != nil {
		return nil, nil, err
	}
	if !provider.Active {
		return nil, nil, errors.New(errors.ErrCodeInvalidFlow, "provider is disabled")
	}

	adapter, err := m.registry.Resolve(provider.Protocol)
	if err != nil {
		return nil, nil, err
	}

	state, err := randomToken()
	if err != nil {
		return nil, nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return nil, nil, err
	}
	verifier, err := randomToken()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	f := &models.AuthFlow{
		ID:           "flw_" + uuid.NewString(),
		ProviderID:   provider.ID,
		TenantID:     provider.TenantID,
		Protocol:     provider.Protocol,
		Status:       models.FlowStatusCreated,
		State:        state,
		Nonce:        nonce,
		PKCEVerifier: verifier,
		ReturnURL:    returnURL,
		CreatedAt:    now.Unix(),
		ExpiresAt:    now.Add(m.ttl).Unix(),
	}

	redirect, err := adapter.Initiate(ctx, provider, f)
	if err != nil {
		return nil, nil, err
	}
	f.Status = models.FlowStatusAwaitingCallback

	if err := store.PutJSON(ctx, m.store, flowKey(f.State), f, m.ttl); err != nil {
		return nil, nil, err
	}

	m.audit.Record(ctx, audit.Entry{
		TenantID: f.TenantID,
		Action:   audit.ActionFlowInitiated,
		Metadata: map[string]interface{}{"flow_id": f.ID, "provider_id": provider.ID, "protocol": provider.Protocol},
	})
	return f, redirect, nil
}

// Complete consumes the flow matching the callback's correlation token.
// The record is claimed and deleted before the adapter runs, so a second
// callback with the same token gets FLOW_ALREADY_CONSUMED no matter how
// the first attempt ends.
func (m *Machine) Complete(ctx context.Context, input providers.CallbackInput) (*Result, error) {
	if input.State == "" {
		return nil, errors.New(errors.ErrCodeInvalidFlow, "missing correlation token")
	}

	f, err := m.claim(ctx, input.State)
	if err != nil {
		return nil, err
	}
	defer m.release(input.State)

	if time.Now().Unix() > f.ExpiresAt {
		m.fail(ctx, f, models.FlowStatusExpired)
		return nil, errors.New(errors.ErrCodeFlowExpired, "login attempt expired, start again")
	}
	if f.Status != models.FlowStatusAwaitingCallback {
		m.fail(ctx, f, models.FlowStatusFailed)
		return nil, errors.Newf(errors.ErrCodeInvalidFlow, "flow is %s, not awaiting a callback", f.Status)
	}

	provider, err := m.registry.Get(ctx, f.ProviderID)
	if err != nil {
		m.fail(ctx, f, models.FlowStatusFailed)
		return nil, err
	}

	adapter, err := m.registry.Resolve(f.Protocol)
	if err != nil {
		m.fail(ctx, f, models.FlowStatusFailed)
		return nil, err
	}

	identity, err := adapter.CompleteCallback(ctx, provider, f, input)
	if err != nil {
		m.fail(ctx, f, models.FlowStatusFailed)
		m.audit.Record(ctx, audit.Entry{
			TenantID: f.TenantID,
			Action:   audit.ActionLoginFailure,
			Metadata: map[string]interface{}{"flow_id": f.ID, "provider_id": f.ProviderID, "code": errors.CodeOf(err)},
		})
		return nil, err
	}

	user, err := m.resolveUser(ctx, provider, identity)
	if err != nil {
		m.fail(ctx, f, models.FlowStatusFailed)
		return nil, err
	}

	f.Status = models.FlowStatusCompleted
	m.tombstone(ctx, f)
	m.registry.Touch(ctx, provider.ID)

	log.Info().
		Str("flow_id", f.ID).
		Str("provider_id", provider.ID).
		Str("user_id", user.ID).
		Msg("authentication flow completed")

	return &Result{Flow: f, Provider: provider, Identity: identity, User: user}, nil
}

// Abort discards an in-progress flow, e.g. when the user cancels at the
// identity provider.
func (m *Machine) Abort(ctx context.Context, state string) error {
	f, err := m.claim(ctx, state)
	if err != nil {
		return err
	}
	defer m.release(state)

	m.fail(ctx, f, models.FlowStatusFailed)
	return nil
}

// claim takes exclusive ownership of the flow record and removes it from
// the store. Concurrent callers for the same token lose with
// FLOW_ALREADY_CONSUMED.
func (m *Machine) claim(ctx context.Context, state string) (*models.AuthFlow, error) {
	m.claimMu.Lock()
	if _, busy := m.claimed[state]; busy {
		m.claimMu.Unlock()
		return nil, errors.New(errors.ErrCodeFlowAlreadyConsumed, "this login attempt was already used")
	}
	m.claimed[state] = struct{}{}
	m.claimMu.Unlock()

	var f models.AuthFlow
	ok, err := store.GetJSON(ctx, m.store, flowKey(state), &f)
	if err != nil {
		m.release(state)
		return nil, err
	}
	if !ok {
		m.release(state)
		if consumed, _, _ := m.store.Get(ctx, doneKey(state)); consumed != nil {
			return nil, errors.New(errors.ErrCodeFlowAlreadyConsumed, "this login attempt was already used")
		}
		return nil, errors.New(errors.ErrCodeInvalidFlow, "unknown or expired login attempt")
	}

	// Delete before doing any work. Replays race against the tombstone,
	// not against a live record.
	if err := m.store.Delete(ctx, flowKey(state)); err != nil {
		m.release(state)
		return nil, err
	}
	return &f, nil
}

func (m *Machine) release(state string) {
	m.claimMu.Lock()
	delete(m.claimed, state)
	m.claimMu.Unlock()
}

func (m *Machine) tombstone(ctx context.Context, f *models.AuthFlow) {
	if err := m.store.Put(ctx, doneKey(f.State), []byte(f.Status), doneTTL); err != nil {
		log.Warn().Err(err).Str("flow_id", f.ID).Msg("failed to record flow tombstone")
	}
}

func (m *Machine) fail(ctx context.Context, f *models.AuthFlow, status string) {
	f.Status = status
	m.tombstone(ctx, f)
}

// ResolveUser maps a protocol identity to a directory principal, auto
// provisioning when the provider allows it. The LDAP login path calls
// this directly since it has no browser flow to complete.
func (m *Machine) ResolveUser(ctx context.Context, provider *models.SSOProvider, identity *models.ResolvedIdentity) (*models.User, error) {
	return m.resolveUser(ctx, provider, identity)
}

func (m *Machine) resolveUser(ctx context.Context, provider *models.SSOProvider, identity *models.ResolvedIdentity) (*models.User, error) {
	email := strings.ToLower(strings.TrimSpace(identity.Email))
	if email == "" {
		return nil, errors.New(errors.ErrCodeProtocolError, "identity provider returned no email attribute")
	}

	user, err := m.directory.FindByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	if user == nil {
		if !provider.Settings.AutoProvision {
			return nil, errors.New(errors.ErrCodeForbidden, "no account exists for this identity")
		}
		role := provider.Settings.DefaultRole
		if role == "" {
			role = "member"
		}
		user, err = m.directory.Create(ctx, &models.User{
			ID:         "usr_" + uuid.NewString(),
			TenantID:   provider.TenantID,
			Email:      email,
			FullName:   identity.Name,
			Role:       role,
			Attributes: identity.Attributes,
		})
		if err != nil {
			return nil, err
		}
		log.Info().Str("user_id", user.ID).Str("provider_id", provider.ID).Msg("auto-provisioned user")
	} else {
		user.LastLoginAt = &now
		if identity.Name != "" && user.FullName == "" {
			user.FullName = identity.Name
		}
		if user, err = m.directory.Update(ctx, user); err != nil {
			return nil, err
		}
	}
	return user, nil
}

func randomToken() (string, error) {
	t, err := crypto.RandomToken(32)
	if err != nil {
		return "", errors.New(errors.ErrCodeInternal, "entropy source failed")
	}
	return t, nil
}
