package access

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/geoplatform/arcgis-relay/pkg/config"
	"github.com/geoplatform/arcgis-relay/pkg/identity"
	"github.com/geoplatform/arcgis-relay/pkg/observability"
	"github.com/geoplatform/arcgis-relay/pkg/storage"
)

// SelectionTTL is how long a self-selected group waits for the portal's
// user-created webhook.
const SelectionTTL = time.Hour

var (
	// ErrInvalidSelection is returned for a group that is not offered by the
	// selection form, or a submission without an email.
	ErrInvalidSelection = errors.New("invalid group selection")
	// ErrDisallowed is returned when a disallowed user tries to select a group.
	ErrDisallowed = errors.New("user is disallowed")
)

// Outcome is the result of one access decision
type Outcome int

const (
	OutcomeGrant Outcome = iota + 1
	OutcomeDeny
	OutcomePrompt
)

func (o Outcome) String() string {
	switch o {
	case OutcomeGrant:
		return "grant"
	case OutcomeDeny:
		return "deny"
	case OutcomePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// Decision reasons, also used as metric labels
const (
	ReasonReturning      = "returning_user"
	ReasonNewUser        = "new_user"
	ReasonDisallowed     = "disallowed"
	ReasonNotAllowedOrg  = "not_in_allowed_orgs"
	ReasonNeedsSelection = "needs_selection"
)

// Decision is what the callback handler acts on
type Decision struct {
	Outcome     Outcome
	RedirectURL string
	Reason      string
	// Record is the access record after the decision, nil when none exists.
	Record *identity.AccessRecord
}

// Policy holds the bypass and trust lists
type Policy struct {
	BypassEmails    []string
	BypassDomains   []string
	TrustedX509Orgs []string
	// SelectionParent is the organization whose children are offered on
	// the self-selection form.
	SelectionParent string
}

// PolicyFromConfig extracts the policy settings
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		BypassEmails:    cfg.Policy.BypassEmails,
		BypassDomains:   cfg.Policy.BypassDomains,
		TrustedX509Orgs: cfg.Policy.TrustedX509Orgs,
		SelectionParent: cfg.Policy.SelectionParent,
	}
}

// URLs are the redirect targets for each outcome
type URLs struct {
	Handoff   string
	Denial    string
	Selection string
}

// URLsFromConfig derives the redirect targets from the service domain
func URLsFromConfig(cfg *config.Config) URLs {
	return URLs{
		Handoff:   cfg.HandoffURL(),
		Denial:    cfg.DenialURL(),
		Selection: cfg.SelectionURL(),
	}
}

// Store is the persistence the engine reads and writes
type Store interface {
	GetAccess(ctx context.Context, email string) (identity.AccessRecord, error)
	UpdateAccess(ctx context.Context, email string, fn storage.AccessMutator) (identity.AccessRecord, error)
	GetGroupDirectory(ctx context.Context) ([]string, error)
	SaveSelection(ctx context.Context, email, group string, ttl time.Duration) error
}

// Option is one entry on the self-selection form
type Option struct {
	Value string
	Label string
}

// Engine decides whether a normalized user may continue to the portal
type Engine struct {
	policy  Policy
	urls    URLs
	orgs    *config.OrgHierarchy
	store   Store
	logger  *observability.Logger
	metrics *observability.Metrics

	bypassEmails map[string]bool
	trustedOrgs  map[string]bool
}

// NewEngine builds an engine. logger and metrics may be nil.
func NewEngine(policy Policy, urls URLs, orgs *config.OrgHierarchy, store Store, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	e := &Engine{
		policy:       policy,
		urls:         urls,
		orgs:         orgs,
		store:        store,
		logger:       logger,
		metrics:      metrics,
		bypassEmails: make(map[string]bool, len(policy.BypassEmails)),
		trustedOrgs:  make(map[string]bool, len(policy.TrustedX509Orgs)),
	}
	for _, email := range policy.BypassEmails {
		if email = normalizeEmail(email); email != "" {
			e.bypassEmails[email] = true
		}
	}
	for _, org := range policy.TrustedX509Orgs {
		if org = strings.TrimSpace(org); org != "" {
			e.trustedOrgs[strings.ToLower(org)] = true
		}
	}
	return e
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// IsPrivileged reports whether email is on the bypass list, either
// explicitly or through a domain suffix.
func (e *Engine) IsPrivileged(email string) bool {
	email = normalizeEmail(email)
	if email == "" {
		return false
	}
	if e.bypassEmails[email] {
		return true
	}
	for _, suffix := range e.policy.BypassDomains {
		suffix = strings.ToLower(strings.TrimSpace(suffix))
		if suffix != "" && strings.HasSuffix(email, suffix) {
			return true
		}
	}
	return false
}

// directory is the lazily loaded set of portal group titles.
type directory struct {
	load   func(ctx context.Context) ([]string, error)
	titles map[string]bool
	loaded bool
}

func (d *directory) ensure(ctx context.Context) error {
	if d.loaded {
		return nil
	}
	list, err := d.load(ctx)
	if err != nil {
		return fmt.Errorf("load group directory: %w", err)
	}
	d.titles = make(map[string]bool, len(list))
	for _, t := range list {
		d.titles[strings.ToLower(t)] = true
	}
	d.loaded = true
	return nil
}

// contains reports whether title is a portal group. An empty directory has
// not been synced yet and admits every title.
func (d *directory) contains(ctx context.Context, title string) (bool, error) {
	if err := d.ensure(ctx); err != nil {
		return false, err
	}
	if len(d.titles) == 0 {
		return true, nil
	}
	return d.titles[strings.ToLower(title)], nil
}

// has is the strict form of contains: an empty directory holds no group.
func (d *directory) has(ctx context.Context, title string) (bool, error) {
	if err := d.ensure(ctx); err != nil {
		return false, err
	}
	return d.titles[strings.ToLower(title)], nil
}

func (e *Engine) newDirectory() *directory {
	return &directory{load: e.store.GetGroupDirectory}
}

// InAllowedOrgs reports whether the user belongs to an allowed organization.
// A trusted X.509 organizational unit is enough; otherwise the email domain
// must map to an organization whose group exists in the portal.
func (e *Engine) InAllowedOrgs(ctx context.Context, info identity.UserInfo) (bool, error) {
	return e.inAllowedOrgs(ctx, info, e.newDirectory())
}

func (e *Engine) inAllowedOrgs(ctx context.Context, info identity.UserInfo, dir *directory) (bool, error) {
	for _, ou := range info.OrganizationList() {
		if e.trustedOrgs[strings.ToLower(ou)] {
			return true, nil
		}
	}

	org, ok := e.orgs.OrgForEmail(normalizeEmail(info.Email))
	if !ok {
		return false, nil
	}
	title, _ := e.orgs.Title(org)
	return dir.contains(ctx, title)
}

// groupStillValid checks a previously selected group against the hierarchy
// and the live portal directory. A directory that was never synced cannot
// vouch for the group.
func (e *Engine) groupStillValid(ctx context.Context, group string, dir *directory) (bool, error) {
	title, ok := e.orgs.Title(group)
	if !ok {
		return false, nil
	}
	return dir.has(ctx, title)
}

// Decide runs the decision table for one login. It may create or update the
// user's access record; a prompt never writes one.
func (e *Engine) Decide(ctx context.Context, info identity.UserInfo) (Decision, error) {
	email := normalizeEmail(info.Email)
	if email == "" {
		return Decision{}, errors.New("decide access: user info has no email")
	}
	logger := e.logger.WithField("email", email)
	dir := e.newDirectory()

	privileged := e.IsPrivileged(email)
	inAllowed := privileged
	if !privileged {
		var err error
		if inAllowed, err = e.inAllowedOrgs(ctx, info, dir); err != nil {
			return Decision{}, err
		}
	}

	rec, err := e.store.GetAccess(ctx, email)
	exists := err == nil
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Decision{}, fmt.Errorf("read access record: %w", err)
	}

	if exists && rec.State == identity.AccessDisallowed {
		cleared, err := e.reconsider(ctx, email, rec, privileged, dir)
		if err != nil {
			return Decision{}, err
		}
		if cleared == nil {
			logger.Info("Disallowed user denied")
			return e.decided(OutcomeDeny, e.urls.Denial, ReasonDisallowed, &rec), nil
		}
		logger.WithField("group", cleared.PreviousGroup).Info("Disallowed flag cleared, previous group still valid")
		rec = *cleared
	}

	if exists && rec.State == identity.AccessAllowed {
		if !privileged || rec.HasSelectedGroup {
			return e.decided(OutcomeGrant, e.urls.Handoff, ReasonReturning, &rec), nil
		}
	}

	if !inAllowed {
		logger.Info("User is not in an allowed organization")
		var existing *identity.AccessRecord
		if exists {
			existing = &rec
		}
		return e.decided(OutcomeDeny, e.urls.Denial, ReasonNotAllowedOrg, existing), nil
	}

	if privileged {
		q := url.Values{}
		q.Set("email", email)
		q.Set("firstname", info.GivenName)
		q.Set("lastname", info.FamilyName)
		var existing *identity.AccessRecord
		if exists {
			existing = &rec
		}
		return e.decided(OutcomePrompt, e.urls.Selection+"?"+q.Encode(), ReasonNeedsSelection, existing), nil
	}

	created, err := e.store.UpdateAccess(ctx, email, func(r *identity.AccessRecord, found bool) (bool, error) {
		if found && r.State != identity.AccessUnset {
			return false, nil
		}
		*r = identity.AccessRecord{State: identity.AccessAllowed, Version: r.Version}
		return true, nil
	})
	if err != nil {
		return Decision{}, fmt.Errorf("create access record: %w", err)
	}
	if created.State == identity.AccessDisallowed {
		// Disallowed by someone else between the read and the write.
		return e.decided(OutcomeDeny, e.urls.Denial, ReasonDisallowed, &created), nil
	}
	logger.Info("Access record created for new user")
	return e.decided(OutcomeGrant, e.urls.Handoff, ReasonNewUser, &created), nil
}

// reconsider clears the disallowed flag of a privileged user whose previous
// group still exists. It returns nil when the user stays disallowed.
func (e *Engine) reconsider(ctx context.Context, email string, rec identity.AccessRecord, privileged bool, dir *directory) (*identity.AccessRecord, error) {
	if !privileged || rec.PreviousGroup == "" {
		return nil, nil
	}
	valid, err := e.groupStillValid(ctx, rec.PreviousGroup, dir)
	if err != nil || !valid {
		return nil, err
	}

	updated, err := e.store.UpdateAccess(ctx, email, func(r *identity.AccessRecord, found bool) (bool, error) {
		if !found || r.State != identity.AccessDisallowed || r.PreviousGroup != rec.PreviousGroup {
			return false, nil
		}
		r.State = identity.AccessAllowed
		r.HasSelectedGroup = false
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("clear disallowed flag: %w", err)
	}
	if updated.State == identity.AccessDisallowed {
		return nil, nil
	}
	return &updated, nil
}

func (e *Engine) decided(outcome Outcome, redirect, reason string, rec *identity.AccessRecord) Decision {
	if e.metrics != nil {
		e.metrics.LoginDecisionsTotal.WithLabelValues(outcome.String(), reason).Inc()
	}
	return Decision{Outcome: outcome, RedirectURL: redirect, Reason: reason, Record: rec}
}

// SelectionOptions lists the groups offered on the self-selection form
func (e *Engine) SelectionOptions() []Option {
	children := e.orgs.Children(e.policy.SelectionParent)
	opts := make([]Option, 0, len(children))
	for _, key := range children {
		opts = append(opts, Option{Value: key, Label: strings.ToUpper(key)})
	}
	return opts
}

func (e *Engine) isOption(group string) bool {
	for _, key := range e.orgs.Children(e.policy.SelectionParent) {
		if key == group {
			return true
		}
	}
	return false
}

// AcceptSelection stores a self-selected group for the portal webhook and
// marks the user as having selected one.
func (e *Engine) AcceptSelection(ctx context.Context, email, group string) (identity.AccessRecord, error) {
	email = normalizeEmail(email)
	group = strings.ToLower(strings.TrimSpace(group))
	if email == "" || !e.isOption(group) {
		return identity.AccessRecord{}, ErrInvalidSelection
	}

	rec, err := e.store.UpdateAccess(ctx, email, func(r *identity.AccessRecord, found bool) (bool, error) {
		if found && r.State == identity.AccessDisallowed {
			return false, ErrDisallowed
		}
		r.State = identity.AccessAllowed
		r.HasSelectedGroup = true
		r.PreviousGroup = group
		return true, nil
	})
	if err != nil {
		return identity.AccessRecord{}, err
	}

	if err := e.store.SaveSelection(ctx, email, group, SelectionTTL); err != nil {
		return identity.AccessRecord{}, fmt.Errorf("save selection: %w", err)
	}
	e.logger.WithFields(map[string]interface{}{"email": email, "group": group}).Info("Group selection accepted")
	return rec, nil
}

// SetState forces the access state of email, creating the record if needed.
// Allowing a user again drops the selection flag so privileged users are
// asked to select a group on their next login.
func (e *Engine) SetState(ctx context.Context, email string, state identity.AccessState) (identity.AccessRecord, error) {
	email = normalizeEmail(email)
	if email == "" {
		return identity.AccessRecord{}, errors.New("email is required")
	}
	return e.store.UpdateAccess(ctx, email, func(r *identity.AccessRecord, found bool) (bool, error) {
		if found && r.State == state {
			return false, nil
		}
		r.State = state
		if state == identity.AccessAllowed {
			r.HasSelectedGroup = false
		}
		return true, nil
	})
}
