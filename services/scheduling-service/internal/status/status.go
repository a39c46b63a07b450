// Package status owns the appointment lifecycle: who may move an appointment from which state to
// which, the timestamps each state stamps, and the derived LATE display status.
package status

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/md-rashed-zaman/chairbook/services/scheduling-service/internal/model"
)

var (
	ErrInvalidStatusTransition = errors.New("invalid status transition")
	ErrUnknownRole             = errors.New("unknown role")
)

type Role string

const (
	RoleFrontDesk Role = "FRONT_DESK"
	RoleAssistant Role = "ASSISTANT"
	RoleHygienist Role = "HYGIENIST"
	RoleDoctor    Role = "DOCTOR"
	RoleAdmin     Role = "ADMIN"
)

var allRoles = []Role{RoleFrontDesk, RoleAssistant, RoleHygienist, RoleDoctor, RoleAdmin}

func Roles() []Role {
	return append([]Role(nil), allRoles...)
}

func ParseRole(s string) (Role, error) {
	r := Role(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range allRoles {
		if r == known {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownRole, s)
}

// Rule allows Roles to move an appointment From one state To another.
type Rule struct {
	From  model.Status
	To    model.Status
	Roles []Role
}

var clinical = []Role{RoleAssistant, RoleHygienist}

// DefaultRules is the practice's forward path. Cancellation is not listed: it is open to every
// role from every non-terminal state. ADMIN is added to every rule by NewMachine.
func DefaultRules() []Rule {
	return []Rule{
		{From: model.StatusScheduled, To: model.StatusConfirmed, Roles: []Role{RoleFrontDesk}},
		{From: model.StatusScheduled, To: model.StatusCheckedIn, Roles: []Role{RoleFrontDesk}},
		{From: model.StatusScheduled, To: model.StatusNoShow, Roles: []Role{RoleFrontDesk}},
		{From: model.StatusConfirmed, To: model.StatusCheckedIn, Roles: []Role{RoleFrontDesk}},
		{From: model.StatusConfirmed, To: model.StatusNoShow, Roles: []Role{RoleFrontDesk}},
		{From: model.StatusCheckedIn, To: model.StatusSeated, Roles: clinical},
		{From: model.StatusCheckedIn, To: model.StatusPreClinical, Roles: clinical},
		{From: model.StatusSeated, To: model.StatusPreClinical, Roles: clinical},
		{From: model.StatusSeated, To: model.StatusDoctorReady, Roles: clinical},
		{From: model.StatusPreClinical, To: model.StatusDoctorReady, Roles: clinical},
		{From: model.StatusDoctorReady, To: model.StatusInChair, Roles: []Role{RoleDoctor}},
		{From: model.StatusInChair, To: model.StatusWrapUp, Roles: []Role{RoleDoctor}},
		{From: model.StatusWrapUp, To: model.StatusReadyCheckout, Roles: []Role{RoleAssistant, RoleHygienist, RoleDoctor}},
		{From: model.StatusReadyCheckout, To: model.StatusCompleted, Roles: []Role{RoleFrontDesk}},
	}
}

type edge struct {
	from, to model.Status
}

// Machine applies transitions from a fixed rule table.
type Machine struct {
	rules   []Rule
	allowed map[edge]map[Role]bool
}

func NewMachine(rules []Rule) (*Machine, error) {
	m := &Machine{allowed: map[edge]map[Role]bool{}}
	for _, r := range rules {
		if r.To == model.StatusLate || r.From == model.StatusLate {
			return nil, fmt.Errorf("rule %s->%s: LATE is display-only", r.From, r.To)
		}
		if r.From.Terminal() {
			return nil, fmt.Errorf("rule %s->%s: terminal state has no exits", r.From, r.To)
		}
		if _, ok := model.ParseStatus(string(r.From)); !ok {
			return nil, fmt.Errorf("rule: unknown status %q", r.From)
		}
		if _, ok := model.ParseStatus(string(r.To)); !ok {
			return nil, fmt.Errorf("rule: unknown status %q", r.To)
		}
		e := edge{r.From, r.To}
		if m.allowed[e] == nil {
			m.allowed[e] = map[Role]bool{RoleAdmin: true}
			m.rules = append(m.rules, Rule{From: r.From, To: r.To})
		}
		for _, role := range r.Roles {
			m.allowed[e][role] = true
		}
	}
	return m, nil
}

// Default is the machine for DefaultRules.
func Default() *Machine {
	m, err := NewMachine(DefaultRules())
	if err != nil {
		panic(err)
	}
	return m
}

// Allowed reports whether role may move an appointment from -> to.
func (m *Machine) Allowed(from, to model.Status, role Role) bool {
	if from.Terminal() || from == model.StatusLate {
		return false
	}
	if to == model.StatusCancelled {
		return true
	}
	return m.allowed[edge{from, to}][role]
}

// Apply returns a copy of a moved to status to, stamped and with its version bumped.
// On error a is returned unchanged.
func (m *Machine) Apply(a model.Appointment, to model.Status, role Role, now time.Time) (model.Appointment, error) {
	if !m.Allowed(a.Status, to, role) {
		return a, fmt.Errorf("%w: %s -> %s as %s", ErrInvalidStatusTransition, a.Status, to, role)
	}
	out := a.Clone()
	out.Status = to
	stamp(&out, to, now)
	out.Version++
	out.UpdatedAt = now
	return out, nil
}

func stamp(a *model.Appointment, to model.Status, now time.Time) {
	var field **time.Time
	switch to {
	case model.StatusConfirmed:
		field = &a.ConfirmedAt
	case model.StatusCheckedIn:
		field = &a.ArrivedAt
	case model.StatusSeated:
		field = &a.SeatedAt
	case model.StatusInChair:
		field = &a.ChairStartedAt
	case model.StatusCompleted:
		field = &a.CompletedAt
	case model.StatusCancelled:
		field = &a.CancelledAt
	default:
		return
	}
	if *field == nil {
		t := now
		*field = &t
	}
}

// AllowedNext lists the states role may move an appointment in current to, in table order,
// with CANCELLED last.
func (m *Machine) AllowedNext(role Role, current model.Status) []model.Status {
	var out []model.Status
	if current.Terminal() || current == model.StatusLate {
		return out
	}
	for _, r := range m.rules {
		if r.From == current && m.allowed[edge{r.From, r.To}][role] {
			out = append(out, r.To)
		}
	}
	return append(out, model.StatusCancelled)
}

// PolicyMap is the full (role, state) -> next states map used to build quick-action menus.
func (m *Machine) PolicyMap(role Role) map[model.Status][]model.Status {
	out := map[model.Status][]model.Status{}
	for _, s := range model.Statuses() {
		if next := m.AllowedNext(role, s); len(next) > 0 {
			out[s] = next
		}
	}
	return out
}

// Display is the status shown to staff. SCHEDULED and CONFIRMED appointments read as LATE once
// now passes start+threshold. The stored status is never changed.
func Display(a model.Appointment, now time.Time, loc *time.Location, threshold time.Duration) model.Status {
	if a.Status != model.StatusScheduled && a.Status != model.StatusConfirmed {
		return a.Status
	}
	if loc == nil {
		loc = time.UTC
	}
	start := a.Date.At(a.StartTime, loc)
	if start.IsZero() {
		return a.Status
	}
	if now.After(start.Add(threshold)) {
		return model.StatusLate
	}
	return a.Status
}
