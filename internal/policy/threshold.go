// Package policy decides who may approve a request and whether a request
// has collected enough approvals.
package policy

import (
	"fmt"
	"slices"

	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/store"
)

// Decision is the result of evaluating a request's approvals.
type Decision struct {
	Satisfied bool
	Tally     int
	Threshold int
	// Counted lists the approvers whose approvals count, in approval order.
	Counted []string
}

// Threshold implements M-of-N approval counting.
type Threshold struct{}

func NewThreshold() *Threshold {
	return &Threshold{}
}

// Eligible reports whether u may approve req under at. The requester is
// never eligible for their own request.
func (p *Threshold) Eligible(at *store.ActionType, req *store.SigningRequest, u *store.User) error {
	const op = "policy.Eligible"
	switch {
	case u == nil:
		return errs.Errorf(errs.UnauthorizedApprover, op, "unknown approver")
	case u.Revoked:
		return errs.Errorf(errs.UnauthorizedApprover, op, "approver %s is revoked", u.ID)
	case u.ID == req.RequesterID:
		return errs.Errorf(errs.UnauthorizedApprover, op, "approver %s requested %s", u.ID, req.ID)
	}

	hasRole := at.EligibleRole == "" || u.HasRole(at.EligibleRole)
	listed := len(at.EligibleUsers) == 0 || slices.Contains(at.EligibleUsers, u.ID)
	if !hasRole || !listed {
		return errs.Errorf(errs.UnauthorizedApprover, op, "approver %s is not eligible for %s", u.ID, at.Name)
	}
	return nil
}

// Evaluate counts distinct eligible approvers. users maps approver id to
// the current user record; approvals from users missing from the map, from
// revoked users, or from the requester do not count.
func (p *Threshold) Evaluate(at *store.ActionType, req *store.SigningRequest, approvals []*store.Approval, users map[string]*store.User) Decision {
	d := Decision{Threshold: at.Threshold}
	seen := make(map[string]bool, len(approvals))
	for _, a := range approvals {
		if a.RequestID != req.ID || seen[a.ApproverID] {
			continue
		}
		if p.Eligible(at, req, users[a.ApproverID]) != nil {
			continue
		}
		seen[a.ApproverID] = true
		d.Counted = append(d.Counted, a.ApproverID)
	}
	d.Tally = len(d.Counted)
	d.Satisfied = at.Threshold > 0 && d.Tally >= at.Threshold
	return d
}

// Validate checks that an action type's policy can ever be satisfied.
func (p *Threshold) Validate(at *store.ActionType) error {
	if at.Threshold < 1 {
		return fmt.Errorf("action type %s: threshold must be at least 1", at.Name)
	}
	if len(at.EligibleUsers) > 0 && len(at.EligibleUsers) < at.Threshold {
		return fmt.Errorf("action type %s: threshold %d exceeds %d eligible users", at.Name, at.Threshold, len(at.EligibleUsers))
	}
	return nil
}
