package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/glinharesb/quorum-vault/internal/errs"
	"github.com/glinharesb/quorum-vault/internal/store"
)

func fixture() (*store.ActionType, *store.SigningRequest, map[string]*store.User) {
	at := &store.ActionType{Name: "release", Threshold: 2, EligibleRole: "release"}
	req := &store.SigningRequest{ID: "req-1", RequesterID: "alice"}
	users := map[string]*store.User{
		"alice": {ID: "alice", Roles: []string{"release"}},
		"bob":   {ID: "bob", Roles: []string{"release"}},
		"carol": {ID: "carol", Roles: []string{"release"}},
		"dave":  {ID: "dave", Roles: []string{"ops"}},
		"erin":  {ID: "erin", Roles: []string{"release"}, Revoked: true},
	}
	return at, req, users
}

func approvals(ids ...string) []*store.Approval {
	out := make([]*store.Approval, 0, len(ids))
	for _, id := range ids {
		out = append(out, &store.Approval{RequestID: "req-1", ApproverID: id})
	}
	return out
}

func TestEligible(t *testing.T) {
	p := NewThreshold()
	at, req, users := fixture()

	assert.NoError(t, p.Eligible(at, req, users["bob"]))

	for _, id := range []string{"alice", "dave", "erin"} {
		err := p.Eligible(at, req, users[id])
		require.Error(t, err, id)
		assert.Equal(t, errs.UnauthorizedApprover, errs.KindOf(err), id)
	}
	assert.Equal(t, errs.UnauthorizedApprover, errs.KindOf(p.Eligible(at, req, nil)))
}

func TestEligibleUserList(t *testing.T) {
	p := NewThreshold()
	at, req, users := fixture()
	at.EligibleRole = ""
	at.EligibleUsers = []string{"carol", "dave"}

	assert.NoError(t, p.Eligible(at, req, users["dave"]))
	assert.Error(t, p.Eligible(at, req, users["bob"]))
}

func TestEvaluate(t *testing.T) {
	p := NewThreshold()
	at, req, users := fixture()

	cases := []struct {
		name      string
		approvers []string
		tally     int
		satisfied bool
	}{
		{"none", nil, 0, false},
		{"one", []string{"bob"}, 1, false},
		{"threshold", []string{"bob", "carol"}, 2, true},
		{"requester does not count", []string{"alice", "bob"}, 1, false},
		{"ineligible role does not count", []string{"dave", "bob"}, 1, false},
		{"revoked does not count", []string{"erin", "bob"}, 1, false},
		{"unknown does not count", []string{"mallory", "bob"}, 1, false},
		{"duplicates count once", []string{"bob", "bob"}, 1, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := p.Evaluate(at, req, approvals(tc.approvers...), users)
			assert.Equal(t, tc.tally, d.Tally)
			assert.Equal(t, tc.satisfied, d.Satisfied)
			assert.Equal(t, 2, d.Threshold)
		})
	}
}

func TestEvaluateExtraApprovalsInert(t *testing.T) {
	p := NewThreshold()
	at, req, users := fixture()
	users["frank"] = &store.User{ID: "frank", Roles: []string{"release"}}

	d := p.Evaluate(at, req, approvals("bob", "carol", "frank"), users)
	assert.True(t, d.Satisfied)
	assert.Equal(t, 3, d.Tally)
	assert.Equal(t, []string{"bob", "carol", "frank"}, d.Counted)
}

func TestEvaluateIgnoresOtherRequests(t *testing.T) {
	p := NewThreshold()
	at, req, users := fixture()
	list := approvals("bob")
	list = append(list, &store.Approval{RequestID: "req-2", ApproverID: "carol"})

	assert.Equal(t, 1, p.Evaluate(at, req, list, users).Tally)
}

func TestValidate(t *testing.T) {
	p := NewThreshold()
	assert.Error(t, p.Validate(&store.ActionType{Name: "x", Threshold: 0}))
	assert.Error(t, p.Validate(&store.ActionType{Name: "x", Threshold: 3, EligibleUsers: []string{"a", "b"}}))
	assert.NoError(t, p.Validate(&store.ActionType{Name: "x", Threshold: 2, EligibleUsers: []string{"a", "b"}}))
}
