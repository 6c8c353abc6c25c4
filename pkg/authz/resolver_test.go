package authz

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kestrelsec/kestrel/pkg/sso"
)

func engRules() []GroupMappingRule {
	return []GroupMappingRule{
		{
			RuleID:      1,
			SourceGroup: "Eng-Admins",
			Priority:    100,
			Role:        RoleAdmin,
			Teams: []TeamAssignment{
				{TeamID: 10, Role: TeamRoleAdmin},
				{TeamID: 20, Role: TeamRoleAdmin},
			},
			Enabled: true,
		},
		{
			RuleID:       2,
			SourceGroup:  "Eng",
			NestedGroups: []string{"Frontend", "Backend"},
			Priority:     50,
			Role:         RoleMember,
			Teams: []TeamAssignment{
				{TeamID: 10, Role: TeamRoleMember},
				{TeamID: 30, Role: TeamRoleMember},
			},
			Enabled: true,
		},
	}
}

func identityWithGroups(groups ...string) *sso.ValidatedIdentity {
	return &sso.ValidatedIdentity{
		Subject:    "user-1",
		Groups:     groups,
		Attributes: map[string]string{},
	}
}

func TestResolveNestedGroupAlias(t *testing.T) {
	decision := Resolve(identityWithGroups("Frontend"), engRules())

	assert.Equal(t, RoleMember, decision.Role)
	assert.Equal(t, []TeamAssignment{
		{TeamID: 10, Role: TeamRoleMember},
		{TeamID: 30, Role: TeamRoleMember},
	}, decision.Teams)
	assert.Equal(t, []int64{2}, decision.MatchedRules)
}

func TestResolveMergesTeamsWithAdminPrecedence(t *testing.T) {
	decision := Resolve(identityWithGroups("Eng-Admins", "Eng"), engRules())

	assert.Equal(t, RoleAdmin, decision.Role)
	assert.ElementsMatch(t, []TeamAssignment{
		{TeamID: 10, Role: TeamRoleAdmin}, // admin from rule 1 wins over member from rule 2
		{TeamID: 20, Role: TeamRoleAdmin},
		{TeamID: 30, Role: TeamRoleMember},
	}, decision.Teams)
	assert.Equal(t, []int64{1, 2}, decision.MatchedRules)
}

func TestResolveAdminDoesNotDowngrade(t *testing.T) {
	rules := engRules()
	// Lower-priority rule granting admin on a team the higher-priority
	// rule grants member on.
	rules = append(rules, GroupMappingRule{
		RuleID:      3,
		SourceGroup: "Eng",
		Priority:    10,
		Role:        RoleMember,
		Teams:       []TeamAssignment{{TeamID: 30, Role: TeamRoleAdmin}},
		Enabled:     true,
	})

	decision := Resolve(identityWithGroups("Eng"), rules)
	assert.ElementsMatch(t, []TeamAssignment{
		{TeamID: 10, Role: TeamRoleMember},
		{TeamID: 30, Role: TeamRoleAdmin},
	}, decision.Teams)
}

func TestResolveDefaultMember(t *testing.T) {
	decision := Resolve(identityWithGroups("Sales"), engRules())

	assert.Equal(t, RoleMember, decision.Role)
	assert.Empty(t, decision.Teams)
	assert.Empty(t, decision.MatchedRules)
}

func TestResolveRolePrecedence(t *testing.T) {
	rules := []GroupMappingRule{
		{RuleID: 1, SourceGroup: "Founders", Priority: 10, Role: RoleOwner, Enabled: true},
		{RuleID: 2, SourceGroup: "Eng-Admins", Priority: 100, Role: RoleAdmin, Enabled: true},
	}

	// Owner outranks admin even on the lower-priority rule.
	decision := Resolve(identityWithGroups("Founders", "Eng-Admins"), rules)
	assert.Equal(t, RoleOwner, decision.Role)
}

func TestResolveDisabledRuleIgnored(t *testing.T) {
	rules := engRules()
	rules[0].Enabled = false

	decision := Resolve(identityWithGroups("Eng-Admins"), rules)
	assert.Equal(t, RoleMember, decision.Role)
	assert.Empty(t, decision.Teams)
}

func TestResolveConditions(t *testing.T) {
	tests := []struct {
		name       string
		conditions *RuleConditions
		identity   *sso.ValidatedIdentity
		expectRole OrgRole
	}{
		{
			name:       "department matches",
			conditions: &RuleConditions{Departments: []string{"Engineering", "Platform"}},
			identity: &sso.ValidatedIdentity{
				Groups:     []string{"Eng-Admins"},
				Department: "Platform",
			},
			expectRole: RoleAdmin,
		},
		{
			name:       "department mismatch",
			conditions: &RuleConditions{Departments: []string{"Engineering"}},
			identity: &sso.ValidatedIdentity{
				Groups:     []string{"Eng-Admins"},
				Department: "Sales",
			},
			expectRole: RoleMember,
		},
		{
			name:       "job title matches",
			conditions: &RuleConditions{JobTitles: []string{"Staff Engineer"}},
			identity: &sso.ValidatedIdentity{
				Groups:   []string{"Eng-Admins"},
				JobTitle: "Staff Engineer",
			},
			expectRole: RoleAdmin,
		},
		{
			name: "attribute equality",
			conditions: &RuleConditions{Attributes: []AttributeCondition{
				{Key: "employee_type", Equals: "fte"},
			}},
			identity: &sso.ValidatedIdentity{
				Groups:     []string{"Eng-Admins"},
				Attributes: map[string]string{"employee_type": "fte"},
			},
			expectRole: RoleAdmin,
		},
		{
			name: "attribute membership",
			conditions: &RuleConditions{Attributes: []AttributeCondition{
				{Key: "region", In: []string{"us", "eu"}},
			}},
			identity: &sso.ValidatedIdentity{
				Groups:     []string{"Eng-Admins"},
				Attributes: map[string]string{"region": "eu"},
			},
			expectRole: RoleAdmin,
		},
		{
			name: "attribute missing fails",
			conditions: &RuleConditions{Attributes: []AttributeCondition{
				{Key: "region", In: []string{"us"}},
			}},
			identity: &sso.ValidatedIdentity{
				Groups:     []string{"Eng-Admins"},
				Attributes: map[string]string{},
			},
			expectRole: RoleMember,
		},
		{
			name: "all conditions must hold",
			conditions: &RuleConditions{
				Departments: []string{"Engineering"},
				Attributes: []AttributeCondition{
					{Key: "employee_type", Equals: "fte"},
				},
			},
			identity: &sso.ValidatedIdentity{
				Groups:     []string{"Eng-Admins"},
				Department: "Engineering",
				Attributes: map[string]string{"employee_type": "contractor"},
			},
			expectRole: RoleMember,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rules := []GroupMappingRule{{
				RuleID:      1,
				SourceGroup: "Eng-Admins",
				Priority:    100,
				Role:        RoleAdmin,
				Conditions:  tt.conditions,
				Enabled:     true,
			}}
			decision := Resolve(tt.identity, rules)
			assert.Equal(t, tt.expectRole, decision.Role)
		})
	}
}
