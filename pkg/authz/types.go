package authz

import "time"

// OrgRole is an organization-level role
type OrgRole string

const (
	RoleOwner  OrgRole = "owner"
	RoleAdmin  OrgRole = "admin"
	RoleMember OrgRole = "member"
)

// rolePrecedence ranks organization roles for conflict resolution.
var rolePrecedence = map[OrgRole]int{
	RoleOwner:  3,
	RoleAdmin:  2,
	RoleMember: 1,
}

// Valid reports whether the role is one of the known organization roles.
func (r OrgRole) Valid() bool {
	_, ok := rolePrecedence[r]
	return ok
}

// outranks reports whether r has higher precedence than other.
func (r OrgRole) outranks(other OrgRole) bool {
	return rolePrecedence[r] > rolePrecedence[other]
}

// TeamRole is a team-level role
type TeamRole string

const (
	TeamRoleAdmin  TeamRole = "admin"
	TeamRoleMember TeamRole = "member"
)

// TeamAssignment grants a role on one team
type TeamAssignment struct {
	TeamID int64    `json:"team_id"`
	Role   TeamRole `json:"role"`
}

// AttributeCondition compares one identity attribute against a rule's
// allowed value or value set. Exactly one of Equals/In is set.
type AttributeCondition struct {
	Key    string   `json:"key"`
	Equals string   `json:"equals,omitempty"`
	In     []string `json:"in,omitempty"`
}

// RuleConditions are the optional constraints a rule declares beyond its
// source group. All declared conditions must hold for the rule to apply.
type RuleConditions struct {
	Departments []string             `json:"departments,omitempty"`
	JobTitles   []string             `json:"job_titles,omitempty"`
	Attributes  []AttributeCondition `json:"attributes,omitempty"`
}

// GroupMappingRule maps a provider group onto an organization role and
// optional team assignments. Rules are evaluated in descending priority.
type GroupMappingRule struct {
	RuleID         int64            `json:"rule_id"`
	OrganizationID int64            `json:"organization_id"`
	ProviderID     int64            `json:"provider_id,omitempty"`
	SourceGroup    string           `json:"source_group"`
	NestedGroups   []string         `json:"nested_groups,omitempty"`
	Priority       int              `json:"priority"`
	Role           OrgRole          `json:"role"`
	Teams          []TeamAssignment `json:"teams,omitempty"`
	Conditions     *RuleConditions  `json:"conditions,omitempty"`
	Enabled        bool             `json:"enabled"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Decision is the resolver's output: the organization role plus the
// deduplicated team assignments contributed by every matching rule.
type Decision struct {
	Role         OrgRole          `json:"role"`
	Teams        []TeamAssignment `json:"teams,omitempty"`
	MatchedRules []int64          `json:"matched_rules,omitempty"`
}
