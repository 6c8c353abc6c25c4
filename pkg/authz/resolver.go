package authz

import (
	"sort"

	"github.com/kestrelsec/kestrel/pkg/sso"
)

// Resolve maps a validated identity onto an organization role and team
// memberships.
//
// A rule matches when the user holds its source group (directly or via a
// nested-group alias) and every declared condition holds. Among matching
// rules the highest-ranked role by fixed precedence owner > admin >
// member becomes the organization role; every matching rule contributes
// its team assignments, with admin winning over member on overlap. When
// no rule matches the identity defaults to member with no teams.
func Resolve(identity *sso.ValidatedIdentity, rules []GroupMappingRule) Decision {
	ordered := make([]GroupMappingRule, len(rules))
	copy(ordered, rules)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	groups := make(map[string]bool, len(identity.Groups))
	for _, g := range identity.Groups {
		groups[g] = true
	}

	decision := Decision{Role: RoleMember}
	teamRoles := make(map[int64]TeamRole)
	var teamOrder []int64

	for _, rule := range ordered {
		if !rule.Enabled || !ruleMatches(&rule, identity, groups) {
			continue
		}

		decision.MatchedRules = append(decision.MatchedRules, rule.RuleID)
		if rule.Role.Valid() && rule.Role.outranks(decision.Role) {
			decision.Role = rule.Role
		}

		for _, team := range rule.Teams {
			existing, seen := teamRoles[team.TeamID]
			if !seen {
				teamRoles[team.TeamID] = team.Role
				teamOrder = append(teamOrder, team.TeamID)
				continue
			}
			if team.Role == TeamRoleAdmin && existing == TeamRoleMember {
				teamRoles[team.TeamID] = TeamRoleAdmin
			}
		}
	}

	for _, teamID := range teamOrder {
		decision.Teams = append(decision.Teams, TeamAssignment{TeamID: teamID, Role: teamRoles[teamID]})
	}
	return decision
}

// ruleMatches reports whether the identity holds the rule's group and
// satisfies all of its conditions.
func ruleMatches(rule *GroupMappingRule, identity *sso.ValidatedIdentity, groups map[string]bool) bool {
	matched := groups[rule.SourceGroup]
	for _, alias := range rule.NestedGroups {
		if matched {
			break
		}
		matched = groups[alias]
	}
	if !matched {
		return false
	}

	if rule.Conditions == nil {
		return true
	}
	cond := rule.Conditions

	if len(cond.Departments) > 0 && !containsString(cond.Departments, identity.Department) {
		return false
	}
	if len(cond.JobTitles) > 0 && !containsString(cond.JobTitles, identity.JobTitle) {
		return false
	}
	for _, attr := range cond.Attributes {
		value, ok := identity.Attributes[attr.Key]
		if !ok {
			return false
		}
		if attr.Equals != "" && value != attr.Equals {
			return false
		}
		if len(attr.In) > 0 && !containsString(attr.In, value) {
			return false
		}
	}
	return true
}

func containsString(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}
