package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kestrelsec/kestrel/pkg/authz"
)

// ErrRuleNotFound is returned when no mapping rule matches the id.
var ErrRuleNotFound = errors.New("group mapping rule not found")

// RuleStore persists group mapping rules
type RuleStore struct {
	db *sql.DB
}

// NewRuleStore creates a rule store
func NewRuleStore(db *sql.DB) *RuleStore {
	return &RuleStore{db: db}
}

// EnsureTable creates the rules table if it doesn't exist
func (s *RuleStore) EnsureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS group_mapping_rules (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		provider_id BIGINT NOT NULL,
		source_group VARCHAR(255) NOT NULL,
		nested_groups JSONB,
		priority INTEGER NOT NULL DEFAULT 0,
		role VARCHAR(20) NOT NULL,
		teams JSONB,
		conditions JSONB,
		enabled BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_group_mapping_rules_provider
		ON group_mapping_rules(organization_id, provider_id);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// CreateRule inserts a rule, filling RuleID
func (s *RuleStore) CreateRule(ctx context.Context, rule *authz.GroupMappingRule) error {
	nestedJSON, teamsJSON, conditionsJSON, err := marshalRule(rule)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO group_mapping_rules (
			organization_id, provider_id, source_group, nested_groups,
			priority, role, teams, conditions, enabled,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		RETURNING id
	`, rule.OrganizationID, rule.ProviderID, rule.SourceGroup, nestedJSON,
		rule.Priority, rule.Role, teamsJSON, conditionsJSON, rule.Enabled).Scan(&rule.RuleID)

	if err != nil {
		return fmt.Errorf("failed to create mapping rule: %w", err)
	}
	return nil
}

// ListRules returns a provider's rules, highest priority first, the
// order the resolver evaluates them in.
func (s *RuleStore) ListRules(ctx context.Context, orgID, providerID int64) ([]authz.GroupMappingRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, provider_id, source_group, nested_groups,
			priority, role, teams, conditions, enabled,
			created_at, updated_at
		FROM group_mapping_rules
		WHERE organization_id = $1 AND provider_id = $2
		ORDER BY priority DESC, id ASC
	`, orgID, providerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list mapping rules: %w", err)
	}
	defer rows.Close()

	var rules []authz.GroupMappingRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, *rule)
	}
	return rules, rows.Err()
}

// UpdateRule replaces a rule's mutable fields
func (s *RuleStore) UpdateRule(ctx context.Context, rule *authz.GroupMappingRule) error {
	nestedJSON, teamsJSON, conditionsJSON, err := marshalRule(rule)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE group_mapping_rules
		SET source_group = $1, nested_groups = $2, priority = $3,
			role = $4, teams = $5, conditions = $6, enabled = $7,
			updated_at = NOW()
		WHERE id = $8 AND organization_id = $9
	`, rule.SourceGroup, nestedJSON, rule.Priority,
		rule.Role, teamsJSON, conditionsJSON, rule.Enabled,
		rule.RuleID, rule.OrganizationID)
	if err != nil {
		return fmt.Errorf("failed to update mapping rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

// DeleteRule removes a rule
func (s *RuleStore) DeleteRule(ctx context.Context, orgID, ruleID int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM group_mapping_rules WHERE id = $1 AND organization_id = $2`,
		ruleID, orgID)
	if err != nil {
		return fmt.Errorf("failed to delete mapping rule: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrRuleNotFound
	}
	return nil
}

func marshalRule(rule *authz.GroupMappingRule) (nestedJSON, teamsJSON, conditionsJSON []byte, err error) {
	if len(rule.NestedGroups) > 0 {
		nestedJSON, err = json.Marshal(rule.NestedGroups)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal nested groups: %w", err)
		}
	}
	if len(rule.Teams) > 0 {
		teamsJSON, err = json.Marshal(rule.Teams)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal teams: %w", err)
		}
	}
	if rule.Conditions != nil {
		conditionsJSON, err = json.Marshal(rule.Conditions)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal conditions: %w", err)
		}
	}
	return nestedJSON, teamsJSON, conditionsJSON, nil
}

func scanRule(rows *sql.Rows) (*authz.GroupMappingRule, error) {
	var nestedJSON, teamsJSON, conditionsJSON []byte

	rule := &authz.GroupMappingRule{}
	err := rows.Scan(
		&rule.RuleID, &rule.OrganizationID, &rule.ProviderID, &rule.SourceGroup, &nestedJSON,
		&rule.Priority, &rule.Role, &teamsJSON, &conditionsJSON, &rule.Enabled,
		&rule.CreatedAt, &rule.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan mapping rule: %w", err)
	}

	if len(nestedJSON) > 0 {
		if err := json.Unmarshal(nestedJSON, &rule.NestedGroups); err != nil {
			return nil, fmt.Errorf("failed to unmarshal nested groups: %w", err)
		}
	}
	if len(teamsJSON) > 0 {
		if err := json.Unmarshal(teamsJSON, &rule.Teams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal teams: %w", err)
		}
	}
	if len(conditionsJSON) > 0 {
		rule.Conditions = &authz.RuleConditions{}
		if err := json.Unmarshal(conditionsJSON, rule.Conditions); err != nil {
			return nil, fmt.Errorf("failed to unmarshal conditions: %w", err)
		}
	}

	return rule, nil
}
