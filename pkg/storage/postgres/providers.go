package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kestrelsec/kestrel/pkg/sso"
)

// ProviderStore persists identity provider configurations. It
// implements sso.ConfigSource.
type ProviderStore struct {
	db *sql.DB
}

// NewProviderStore creates a provider store
func NewProviderStore(db *sql.DB) *ProviderStore {
	return &ProviderStore{db: db}
}

// EnsureTable creates the providers table if it doesn't exist
func (s *ProviderStore) EnsureTable(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS sso_providers (
		id BIGSERIAL PRIMARY KEY,
		organization_id BIGINT NOT NULL,
		name VARCHAR(255) NOT NULL,
		kind VARCHAR(10) NOT NULL,
		enabled BOOLEAN NOT NULL DEFAULT true,
		saml_config JSONB,
		oidc_config JSONB,
		attribute_mapping JSONB NOT NULL,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		UNIQUE (organization_id, name)
	);

	CREATE INDEX IF NOT EXISTS idx_sso_providers_org ON sso_providers(organization_id);
	CREATE INDEX IF NOT EXISTS idx_sso_providers_enabled ON sso_providers(enabled);
	`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

// CreateProvider inserts a provider configuration, filling ProviderID
func (s *ProviderStore) CreateProvider(ctx context.Context, config *sso.ProviderConfig) error {
	samlJSON, oidcJSON, attrJSON, err := marshalConfigs(config)
	if err != nil {
		return err
	}

	err = s.db.QueryRowContext(ctx, `
		INSERT INTO sso_providers (
			organization_id, name, kind, enabled,
			saml_config, oidc_config, attribute_mapping,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		RETURNING id
	`, config.OrganizationID, config.Name, config.Kind, config.Enabled,
		samlJSON, oidcJSON, attrJSON).Scan(&config.ProviderID)

	if err != nil {
		return fmt.Errorf("failed to create provider: %w", err)
	}
	return nil
}

// GetProvider retrieves a provider by organization and id
func (s *ProviderStore) GetProvider(ctx context.Context, orgID, providerID int64) (*sso.ProviderConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, kind, enabled,
			saml_config, oidc_config, attribute_mapping,
			created_at, updated_at
		FROM sso_providers
		WHERE organization_id = $1 AND id = $2
	`, orgID, providerID)

	config, err := scanProvider(row)
	if err == sql.ErrNoRows {
		return nil, sso.ErrProviderNotFound
	}
	return config, err
}

// ListProviders lists every provider for an organization
func (s *ProviderStore) ListProviders(ctx context.Context, orgID int64) ([]*sso.ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, kind, enabled,
			saml_config, oidc_config, attribute_mapping,
			created_at, updated_at
		FROM sso_providers
		WHERE organization_id = $1
		ORDER BY name
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	defer rows.Close()

	return collectProviders(rows)
}

// ListActiveProviders lists every enabled provider across all
// organizations, for the probe sweep.
func (s *ProviderStore) ListActiveProviders(ctx context.Context) ([]*sso.ProviderConfig, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, organization_id, name, kind, enabled,
			saml_config, oidc_config, attribute_mapping,
			created_at, updated_at
		FROM sso_providers
		WHERE enabled = true
		ORDER BY organization_id, id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list active providers: %w", err)
	}
	defer rows.Close()

	return collectProviders(rows)
}

// UpdateProvider replaces a provider's mutable fields
func (s *ProviderStore) UpdateProvider(ctx context.Context, config *sso.ProviderConfig) error {
	samlJSON, oidcJSON, attrJSON, err := marshalConfigs(config)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx, `
		UPDATE sso_providers
		SET name = $1, kind = $2, enabled = $3,
			saml_config = $4, oidc_config = $5, attribute_mapping = $6,
			updated_at = NOW()
		WHERE organization_id = $7 AND id = $8
	`, config.Name, config.Kind, config.Enabled,
		samlJSON, oidcJSON, attrJSON,
		config.OrganizationID, config.ProviderID)
	if err != nil {
		return fmt.Errorf("failed to update provider: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sso.ErrProviderNotFound
	}
	return nil
}

// DeleteProvider removes a provider configuration
func (s *ProviderStore) DeleteProvider(ctx context.Context, orgID, providerID int64) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM sso_providers WHERE organization_id = $1 AND id = $2`,
		orgID, providerID)
	if err != nil {
		return fmt.Errorf("failed to delete provider: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sso.ErrProviderNotFound
	}
	return nil
}

func marshalConfigs(config *sso.ProviderConfig) (samlJSON, oidcJSON, attrJSON []byte, err error) {
	if config.SAMLConfig != nil {
		samlJSON, err = json.Marshal(config.SAMLConfig)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal SAML config: %w", err)
		}
	}
	if config.OIDCConfig != nil {
		oidcJSON, err = json.Marshal(config.OIDCConfig)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to marshal OIDC config: %w", err)
		}
	}
	attrJSON, err = json.Marshal(config.AttributeMapping)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to marshal attribute mapping: %w", err)
	}
	return samlJSON, oidcJSON, attrJSON, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProvider(row rowScanner) (*sso.ProviderConfig, error) {
	var samlJSON, oidcJSON, attrJSON []byte

	config := &sso.ProviderConfig{}
	err := row.Scan(
		&config.ProviderID, &config.OrganizationID, &config.Name, &config.Kind,
		&config.Enabled, &samlJSON, &oidcJSON, &attrJSON,
		&config.CreatedAt, &config.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(samlJSON) > 0 {
		config.SAMLConfig = &sso.SAMLConfig{}
		if err := json.Unmarshal(samlJSON, config.SAMLConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal SAML config: %w", err)
		}
	}
	if len(oidcJSON) > 0 {
		config.OIDCConfig = &sso.OIDCConfig{}
		if err := json.Unmarshal(oidcJSON, config.OIDCConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal OIDC config: %w", err)
		}
	}
	if err := json.Unmarshal(attrJSON, &config.AttributeMapping); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attribute mapping: %w", err)
	}

	return config, nil
}

func collectProviders(rows *sql.Rows) ([]*sso.ProviderConfig, error) {
	var providers []*sso.ProviderConfig
	for rows.Next() {
		config, err := scanProvider(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan provider: %w", err)
		}
		providers = append(providers, config)
	}
	return providers, rows.Err()
}
