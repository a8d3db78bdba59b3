package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ashureev/agentquest/internal/domain"
	"github.com/ashureev/agentquest/internal/shared"
)

const agentColumns = `agent_id, name, description, instructions, thumbnail, model,
	capabilities_json, latitude, longitude, catalog_json`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*domain.AgentProfile, error) {
	var (
		agent               domain.AgentProfile
		thumbnail           sql.NullString
		capsJSON            string
		catalogJSON         string
		latitude, longitude sql.NullFloat64
	)
	if err := row.Scan(
		&agent.AgentID, &agent.Name, &agent.Description, &agent.Instructions,
		&thumbnail, &agent.Model, &capsJSON, &latitude, &longitude, &catalogJSON,
	); err != nil {
		return nil, err
	}

	agent.Thumbnail = thumbnail.String
	if latitude.Valid && longitude.Valid {
		agent.Location = &domain.Location{Latitude: latitude.Float64, Longitude: longitude.Float64}
	}
	if err := json.Unmarshal([]byte(capsJSON), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decode capabilities of %s: %w", agent.AgentID, err)
	}
	if err := json.Unmarshal([]byte(catalogJSON), &agent.Catalog); err != nil {
		return nil, fmt.Errorf("decode catalog of %s: %w", agent.AgentID, err)
	}
	return &agent, nil
}

// GetAgent retrieves an agent profile by id.
func (s *SQLiteStore) GetAgent(ctx context.Context, agentID string) (*domain.AgentProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?`, agentID)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("scan agent row: %w", err)
	}
	return agent, nil
}

// ListAgents returns every agent ordered by name.
func (s *SQLiteStore) ListAgents(ctx context.Context) ([]domain.AgentProfile, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY name, agent_id`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer s.closeRows(rows, "list agents")

	var agents []domain.AgentProfile
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		agents = append(agents, *agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", err)
	}
	return agents, nil
}

// RegisterAgent creates or replaces an agent profile.
func (s *SQLiteStore) RegisterAgent(ctx context.Context, agent *domain.AgentProfile) error {
	if err := agent.Validate(); err != nil {
		return err
	}

	capabilities := agent.Capabilities
	if capabilities == nil {
		capabilities = []string{}
	}
	capsJSON, err := json.Marshal(capabilities)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	catalog, dropped := domain.AppendToCatalog(nil, agent.Catalog)
	if dropped > 0 {
		s.logger.Warn("Registered catalog exceeds capacity, excess dropped",
			"agent_id", agent.AgentID, "capacity", domain.MaxCatalogSize, "dropped", dropped)
	}
	catalogJSON, err := json.Marshal(catalog)
	if err != nil {
		return fmt.Errorf("encode catalog: %w", err)
	}

	var latitude, longitude any
	if agent.Location != nil {
		latitude, longitude = agent.Location.Latitude, agent.Location.Longitude
	}
	var thumbnail any
	if agent.Thumbnail != "" {
		thumbnail = agent.Thumbnail
	}

	query := `
	INSERT INTO agents (agent_id, name, description, instructions, thumbnail, model,
		capabilities_json, latitude, longitude, catalog_json, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(agent_id) DO UPDATE SET
		name = excluded.name,
		description = excluded.description,
		instructions = excluded.instructions,
		thumbnail = excluded.thumbnail,
		model = excluded.model,
		capabilities_json = excluded.capabilities_json,
		latitude = excluded.latitude,
		longitude = excluded.longitude,
		catalog_json = excluded.catalog_json,
		updated_at = excluded.updated_at`

	now := unixNano(s.now())
	return shared.RetryOnConflict(ctx, "register agent", s.retry, func() error {
		if _, err := s.db.ExecContext(ctx, query,
			agent.AgentID, agent.Name, agent.Description, agent.Instructions, thumbnail, agent.Model,
			string(capsJSON), latitude, longitude, string(catalogJSON), now, now,
		); err != nil {
			return fmt.Errorf("upsert agent: %w", err)
		}
		agent.Catalog = catalog
		return nil
	})
}

// UpdateInstructions replaces an agent's instruction template.
func (s *SQLiteStore) UpdateInstructions(ctx context.Context, agentID, instructions string) (*domain.AgentProfile, error) {
	query := `UPDATE agents SET instructions = ?, updated_at = ? WHERE agent_id = ?`
	err := shared.RetryOnConflict(ctx, "update instructions", s.retry, func() error {
		result, err := s.db.ExecContext(ctx, query, instructions, unixNano(s.now()), agentID)
		if err != nil {
			return fmt.Errorf("update instructions: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetAgent(ctx, agentID)
}

// DeleteAgent removes an agent profile.
func (s *SQLiteStore) DeleteAgent(ctx context.Context, agentID string) error {
	return shared.RetryOnConflict(ctx, "delete agent", s.retry, func() error {
		result, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?`, agentID)
		if err != nil {
			return fmt.Errorf("delete agent: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
		}
		return nil
	})
}

// AppendAchievements appends definitions to an agent's catalog inside one
// transaction. Entries past domain.MaxCatalogSize are dropped with a warning.
func (s *SQLiteStore) AppendAchievements(ctx context.Context, agentID string, defs []domain.AchievementDefinition) (*AppendResult, error) {
	s.catalogMu.Lock()
	defer s.catalogMu.Unlock()

	var result *AppendResult
	err := shared.RetryOnConflict(ctx, "append achievements", s.retry, func() error {
		var err error
		result, err = s.appendAchievementsOnce(ctx, agentID, defs)
		return err
	})
	if err != nil {
		return nil, err
	}

	if result.Dropped > 0 {
		s.logger.Warn("Achievement catalog capacity exceeded, excess dropped",
			"agent_id", agentID,
			"capacity", domain.MaxCatalogSize,
			"submitted", len(defs),
			"dropped", result.Dropped,
		)
	}
	return result, nil
}

func (s *SQLiteStore) appendAchievementsOnce(ctx context.Context, agentID string, defs []domain.AchievementDefinition) (*AppendResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var catalogJSON string
	err = tx.QueryRowContext(ctx, `SELECT catalog_json FROM agents WHERE agent_id = ?`, agentID).Scan(&catalogJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("agent %s: %w", agentID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}

	var existing []domain.AchievementDefinition
	if err := json.Unmarshal([]byte(catalogJSON), &existing); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	merged, dropped := domain.AppendToCatalog(existing, defs)
	encoded, err := json.Marshal(merged)
	if err != nil {
		return nil, fmt.Errorf("encode catalog: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE agents SET catalog_json = ?, updated_at = ? WHERE agent_id = ?`,
		string(encoded), unixNano(s.now()), agentID,
	); err != nil {
		return nil, fmt.Errorf("write catalog: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit catalog: %w", err)
	}

	return &AppendResult{
		Catalog: merged,
		Added:   len(merged) - len(existing),
		Dropped: dropped,
	}, nil
}
