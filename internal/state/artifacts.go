package state

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/loomhq/loom/internal/part"
)

// UpsertArtifact writes the artifact row, merging metadata on conflict, then
// rewrites the part list (delete then insert) inside the same transaction.
// Readers never observe a partially rewritten part set.
func (s *Store) UpsertArtifact(ctx context.Context, artifact Artifact) error {
	if artifact.ArtifactID == "" || artifact.TaskID == "" || artifact.ContextID == "" {
		return fmt.Errorf("artifact requires artifact_id, task_id, context_id: %w", ErrConflict)
	}
	for i, p := range artifact.Parts {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("artifact part %d: %w", i, err)
		}
	}
	metadataJSON, err := encodeJSON(artifact.Metadata)
	if err != nil {
		return fmt.Errorf("encode artifact metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin artifact tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := formatTime(s.now())
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_artifacts (
			task_id, context_id, artifact_id, name, description, artifact_type,
			source, tool_name, mcp_execution_id, fingerprint, skill_id, skill_name,
			metadata_json, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id, artifact_id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			artifact_type = excluded.artifact_type,
			source = excluded.source,
			tool_name = excluded.tool_name,
			mcp_execution_id = excluded.mcp_execution_id,
			fingerprint = excluded.fingerprint,
			skill_id = excluded.skill_id,
			skill_name = excluded.skill_name,
			metadata_json = excluded.metadata_json,
			updated_at = excluded.updated_at
	`, artifact.TaskID, artifact.ContextID, artifact.ArtifactID,
		nullString(artifact.Name), nullString(artifact.Description), nullString(artifact.ArtifactType),
		nullString(artifact.Metadata.Source), nullString(artifact.Metadata.ToolName),
		nullString(artifact.Metadata.MCPExecutionID), nullString(artifact.Metadata.Fingerprint),
		nullString(artifact.Metadata.SkillID), nullString(artifact.Metadata.SkillName),
		metadataJSON, now, now); err != nil {
		return fmt.Errorf("upsert artifact: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM artifact_parts WHERE artifact_id = ? AND context_id = ?
	`, artifact.ArtifactID, artifact.ContextID); err != nil {
		return fmt.Errorf("delete artifact parts: %w", err)
	}

	for i, p := range artifact.Parts {
		var dataJSON, metaJSON string
		if p.Data != nil {
			if dataJSON, err = encodeJSON(p.Data); err != nil {
				return fmt.Errorf("encode part data: %w", err)
			}
		}
		if p.Metadata != nil {
			if metaJSON, err = encodeJSON(p.Metadata); err != nil {
				return fmt.Errorf("encode part metadata: %w", err)
			}
		}
		var fileName, fileMime, fileBytes string
		if p.File != nil {
			fileName, fileMime, fileBytes = p.File.Name, p.File.MimeType, p.File.Bytes
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO artifact_parts (
				id, artifact_id, context_id, part_kind, sequence_number,
				text_content, file_name, file_mime_type, file_bytes, data_content, metadata
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, s.newIDFn(), artifact.ArtifactID, artifact.ContextID, string(p.Kind), i,
			nullString(p.Text), nullString(fileName), nullString(fileMime), nullString(fileBytes),
			nullString(dataJSON), nullString(metaJSON)); err != nil {
			return fmt.Errorf("insert artifact part: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifact: %w", err)
	}
	return nil
}

// GetArtifact loads one artifact with its ordered parts.
func (s *Store) GetArtifact(ctx context.Context, taskID, artifactID string) (Artifact, error) {
	artifacts, err := s.listArtifacts(ctx, `
		SELECT task_id, context_id, artifact_id, name, description, artifact_type, metadata_json, created_at, updated_at
		FROM task_artifacts WHERE task_id = ? AND artifact_id = ?
	`, taskID, artifactID)
	if err != nil {
		return Artifact{}, err
	}
	if len(artifacts) == 0 {
		return Artifact{}, fmt.Errorf("artifact %s: %w", artifactID, ErrNotFound)
	}
	return artifacts[0], nil
}

// ListArtifacts returns a task's artifacts in creation order with parts.
func (s *Store) ListArtifacts(ctx context.Context, taskID string) ([]Artifact, error) {
	return s.listArtifacts(ctx, `
		SELECT task_id, context_id, artifact_id, name, description, artifact_type, metadata_json, created_at, updated_at
		FROM task_artifacts WHERE task_id = ?
		ORDER BY created_at ASC, artifact_id ASC
	`, taskID)
}

func (s *Store) listArtifacts(ctx context.Context, query string, args ...any) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var name, description, artifactType, metadataJSON sql.NullString
		var createdAtStr, updatedAtStr string
		if err := rows.Scan(&a.TaskID, &a.ContextID, &a.ArtifactID, &name, &description, &artifactType, &metadataJSON, &createdAtStr, &updatedAtStr); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Name = name.String
		a.Description = description.String
		a.ArtifactType = artifactType.String
		if metadataJSON.Valid && metadataJSON.String != "" {
			if err := json.Unmarshal([]byte(metadataJSON.String), &a.Metadata); err != nil {
				return nil, fmt.Errorf("decode artifact metadata: %w", err)
			}
		}
		a.CreatedAt = parseTime(createdAtStr)
		a.UpdatedAt = parseTime(updatedAtStr)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}

	for i := range out {
		parts, err := s.loadArtifactParts(ctx, out[i].ArtifactID, out[i].ContextID)
		if err != nil {
			return nil, err
		}
		out[i].Parts = parts
	}
	return out, nil
}

func (s *Store) loadArtifactParts(ctx context.Context, artifactID, contextID string) ([]part.Part, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT part_kind, text_content, file_name, file_mime_type, file_bytes, data_content, metadata
		FROM artifact_parts WHERE artifact_id = ? AND context_id = ?
		ORDER BY sequence_number ASC
	`, artifactID, contextID)
	if err != nil {
		return nil, fmt.Errorf("list artifact parts: %w", err)
	}
	defer rows.Close()

	var out []part.Part
	for rows.Next() {
		var kind string
		var text, fileName, fileMime, fileBytes, dataJSON, metaJSON sql.NullString
		if err := rows.Scan(&kind, &text, &fileName, &fileMime, &fileBytes, &dataJSON, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan artifact part: %w", err)
		}
		p := part.Part{Kind: part.Kind(kind)}
		switch p.Kind {
		case part.KindText:
			p.Text = text.String
		case part.KindFile:
			p.File = &part.File{Name: fileName.String, MimeType: fileMime.String, Bytes: fileBytes.String}
		case part.KindData:
			p.Data = decodeJSONMap(dataJSON.String)
		}
		if metaJSON.Valid {
			p.Metadata = decodeJSONMap(metaJSON.String)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifact parts: %w", err)
	}
	return out, nil
}
