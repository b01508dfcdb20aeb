package store

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm/clause"

	"github.com/hupe1980/supportmesh/core"
)

// Variables implements core.VariableSource.
func (s *Store) Variables(ctx context.Context, tenantID, chatbotID string) ([]core.VariableRecord, error) {
	var rows []variableRow
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND chatbot_id = ?", tenantID, chatbotID).
		Order("name ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load variables: %w", err)
	}

	out := make([]core.VariableRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, core.VariableRecord{Name: r.Name, Value: r.Value, VariableType: core.VariableType(r.Type)})
	}
	return out, nil
}

// PutVariables upserts tenant variable records.
func (s *Store) PutVariables(ctx context.Context, tenantID, chatbotID string, records ...core.VariableRecord) error {
	if len(records) == 0 {
		return nil
	}

	now := time.Now().UTC()
	rows := make([]variableRow, 0, len(records))
	for _, r := range records {
		typ := r.VariableType
		if typ == "" {
			typ = core.VariablePlain
		}
		rows = append(rows, variableRow{
			TenantID:  tenantID,
			ChatbotID: chatbotID,
			Name:      r.Name,
			Value:     r.Value,
			Type:      string(typ),
			UpdatedAt: now,
		})
	}

	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "tenant_id"}, {Name: "chatbot_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "type", "updated_at"}),
	}).Create(&rows).Error
	if err != nil {
		return fmt.Errorf("put variables: %w", err)
	}
	return nil
}

// DeleteVariable removes one tenant variable.
func (s *Store) DeleteVariable(ctx context.Context, tenantID, chatbotID, name string) error {
	err := s.db.WithContext(ctx).
		Where("tenant_id = ? AND chatbot_id = ? AND name = ?", tenantID, chatbotID, name).
		Delete(&variableRow{}).Error
	if err != nil {
		return fmt.Errorf("delete variable: %w", err)
	}
	return nil
}
