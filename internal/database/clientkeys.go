package database

import (
	"context"

	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"

	"gorm.io/gorm"
)

// CreateClientKey 创建客户 Key
func (db *DB) CreateClientKey(ctx context.Context, key *models.ClientKey) error {
	logger.Debug("数据库: 创建客户 Key - ID: %s, 名称: %s", key.ID, key.Name)
	return db.gorm.WithContext(ctx).Create(key).Error
}

// GetClientKey 根据 ID 获取客户 Key
func (db *DB) GetClientKey(ctx context.Context, id string) (*models.ClientKey, error) {
	var key models.ClientKey
	err := db.gorm.WithContext(ctx).Where("id = ?", id).First(&key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// GetClientKeyByAPIKey 根据 API Key 值查找客户 Key（请求鉴权入口）
func (db *DB) GetClientKeyByAPIKey(ctx context.Context, apiKey string) (*models.ClientKey, error) {
	var key models.ClientKey
	err := db.gorm.WithContext(ctx).Where("api_key = ?", apiKey).First(&key).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &key, nil
}

// ListClientKeys 列出全部客户 Key
func (db *DB) ListClientKeys(ctx context.Context) ([]*models.ClientKey, error) {
	var keys []*models.ClientKey
	if err := db.gorm.WithContext(ctx).Order("created_at ASC").Find(&keys).Error; err != nil {
		return nil, err
	}
	return keys, nil
}

// UpdateClientKey 更新客户 Key
func (db *DB) UpdateClientKey(ctx context.Context, id string, updates *models.ClientKeyUpdate) error {
	updateMap := make(map[string]interface{})

	if updates.Name != nil {
		updateMap["name"] = updates.Name
	}
	if updates.BoundAccountID != nil {
		updateMap["bound_account_id"] = updates.BoundAccountID
	}
	if updates.BoundGroupID != nil {
		updateMap["bound_group_id"] = updates.BoundGroupID
	}
	if updates.RateLimitRPM != nil {
		updateMap["rate_limit_rpm"] = *updates.RateLimitRPM
	}
	if updates.Enabled != nil {
		updateMap["enabled"] = *updates.Enabled
	}
	if updates.Notes != nil {
		updateMap["notes"] = updates.Notes
	}

	if len(updateMap) == 0 {
		return nil
	}
	updateMap["updated_at"] = models.CurrentTime()

	return db.gorm.WithContext(ctx).Model(&models.ClientKey{}).Where("id = ?", id).Updates(updateMap).Error
}

// DeleteClientKey 删除客户 Key
func (db *DB) DeleteClientKey(ctx context.Context, id string) error {
	return db.gorm.WithContext(ctx).Where("id = ?", id).Delete(&models.ClientKey{}).Error
}

// AddClientKeyUsage 累加客户 Key 的用量总计
func (db *DB) AddClientKeyUsage(ctx context.Context, id string, inputTokens, outputTokens int) error {
	return db.gorm.WithContext(ctx).Model(&models.ClientKey{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"total_requests":      gorm.Expr("total_requests + 1"),
			"total_input_tokens":  gorm.Expr("total_input_tokens + ?", inputTokens),
			"total_output_tokens": gorm.Expr("total_output_tokens + ?", outputTokens),
			"updated_at":          models.CurrentTime(),
		}).Error
}
