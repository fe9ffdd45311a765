package database

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"relay-gateway/internal/models"
)

// CreateProxy 新增上游代理
func (db *DB) CreateProxy(ctx context.Context, proxy *models.Proxy) error {
	now := models.CurrentTime()
	proxy.CreatedAt = now
	proxy.UpdatedAt = now
	return db.gorm.WithContext(ctx).Create(proxy).Error
}

// GetProxy 按 ID 查询代理
func (db *DB) GetProxy(ctx context.Context, id int64) (*models.Proxy, error) {
	var proxy models.Proxy
	err := db.gorm.WithContext(ctx).First(&proxy, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &proxy, nil
}

// ListProxies 列出全部上游代理
func (db *DB) ListProxies(ctx context.Context) ([]*models.Proxy, error) {
	var proxies []*models.Proxy
	if err := db.gorm.WithContext(ctx).Order("id ASC").Find(&proxies).Error; err != nil {
		return nil, err
	}
	return proxies, nil
}

// UpdateProxy 更新代理字段
func (db *DB) UpdateProxy(ctx context.Context, id int64, updates map[string]interface{}) error {
	updates["updated_at"] = models.CurrentTime()
	return db.gorm.WithContext(ctx).Model(&models.Proxy{}).
		Where("id = ?", id).
		Updates(updates).Error
}

// DeleteProxy 删除代理
func (db *DB) DeleteProxy(ctx context.Context, id int64) error {
	return db.gorm.WithContext(ctx).Delete(&models.Proxy{}, "id = ?", id).Error
}
