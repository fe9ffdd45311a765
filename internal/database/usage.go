package database

import (
	"context"
	"time"

	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UsageBucket 返回当前小时桶标识（YYYY-MM-DD-HH）
func UsageBucket(t time.Time) string {
	return t.Format("2006-01-02-15")
}

// RecordUsage 按（客户Key, 账号, 模型, 小时桶）累加用量
// 同一桶已有记录时做表达式累加，否则插入新行
func (db *DB) RecordUsage(ctx context.Context, clientKeyID, accountID, model string, usage models.UsageSnapshot) error {
	bucket := UsageBucket(time.Now())

	result := db.gorm.WithContext(ctx).Model(&models.UsageRecord{}).
		Where("client_key_id = ? AND account_id = ? AND model = ? AND bucket = ?",
			clientKeyID, accountID, model, bucket).
		Updates(map[string]interface{}{
			"input_tokens":        gorm.Expr("input_tokens + ?", usage.InputTokens),
			"output_tokens":       gorm.Expr("output_tokens + ?", usage.OutputTokens),
			"cache_create_tokens": gorm.Expr("cache_create_tokens + ?", usage.CacheCreateTokens),
			"cache_read_tokens":   gorm.Expr("cache_read_tokens + ?", usage.CacheReadTokens),
			"request_count":       gorm.Expr("request_count + 1"),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected > 0 {
		return nil
	}

	record := &models.UsageRecord{
		ID:                uuid.New().String(),
		ClientKeyID:       clientKeyID,
		AccountID:         accountID,
		Model:             model,
		Bucket:            bucket,
		InputTokens:       int64(usage.InputTokens),
		OutputTokens:      int64(usage.OutputTokens),
		CacheCreateTokens: int64(usage.CacheCreateTokens),
		CacheReadTokens:   int64(usage.CacheReadTokens),
		RequestCount:      1,
	}
	if err := db.gorm.WithContext(ctx).Create(record).Error; err != nil {
		logger.Debug("数据库: 写入用量记录失败 - 客户Key: %s, 错误: %v", clientKeyID, err)
		return err
	}
	return nil
}

// ListUsageByClientKey 查询客户 Key 在时间范围内的用量记录
func (db *DB) ListUsageByClientKey(ctx context.Context, clientKeyID string, since time.Time) ([]*models.UsageRecord, error) {
	var records []*models.UsageRecord
	err := db.gorm.WithContext(ctx).
		Where("client_key_id = ? AND bucket >= ?", clientKeyID, UsageBucket(since)).
		Order("bucket ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

// ListUsageByAccount 查询账号在时间范围内的用量记录
func (db *DB) ListUsageByAccount(ctx context.Context, accountID string, since time.Time) ([]*models.UsageRecord, error) {
	var records []*models.UsageRecord
	err := db.gorm.WithContext(ctx).
		Where("account_id = ? AND bucket >= ?", accountID, UsageBucket(since)).
		Order("bucket ASC").
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}
