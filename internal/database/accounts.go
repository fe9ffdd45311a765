package database

import (
	"context"

	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"

	"gorm.io/gorm"
)

// CreateAccount 创建新账号
func (db *DB) CreateAccount(ctx context.Context, acc *models.Account) error {
	logger.Debug("数据库: 创建账号 - ID: %s, 名称: %s", acc.ID, acc.Name)

	if err := db.gorm.WithContext(ctx).Create(acc).Error; err != nil {
		logger.Debug("数据库: 创建账号失败 - ID: %s, 错误: %v", acc.ID, err)
		return err
	}
	return nil
}

// GetAccount 根据 ID 获取账号
func (db *DB) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var acc models.Account
	err := db.gorm.WithContext(ctx).Where("id = ?", id).First(&acc).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		logger.Debug("数据库: 查询账号失败 - ID: %s, 错误: %v", id, err)
		return nil, err
	}
	return &acc, nil
}

// ListAccounts 列出全部账号
func (db *DB) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	if err := db.gorm.WithContext(ctx).Order("created_at ASC").Find(&accounts).Error; err != nil {
		logger.Debug("数据库: 列出账号查询失败 - 错误: %v", err)
		return nil, err
	}
	return accounts, nil
}

// ListSharedAccounts 列出全部共享账号（未绑定时的调度候选集）
func (db *DB) ListSharedAccounts(ctx context.Context) ([]*models.Account, error) {
	var accounts []*models.Account
	err := db.gorm.WithContext(ctx).
		Where("account_type = ?", models.AccountTypeShared).
		Order("created_at ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// ListGroupAccounts 列出指定分组的全部成员账号
func (db *DB) ListGroupAccounts(ctx context.Context, groupID string) ([]*models.Account, error) {
	var accounts []*models.Account
	err := db.gorm.WithContext(ctx).
		Where("group_id = ?", groupID).
		Order("created_at ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// UpdateAccount 按字段更新账号（整条记录 upsert，不做字段级锁）
func (db *DB) UpdateAccount(ctx context.Context, id string, updates map[string]interface{}) error {
	if len(updates) == 0 {
		return nil
	}
	updates["updated_at"] = models.CurrentTime()

	if err := db.gorm.WithContext(ctx).Model(&models.Account{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		logger.Debug("数据库: 更新账号失败 - ID: %s, 错误: %v", id, err)
		return err
	}
	return nil
}

// TouchAccountLastUsed 更新账号最近使用时间
func (db *DB) TouchAccountLastUsed(ctx context.Context, id string) error {
	now := models.CurrentTime()
	return db.gorm.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{"last_used_at": now, "updated_at": now}).Error
}

// DisableAccount 隔离账号：标记不可调度并记录原因
// 对已隔离账号重复调用是幂等的
func (db *DB) DisableAccount(ctx context.Context, id string, reason string) error {
	logger.Warn("数据库: 隔离账号 - ID: %s, 原因: %s", id, reason)
	return db.UpdateAccount(ctx, id, map[string]interface{}{
		"schedulable":   false,
		"status":        models.AccountStatusError,
		"error_message": reason,
	})
}

// DeleteAccount 删除账号及其 Key 池
func (db *DB) DeleteAccount(ctx context.Context, id string) error {
	if err := db.gorm.WithContext(ctx).Where("account_id = ?", id).Delete(&models.PoolEntry{}).Error; err != nil {
		return err
	}
	result := db.gorm.WithContext(ctx).Where("id = ?", id).Delete(&models.Account{})
	if result.Error != nil {
		return result.Error
	}
	logger.Info("数据库: 账号删除完成 - ID: %s, 影响行数: %d", id, result.RowsAffected)
	return nil
}

// CreatePoolEntry 向账号的 Key 池添加条目
func (db *DB) CreatePoolEntry(ctx context.Context, entry *models.PoolEntry) error {
	return db.gorm.WithContext(ctx).Create(entry).Error
}

// ListPoolEntries 列出账号的全部池条目
func (db *DB) ListPoolEntries(ctx context.Context, accountID string) ([]*models.PoolEntry, error) {
	var entries []*models.PoolEntry
	err := db.gorm.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// GetPoolEntry 根据 ID 获取池条目
func (db *DB) GetPoolEntry(ctx context.Context, entryID string) (*models.PoolEntry, error) {
	var entry models.PoolEntry
	err := db.gorm.WithContext(ctx).Where("id = ?", entryID).First(&entry).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// DeletePoolEntry 删除池条目并返回账号剩余条目数
// 删除不存在的条目是幂等的（剩余数照常返回）
func (db *DB) DeletePoolEntry(ctx context.Context, accountID, entryID string) (int, error) {
	result := db.gorm.WithContext(ctx).
		Where("id = ? AND account_id = ?", entryID, accountID).
		Delete(&models.PoolEntry{})
	if result.Error != nil {
		return 0, result.Error
	}

	var remaining int64
	err := db.gorm.WithContext(ctx).Model(&models.PoolEntry{}).
		Where("account_id = ?", accountID).
		Count(&remaining).Error
	if err != nil {
		return 0, err
	}

	if result.RowsAffected > 0 {
		logger.Info("数据库: 池条目已移除 - 账号: %s, 条目: %s, 剩余: %d", accountID, entryID, remaining)
	}
	return int(remaining), nil
}

// TouchPoolEntryLastUsed 更新池条目最近使用时间
func (db *DB) TouchPoolEntryLastUsed(ctx context.Context, entryID string) error {
	return db.gorm.WithContext(ctx).Model(&models.PoolEntry{}).
		Where("id = ?", entryID).
		Update("last_used_at", models.CurrentTime()).Error
}
