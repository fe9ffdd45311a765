package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"relay-gateway/internal/config"
	"relay-gateway/internal/database"
	"relay-gateway/internal/logger"
	"relay-gateway/internal/models"
	"relay-gateway/internal/store"
)

// ErrNoAvailableAccount 当前没有任何可调度账号
var ErrNoAvailableAccount = errors.New("没有可用的上游账号")

// Scheduler 负责为请求挑选上游账号
// 选择顺序：专属绑定 > 分组绑定 > 共享池，组内按优先级和最久未使用排序
type Scheduler struct {
	db    *database.DB
	store *store.Store
	cfg   *config.Config
}

// New 创建调度器
func New(cfg *config.Config, db *database.DB, st *store.Store) *Scheduler {
	return &Scheduler{
		db:    db,
		store: st,
		cfg:   cfg,
	}
}

// Request 一次调度请求
type Request struct {
	// Family 协议族，候选账号的端点类型必须归属同一族
	Family string
	// ClientKey 发起请求的客户端 Key（携带绑定关系）
	ClientKey *models.ClientKey
	// SessionHash 会话标识的哈希，空字符串表示无会话（不做粘滞）
	SessionHash string
}

// stickyKey 粘性会话在共享存储中的键
func (s *Scheduler) stickyKey(req *Request) string {
	return fmt.Sprintf("sticky:%s:%s:%s", req.Family, req.ClientKey.ID, req.SessionHash)
}

// eligible 检查账号当前能否承接该协议族的请求
func eligible(acc *models.Account, family string) bool {
	if acc == nil {
		return false
	}
	if !acc.IsSchedulable() {
		return false
	}
	return models.EndpointFamily(acc.EndpointType) == family
}

// Pick 为请求选择一个上游账号
// 专属绑定不走粘性会话；分组和共享路径先构建候选集，
// 粘滞目标仍在候选集内时复用，否则按排序选取并写回映射
func (s *Scheduler) Pick(ctx context.Context, req *Request) (*models.Account, error) {
	if req.ClientKey == nil {
		return nil, errors.New("缺少客户端 Key")
	}

	// 专属绑定：只认绑定账号，不可用时直接失败，不回退到共享池
	if req.ClientKey.BoundAccountID != nil && *req.ClientKey.BoundAccountID != "" {
		acc, err := s.db.GetAccount(ctx, *req.ClientKey.BoundAccountID)
		if err != nil {
			return nil, err
		}
		if !eligible(acc, req.Family) {
			logger.Warn("调度: 专属绑定账号不可用 - Key: %s, 账号: %s", req.ClientKey.ID, *req.ClientKey.BoundAccountID)
			return nil, ErrNoAvailableAccount
		}
		s.markUsed(ctx, acc)
		return acc, nil
	}

	candidates, err := s.listCandidates(ctx, req)
	if err != nil {
		return nil, err
	}

	filtered := candidates[:0]
	for _, acc := range candidates {
		if eligible(acc, req.Family) {
			filtered = append(filtered, acc)
		}
	}
	if len(filtered) == 0 {
		return nil, ErrNoAvailableAccount
	}

	// 粘滞目标必须仍在当前候选集内（改绑后旧账号即使健康也不再复用）
	if req.SessionHash != "" {
		if acc := s.lookupSticky(req, filtered); acc != nil {
			s.markUsed(ctx, acc)
			return acc, nil
		}
	}

	sortCandidates(filtered)
	selected := filtered[0]

	if req.SessionHash != "" {
		s.store.Set(s.stickyKey(req), selected.ID, s.cfg.StickyTTL())
	}
	s.markUsed(ctx, selected)

	logger.Debug("调度: 选中账号 - Key: %s, 账号: %s (%s), 优先级: %d",
		req.ClientKey.ID, selected.Name, selected.ID, selected.Priority)
	return selected, nil
}

// ClearSticky 清除会话的粘滞映射（账号故障后调用，让会话重新落点）
func (s *Scheduler) ClearSticky(req *Request) {
	if req.SessionHash == "" {
		return
	}
	s.store.Delete(s.stickyKey(req))
}

// lookupSticky 在候选集内校验粘滞映射
// 目标不在集内（被删、隔离或 Key 改绑后脱离候选）时清理键
func (s *Scheduler) lookupSticky(req *Request, candidates []*models.Account) *models.Account {
	key := s.stickyKey(req)
	accountID, ok := s.store.Get(key)
	if !ok {
		return nil
	}

	for _, acc := range candidates {
		if acc.ID == accountID {
			// 滑动续期，只延长不缩短
			s.store.Refresh(key, s.cfg.StickyTTL())
			return acc
		}
	}

	logger.Debug("调度: 粘滞账号已不在候选集，清除映射 - 账号: %s", accountID)
	s.store.Delete(key)
	return nil
}

// listCandidates 按绑定关系列出候选账号
func (s *Scheduler) listCandidates(ctx context.Context, req *Request) ([]*models.Account, error) {
	if req.ClientKey.BoundGroupID != nil && *req.ClientKey.BoundGroupID != "" {
		return s.db.ListGroupAccounts(ctx, *req.ClientKey.BoundGroupID)
	}
	return s.db.ListSharedAccounts(ctx)
}

// sortCandidates 排序候选账号：优先级小者在前，同优先级最久未使用在前，再按创建时间
func sortCandidates(accounts []*models.Account) {
	sort.SliceStable(accounts, func(i, j int) bool {
		a, b := accounts[i], accounts[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if c := compareLastUsed(a.LastUsedAt, b.LastUsedAt); c != 0 {
			return c < 0
		}
		return a.CreatedAt < b.CreatedAt
	})
}

// compareLastUsed 比较最近使用时间，从未使用视为最旧
func compareLastUsed(a, b *string) int {
	av, bv := "", ""
	if a != nil {
		av = *a
	}
	if b != nil {
		bv = *b
	}
	if av == bv {
		return 0
	}
	if av == "" {
		return -1
	}
	if bv == "" {
		return 1
	}
	if av < bv {
		return -1
	}
	return 1
}

// markUsed 记录账号被选中
func (s *Scheduler) markUsed(ctx context.Context, acc *models.Account) {
	if err := s.db.TouchAccountLastUsed(ctx, acc.ID); err != nil {
		logger.Warn("调度: 更新账号使用时间失败 - 账号: %s, 错误: %v", acc.ID, err)
	}
}
