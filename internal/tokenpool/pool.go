// Package tokenpool 管理 Agent 发布的执行令牌。
//
// 令牌表在启动后只读，inUse 标志使用原子变量，
// 预约会话单独使用互斥锁保护，因此任何调用都不会持有全局锁。
package tokenpool

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"yqhp/grid-agent/pkg/logger"
	"yqhp/grid-agent/pkg/types"
)

type entry struct {
	token types.Token
	inUse atomic.Bool
	seq   int
}

func (e *entry) snapshot() types.Token {
	t := e.token
	t.InUse = e.inUse.Load()
	return t
}

type session struct {
	openedAt time.Time
	lastUsed time.Time
}

// Pool 令牌池。
type Pool struct {
	mu     sync.RWMutex
	tokens map[string]*entry

	sessionsMu sync.Mutex
	sessions   map[string]*session

	logger *zap.Logger
	now    func() time.Time
}

// New 创建一个空的令牌池。
func New(l *zap.Logger) *Pool {
	return &Pool{
		tokens:   make(map[string]*entry),
		sessions: make(map[string]*session),
		logger:   logger.OrNop(l).Named("tokenpool"),
		now:      time.Now,
	}
}

// Offer 将令牌加入池中。调用方保证 id 唯一。
func (p *Pool) Offer(token types.Token) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e := &entry{token: token, seq: len(p.tokens)}
	e.inUse.Store(token.InUse)
	e.token.InUse = false
	p.tokens[token.ID] = e
}

func (p *Pool) lookup(id string) (*entry, error) {
	p.mu.RLock()
	e, ok := p.tokens[id]
	p.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrUnknownToken, id)
	}
	return e, nil
}

// Get 返回令牌快照。
func (p *Pool) Get(id string) (types.Token, error) {
	e, err := p.lookup(id)
	if err != nil {
		return types.Token{}, err
	}
	return e.snapshot(), nil
}

// List 返回全部令牌的快照，按加入顺序排列。
func (p *Pool) List() []types.Token {
	p.mu.RLock()
	entries := make([]*entry, 0, len(p.tokens))
	for _, e := range p.tokens {
		entries = append(entries, e)
	}
	p.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool { return entries[i].seq < entries[j].seq })

	out := make([]types.Token, len(entries))
	for i, e := range entries {
		out[i] = e.snapshot()
	}
	return out
}

// AvailableTokens 返回当前未被使用的令牌。
func (p *Pool) AvailableTokens() []types.Token {
	all := p.List()
	out := make([]types.Token, 0, len(all))
	for _, t := range all {
		if !t.InUse {
			out = append(out, t)
		}
	}
	return out
}

// Size 返回令牌数量。
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.tokens)
}

// MarkInUse 原子地设置 inUse 标志并返回之前的值。
func (p *Pool) MarkInUse(id string, inUse bool) (bool, error) {
	e, err := p.lookup(id)
	if err != nil {
		return false, err
	}
	return e.inUse.Swap(inUse), nil
}

// IsInUse 返回令牌当前的 inUse 标志。
func (p *Pool) IsInUse(id string) (bool, error) {
	e, err := p.lookup(id)
	if err != nil {
		return false, err
	}
	return e.inUse.Load(), nil
}

// Reserve 为令牌打开预约会话。已有会话时替换并记录警告。
// 会话表以池内令牌的 id 为键，调用方传入的字符串不会被保留。
func (p *Pool) Reserve(id string) error {
	e, err := p.lookup(id)
	if err != nil {
		return err
	}
	id = e.token.ID

	now := p.now()
	p.sessionsMu.Lock()
	_, existed := p.sessions[id]
	p.sessions[id] = &session{openedAt: now, lastUsed: now}
	p.sessionsMu.Unlock()

	if existed {
		p.logger.Warn("Replacing existing reservation session", zap.String("token_id", id))
	} else {
		p.logger.Debug("Reservation session opened", zap.String("token_id", id))
	}
	return nil
}

// Release 关闭令牌的预约会话。没有会话时为空操作。
func (p *Pool) Release(id string) error {
	if _, err := p.lookup(id); err != nil {
		return err
	}

	p.sessionsMu.Lock()
	_, existed := p.sessions[id]
	delete(p.sessions, id)
	p.sessionsMu.Unlock()

	if existed {
		p.logger.Debug("Reservation session closed", zap.String("token_id", id))
	} else {
		p.logger.Debug("Release without open session", zap.String("token_id", id))
	}
	return nil
}

// Touch 刷新令牌会话的最后使用时间。
func (p *Pool) Touch(id string) {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()
	if s, ok := p.sessions[id]; ok {
		s.lastUsed = p.now()
	}
}

// HasSession 判断令牌是否有打开的预约会话。
func (p *Pool) HasSession(id string) bool {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()
	_, ok := p.sessions[id]
	return ok
}

// SessionCount 返回打开的会话数量。
func (p *Pool) SessionCount() int {
	p.sessionsMu.Lock()
	defer p.sessionsMu.Unlock()
	return len(p.sessions)
}

// EvictSessions 移除空闲超过 ttl 的会话，返回被移除的令牌 id。
func (p *Pool) EvictSessions(ttl time.Duration) []string {
	if ttl <= 0 {
		return nil
	}

	cutoff := p.now().Add(-ttl)
	var evicted []string

	p.sessionsMu.Lock()
	for id, s := range p.sessions {
		if s.lastUsed.Before(cutoff) {
			delete(p.sessions, id)
			evicted = append(evicted, id)
		}
	}
	p.sessionsMu.Unlock()

	for _, id := range evicted {
		p.logger.Info("Evicted idle reservation session", zap.String("token_id", id), zap.Duration("ttl", ttl))
	}
	sort.Strings(evicted)
	return evicted
}
