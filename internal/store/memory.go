package store

import (
	"context"
	"sync"
)

// MemoryStore 内存版Store实现，用于测试和无数据库的本地运行
type MemoryStore struct {
	mu      sync.RWMutex
	calls   map[string]*CallRecord // call_sid -> record
	agents  map[int64]*AgentConfig // account_id -> config
	results []*CallResult
	usage   []*UsageRecord
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore 创建空的内存Store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		calls:  make(map[string]*CallRecord),
		agents: make(map[int64]*AgentConfig),
	}
}

// AddCall 注入一条通话记录
func (s *MemoryStore) AddCall(rec *CallRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[rec.CallSid] = rec
}

// AddAgentConfig 注入一条坐席配置
func (s *MemoryStore) AddAgentConfig(cfg *AgentConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[cfg.AccountID] = cfg
}

func (s *MemoryStore) CallBySid(_ context.Context, callSid string) (*CallRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.calls[callSid]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) AgentConfigByAccount(_ context.Context, accountID int64) (*AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.agents[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (s *MemoryStore) FinalizeCall(_ context.Context, result *CallResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *result
	s.results = append(s.results, &cp)
	return nil
}

func (s *MemoryStore) RecordUsage(_ context.Context, rec *UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.usage = append(s.usage, &cp)
	return nil
}

func (s *MemoryStore) Close() {}

// Results 返回已写入的归档结果快照
func (s *MemoryStore) Results() []*CallResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CallResult, len(s.results))
	copy(out, s.results)
	return out
}

// Usage 返回已写入的用量行快照
func (s *MemoryStore) Usage() []*UsageRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*UsageRecord, len(s.usage))
	copy(out, s.usage)
	return out
}
