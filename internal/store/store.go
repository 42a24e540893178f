// Package store 提供中继依赖的业务数据访问：两个窄查询
// （按呼叫标识取通话记录、按账户取AI坐席配置）和两个写入端
// （通话归档、用量计费）。业务CRUD的其余部分不在本系统范围内。
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound 查询的记录不存在
var ErrNotFound = errors.New("record not found")

// CallRecord 持久化的通话记录（业务侧主键 + 所属账户）
type CallRecord struct {
	ID         int64
	AccountID  int64
	CallSid    string
	FromNumber string
	ToNumber   string
}

// AgentConfig AI坐席配置，会话创建时取一次不可变快照
type AgentConfig struct {
	ID           int64
	AccountID    int64
	Model        string
	Voice        string
	SystemPrompt string
	Greeting     string
	Temperature  float64
}

// UsageRecord 一次通话的计费用量
type UsageRecord struct {
	AccountID int64
	CallID    int64
	Minutes   float64
	Day       int
	Month     int
	Year      int
}

// CallResult 通话结束时写回归档的结果
type CallResult struct {
	CallID          int64
	DurationSeconds int
	Transcript      string
	Intent          string
	MessageTaken    bool
}

// Store 中继消费的外部协作方接口。
// 实现必须可被多个会话并发调用。
type Store interface {
	// CallBySid 按电话侧呼叫标识查通话记录，不存在返回ErrNotFound
	CallBySid(ctx context.Context, callSid string) (*CallRecord, error)

	// AgentConfigByAccount 按账户查AI坐席配置，不存在返回ErrNotFound
	AgentConfigByAccount(ctx context.Context, accountID int64) (*AgentConfig, error)

	// FinalizeCall 通话归档写入端，清理流程尽力调用
	FinalizeCall(ctx context.Context, result *CallResult) error

	// RecordUsage 用量计费写入端，清理流程尽力调用
	RecordUsage(ctx context.Context, rec *UsageRecord) error

	// Close 释放底层连接资源
	Close()
}

// NewUsageRecord 按当前日期填充计费周期字段
func NewUsageRecord(accountID, callID int64, minutes float64, now time.Time) *UsageRecord {
	return &UsageRecord{
		AccountID: accountID,
		CallID:    callID,
		Minutes:   minutes,
		Day:       now.Day(),
		Month:     int(now.Month()),
		Year:      now.Year(),
	}
}
