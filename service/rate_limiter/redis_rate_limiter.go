/*
 * @module service/rate_limiter/redis_rate_limiter
 * @description 按租户与项目两级限流，启用Redis时跨实例共享计数，否则在进程内计数
 * @architecture 工具层 - 提供分布式限流能力
 * @documentReference DESIGN.md
 * @stateFlow 构造规则 -> 按优先级逐层计数 -> 任一层超限即拒绝
 * @rules 使用Redis INCR和EXPIRE实现固定窗口限流，Lua脚本保证检查与计数的原子性
 * @dependencies github.com/go-redis/redis/v8
 * @refs api/middleware/rate_limit.go, service/bootstrap.go
 */

package rate_limiter

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// 限流层级
const (
	RuleTypeTenant  = "tenant"
	RuleTypeProject = "project"
)

// Config 限流配置，请求数为0的层级不限流
type Config struct {
	Enabled         bool          `json:"enabled" yaml:"enabled"`
	Window          time.Duration `json:"window" yaml:"window"`
	TenantRequests  int           `json:"tenant_requests" yaml:"tenant_requests"`
	ProjectRequests int           `json:"project_requests" yaml:"project_requests"`
}

// Rules 构造某个作用域的限流规则
func (c Config) Rules(tenantID, projectID string) []RateLimitRule {
	window := c.Window
	if window <= 0 {
		window = time.Minute
	}
	var rules []RateLimitRule
	if c.TenantRequests > 0 {
		rules = append(rules, RateLimitRule{Type: RuleTypeTenant, TargetID: tenantID, Window: window, MaxRequests: c.TenantRequests})
	}
	if c.ProjectRequests > 0 {
		rules = append(rules, RateLimitRule{Type: RuleTypeProject, TargetID: tenantID + "/" + projectID, Window: window, MaxRequests: c.ProjectRequests})
	}
	return rules
}

// RateLimitResult 限流检查结果
type RateLimitResult struct {
	Allowed       bool   `json:"allowed"`    // 是否允许请求
	Limit         int    `json:"limit"`      // 限制数量
	Remaining     int    `json:"remaining"`  // 剩余数量
	ResetAt       int64  `json:"reset_at"`   // 重置时间（Unix时间戳）
	RateLimitType string `json:"limit_type"` // 限流类型：tenant/project
	Message       string `json:"message"`    // 提示信息
}

// RateLimitRule 限流规则
type RateLimitRule struct {
	Type        string
	TargetID    string
	Window      time.Duration
	MaxRequests int
}

// Limiter 限流器
type Limiter interface {
	CheckRateLimit(ctx context.Context, rules []RateLimitRule) (*RateLimitResult, error)
}

var rulePriority = map[string]int{
	RuleTypeProject: 2,
	RuleTypeTenant:  1,
}

// sortRulesByPriority 按优先级排序规则：project > tenant
func sortRulesByPriority(rules []RateLimitRule) []RateLimitRule {
	sorted := make([]RateLimitRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return rulePriority[sorted[i].Type] > rulePriority[sorted[j].Type]
	})
	return sorted
}

// checkRules 依次检查每层限流，任一层超限即返回；全部通过时返回剩余额度最少的一层
func checkRules(ctx context.Context, rules []RateLimitRule, check func(context.Context, RateLimitRule) (*RateLimitResult, error)) (*RateLimitResult, error) {
	if len(rules) == 0 {
		return &RateLimitResult{
			Allowed:       true,
			Limit:         -1,
			Remaining:     -1,
			RateLimitType: "none",
			Message:       "无限流规则",
		}, nil
	}

	var tightest *RateLimitResult
	for _, rule := range sortRulesByPriority(rules) {
		result, err := check(ctx, rule)
		if err != nil {
			return nil, err
		}
		if !result.Allowed {
			return result, nil
		}
		if tightest == nil || result.Remaining < tightest.Remaining {
			tightest = result
		}
	}
	return tightest, nil
}

func buildResult(rule RateLimitRule, allowed bool, count int, resetAt time.Time) *RateLimitResult {
	remaining := rule.MaxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	message := "允许请求"
	if !allowed {
		message = fmt.Sprintf("超过%s限流限制", rateLimitTypeName(rule.Type))
	}
	return &RateLimitResult{
		Allowed:       allowed,
		Limit:         rule.MaxRequests,
		Remaining:     remaining,
		ResetAt:       resetAt.Unix(),
		RateLimitType: rule.Type,
		Message:       message,
	}
}

func rateLimitTypeName(limitType string) string {
	switch limitType {
	case RuleTypeTenant:
		return "租户"
	case RuleTypeProject:
		return "项目"
	default:
		return "未知"
	}
}

// windowSeconds 窗口长度取整到秒，最少1秒
func windowSeconds(window time.Duration) int64 {
	s := int64(window / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// rateLimitScript 原子地检查并增加计数，返回 {allowed, count, ttl}
var rateLimitScript = redis.NewScript(`
	local key = KEYS[1]
	local max_requests = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	if current >= max_requests then
		local ttl = redis.call('TTL', key)
		if ttl < 0 then
			ttl = window
		end
		return {0, current, ttl}
	end

	local new_count = redis.call('INCR', key)
	if new_count == 1 then
		redis.call('EXPIRE', key, window)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end
	return {1, new_count, ttl}
`)

// RedisRateLimiter Redis限流器
type RedisRateLimiter struct {
	client    *redis.Client
	namespace string
	now       func() time.Time
}

// NewRedisRateLimiter 创建Redis限流器，客户端由调用方管理
func NewRedisRateLimiter(client *redis.Client, namespace string) *RedisRateLimiter {
	return &RedisRateLimiter{client: client, namespace: namespace, now: time.Now}
}

// CheckRateLimit 检查是否超过限流
func (r *RedisRateLimiter) CheckRateLimit(ctx context.Context, rules []RateLimitRule) (*RateLimitResult, error) {
	return checkRules(ctx, rules, r.checkSingleRule)
}

func (r *RedisRateLimiter) checkSingleRule(ctx context.Context, rule RateLimitRule) (*RateLimitResult, error) {
	window := windowSeconds(rule.Window)
	key := r.buildRateLimitKey(rule, window)

	raw, err := rateLimitScript.Run(ctx, r.client, []string{key}, rule.MaxRequests, window).Result()
	if err != nil {
		return nil, fmt.Errorf("限流检查失败: %w", err)
	}
	values, ok := raw.([]interface{})
	if !ok || len(values) != 3 {
		return nil, fmt.Errorf("限流脚本返回值格式错误: %v", raw)
	}
	allowed := values[0].(int64) == 1
	count := int(values[1].(int64))
	ttl := values[2].(int64)

	return buildResult(rule, allowed, count, r.now().Add(time.Duration(ttl)*time.Second)), nil
}

// buildRateLimitKey 构造限流Key，窗口编号作为后缀
func (r *RedisRateLimiter) buildRateLimitKey(rule RateLimitRule, window int64) string {
	current := r.now().Unix() / window
	return fmt.Sprintf("%s:rate_limit:%s:%s:%d", r.namespace, rule.Type, rule.TargetID, current)
}

// LocalRateLimiter 进程内固定窗口限流器，仅在单实例部署时准确
type LocalRateLimiter struct {
	mu       sync.Mutex
	counters map[string]*windowCounter
	now      func() time.Time
}

type windowCounter struct {
	count   int
	resetAt time.Time
}

// sweepThreshold 计数器数量超过该值时清理过期窗口
const sweepThreshold = 10000

// NewLocalRateLimiter 创建进程内限流器
func NewLocalRateLimiter() *LocalRateLimiter {
	return &LocalRateLimiter{counters: make(map[string]*windowCounter), now: time.Now}
}

// CheckRateLimit 检查是否超过限流
func (l *LocalRateLimiter) CheckRateLimit(ctx context.Context, rules []RateLimitRule) (*RateLimitResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return checkRules(ctx, rules, l.checkSingleRule)
}

func (l *LocalRateLimiter) checkSingleRule(_ context.Context, rule RateLimitRule) (*RateLimitResult, error) {
	now := l.now()
	if len(l.counters) > sweepThreshold {
		for key, c := range l.counters {
			if !now.Before(c.resetAt) {
				delete(l.counters, key)
			}
		}
	}

	key := rule.Type + ":" + rule.TargetID
	c, ok := l.counters[key]
	if !ok || !now.Before(c.resetAt) {
		c = &windowCounter{resetAt: now.Add(time.Duration(windowSeconds(rule.Window)) * time.Second)}
		l.counters[key] = c
	}
	if c.count >= rule.MaxRequests {
		return buildResult(rule, false, c.count, c.resetAt), nil
	}
	c.count++
	return buildResult(rule, true, c.count, c.resetAt), nil
}
