// Package failure 实现自适应 accrual 失败检测器
//
// 检测器记录心跳到达间隔，把当前静默时长换算为怀疑度 phi：
// phi 超过阈值即判定对端失联。与固定超时不同，阈值随观测到的
// 心跳抖动自适应。
package failure

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// 默认参数
const (
	// DefaultThreshold phi 判定阈值
	DefaultThreshold = 8.0

	// DefaultWindowSize 心跳间隔采样窗口
	DefaultWindowSize = 100

	// DefaultMinStdDev 标准差下限，抑制过于规律的心跳导致误判
	DefaultMinStdDev = 100 * time.Millisecond

	// DefaultFirstHeartbeatEstimate 首个心跳前的间隔估计
	DefaultFirstHeartbeatEstimate = 5 * time.Second
)

// ============================================================================
//                              Detector 实现
// ============================================================================

// Detector accrual 失败检测器
type Detector struct {
	mu sync.Mutex

	clk       clock.Clock
	threshold float64
	minStdDev time.Duration

	// 心跳间隔环形窗口
	intervals []time.Duration
	next      int
	filled    bool

	lastHeartbeat time.Time
}

// Option 检测器配置选项
type Option func(*Detector)

// WithThreshold 设置 phi 阈值
func WithThreshold(threshold float64) Option {
	return func(d *Detector) { d.threshold = threshold }
}

// WithWindowSize 设置采样窗口大小
func WithWindowSize(size int) Option {
	return func(d *Detector) { d.intervals = make([]time.Duration, size) }
}

// NewDetector 创建失败检测器
func NewDetector(clk clock.Clock, opts ...Option) *Detector {
	d := &Detector{
		clk:       clk,
		threshold: DefaultThreshold,
		minStdDev: DefaultMinStdDev,
		intervals: make([]time.Duration, DefaultWindowSize),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Heartbeat 记录一次心跳
func (d *Detector) Heartbeat() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clk.Now()
	if !d.lastHeartbeat.IsZero() {
		d.record(now.Sub(d.lastHeartbeat))
	}
	d.lastHeartbeat = now
}

// Phi 返回当前怀疑度
//
// 尚未收到任何心跳时返回 0。
func (d *Detector) Phi() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phi(d.clk.Now())
}

// CheckFailure 判定对端是否失联
func (d *Detector) CheckFailure() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.phi(d.clk.Now()) > d.threshold
}

// record 记录心跳间隔
func (d *Detector) record(interval time.Duration) {
	d.intervals[d.next] = interval
	d.next++
	if d.next == len(d.intervals) {
		d.next = 0
		d.filled = true
	}
}

// phi 计算静默时长对应的怀疑度（须持锁调用）
//
// phi = -log10(P(下一个心跳仍会到来))，
// P 基于观测间隔的正态分布尾概率。P 下限为 1e-12，故 phi 最大为 12。
func (d *Detector) phi(now time.Time) float64 {
	if d.lastHeartbeat.IsZero() {
		return 0
	}

	mean, stdDev := d.stats()
	elapsed := now.Sub(d.lastHeartbeat)

	y := (float64(elapsed) - mean) / stdDev
	p := 0.5 * math.Erfc(y/math.Sqrt2)
	if p < 1e-12 {
		p = 1e-12
	}
	return -math.Log10(p)
}

// stats 返回间隔均值与标准差（须持锁调用）
func (d *Detector) stats() (mean, stdDev float64) {
	count := d.next
	if d.filled {
		count = len(d.intervals)
	}
	if count == 0 {
		return float64(DefaultFirstHeartbeatEstimate), float64(DefaultFirstHeartbeatEstimate / 2)
	}

	var sum float64
	for i := 0; i < count; i++ {
		sum += float64(d.intervals[i])
	}
	mean = sum / float64(count)

	var variance float64
	for i := 0; i < count; i++ {
		delta := float64(d.intervals[i]) - mean
		variance += delta * delta
	}
	stdDev = math.Sqrt(variance / float64(count))

	if min := float64(d.minStdDev); stdDev < min {
		stdDev = min
	}
	return mean, stdDev
}
