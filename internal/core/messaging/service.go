// Package messaging 实现应用消息的源路由转发
//
// 发送方把自身追加到 Data.Path 并交给下一跳；中继节点检测环路、
// 继续追加并转发；目标节点向上游确认并投递给应用。DataAck 与
// DataReject 沿 Path 逆向送回发起方，由 reqreply 配对器解决
// 发送方的等待。
package messaging

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dep2p/go-mesh/internal/config"
	"github.com/dep2p/go-mesh/internal/core/emitter"
	"github.com/dep2p/go-mesh/internal/util/logger"
	"github.com/dep2p/go-mesh/internal/util/reqreply"
	"github.com/dep2p/go-mesh/pkg/types"
)

var log = logger.Logger("messaging")

// 重复转发去重缓存
const (
	seenCacheSize = 1024
	seenCacheTTL  = time.Minute
)

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrNoRoute 无可用路由
	ErrNoRoute = errors.New("no route to target")

	// ErrLoop 转发路径成环
	ErrLoop = errors.New("routing loop detected")

	// ErrPeerRejected 对端拒绝
	ErrPeerRejected = errors.New("peer rejected message")
)

// codeError 把线上拒绝码映射为错误
func codeError(code types.DataRejectCode) error {
	switch code {
	case types.RejectNoRoute:
		return ErrNoRoute
	case types.RejectLoop:
		return ErrLoop
	default:
		return ErrPeerRejected
	}
}

// ============================================================================
//                              协作者接口
// ============================================================================

// Sender 能按帧发送的对等连接
type Sender interface {
	RemoteID() types.NodeID
	Send(ctx context.Context, frame types.Frame) error
}

// Router 下一跳查询（由拓扑层提供）
type Router interface {
	SelfID() types.NodeID
	NextHop(target types.NodeID) (Sender, bool)
	Peer(id types.NodeID) (Sender, bool)
}

// MessageEvent 投递给应用的消息
type MessageEvent struct {
	Source  types.NodeID
	Type    string
	Payload []byte
}

// ============================================================================
//                              Service 实现
// ============================================================================

// Service 消息服务
type Service struct {
	cfg    *config.Config
	router Router
	helper *reqreply.Helper

	// seen 最近转发过的 (source, requestId)，抑制重复转发
	seen *expirable.LRU[string, struct{}]

	onMessage *emitter.Emitter[MessageEvent]
	metrics   *metrics
}

// New 创建消息服务
func New(cfg *config.Config, router Router, clk clock.Clock, registerer prometheus.Registerer) *Service {
	if clk == nil {
		clk = clock.New()
	}
	return &Service{
		cfg:       cfg,
		router:    router,
		helper:    reqreply.New(clk, cfg.RequestTimeout),
		seen:      expirable.NewLRU[string, struct{}](seenCacheSize, nil, seenCacheTTL),
		onMessage: emitter.New[MessageEvent](),
		metrics:   newMetrics(registerer),
	}
}

// OnMessage 订阅投递给应用的消息
func (s *Service) OnMessage(fn func(MessageEvent)) *emitter.Subscription[MessageEvent] {
	return s.onMessage.Subscribe(fn)
}

// Close 释放所有未决发送
func (s *Service) Close(err error) {
	s.helper.Close(err)
}

// ============================================================================
//                              发送
// ============================================================================

// Send 发送应用消息并等待确认
//
// 返回 nil 表示目标已确认；否则返回 ErrNoRoute、ErrLoop、
// ErrPeerRejected 或 reqreply.ErrTimedOut。
func (s *Service) Send(ctx context.Context, target types.NodeID, msgType string, payload []byte) error {
	self := s.router.SelfID()
	if target.Equal(self) || target.IsEmpty() {
		return ErrNoRoute
	}

	next, ok := s.router.NextHop(target)
	if !ok {
		return ErrNoRoute
	}

	id, result := s.helper.Prepare()
	frame := &types.Data{
		Source:      self,
		Target:      target,
		ID:          id,
		MessageType: msgType,
		Path:        []types.NodeID{self},
		Payload:     payload,
	}

	s.metrics.sent.Inc()
	if err := next.Send(ctx, frame); err != nil {
		s.helper.RegisterError(id, fmt.Errorf("%w: %v", ErrNoRoute, err))
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ============================================================================
//                              接收与转发
// ============================================================================

// HandleFrame 处理拓扑层转交的数据帧
func (s *Service) HandleFrame(from Sender, frame types.Frame) {
	switch f := frame.(type) {
	case *types.Data:
		s.handleData(from, f)
	case *types.DataAck:
		s.handleAck(f)
	case *types.DataReject:
		s.handleReject(f)
	}
}

// handleData 处理入站数据帧
func (s *Service) handleData(from Sender, d *types.Data) {
	self := s.router.SelfID()

	// 本节点是目标：确认并投递
	if d.Target.Equal(self) {
		ack := &types.DataAck{ID: d.ID, Target: d.Source, Path: d.Path}
		if err := from.Send(context.Background(), ack); err != nil {
			log.Debug("发送 DataAck 失败", "source", d.Source.ShortString(), "err", err)
		}
		s.metrics.delivered.Inc()
		s.onMessage.Emit(MessageEvent{
			Source:  d.Source,
			Type:    d.MessageType,
			Payload: d.Payload,
		})
		return
	}

	// 端点不为他人转发
	if s.cfg.Endpoint {
		s.reject(from, d, types.RejectNoRoute)
		return
	}

	// 环路：路径中已出现本节点
	if containsID(d.Path, self) {
		log.Debug("拒绝环路转发",
			"source", d.Source.ShortString(),
			"target", d.Target.ShortString())
		s.reject(from, d, types.RejectLoop)
		return
	}

	// 重复帧只转发一次
	key := seenKey(d.Source, d.ID)
	if _, dup := s.seen.Get(key); dup {
		log.Debug("丢弃重复数据帧", "source", d.Source.ShortString(), "id", d.ID)
		return
	}
	s.seen.Add(key, struct{}{})

	next, ok := s.router.NextHop(d.Target)
	if !ok {
		s.reject(from, d, types.RejectNoRoute)
		return
	}

	forwarded := &types.Data{
		Source:      d.Source,
		Target:      d.Target,
		ID:          d.ID,
		MessageType: d.MessageType,
		Path:        append(append([]types.NodeID{}, d.Path...), self),
		Payload:     d.Payload,
	}
	if err := next.Send(context.Background(), forwarded); err != nil {
		log.Debug("转发失败", "target", d.Target.ShortString(), "err", err)
		s.reject(from, d, types.RejectNoRoute)
		return
	}
	s.metrics.forwarded.Inc()
}

// reject 向上游回送拒绝
func (s *Service) reject(from Sender, d *types.Data, code types.DataRejectCode) {
	s.metrics.rejected.Inc()
	frame := &types.DataReject{ID: d.ID, Target: d.Source, Path: d.Path, Code: code}
	if err := from.Send(context.Background(), frame); err != nil {
		log.Debug("发送 DataReject 失败", "source", d.Source.ShortString(), "err", err)
	}
}

// handleAck 处理确认：本节点发起则解决等待，否则逆向转发
func (s *Service) handleAck(ack *types.DataAck) {
	if ack.Target.Equal(s.router.SelfID()) {
		s.helper.RegisterReply(ack.ID)
		return
	}
	s.routeBack(ack.Target, ack.Path, ack)
}

// handleReject 处理拒绝：本节点发起则报错，否则逆向转发
func (s *Service) handleReject(rej *types.DataReject) {
	if rej.Target.Equal(s.router.SelfID()) {
		s.helper.RegisterError(rej.ID, codeError(rej.Code))
		return
	}
	s.routeBack(rej.Target, rej.Path, rej)
}

// routeBack 沿记录的路径逆向送回应答
//
// 路径中本节点的前驱即上一跳；前驱不可用时退回最短路径。
func (s *Service) routeBack(target types.NodeID, path []types.NodeID, frame types.Frame) {
	self := s.router.SelfID()

	var prev Sender
	for i, id := range path {
		if id.Equal(self) && i > 0 {
			if p, ok := s.router.Peer(path[i-1]); ok {
				prev = p
			}
			break
		}
	}
	if prev == nil {
		if p, ok := s.router.NextHop(target); ok {
			prev = p
		}
	}
	if prev == nil {
		log.Debug("应答无法回送", "target", target.ShortString())
		return
	}

	if err := prev.Send(context.Background(), frame); err != nil {
		log.Debug("回送应答失败", "target", target.ShortString(), "err", err)
	}
}

// seenKey 去重缓存键
func seenKey(source types.NodeID, id uint32) string {
	return fmt.Sprintf("%s/%d", source, id)
}

// containsID 判断路径是否已包含指定节点
func containsID(path []types.NodeID, id types.NodeID) bool {
	for _, x := range path {
		if x.Equal(id) {
			return true
		}
	}
	return false
}
