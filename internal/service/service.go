package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"breakagewatch/internal/breakages"
	"breakagewatch/internal/logger"
	"breakagewatch/internal/tracker"
)

// PrefFeatureActive 功能开关的偏好键
const PrefFeatureActive = "featureActive"

// ErrAlreadyStarted 服务已在运行
var ErrAlreadyStarted = errors.New("service already started")

// EventSource 浏览器事件来源，ctx 结束时关闭所有事件通道
type EventSource interface {
	Subscribe(ctx context.Context) (tracker.Streams, error)
}

// Prefs 偏好存储
type Prefs interface {
	Bool(ctx context.Context, key string, def bool) bool
	Subscribe(keys ...string) (<-chan string, func())
	Watch(ctx context.Context, interval time.Duration)
}

// Rebuilder 可重建的规则快照
type Rebuilder interface {
	Rebuild(ctx context.Context)
}

// Runner 后台任务
type Runner interface {
	Run(ctx context.Context) error
}

// Config 配置选项
type Config struct {
	Registry Rebuilder
	Tracker  *tracker.Tracker
	Source   EventSource
	Prefs    Prefs
	// TestMode 忽略功能开关，始终跟踪
	TestMode bool
	// CatalogWatcher 可选的动态规则目录监听
	CatalogWatcher Runner
	// PrefsPollInterval 大于 0 时轮询其他进程写入的偏好
	PrefsPollInterval time.Duration
	// RetryInterval 连接浏览器失败后的重试间隔
	RetryInterval time.Duration
	Logger        logger.Logger
}

// Service 控制器的生命周期：规则重建、功能开关与事件跟踪
type Service struct {
	cfg Config
	log logger.Logger

	mu      sync.Mutex
	running bool
}

// Subscription 一次 Start 的句柄
type Subscription struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
	svc    *Service
}

// Stop 停止所有后台任务并等待其退出，可重复调用
func (s *Subscription) Stop() {
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		s.svc.mu.Lock()
		s.svc.running = false
		s.svc.mu.Unlock()
		s.svc.log.Info("服务已停止")
	})
}

// New 创建服务
func New(cfg Config) *Service {
	if cfg.Logger == nil {
		cfg.Logger = logger.NewNop()
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 5 * time.Second
	}
	return &Service{cfg: cfg, log: cfg.Logger}
}

// Start 加载规则并按功能开关开始跟踪，重复启动返回 ErrAlreadyStarted
func (s *Service) Start(ctx context.Context) (*Subscription, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil, ErrAlreadyStarted
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, svc: s}

	s.cfg.Registry.Rebuild(ctx)
	changes, unsubscribe := s.cfg.Prefs.Subscribe(breakages.PrefDynamicTab, breakages.PrefDynamicWebRequest, PrefFeatureActive)

	sub.wg.Add(1)
	go func() {
		defer sub.wg.Done()
		defer unsubscribe()
		s.loop(ctx, changes)
	}()

	if s.cfg.CatalogWatcher != nil {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			if err := s.cfg.CatalogWatcher.Run(ctx); err != nil {
				s.log.Err(err, "动态规则目录监听退出")
			}
		}()
	}
	if s.cfg.PrefsPollInterval > 0 {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			s.cfg.Prefs.Watch(ctx, s.cfg.PrefsPollInterval)
		}()
	}

	s.log.Info("服务已启动", "testMode", s.cfg.TestMode)
	return sub, nil
}

// loop 处理偏好变更：规则变化时重建，功能开关变化时启停跟踪
func (s *Service) loop(ctx context.Context, changes <-chan string) {
	var stop func()
	defer func() {
		if stop != nil {
			stop()
		}
	}()

	apply := func() {
		want := s.cfg.TestMode || s.cfg.Prefs.Bool(ctx, PrefFeatureActive, false)
		switch {
		case want && stop == nil:
			stop = s.startTracking(ctx)
			s.log.Info("开始跟踪标签页")
		case !want && stop != nil:
			stop()
			stop = nil
			s.log.Info("停止跟踪标签页")
		}
	}
	apply()

	for {
		select {
		case <-ctx.Done():
			return
		case key, ok := <-changes:
			if !ok {
				return
			}
			if key == PrefFeatureActive {
				apply()
				continue
			}
			s.log.Debug("动态规则已变更，重建规则", "key", key)
			s.cfg.Registry.Rebuild(ctx)
		}
	}
}

// startTracking 在后台跟踪事件，返回的函数停止跟踪并等待退出
func (s *Service) startTracking(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.track(ctx)
	}()
	return func() {
		cancel()
		<-done
	}
}

// track 订阅事件源并交给跟踪器处理，连接中断后按间隔重试
func (s *Service) track(ctx context.Context) {
	for {
		streams, err := s.cfg.Source.Subscribe(ctx)
		if err != nil {
			s.log.Warn("订阅浏览器事件失败，稍后重试", "error", err, "retry", s.cfg.RetryInterval)
		} else {
			s.cfg.Tracker.Run(ctx, streams)
			drain(streams)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryInterval):
		}
	}
}

// drain 等待事件源关闭所有通道
func drain(s tracker.Streams) {
	if s.Navigations != nil {
		for range s.Navigations {
		}
	}
	if s.Activations != nil {
		for range s.Activations {
		}
	}
	if s.Requests != nil {
		for range s.Requests {
		}
	}
}
