package storage

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"breakagewatch/internal/logger"
)

// Prefs 键值偏好存储，支持订阅变更
type Prefs struct {
	db  *gorm.DB
	log logger.Logger

	mu     sync.Mutex
	subs   map[int]*prefSub
	nextID int
	seen   map[string]string
}

// prefSub 单个订阅者。未投递的键合并保存，同一键只投递一次，消费慢时不会丢失任何键。
type prefSub struct {
	keys map[string]struct{}

	mu      sync.Mutex
	pending []string
	signal  chan struct{}
	done    chan struct{}
	out     chan string
}

func (s *prefSub) push(key string) {
	s.mu.Lock()
	if !slices.Contains(s.pending, key) {
		s.pending = append(s.pending, key)
	}
	s.mu.Unlock()
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *prefSub) next() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	key := s.pending[0]
	s.pending = s.pending[1:]
	return key, true
}

// forward 把合并后的键逐个投递给订阅者，取消订阅后关闭输出通道
func (s *prefSub) forward() {
	defer close(s.out)
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}
		for key, ok := s.next(); ok; key, ok = s.next() {
			select {
			case s.out <- key:
			case <-s.done:
				return
			}
		}
	}
}

// NewPrefs 创建偏好存储
func NewPrefs(db *gorm.DB, l logger.Logger) *Prefs {
	if l == nil {
		l = logger.NewNop()
	}
	return &Prefs{db: db, log: l, subs: make(map[int]*prefSub), seen: make(map[string]string)}
}

// Get 读取失败或不存在时返回默认值
func (p *Prefs) Get(ctx context.Context, key, def string) string {
	v, ok := p.lookup(ctx, key)
	if !ok {
		return def
	}
	return v
}

// Bool 读取布尔值
func (p *Prefs) Bool(ctx context.Context, key string, def bool) bool {
	v, ok := p.lookup(ctx, key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (p *Prefs) lookup(ctx context.Context, key string) (string, bool) {
	var row Pref
	err := p.db.WithContext(ctx).Where("name = ?", key).Take(&row).Error
	if err != nil {
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			p.log.Err(err, "读取偏好失败", "key", key)
		}
		return "", false
	}
	return row.Value, true
}

// Set 写入并通知订阅者
func (p *Prefs) Set(ctx context.Context, key, value string) error {
	err := p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&Pref{Name: key, Value: value}).Error
	if err != nil {
		p.log.Err(err, "保存偏好失败", "key", key)
		return err
	}
	p.notify(key, value, true)
	return nil
}

// Clear 删除键并通知订阅者
func (p *Prefs) Clear(ctx context.Context, key string) error {
	if err := p.db.WithContext(ctx).Where("name = ?", key).Delete(&Pref{}).Error; err != nil {
		p.log.Err(err, "删除偏好失败", "key", key)
		return err
	}
	p.notify(key, "", false)
	return nil
}

// SetBool 写入布尔值
func (p *Prefs) SetBool(ctx context.Context, key string, v bool) error {
	return p.Set(ctx, key, strconv.FormatBool(v))
}

// Subscribe 订阅指定键的变更，返回的 cancel 可重复调用，调用后通道会被关闭
func (p *Prefs) Subscribe(keys ...string) (<-chan string, func()) {
	sub := &prefSub{
		keys:   make(map[string]struct{}, len(keys)),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan string),
	}
	for _, k := range keys {
		sub.keys[k] = struct{}{}
	}
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.subs[id] = sub
	p.mu.Unlock()
	go sub.forward()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, id)
			p.mu.Unlock()
			close(sub.done)
		})
	}
}

func (p *Prefs) notify(key, value string, present bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if present {
		p.seen[key] = value
	} else {
		delete(p.seen, key)
	}
	for _, sub := range p.subs {
		if _, ok := sub.keys[key]; ok {
			sub.push(key)
		}
	}
}

// Watch 定期轮询被订阅的键，用于感知其他进程写入的变更
func (p *Prefs) Watch(ctx context.Context, interval time.Duration) {
	p.pollOnce(ctx, false)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.pollOnce(ctx, true)
		}
	}
}

func (p *Prefs) pollOnce(ctx context.Context, fire bool) {
	p.mu.Lock()
	keys := make(map[string]struct{})
	for _, sub := range p.subs {
		for k := range sub.keys {
			keys[k] = struct{}{}
		}
	}
	p.mu.Unlock()
	if len(keys) == 0 {
		return
	}
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	var rows []Pref
	if err := p.db.WithContext(ctx).Where("name IN ?", names).Find(&rows).Error; err != nil {
		p.log.Err(err, "轮询偏好失败")
		return
	}
	current := make(map[string]string, len(rows))
	for _, r := range rows {
		current[r.Name] = r.Value
	}
	for _, k := range names {
		v, present := current[k]
		p.mu.Lock()
		old, had := p.seen[k]
		p.mu.Unlock()
		if had == present && old == v {
			continue
		}
		if fire {
			p.notify(k, v, present)
			continue
		}
		p.mu.Lock()
		if present {
			p.seen[k] = v
		}
		p.mu.Unlock()
	}
}
