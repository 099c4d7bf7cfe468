package breakages

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"breakagewatch/internal/logger"
	"breakagewatch/pkg/domain"
)

// PrefSink 接收动态目录内容的存储
type PrefSink interface {
	Set(ctx context.Context, key, value string) error
}

// DirWatcher 监听目录中的 tab.json / webrequest.json，把内容同步到动态目录
type DirWatcher struct {
	dir  string
	sink PrefSink
	log  logger.Logger
}

// NewDirWatcher 创建目录监听器
func NewDirWatcher(dir string, sink PrefSink, l logger.Logger) *DirWatcher {
	if l == nil {
		l = logger.NewNop()
	}
	return &DirWatcher{dir: dir, sink: sink, log: l}
}

// Run 先同步一次已有文件，然后阻塞监听直到 ctx 结束
func (w *DirWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create watch dir: %w", err)
	}
	if err := watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	for _, kind := range domain.Kinds() {
		path := filepath.Join(w.dir, string(kind)+".json")
		if _, err := os.Stat(path); err == nil {
			w.sync(ctx, kind, path)
		}
	}

	w.log.Info("开始监听动态规则目录", "dir", w.dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			kind, ok := kindFromPath(ev.Name)
			if !ok {
				continue
			}
			w.sync(ctx, kind, ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Err(err, "目录监听出错", "dir", w.dir)
		}
	}
}

func (w *DirWatcher) sync(ctx context.Context, kind domain.TriggerKind, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.log.Warn("读取动态规则文件失败", "path", path, "error", err)
		return
	}
	// 编辑器保存时可能先写出半个文件，解析失败就等下一次事件
	if _, err := Parse(data); err != nil {
		w.log.Debug("动态规则文件暂不可用", "path", path, "error", err)
		return
	}
	if err := w.sink.Set(ctx, PrefKey(kind), string(data)); err != nil {
		w.log.Err(err, "同步动态规则失败", "kind", kind)
		return
	}
	w.log.Info("动态规则文件已同步", "kind", kind, "path", path)
}

func kindFromPath(path string) (domain.TriggerKind, bool) {
	kind := domain.TriggerKind(strings.TrimSuffix(filepath.Base(path), ".json"))
	if !strings.HasSuffix(path, ".json") || !kind.Valid() {
		return "", false
	}
	return kind, true
}
