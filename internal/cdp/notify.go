package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mafredri/cdp/protocol/runtime"

	adapter "breakagewatch/internal/adapter/cdp"
	"breakagewatch/internal/tracker"
	"breakagewatch/pkg/domain"
)

// notificationScript 在页面顶部展示提示条，Promise 以用户反馈结束。
// 参数依次为消息片段、是否可操作、超时毫秒数。
const notificationScript = `((parts, actionable, timeoutMS) => new Promise((resolve) => {
  const host = document.createElement('div');
  host.setAttribute('data-breakagewatch', '');
  host.style.cssText = 'position:fixed;top:0;left:0;right:0;z-index:2147483647;padding:10px 16px;' +
    'background:#fff8c5;color:#1f2328;border-bottom:1px solid #d4a72c;font:14px/1.4 sans-serif;display:flex;gap:12px;align-items:center';
  const text = document.createElement('span');
  text.style.flex = '1';
  for (const p of parts) {
    const el = document.createElement((p.modifier || []).includes('strong') ? 'strong' : 'span');
    el.textContent = p.text;
    text.appendChild(el);
  }
  host.appendChild(text);
  let done = false;
  const finish = (outcome) => {
    if (done) return;
    done = true;
    host.remove();
    resolve(outcome);
  };
  const button = (label, outcome) => {
    const b = document.createElement('button');
    b.textContent = label;
    b.onclick = () => finish(outcome);
    host.appendChild(b);
  };
  if (actionable) {
    button('Reload', 'clicked');
    button("Don't show again", 'not-anymore');
  }
  button('×', 'closed');
  (document.body || document.documentElement).appendChild(host);
  setTimeout(() => finish('closed'), timeoutMS);
}))(%s, %t, %d)`

// ShowNotification 在标签页内展示提示并等待用户反馈
func (m *Manager) ShowNotification(ctx context.Context, id domain.TabID, msg domain.Message, actionable bool) (domain.Outcome, error) {
	ts, ok := m.session(id)
	if !ok {
		return "", fmt.Errorf("tab %s: %w", id, tracker.ErrTabNotFound)
	}
	parts := msg.Parts
	if len(parts) == 0 {
		parts = []domain.MessagePart{{Text: msg.Text}}
	}
	data, err := json.Marshal(parts)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}

	// 页面侧超时之后再留出一点余量
	ctx, cancel := context.WithTimeout(ctx, m.notifyTimeout+5*time.Second)
	defer cancel()

	expr := fmt.Sprintf(notificationScript, data, actionable, m.notifyTimeout.Milliseconds())
	reply, err := ts.client.Runtime.Evaluate(ctx, runtime.NewEvaluateArgs(expr).SetReturnByValue(true).SetAwaitPromise(true))
	if err != nil {
		return "", fmt.Errorf("evaluate notification: %w", err)
	}
	if reply.ExceptionDetails != nil {
		return "", fmt.Errorf("notification script: %s", reply.ExceptionDetails.Text)
	}
	return adapter.ParseOutcome(reply.Result.Value), nil
}
