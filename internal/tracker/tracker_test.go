package tracker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"breakagewatch/pkg/domain"
)

type call struct {
	Kind domain.TriggerKind
	URL  string
}

type fakeMatcher struct {
	mu     sync.Mutex
	calls  []call
	notify func(kind domain.TriggerKind, url string) bool
}

func (m *fakeMatcher) MaybeNotify(_ context.Context, _ domain.TabInfo, kind domain.TriggerKind, url string) bool {
	m.mu.Lock()
	m.calls = append(m.calls, call{kind, url})
	fn := m.notify
	m.mu.Unlock()
	if fn == nil {
		return false
	}
	return fn(kind, url)
}

func (m *fakeMatcher) Calls() []call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]call(nil), m.calls...)
}

type fakeTabs struct {
	mu      sync.Mutex
	tabs    map[domain.TabID]domain.TabInfo
	lookups int
}

func newFakeTabs(tabs ...domain.TabInfo) *fakeTabs {
	f := &fakeTabs{tabs: map[domain.TabID]domain.TabInfo{}}
	for _, t := range tabs {
		f.tabs[t.ID] = t
	}
	return f
}

func (f *fakeTabs) Tab(_ context.Context, id domain.TabID) (domain.TabInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	t, ok := f.tabs[id]
	if !ok {
		return domain.TabInfo{}, ErrTabNotFound
	}
	return t, nil
}

func (f *fakeTabs) Lookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookups
}

// cachedTabs 同时提供缓存状态
type cachedTabs struct {
	*fakeTabs
}

func (c cachedTabs) CachedTab(id domain.TabID) (domain.TabInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tabs[id]
	return t, ok
}

func (f *fakeTabs) set(t domain.TabInfo) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tabs[t.ID] = t
}

func (f *fakeTabs) remove(id domain.TabID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.tabs, id)
}

func newTracker(m *fakeMatcher, tabs TabLookup) *Tracker {
	return New(Config{Matcher: m, Tabs: tabs, RequestTypes: []string{"XHR", "Fetch"}})
}

func TestNavigationIgnoredWithoutURLChangeOrStatus(t *testing.T) {
	m := &fakeMatcher{}
	tab := domain.TabInfo{ID: "1", URL: "https://example.com/", Active: true}
	tr := newTracker(m, newFakeTabs(tab))

	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: tab, Status: "complete"})
	assert.Empty(t, m.Calls())

	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: tab, Status: "loading"})
	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: tab, URLChanged: true})
	assert.Equal(t, []call{
		{domain.KindTab, "https://example.com/"},
		{domain.KindTab, "https://example.com/"},
	}, m.Calls())
}

func TestBackgroundNavigationDeferredUntilActivation(t *testing.T) {
	m := &fakeMatcher{notify: func(domain.TriggerKind, string) bool { return true }}
	bg := domain.TabInfo{ID: "7", URL: "https://www.youtube.com/", Active: false}
	tabs := newFakeTabs(bg)
	tr := newTracker(m, tabs)

	assert.False(t, tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: bg, URLChanged: true}))
	assert.Empty(t, m.Calls())
	nav, _ := tr.Pending("7")
	assert.True(t, nav)

	// the tab navigated again while in the background
	tabs.set(domain.TabInfo{ID: "7", URL: "https://www.youtube.com/watch?v=1", Active: true})
	assert.True(t, tr.OnActivation(context.Background(), domain.ActivationEvent{TabID: "7"}))
	assert.Equal(t, []call{{domain.KindTab, "https://www.youtube.com/watch?v=1"}}, m.Calls())

	nav, _ = tr.Pending("7")
	assert.False(t, nav)

	// a second activation has nothing to replay
	assert.False(t, tr.OnActivation(context.Background(), domain.ActivationEvent{TabID: "7"}))
	assert.Len(t, m.Calls(), 1)
}

func TestForegroundNavigationClearsPending(t *testing.T) {
	m := &fakeMatcher{}
	tab := domain.TabInfo{ID: "1", URL: "https://a.com/"}
	tabs := newFakeTabs(tab)
	tr := newTracker(m, tabs)

	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: tab, URLChanged: true})
	tab.Active = true
	tabs.set(tab)
	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: tab, URLChanged: true})

	nav, _ := tr.Pending("1")
	assert.False(t, nav)
	assert.Len(t, m.Calls(), 1)
}

func TestRequestFiltering(t *testing.T) {
	m := &fakeMatcher{}
	tabs := newFakeTabs(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: true})
	tr := newTracker(m, tabs)

	tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "1", URL: "https://a.com/img.png", ResourceType: "Image"})
	tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "1", URL: "", ResourceType: "XHR"})
	tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "missing", URL: "https://a.com/api", ResourceType: "XHR"})
	assert.Empty(t, m.Calls())

	tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "1", URL: "https://a.com/api", ResourceType: "Fetch"})
	assert.Equal(t, []call{{domain.KindWebRequest, "https://a.com/api"}}, m.Calls())
}

func TestEmptyRequestTypesAcceptsAll(t *testing.T) {
	m := &fakeMatcher{}
	tabs := newFakeTabs(domain.TabInfo{ID: "1", Active: true})
	tr := New(Config{Matcher: m, Tabs: tabs})

	tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "1", URL: "https://a.com/x.js", ResourceType: "Script"})
	assert.Len(t, m.Calls(), 1)
}

func TestBackgroundRequestsQueuedInOrderWithoutDuplicates(t *testing.T) {
	m := &fakeMatcher{}
	tabs := newFakeTabs(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: false})
	tr := newTracker(m, tabs)

	for _, u := range []string{"https://x.com/1", "https://y.com/2", "https://x.com/1"} {
		tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "1", URL: u, ResourceType: "XHR"})
	}
	assert.Empty(t, m.Calls())
	_, reqs := tr.Pending("1")
	assert.Equal(t, []string{"https://x.com/1", "https://y.com/2"}, reqs)

	tabs.set(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: true})
	assert.False(t, tr.OnActivation(context.Background(), domain.ActivationEvent{TabID: "1"}))
	assert.Equal(t, []call{
		{domain.KindWebRequest, "https://x.com/1"},
		{domain.KindWebRequest, "https://y.com/2"},
	}, m.Calls())
}

func TestReplayStopsAtFirstNotification(t *testing.T) {
	m := &fakeMatcher{notify: func(kind domain.TriggerKind, url string) bool {
		return kind == domain.KindWebRequest && url == "https://y.com/2"
	}}
	tabs := newFakeTabs(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: false})
	tr := newTracker(m, tabs)

	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: domain.TabInfo{ID: "1", URL: "https://a.com/"}, URLChanged: true})
	for _, u := range []string{"https://x.com/1", "https://y.com/2", "https://z.com/3"} {
		tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "1", URL: u, ResourceType: "XHR"})
	}

	tabs.set(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: true})
	assert.True(t, tr.OnActivation(context.Background(), domain.ActivationEvent{TabID: "1"}))
	assert.Equal(t, []call{
		{domain.KindTab, "https://a.com/"},
		{domain.KindWebRequest, "https://x.com/1"},
		{domain.KindWebRequest, "https://y.com/2"},
	}, m.Calls())

	_, reqs := tr.Pending("1")
	assert.Empty(t, reqs)
}

func TestNavigationReplayNotifyDropsRequests(t *testing.T) {
	m := &fakeMatcher{notify: func(kind domain.TriggerKind, _ string) bool { return kind == domain.KindTab }}
	tabs := newFakeTabs(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: false})
	tr := newTracker(m, tabs)

	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: domain.TabInfo{ID: "1", URL: "https://a.com/"}, URLChanged: true})
	tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "1", URL: "https://x.com/1", ResourceType: "XHR"})

	tabs.set(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: true})
	assert.True(t, tr.OnActivation(context.Background(), domain.ActivationEvent{TabID: "1"}))
	assert.Equal(t, []call{{domain.KindTab, "https://a.com/"}}, m.Calls())
}

func TestURLChangeDiscardsQueuedRequests(t *testing.T) {
	m := &fakeMatcher{}
	tabs := newFakeTabs(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: false})
	tr := newTracker(m, tabs)

	tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "1", URL: "https://x.com/1", ResourceType: "XHR"})
	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: domain.TabInfo{ID: "1", URL: "https://b.com/"}, URLChanged: true})

	nav, reqs := tr.Pending("1")
	assert.True(t, nav)
	assert.Empty(t, reqs)
}

func TestActivationOfClosedTabIsSilent(t *testing.T) {
	m := &fakeMatcher{}
	tabs := newFakeTabs(domain.TabInfo{ID: "9", URL: "https://a.com/"})
	tr := newTracker(m, tabs)

	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: domain.TabInfo{ID: "9", URL: "https://a.com/"}, URLChanged: true})
	tabs.remove("9")
	assert.False(t, tr.OnActivation(context.Background(), domain.ActivationEvent{TabID: "9"}))
	assert.Empty(t, m.Calls())

	nav, _ := tr.Pending("9")
	assert.False(t, nav, "pending entry is consumed")
}

func TestActivationOfStillInactiveTabDrops(t *testing.T) {
	m := &fakeMatcher{}
	tabs := newFakeTabs(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: false})
	tr := newTracker(m, tabs)

	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: domain.TabInfo{ID: "1", URL: "https://a.com/"}, URLChanged: true})
	assert.False(t, tr.OnActivation(context.Background(), domain.ActivationEvent{TabID: "1"}))
	assert.Empty(t, m.Calls())
}

func TestPendingRequestsBounded(t *testing.T) {
	tabs := newFakeTabs(domain.TabInfo{ID: "1", Active: false})
	tr := newTracker(&fakeMatcher{}, tabs)
	for i := 0; i < maxPendingRequests+10; i++ {
		tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "1", URL: fmt.Sprintf("https://a.com/%d", i), ResourceType: "XHR"})
	}
	_, reqs := tr.Pending("1")
	assert.Len(t, reqs, maxPendingRequests)
}

func TestNavigationUsesCurrentActiveState(t *testing.T) {
	m := &fakeMatcher{}
	tabs := newFakeTabs(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: false})
	tr := newTracker(m, tabs)

	// the event was captured while the tab was still in front
	stale := domain.TabInfo{ID: "1", URL: "https://a.com/", Active: true}
	assert.False(t, tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: stale, URLChanged: true}))
	assert.Empty(t, m.Calls())
	nav, _ := tr.Pending("1")
	assert.True(t, nav)

	// and the other way round
	tabs.set(domain.TabInfo{ID: "2", URL: "https://b.com/", Active: true})
	tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: domain.TabInfo{ID: "2", URL: "https://b.com/"}, URLChanged: true})
	assert.Equal(t, []call{{domain.KindTab, "https://b.com/"}}, m.Calls())
}

func TestNavigationOfClosedTabIgnored(t *testing.T) {
	m := &fakeMatcher{}
	tr := newTracker(m, newFakeTabs())

	assert.False(t, tr.OnNavigation(context.Background(), domain.NavigationEvent{Tab: domain.TabInfo{ID: "1", URL: "https://a.com/"}, URLChanged: true}))
	assert.Empty(t, m.Calls())
	nav, _ := tr.Pending("1")
	assert.False(t, nav)
}

func TestRequestsUseCachedTabState(t *testing.T) {
	m := &fakeMatcher{}
	tabs := cachedTabs{newFakeTabs(
		domain.TabInfo{ID: "1", URL: "https://a.com/", Active: true},
		domain.TabInfo{ID: "2", URL: "https://b.com/", Active: false},
	)}
	tr := newTracker(m, tabs)

	tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "1", URL: "https://a.com/api", ResourceType: "XHR"})
	tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "2", URL: "https://b.com/api", ResourceType: "XHR"})
	tr.OnRequest(context.Background(), domain.RequestEvent{TabID: "3", URL: "https://c.com/api", ResourceType: "XHR"})

	assert.Equal(t, []call{{domain.KindWebRequest, "https://a.com/api"}}, m.Calls())
	_, reqs := tr.Pending("2")
	assert.Equal(t, []string{"https://b.com/api"}, reqs)
	assert.Zero(t, tabs.Lookups())

	// activation replay still reads the live state
	tabs.set(domain.TabInfo{ID: "2", URL: "https://b.com/", Active: true})
	tr.OnActivation(context.Background(), domain.ActivationEvent{TabID: "2"})
	assert.Equal(t, 1, tabs.Lookups())
	assert.Len(t, m.Calls(), 2)
}

// runToCompletion 预先填充事件后运行 Run 直到所有通道关闭
func runToCompletion(t *testing.T, tr *Tracker, navs []domain.NavigationEvent, acts []domain.ActivationEvent, reqs []domain.RequestEvent) {
	t.Helper()
	nc := make(chan domain.NavigationEvent, len(navs))
	ac := make(chan domain.ActivationEvent, len(acts))
	rc := make(chan domain.RequestEvent, len(reqs))
	for _, ev := range navs {
		nc <- ev
	}
	for _, ev := range acts {
		ac <- ev
	}
	for _, ev := range reqs {
		rc <- ev
	}
	close(nc)
	close(ac)
	close(rc)

	done := make(chan struct{})
	go func() {
		tr.Run(context.Background(), Streams{Navigations: nc, Activations: ac, Requests: rc})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after streams closed")
	}
}

func TestRunBackgroundNavigationThenActivation(t *testing.T) {
	defer goleak.VerifyNone(t)

	for i := 0; i < 300; i++ {
		m := &fakeMatcher{notify: func(domain.TriggerKind, string) bool { return true }}
		// by the time events are handled the tab is already in front
		tabs := newFakeTabs(domain.TabInfo{ID: "7", URL: "https://www.youtube.com/", Active: true})
		tr := newTracker(m, tabs)

		runToCompletion(t, tr,
			[]domain.NavigationEvent{{Tab: domain.TabInfo{ID: "7", URL: "https://www.youtube.com/"}, URLChanged: true}},
			[]domain.ActivationEvent{{TabID: "7"}},
			nil,
		)

		require.Equal(t, []call{{domain.KindTab, "https://www.youtube.com/"}}, m.Calls(), "trial %d", i)
		nav, _ := tr.Pending("7")
		require.False(t, nav, "trial %d", i)
	}
}

func TestRunStaleForegroundNavigationDeferred(t *testing.T) {
	defer goleak.VerifyNone(t)

	for i := 0; i < 100; i++ {
		m := &fakeMatcher{}
		tabs := newFakeTabs(domain.TabInfo{ID: "7", URL: "https://www.youtube.com/", Active: false})
		tr := newTracker(m, tabs)

		runToCompletion(t, tr,
			[]domain.NavigationEvent{{Tab: domain.TabInfo{ID: "7", URL: "https://www.youtube.com/", Active: true}, URLChanged: true}},
			nil,
			[]domain.RequestEvent{{TabID: "7", URL: "https://api.youtube.com/x", ResourceType: "XHR"}},
		)

		require.Empty(t, m.Calls(), "trial %d", i)
		nav, _ := tr.Pending("7")
		require.True(t, nav, "trial %d", i)
	}
}

func TestRunMixedEventsForActiveTab(t *testing.T) {
	defer goleak.VerifyNone(t)

	for i := 0; i < 100; i++ {
		m := &fakeMatcher{}
		tabs := cachedTabs{newFakeTabs(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: true})}
		tr := newTracker(m, tabs)

		runToCompletion(t, tr,
			[]domain.NavigationEvent{{Tab: domain.TabInfo{ID: "1", URL: "https://a.com/"}, URLChanged: true}},
			[]domain.ActivationEvent{{TabID: "1"}},
			[]domain.RequestEvent{{TabID: "1", URL: "https://a.com/api", ResourceType: "XHR"}},
		)

		require.ElementsMatch(t, []call{
			{domain.KindTab, "https://a.com/"},
			{domain.KindWebRequest, "https://a.com/api"},
		}, m.Calls(), "trial %d", i)
	}
}

type panicMatcher struct{ fakeMatcher }

func (p *panicMatcher) MaybeNotify(ctx context.Context, tab domain.TabInfo, kind domain.TriggerKind, url string) bool {
	if url == "https://boom.com/" {
		panic("boom")
	}
	return p.fakeMatcher.MaybeNotify(ctx, tab, kind, url)
}

func TestRunDispatchesAndSurvivesPanics(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := &panicMatcher{}
	tabs := newFakeTabs(domain.TabInfo{ID: "1", URL: "https://a.com/", Active: true})
	tr := New(Config{Matcher: m, Tabs: tabs})

	navs := make(chan domain.NavigationEvent)
	reqs := make(chan domain.RequestEvent)
	done := make(chan struct{})
	go func() {
		tr.Run(context.Background(), Streams{Navigations: navs, Requests: reqs})
		close(done)
	}()

	navs <- domain.NavigationEvent{Tab: domain.TabInfo{ID: "1", URL: "https://boom.com/", Active: true}, URLChanged: true}
	navs <- domain.NavigationEvent{Tab: domain.TabInfo{ID: "1", URL: "https://a.com/", Active: true}, URLChanged: true}
	reqs <- domain.RequestEvent{TabID: "1", URL: "https://a.com/api", ResourceType: "XHR"}
	close(navs)
	close(reqs)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after streams closed")
	}
	require.ElementsMatch(t, []call{
		{domain.KindTab, "https://a.com/"},
		{domain.KindWebRequest, "https://a.com/api"},
	}, m.Calls())
}

func TestRunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	tr := New(Config{Matcher: &fakeMatcher{}, Tabs: newFakeTabs()})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tr.Run(ctx, Streams{Activations: make(chan domain.ActivationEvent)})
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
