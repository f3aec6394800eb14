package tradesync

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Permission is the user's consent for system notices.
type Permission string

const (
	PermissionDefault Permission = "default"
	PermissionGranted Permission = "granted"
	PermissionDenied  Permission = "denied"
)

// Notice is a user-facing system notice. Notices sharing a Tag replace each
// other.
type Notice struct {
	Tag                string    `json:"tag"`
	Title              string    `json:"title"`
	Body               string    `json:"body,omitempty"`
	Severity           Severity  `json:"severity"`
	RequireInteraction bool      `json:"requireInteraction"`
	ShownAt            time.Time `json:"shownAt"`
}

// NoticeConfig configures a NoticeCenter.
type NoticeConfig struct {
	Permission   Permission
	DismissAfter time.Duration
	// Sink renders a notice. It is called once per shown notice.
	Sink   func(Notice)
	Logger *zap.Logger
}

func (c *NoticeConfig) defaults() {
	if c.Permission == "" {
		c.Permission = PermissionDefault
	}
	if c.DismissAfter == 0 {
		c.DismissAfter = 5 * time.Second
	}
	c.Logger = nopIfNil(c.Logger)
}

type activeNotice struct {
	notice Notice
	gen    uint64
	timer  *time.Timer
}

// NoticeCenter shows permission-gated notices, deduplicated by tag.
// Non-critical notices dismiss themselves after DismissAfter.
type NoticeCenter struct {
	cfg NoticeConfig
	log *zap.Logger

	mu         sync.Mutex
	permission Permission
	gen        uint64
	active     map[string]*activeNotice
	closed     bool
}

func NewNoticeCenter(cfg NoticeConfig) *NoticeCenter {
	cfg.defaults()
	return &NoticeCenter{
		cfg:        cfg,
		log:        cfg.Logger.With(zap.String("component", "notices")),
		permission: cfg.Permission,
		active:     make(map[string]*activeNotice),
	}
}

func (n *NoticeCenter) Permission() Permission {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.permission
}

func (n *NoticeCenter) SetPermission(p Permission) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.permission = p
}

// Notify shows notice if permission is granted.
func (n *NoticeCenter) Notify(notice Notice) {
	n.mu.Lock()
	if n.closed || n.permission != PermissionGranted {
		perm := n.permission
		n.mu.Unlock()
		n.log.Debug("notice suppressed", zap.String("tag", notice.Tag), zap.String("permission", string(perm)))
		return
	}

	notice.RequireInteraction = notice.Severity == SeverityCritical
	notice.ShownAt = time.Now()
	if prev, ok := n.active[notice.Tag]; ok && prev.timer != nil {
		prev.timer.Stop()
	}
	n.gen++
	a := &activeNotice{notice: notice, gen: n.gen}
	if !notice.RequireInteraction {
		tag, gen := notice.Tag, a.gen
		a.timer = time.AfterFunc(n.cfg.DismissAfter, func() { n.expire(tag, gen) })
	}
	n.active[notice.Tag] = a
	n.mu.Unlock()

	if sink := n.cfg.Sink; sink != nil {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					n.log.Error("notice sink panicked", zap.Any("panic", rec))
				}
			}()
			sink(notice)
		}()
	}
}

func (n *NoticeCenter) expire(tag string, gen uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if a, ok := n.active[tag]; ok && a.gen == gen {
		delete(n.active, tag)
	}
}

// Dismiss removes the notice with tag, as a user interaction would.
func (n *NoticeCenter) Dismiss(tag string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	a, ok := n.active[tag]
	if !ok {
		return false
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	delete(n.active, tag)
	return true
}

// Active returns the notices currently shown, oldest first.
func (n *NoticeCenter) Active() []Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notice, 0, len(n.active))
	for _, a := range n.active {
		out = append(out, a.notice)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ShownAt.Before(out[j].ShownAt) })
	return out
}

// Close dismisses everything and drops later notices.
func (n *NoticeCenter) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
	for tag, a := range n.active {
		if a.timer != nil {
			a.timer.Stop()
		}
		delete(n.active, tag)
	}
}
