package agent

import (
	"context"
	"errors"

	"github.com/1122414/AutoWeb/internal/browser"
)

// Tab is the slice of a browser tab the nodes read. Raw exposes the
// underlying tab for the script runner; fakes return nil.
type Tab interface {
	URL() string
	Skeleton(ctx context.Context) (string, error)
	Raw() *browser.Tab
}

// Session hands out the most recently active tab.
type Session interface {
	Latest(ctx context.Context) (Tab, error)
}

// NewSession adapts a running browser manager to the Session seam.
func NewSession(mgr *browser.Manager) Session {
	return &rodSession{mgr: mgr}
}

type rodSession struct {
	mgr *browser.Manager
}

func (s *rodSession) Latest(ctx context.Context) (Tab, error) {
	if s.mgr == nil {
		return nil, errors.New("browser manager not configured")
	}
	tab, err := s.mgr.LatestTab(ctx)
	if err != nil {
		return nil, err
	}
	return &rodTab{tab: tab}, nil
}

type rodTab struct {
	tab *browser.Tab
}

func (t *rodTab) URL() string { return t.tab.URL() }

// Skeleton captures the page snapshot with the lite attribute set; the
// full set is only worth the tokens on form-heavy pages.
func (t *rodTab) Skeleton(ctx context.Context) (string, error) {
	return browser.CaptureSkeleton(ctx, t.tab, browser.ModeLite)
}

func (t *rodTab) Raw() *browser.Tab { return t.tab }
