package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/1122414/AutoWeb/internal/logging"
)

const (
	captureAttempts   = 3
	capturePollEvery  = 500 * time.Millisecond
	captureStatusWait = 10 * time.Second
)

// domSkeletonJS walks the live DOM and publishes a pruned JSON tree on
// window.__dom_result, with window.__dom_status signalling completion.
// Nodes keep tag, xpath, id, a filtered class list, a small attribute
// whitelist and direct text; invisible nodes, boilerplate tags and
// far-below-viewport containers are dropped, long sibling lists are cut
// to a head/tail sample, and pure wrapper nodes are flattened away.
const domSkeletonJS = `() => {
	try {
		const CONFIG = {
			MAX_DEPTH: 30,
			MAX_TEXT_LEN: 50,
			LIST_HEAD_COUNT: 4,
			LIST_TAIL_COUNT: 1,
			VIEWPORT_RATIO: 3.0,
			ATTRIBUTES_TO_KEEP: ['href', 'src', 'title', 'placeholder', 'type', 'aria-label', 'role', 'data-id', 'name', 'value']
		};
		const SKIP_TAGS = ['SCRIPT', 'STYLE', 'NOSCRIPT', 'SVG', 'PATH', 'HEAD', 'META', 'LINK', 'IFRAME', 'BR', 'HR', 'WBR', 'FOOTER'];
		const SELF_CLOSING = ['input', 'img', 'button', 'select', 'textarea'];
		const INTERACTIVE = ['a', 'button', 'input', 'select', 'textarea'];
		const CLASS_KEYWORDS = ['btn', 'button', 'nav', 'menu', 'item', 'list', 'card', 'title', 'input', 'form', 'active', 'selected', 'disabled', 'search', 'link'];

		const getXPath = (el) => {
			if (el.id && /^[a-zA-Z][a-zA-Z0-9_-]*$/.test(el.id)) {
				return '//*[@id="' + el.id + '"]';
			}
			if (el === document.body) return '/html/body';
			if (!el.parentElement) return '/' + el.tagName.toLowerCase();
			let ix = 1;
			let sib = el.previousElementSibling;
			while (sib) {
				if (sib.tagName === el.tagName) ix++;
				sib = sib.previousElementSibling;
			}
			return getXPath(el.parentElement) + '/' + el.tagName.toLowerCase() + '[' + ix + ']';
		};

		const isInViewport = (el) => {
			if (el === document.body || el === document.documentElement) return true;
			const rect = el.getBoundingClientRect();
			if (rect.bottom < 0) return false;
			if (rect.top > window.innerHeight * CONFIG.VIEWPORT_RATIO) return false;
			return true;
		};

		const cleanClass = (cls) => {
			if (!cls || typeof cls !== 'string') return null;
			const trimmed = cls.trim();
			if (!trimmed) return null;
			const names = trimmed.split(/\s+/);
			if (trimmed.length > 50 && names.length > 5) {
				const kept = names.filter((n) => {
					const low = n.toLowerCase();
					return CLASS_KEYWORDS.some((k) => low.includes(k));
				});
				return kept.length ? kept.join(' ') : null;
			}
			return trimmed;
		};

		const traverse = (el, depth) => {
			if (!el || depth > CONFIG.MAX_DEPTH) return null;
			const tag = (el.tagName || '').toUpperCase();
			if (!tag || SKIP_TAGS.includes(tag)) return null;

			const style = window.getComputedStyle(el);
			if (style.display === 'none' || style.visibility === 'hidden') {
				if (!(tag === 'INPUT' && el.type === 'hidden')) return null;
			}
			if (['DIV', 'SECTION', 'ARTICLE', 'LI'].includes(tag) && !isInViewport(el)) return null;

			const info = { t: tag.toLowerCase() };
			info.x = getXPath(el);
			if (el.id) info.id = el.id;
			const cls = cleanClass(el.getAttribute('class'));
			if (cls) info.c = cls;

			for (const attr of CONFIG.ATTRIBUTES_TO_KEEP) {
				let v = el.getAttribute(attr);
				if (!v) continue;
				if ((attr === 'href' || attr === 'src') && v.length > 80) {
					v = v.slice(0, 80) + '...';
				}
				info[attr] = v;
			}

			let txt = '';
			for (const node of el.childNodes) {
				if (node.nodeType === 3) {
					const piece = node.textContent.trim();
					if (piece) txt += (txt ? ' ' : '') + piece;
				}
			}
			if (txt) info.txt = txt.slice(0, CONFIG.MAX_TEXT_LEN);

			const children = Array.from(el.children);
			const kids = [];
			const visit = (child) => {
				const sub = traverse(child, depth + 1);
				if (sub) kids.push(sub);
			};
			if (children.length > 8) {
				children.slice(0, CONFIG.LIST_HEAD_COUNT).forEach(visit);
				kids.push({ t: 'skipped', count: children.length - CONFIG.LIST_HEAD_COUNT - CONFIG.LIST_TAIL_COUNT });
				children.slice(-CONFIG.LIST_TAIL_COUNT).forEach(visit);
			} else {
				children.forEach(visit);
			}
			if (kids.length) info.kids = kids;

			const structural = Object.keys(info).filter((k) => k !== 'x' && k !== 'kids');
			if (structural.length === 1 && kids.length === 1 && !INTERACTIVE.includes(info.t)) {
				return kids[0];
			}

			if (!info.kids && !info.txt && !info.id && depth > 0 && !SELF_CLOSING.includes(info.t)) {
				const hasAttr = CONFIG.ATTRIBUTES_TO_KEEP.some((a) => info[a] !== undefined);
				if (!hasAttr) return null;
			}

			return info;
		};

		let root = document.querySelector('#content') || document.querySelector('#wrapper') || document.querySelector('main') || document.body;
		if (!root || (root.innerText || '').length < 50) root = document.body;

		let result = traverse(root, 0);
		if (!result) {
			result = { t: 'body', txt: '[Structure Fail] ' + (document.body.innerText || '').slice(0, 1500) };
		}
		window.__dom_result = JSON.stringify(result);
		window.__dom_status = 'success';
	} catch (e) {
		window.__dom_result = JSON.stringify({ error: String(e && e.message ? e.message : e) });
		window.__dom_status = 'error';
	}
}`

// CaptureSkeleton runs the skeleton script in the tab and returns the
// compressed JSON snapshot. The script publishes through window globals
// so slow pages can be polled instead of blocking the eval call; empty
// documents are retried because pages often finish rendering between
// attempts.
func CaptureSkeleton(ctx context.Context, tab *Tab, mode CompressMode) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= captureAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		raw, err := captureOnce(ctx, tab)
		if err != nil {
			lastErr = err
			logging.BrowserWarn("dom capture attempt %d/%d: %v", attempt, captureAttempts, err)
			continue
		}
		if strings.Contains(raw, "Empty DOM") {
			lastErr = errors.New("empty document")
			logging.BrowserWarn("dom capture attempt %d/%d returned an empty document", attempt, captureAttempts)
			if err := sleepCtx(ctx, time.Second); err != nil {
				return "", err
			}
			continue
		}
		return NewCompressor(mode).CompressJSON(raw), nil
	}
	if lastErr == nil {
		lastErr = errors.New("dom skeleton unavailable")
	}
	return "", fmt.Errorf("capture dom skeleton: %w", lastErr)
}

func captureOnce(ctx context.Context, tab *Tab) (string, error) {
	defer cleanupCaptureGlobals(tab)

	if _, err := tab.page.Context(ctx).Timeout(tab.base).Eval(domSkeletonJS); err != nil {
		return "", fmt.Errorf("inject skeleton script: %w", err)
	}

	deadline := time.Now().Add(captureStatusWait)
	for {
		status, _ := tab.RunJS(`() => window.__dom_status || ""`)
		switch status {
		case "success":
			raw, err := tab.RunJS(`() => window.__dom_result || ""`)
			if err != nil {
				return "", fmt.Errorf("read skeleton result: %w", err)
			}
			if strings.TrimSpace(raw) == "" {
				return "", errors.New("skeleton result empty")
			}
			return raw, nil
		case "error":
			detail, _ := tab.RunJS(`() => window.__dom_result || ""`)
			return "", fmt.Errorf("skeleton script failed: %s", detail)
		}
		if time.Now().After(deadline) {
			return "", errors.New("timed out waiting for skeleton status")
		}
		if err := sleepCtx(ctx, capturePollEvery); err != nil {
			return "", err
		}
	}
}

func cleanupCaptureGlobals(tab *Tab) {
	_, _ = tab.RunJS(`() => { delete window.__dom_result; delete window.__dom_status; }`)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
