package rpa

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"maskbrowser/internal/browser"
)

const (
	defaultScrollAmount = 300
	defaultWaitTimeout  = 30 * time.Second
	navigationPoll      = 100 * time.Millisecond
)

func withTimeout(ctx context.Context, ms int) (context.Context, context.CancelFunc) {
	if ms <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
}

func handleNavigate(ctx context.Context, r *run, s Step) StepResult {
	var c NavigateConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	url := r.expand(c.URL)
	if url == "" {
		return fail(errors.New("navigate: empty url"))
	}
	waitUntil := c.WaitUntil
	if waitUntil == "" {
		waitUntil = browser.WaitLoad
	}
	nctx, cancel := withTimeout(ctx, c.TimeoutMs)
	defer cancel()
	if err := r.page.Navigate(nctx, url, waitUntil); err != nil {
		return fail(fmt.Errorf("navigate %s: %w", url, err))
	}
	return succeed(map[string]interface{}{"url": r.page.URL()})
}

func handleClick(ctx context.Context, r *run, s Step) StepResult {
	var c ClickConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	sel := r.expand(c.Selector)
	if c.Humanlike {
		box, err := r.page.ElementBox(ctx, sel)
		if err != nil {
			return fail(err)
		}
		target := r.exec.humanoid.Target(box)
		if err := r.moveTo(ctx, target); err != nil {
			return fail(err)
		}
		if err := r.page.MouseClick(ctx, target.X, target.Y, c.Button, c.ClickCount); err != nil {
			return fail(err)
		}
		return succeed(nil)
	}
	if err := r.page.Click(ctx, sel, c.Button, c.ClickCount); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func handleHover(ctx context.Context, r *run, s Step) StepResult {
	var c HoverConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	sel := r.expand(c.Selector)
	if c.Humanlike {
		box, err := r.page.ElementBox(ctx, sel)
		if err != nil {
			return fail(err)
		}
		if err := r.moveTo(ctx, r.exec.humanoid.Target(box)); err != nil {
			return fail(err)
		}
		return succeed(nil)
	}
	if err := r.page.Hover(ctx, sel); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

// moveTo 沿类人轨迹移动指针并记录终点。
func (r *run) moveTo(ctx context.Context, to browser.Point) error {
	if err := r.exec.humanoid.MoveTo(ctx, r.page, r.cursor, to); err != nil {
		return err
	}
	r.cursor = to
	return nil
}

func handleInput(ctx context.Context, r *run, s Step) StepResult {
	var c InputConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	sel := r.expand(c.Selector)
	if c.Clear {
		if err := r.page.Clear(ctx, sel); err != nil {
			return fail(err)
		}
	}
	text := r.expand(c.Text)
	if err := r.page.Type(ctx, sel, text, time.Duration(c.DelayMs)*time.Millisecond); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func handleWait(ctx context.Context, r *run, s Step) StepResult {
	var c WaitConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	timeout := defaultWaitTimeout
	if c.TimeoutMs > 0 {
		timeout = time.Duration(c.TimeoutMs) * time.Millisecond
	}
	switch c.Kind {
	case WaitTime, "":
		if err := sleep(ctx, time.Duration(c.DurationMs)*time.Millisecond); err != nil {
			return fail(err)
		}
	case WaitSelector:
		if err := r.page.WaitForSelector(ctx, r.expand(c.Selector), timeout); err != nil {
			return fail(err)
		}
	case WaitNavigation:
		if err := r.waitDocumentComplete(ctx, timeout); err != nil {
			return fail(err)
		}
	default:
		return fail(fmt.Errorf("wait: unknown kind %q", c.Kind))
	}
	return succeed(nil)
}

func (r *run) waitDocumentComplete(ctx context.Context, timeout time.Duration) error {
	wctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	for {
		raw, err := r.page.Evaluate(wctx, "document.readyState")
		if err == nil {
			var state string
			if json.Unmarshal(raw, &state) == nil && state == "complete" {
				return nil
			}
		}
		if err := sleep(wctx, navigationPoll); err != nil {
			return fmt.Errorf("wait for navigation: %w", err)
		}
	}
}

func handleScroll(ctx context.Context, r *run, s Step) StepResult {
	var c ScrollConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	amount := float64(c.Amount)
	if amount == 0 {
		amount = defaultScrollAmount
	}
	var dx, dy float64
	switch c.Direction {
	case "down", "":
		dy = amount
	case "up":
		dy = -amount
	case "right":
		dx = amount
	case "left":
		dx = -amount
	default:
		return fail(fmt.Errorf("scroll: unknown direction %q", c.Direction))
	}
	if c.Selector != "" {
		box, err := r.page.ElementBox(ctx, r.expand(c.Selector))
		if err != nil {
			return fail(err)
		}
		center := box.Center()
		if err := r.page.MouseMove(ctx, center.X, center.Y); err != nil {
			return fail(err)
		}
		r.cursor = center
	}
	if err := r.page.Scroll(ctx, dx, dy); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func handleExtract(ctx context.Context, r *run, s Step) StepResult {
	var c ExtractConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	html, err := r.page.HTML(ctx)
	if err != nil {
		return fail(err)
	}
	values, err := Extract(html, c.Mode, r.expand(c.Selector), c.Attribute)
	if err != nil {
		return fail(err)
	}
	if len(values) == 0 {
		return fail(fmt.Errorf("extract: %q matched nothing", c.Selector))
	}
	var out interface{} = values[0]
	if c.Multiple {
		out = values
	}
	if c.Variable != "" {
		r.vars[c.Variable] = out
	}
	return succeed(out)
}

func handleScreenshot(ctx context.Context, r *run, s Step) StepResult {
	var c ScreenshotConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	img, err := r.page.Screenshot(ctx, browser.ScreenshotOptions{FullPage: c.FullPage, Selector: r.expand(c.Selector)})
	if err != nil {
		return fail(err)
	}
	data := map[string]interface{}{"bytes": len(img)}
	if c.Path != "" {
		path := r.expand(c.Path)
		if !filepath.IsAbs(path) && r.exec.screenshotDir != "" {
			path = filepath.Join(r.exec.screenshotDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fail(err)
		}
		if err := os.WriteFile(path, img, 0644); err != nil {
			return fail(err)
		}
		data["path"] = path
	}
	return succeed(data)
}

func handleExecuteScript(ctx context.Context, r *run, s Step) StepResult {
	var c ExecuteScriptConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	raw, err := r.page.Evaluate(ctx, c.Script)
	if err != nil {
		return fail(err)
	}
	var v interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return fail(fmt.Errorf("decode script result: %w", err))
		}
	}
	if c.Variable != "" {
		r.vars[c.Variable] = v
	}
	return succeed(v)
}

func handleKeypress(ctx context.Context, r *run, s Step) StepResult {
	var c KeypressConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	if c.Key == "" {
		return fail(errors.New("keypress: empty key"))
	}
	if err := r.page.KeyPress(ctx, c.Key); err != nil {
		return fail(err)
	}
	return succeed(nil)
}

func handleSetVariable(_ context.Context, r *run, s Step) StepResult {
	var c SetVariableConfig
	if err := decodeConfig(s, &c); err != nil {
		return fail(err)
	}
	if c.Name == "" {
		return fail(errors.New("setVariable: empty name"))
	}
	r.vars[c.Name] = r.expand(c.Value)
	return succeed(nil)
}

func handleCondition(ctx context.Context, r *run, s Step) StepResult {
	pass, err := r.evaluate(ctx, s.Conditions)
	if err != nil {
		return fail(err)
	}
	branch := s.ElseSteps
	if pass {
		branch = s.ThenSteps
	}
	if err := r.steps(ctx, branch); err != nil {
		return fail(err)
	}
	return succeed(map[string]interface{}{"result": pass})
}

func handleLoop(ctx context.Context, r *run, s Step) StepResult {
	lc := s.Loop
	if lc == nil {
		return fail(errors.New("loop: missing loop config"))
	}
	indexVar := lc.IndexVariable
	if indexVar == "" {
		indexVar = "loop.index"
	}
	iterate := func(i int) error {
		r.vars[indexVar] = i
		return r.steps(ctx, s.Steps)
	}

	n := 0
	switch lc.Kind {
	case LoopCount:
		for ; n < lc.Count; n++ {
			if err := iterate(n); err != nil {
				return fail(err)
			}
		}
	case LoopWhile:
		for lc.MaxIterations <= 0 || n < lc.MaxIterations {
			if err := ctx.Err(); err != nil {
				return fail(err)
			}
			pass, err := r.evaluate(ctx, lc.While)
			if err != nil {
				return fail(err)
			}
			if !pass {
				break
			}
			if err := iterate(n); err != nil {
				return fail(err)
			}
			n++
		}
	case LoopCSV:
		rows, err := loadRows(r.task.DataSource)
		if err != nil {
			return fail(err)
		}
		for ; n < len(rows); n++ {
			for col, v := range rows[n] {
				r.vars["row."+col] = v
			}
			if err := iterate(n); err != nil {
				return fail(err)
			}
		}
	default:
		return fail(fmt.Errorf("loop: unknown kind %q", lc.Kind))
	}
	return succeed(map[string]interface{}{"iterations": n})
}
