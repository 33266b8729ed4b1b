package rpa

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// evaluate 计算条件组。and 组遇到第一个不成立的条件即返回, or 组遇到第一个成立的即返回。
func (r *run) evaluate(ctx context.Context, g *ConditionGroup) (bool, error) {
	if g == nil || len(g.Items) == 0 {
		return true, nil
	}
	or := strings.EqualFold(g.Logic, LogicOr)
	for _, c := range g.Items {
		v, err := r.condition(ctx, c)
		if err != nil {
			return false, err
		}
		if or && v {
			return true, nil
		}
		if !or && !v {
			return false, nil
		}
	}
	return !or, nil
}

func (r *run) condition(ctx context.Context, c Condition) (bool, error) {
	var v bool
	var err error
	switch c.Kind {
	case CondElementExists:
		v, err = r.scriptBool(ctx, fmt.Sprintf("document.querySelector(%s) !== null", jsString(r.expand(c.Selector))))
	case CondElementVisible:
		v, err = r.scriptBool(ctx, fmt.Sprintf(`(function (el) {
	if (!el) return false;
	var s = window.getComputedStyle(el);
	if (s.display === 'none' || s.visibility === 'hidden' || s.opacity === '0') return false;
	var b = el.getBoundingClientRect();
	return b.width > 0 && b.height > 0;
})(document.querySelector(%s))`, jsString(r.expand(c.Selector))))
	case CondURLContains:
		v = strings.Contains(r.page.URL(), r.expand(c.Value))
	case CondVariableEquals:
		v = r.lookup(c.Variable) == r.expand(c.Value)
	case CondVariableContains:
		v = strings.Contains(r.lookup(c.Variable), r.expand(c.Value))
	case CondScript:
		v, err = r.scriptBool(ctx, c.Script)
	default:
		return false, fmt.Errorf("unknown condition kind %q", c.Kind)
	}
	if err != nil {
		return false, err
	}
	return v != c.Negate, nil
}

// scriptBool 执行脚本并按 JavaScript 的真值规则解释结果。
func (r *run) scriptBool(ctx context.Context, js string) (bool, error) {
	raw, err := r.page.Evaluate(ctx, js)
	if err != nil {
		return false, err
	}
	var v interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &v); err != nil {
			return false, fmt.Errorf("decode condition result: %w", err)
		}
	}
	return truthy(v), nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}
