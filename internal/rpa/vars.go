package rpa

import (
	"encoding/csv"
	"fmt"
	"os"
	"regexp"
	"strings"
	"unicode/utf8"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*([\w.\-]+)\s*\}\}`)

// expand 把 {{name}} 替换为变量值, 未定义的占位符保持原样。
func (r *run) expand(s string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		if v, ok := r.vars[name]; ok {
			return stringify(v)
		}
		return m
	})
}

func (r *run) lookup(name string) string {
	v, ok := r.vars[name]
	if !ok {
		return ""
	}
	return stringify(v)
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []string:
		return strings.Join(t, ",")
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		return fmt.Sprint(t)
	}
}

// loadRows 读取 CSV 数据源, 首行为列名。
func loadRows(src *CSVSource) ([]map[string]string, error) {
	if src == nil {
		return nil, fmt.Errorf("csv loop: task has no data source")
	}
	content := src.Content
	if content == "" && src.Path != "" {
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, fmt.Errorf("csv loop: %w", err)
		}
		content = string(data)
	}
	cr := csv.NewReader(strings.NewReader(content))
	if src.Delimiter != "" {
		d, _ := utf8.DecodeRuneInString(src.Delimiter)
		cr.Comma = d
	}
	cr.TrimLeadingSpace = true
	cr.FieldsPerRecord = -1
	records, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv loop: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}
	header := records[0]
	rows := make([]map[string]string, 0, len(records)-1)
	for _, rec := range records[1:] {
		row := make(map[string]string, len(header))
		for i, col := range header {
			if i < len(rec) {
				row[col] = rec[i]
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
