package uapool

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"maskbrowser/internal/shared/logger"
)

// Source 定义从某个来源抓取 UA 的行为。实现者只负责抓取和分类。
type Source interface {
	Scrape(ctx context.Context) ([]*Entry, error)
	Name() string
}

// FileSource 从一个每行一条 UA 的文本文件读取。
type FileSource struct {
	path string
}

func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

func (s *FileSource) Name() string { return "file:" + s.path }

func (s *FileSource) Scrape(ctx context.Context) ([]*Entry, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	now := time.Now()
	var out []*Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if e := classifyLine(scanner.Text(), s.Name(), now); e != nil {
			out = append(out, e)
		}
	}
	return out, scanner.Err()
}

// DefaultSelector 匹配常见 UA 列表页面中承载 UA 文本的元素。
const DefaultSelector = "td, li, pre, code"

// WebSource 通过 colly 抓取 UA 列表页面, 用 goquery 选择器提取文本。
type WebSource struct {
	url       string
	selector  string
	userAgent string
	timeout   time.Duration
}

// NewWebSource 创建网页来源。rawURL 可以写成 "url#selector" 以指定选择器。
func NewWebSource(rawURL string) *WebSource {
	selector := DefaultSelector
	if i := strings.LastIndex(rawURL, "#"); i > 0 {
		if sel := strings.TrimSpace(rawURL[i+1:]); sel != "" {
			selector = sel
		}
		rawURL = rawURL[:i]
	}
	return &WebSource{
		url:       rawURL,
		selector:  selector,
		userAgent: "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		timeout:   20 * time.Second,
	}
}

func (s *WebSource) Name() string { return s.url }

func (s *WebSource) Scrape(ctx context.Context) ([]*Entry, error) {
	l := logger.WithComponent("UAPool/Source")
	l.Info().Str("source", s.Name()).Msg("Starting scrape...")

	c := colly.NewCollector(colly.UserAgent(s.userAgent))
	c.SetRequestTimeout(s.timeout)

	var (
		mu        sync.Mutex
		out       []*Entry
		scrapeErr error
		now       = time.Now()
	)

	c.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})

	c.OnHTML("html", func(e *colly.HTMLElement) {
		e.DOM.Find(s.selector).Each(func(_ int, sel *goquery.Selection) {
			// 嵌套元素 (例如 li > code) 只取最内层, 避免同一段文本被拼接
			if sel.Children().Length() > 0 && sel.Find(s.selector).Length() > 0 {
				return
			}
			for _, line := range strings.Split(sel.Text(), "\n") {
				if entry := classifyLine(line, s.Name(), now); entry != nil {
					mu.Lock()
					out = append(out, entry)
					mu.Unlock()
				}
			}
		})
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("url", r.Request.URL.String()).Msg("Scrape request failed.")
		scrapeErr = err
	})

	if err := c.Visit(s.url); err != nil && scrapeErr == nil {
		scrapeErr = err
	}
	c.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if scrapeErr != nil {
		return nil, fmt.Errorf("scrape %s: %w", s.url, scrapeErr)
	}

	l.Info().Int("count", len(out)).Str("source", s.Name()).Msg("Scrape finished.")
	return out, nil
}

func classifyLine(line, source string, now time.Time) *Entry {
	ua := strings.TrimSpace(line)
	platform, ok := Classify(ua)
	if !ok {
		return nil
	}
	return &Entry{UA: ua, Platform: platform, Source: source, FirstSeen: now}
}
