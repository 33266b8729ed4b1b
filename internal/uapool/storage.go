package uapool

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"maskbrowser/internal/shared/logger"
)

const (
	delimiter = "|"
	numFields = 4 // Platform|Source|FirstSeen|UA, UA 放最后以容纳其中的分隔符
)

// Storage 定义 UA 池的持久化行为。
type Storage interface {
	Load() (map[string]*Entry, error)
	Save(entries map[string]*Entry) error
}

// FileStorage 使用纯文本文件持久化 UA 池。
type FileStorage struct {
	filePath string
	mu       sync.RWMutex
}

func NewFileStorage(filePath string) *FileStorage {
	return &FileStorage{filePath: filePath}
}

// Load 读取文件; 文件不存在时返回空池。
func (fs *FileStorage) Load() (map[string]*Entry, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	l := logger.WithComponent("UAPool/Storage")

	file, err := os.Open(fs.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", fs.filePath).Msg("UA data file not found, starting with an empty pool.")
			return make(map[string]*Entry), nil
		}
		return nil, err
	}
	defer file.Close()

	entries := make(map[string]*Entry)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.SplitN(line, delimiter, numFields)
		if len(fields) != numFields {
			l.Warn().Int("line", lineNum).Int("expected", numFields).Int("got", len(fields)).Msg("Skipping malformed line in UA file.")
			continue
		}
		e, err := parseEntry(fields)
		if err != nil {
			l.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse UA entry, skipping.")
			continue
		}
		entries[e.UA] = e
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	l.Info().Int("count", len(entries)).Msg("Loaded user agents from file.")
	return entries, nil
}

// Save 按平台和 UA 排序后整体写回文件。
func (fs *FileStorage) Save(entries map[string]*Entry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	list := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		list = append(list, e)
	}
	sort.Slice(list, func(i, j int) bool {
		if list[i].Platform != list[j].Platform {
			return list[i].Platform < list[j].Platform
		}
		return list[i].UA < list[j].UA
	})

	var sb strings.Builder
	for _, e := range list {
		sb.WriteString(formatEntry(e))
		sb.WriteString("\n")
	}
	if err := os.WriteFile(fs.filePath, []byte(sb.String()), 0644); err != nil {
		return err
	}
	l := logger.WithComponent("UAPool/Storage")
	l.Debug().Int("count", len(list)).Msg("Saved user agents to file.")
	return nil
}

func formatEntry(e *Entry) string {
	var seen int64
	if !e.FirstSeen.IsZero() {
		seen = e.FirstSeen.Unix()
	}
	return strings.Join([]string{e.Platform, e.Source, strconv.FormatInt(seen, 10), e.UA}, delimiter)
}

func parseEntry(fields []string) (*Entry, error) {
	seen, err := strconv.ParseInt(fields[2], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid first_seen: %w", err)
	}
	ua := strings.TrimSpace(fields[3])
	if ua == "" {
		return nil, fmt.Errorf("empty user agent")
	}
	e := &Entry{Platform: fields[0], Source: fields[1], UA: ua}
	if seen > 0 {
		e.FirstSeen = time.Unix(seen, 0)
	}
	return e, nil
}
