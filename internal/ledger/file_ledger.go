package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	xerrors "USDC-Treasurer/internal/errors"
)

// FileLedger 以 JSON 行的形式把账本写入本地文件，每次追加后 fsync，
// 保证条目在函数返回前已经落盘。进程重启时整文件重放恢复内存索引。
type FileLedger struct {
	mu       sync.RWMutex
	file     *os.File
	path     string
	nextSeq  uint64
	entries  []Entry
	byIntent map[string][]int
	closed   bool
}

// NewFileLedger 打开（或创建）账本文件并重放已有条目。
func NewFileLedger(dataDir string) (*FileLedger, error) {
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建数据目录失败")
	}
	path := filepath.Join(dataDir, "ledger.jsonl")

	ledger := &FileLedger{
		path:     path,
		nextSeq:  1,
		byIntent: make(map[string][]int),
	}
	if err := ledger.loadFromDisk(); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开账本文件失败")
	}
	ledger.file = file
	return ledger, nil
}

func (l *FileLedger) loadFromDisk() error {
	file, err := os.OpenFile(l.path, os.O_RDONLY|os.O_CREATE, 0o644)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取账本文件失败")
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			// 末尾半行说明上次崩溃在写入中途，该条目视为未写入。
			continue
		}
		l.index(entry)
	}
	if err := scanner.Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账本文件失败")
	}
	return nil
}

func (l *FileLedger) index(entry Entry) {
	l.entries = append(l.entries, entry)
	if entry.IntentID != "" {
		l.byIntent[entry.IntentID] = append(l.byIntent[entry.IntentID], len(l.entries)-1)
	}
	if entry.Seq >= l.nextSeq {
		l.nextSeq = entry.Seq + 1
	}
}

// Append 实现 Ledger 接口。条目落盘（含 fsync）后才返回。
func (l *FileLedger) Append(_ context.Context, entry *Entry) error {
	if entry == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "entry 不能为空")
	}
	if !IsValidKind(entry.Kind) {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("非法的条目类型: %s", entry.Kind))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed || l.file == nil {
		return xerrors.New(xerrors.CodeStorageFailure, "账本已关闭")
	}

	entry.Seq = l.nextSeq
	if entry.CreatedAt == 0 {
		entry.CreatedAt = time.Now().Unix()
	}

	encoded, err := json.Marshal(entry)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "序列化账本条目失败")
	}
	if _, err := l.file.Write(append(encoded, '\n')); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入账本失败")
	}
	if err := l.file.Sync(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "刷写账本失败")
	}

	l.nextSeq++
	l.index(*entry)
	return nil
}

// List 返回最近的条目，按序列号倒序。
func (l *FileLedger) List(_ context.Context, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	results := make([]Entry, 0, limit)
	for i := len(l.entries) - 1; i >= 0 && len(results) < limit; i-- {
		results = append(results, l.entries[i])
	}
	return results, nil
}

// ListByIntent 返回某个意图的全部条目，按序列号正序。
func (l *FileLedger) ListByIntent(_ context.Context, intentID string) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	indexes := l.byIntent[intentID]
	results := make([]Entry, 0, len(indexes))
	for _, idx := range indexes {
		results = append(results, l.entries[idx])
	}
	return results, nil
}

// ListSince 返回给定时间戳（含）之后的条目。
func (l *FileLedger) ListSince(_ context.Context, createdAt int64) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var results []Entry
	for _, entry := range l.entries {
		if entry.CreatedAt >= createdAt {
			results = append(results, entry)
		}
	}
	return results, nil
}

// LatestBalanceSample 返回最近的余额采样。
func (l *FileLedger) LatestBalanceSample(_ context.Context) (*Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].Kind == KindBalanceSample {
			sample := l.entries[i]
			return &sample, nil
		}
	}
	return nil, nil
}

// All 返回全部条目，按序列号正序。
func (l *FileLedger) All(_ context.Context) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	results := make([]Entry, len(l.entries))
	copy(results, l.entries)
	return results, nil
}

// Close 关闭账本文件。
func (l *FileLedger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	if l.file != nil {
		err := l.file.Close()
		l.file = nil
		return err
	}
	return nil
}

var _ Ledger = (*FileLedger)(nil)
