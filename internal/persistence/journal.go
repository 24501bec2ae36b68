package persistence

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"

	"mes-kiosk/internal/audit"
)

const entryTypeAudit = "AUDIT"

// journalLine 代表日志文件中的一行
type journalLine struct {
	Type  string       `json:"type"`  // 日志类型，目前只有 "AUDIT"
	Entry *audit.Entry `json:"entry"` // 完整的审计记录
}

// JournalSink 是基于追加写日志的审计接收端
// 每条记录写入并 fsync 后才对读取方可见，重启时从文件恢复
type JournalSink struct {
	file     *os.File   // 日志文件句柄
	mu       sync.Mutex // 互斥锁，保证文件写入的原子性
	tenantID string
	mem      *audit.MemorySink // 已落盘记录的内存索引，用于读取和订阅
}

// OpenJournal 创建或打开一个日志文件，并恢复已有记录
func OpenJournal(path, tenantID string) (*JournalSink, error) {
	// O_APPEND: 追加写入, O_CREATE: 文件不存在则创建, O_RDWR: 读写模式
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	j := &JournalSink{file: file, tenantID: tenantID, mem: audit.NewMemorySink(tenantID)}
	if err := j.recover(); err != nil {
		file.Close()
		return nil, err
	}
	return j, nil
}

// LogAction 将一条记录写入日志
func (j *JournalSink) LogAction(ctx context.Context, rec audit.Record) audit.Result {
	e, err := audit.NewEntry(ctx, rec, j.tenantID)
	if err != nil {
		return audit.Result{Err: err}
	}

	j.mu.Lock()
	data, err := json.Marshal(journalLine{Type: entryTypeAudit, Entry: &e})
	if err == nil {
		// 写入数据并在末尾添加换行符
		_, err = j.file.Write(append(data, '\n'))
	}
	if err == nil {
		// 确保数据被刷新到磁盘，防止数据丢失
		err = j.file.Sync()
	}
	j.mu.Unlock()
	if err != nil {
		return audit.Result{Err: err}
	}

	j.mem.Append(e)
	return audit.Result{Entry: e}
}

// recover 从日志文件中恢复记录
// 在打开时调用。行长度不设上限，崩溃留下的半行会被截掉
func (j *JournalSink) recover() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	// 将文件指针移动到开头以进行读取
	if _, err := j.file.Seek(0, io.SeekStart); err != nil {
		return err
	}

	reader := bufio.NewReader(j.file)
	var complete int64 // 最后一个完整行结束处的偏移
	var tail []byte
	for {
		data, err := reader.ReadBytes('\n')
		if err == io.EOF {
			if len(data) > 0 {
				tail = data
			}
			break
		}
		if err != nil {
			return err
		}
		complete += int64(len(data))
		j.replay(data)
	}

	if tail != nil {
		if j.replay(tail) {
			// 记录完整，只是缺少换行符
			if _, err := j.file.Write([]byte{'\n'}); err != nil {
				return err
			}
		} else if err := j.file.Truncate(complete); err != nil {
			return err
		}
	}

	// 恢复文件指针到末尾，以便后续追加写入
	_, err := j.file.Seek(0, io.SeekEnd)
	return err
}

// replay 解析一行并放入内存索引，损坏的行被忽略
func (j *JournalSink) replay(data []byte) bool {
	var line journalLine
	if err := json.Unmarshal(data, &line); err != nil {
		return false
	}
	if line.Type == entryTypeAudit && line.Entry != nil {
		j.mem.Append(*line.Entry)
		return true
	}
	return false
}

// List 返回按时间倒序排列的快照
func (j *JournalSink) List(ctx context.Context) ([]audit.Entry, error) {
	return j.mem.List(ctx)
}

// Subscribe 订阅新落盘的记录
func (j *JournalSink) Subscribe(fn func(audit.Entry)) func() {
	return j.mem.Subscribe(fn)
}

// Close 关闭日志文件
func (j *JournalSink) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.file.Close()
}
