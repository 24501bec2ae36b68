package audit

import (
	"context"
	"log/slog"
	"sync"

	"mes-kiosk/internal/metrics"
)

// Recorder 负责异步写入审计记录
// 调用方提交后立即返回，记录按提交顺序由单个 worker 写入接收端。
// 写入失败只记日志、计数并回调，不影响调用方的状态机。
type Recorder struct {
	sink   Sink
	logger *slog.Logger

	mu     sync.Mutex
	cond   *sync.Cond // 通知 worker 有新记录
	idle   *sync.Cond // 通知 Flush 队列已清空
	queue  []pendingWrite
	busy   int // 排队中和写入中的记录数
	closed bool
	done   chan struct{}

	onWritten func(Entry)
	onFailure func(Record, error)
}

type pendingWrite struct {
	ctx context.Context
	rec Record
}

// RecorderOption 配置 Recorder
type RecorderOption func(*Recorder)

// OnWritten 注册写入成功后的回调
func OnWritten(fn func(Entry)) RecorderOption {
	return func(r *Recorder) { r.onWritten = fn }
}

// OnFailure 注册写入失败后的回调
func OnFailure(fn func(Record, error)) RecorderOption {
	return func(r *Recorder) { r.onFailure = fn }
}

// NewRecorder 创建 Recorder 并启动写入 worker
func NewRecorder(sink Sink, logger *slog.Logger, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		sink:   sink,
		logger: logger.With("component", "audit-recorder"),
		done:   make(chan struct{}),
	}
	r.cond = sync.NewCond(&r.mu)
	r.idle = sync.NewCond(&r.mu)
	for _, opt := range opts {
		opt(r)
	}
	go r.run()
	return r
}

// Record 提交一条记录，立即返回
// ctx 只用于携带 Trace ID，调用方取消不会撤销已提交的写入
func (r *Recorder) Record(ctx context.Context, rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		r.logger.Warn("Recorder 已关闭，丢弃审计记录", "action", rec.Action, "object_id", rec.ObjectID)
		return
	}
	r.queue = append(r.queue, pendingWrite{ctx: context.WithoutCancel(ctx), rec: rec})
	r.busy++
	metrics.AuditQueueDepth.Inc()
	r.cond.Signal()
}

// run 是写入 worker 的主循环
func (r *Recorder) run() {
	defer close(r.done)
	for {
		r.mu.Lock()
		for len(r.queue) == 0 {
			if r.closed {
				r.mu.Unlock()
				return
			}
			r.cond.Wait()
		}
		w := r.queue[0]
		r.queue[0] = pendingWrite{}
		r.queue = r.queue[1:]
		r.mu.Unlock()
		metrics.AuditQueueDepth.Dec()

		r.write(w)

		r.mu.Lock()
		r.busy--
		if r.busy == 0 {
			r.idle.Broadcast()
		}
		r.mu.Unlock()
	}
}

func (r *Recorder) write(w pendingWrite) {
	res := r.sink.LogAction(w.ctx, w.rec)
	if res.Err != nil {
		r.logger.Error("审计写入失败", "action", w.rec.Action, "object_id", w.rec.ObjectID, "error", res.Err)
		metrics.AuditWriteFailures.WithLabelValues(w.rec.Action).Inc()
		if r.onFailure != nil {
			r.onFailure(w.rec, res.Err)
		}
		return
	}
	r.logger.Debug("审计记录已写入", "id", res.Entry.ID, "action", res.Entry.Action)
	if r.onWritten != nil {
		r.onWritten(res.Entry)
	}
}

// Flush 阻塞直到已提交的记录全部处理完毕
func (r *Recorder) Flush() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.busy > 0 {
		r.idle.Wait()
	}
}

// Close 写完剩余记录后停止 worker
func (r *Recorder) Close() {
	r.mu.Lock()
	r.closed = true
	r.cond.Broadcast()
	r.mu.Unlock()
	<-r.done
}

// Writer 是工站和子流程依赖的最小写入接口，Recorder 实现了它
type Writer interface {
	Record(ctx context.Context, rec Record)
}

// SyncWriter 同步写入接收端，失败只记录日志
// 用于命令行工具和需要确定性顺序的场景
type SyncWriter struct {
	Sink   Sink
	Logger *slog.Logger
}

// Record 直接调用接收端
func (w SyncWriter) Record(ctx context.Context, rec Record) {
	if res := w.Sink.LogAction(ctx, rec); res.Err != nil && w.Logger != nil {
		w.Logger.Error("审计写入失败", "action", rec.Action, "object_id", rec.ObjectID, "error", res.Err)
	}
}
