package geodb

import (
	"sync"
	"sync/atomic"

	"geoip-api/internal/logger"
	"geoip-api/internal/metrics"
)

// 文档注释：当前数据集注册表
// 背景：以 atomic.Pointer 持有唯一的当前句柄，读路径无锁；Publish 是唯一写入口，互斥锁只覆盖指针替换与代数递增的瞬间，不覆盖构建过程。
// 约束：每次 Acquire 必须配对一次 Release；旧句柄在不再是当前句柄且引用计数归零时销毁。
type Registry struct {
	mu       sync.Mutex
	cur      atomic.Pointer[Handle]
	gen      atomic.Uint64
	retiring atomic.Int64
}

func NewRegistry() *Registry { return &Registry{} }

// 文档注释：发布新句柄
// 返回：分配给新句柄的代数；nil 句柄或重复发布返回错误且不改变当前状态。
func (r *Registry) Publish(h *Handle) (uint64, error) {
	if h == nil {
		return 0, ErrNilHandle
	}
	if h.closed.Load() {
		return 0, ErrClosed
	}
	if h.published.Swap(true) {
		return 0, ErrAlreadyPublished
	}
	h.reg = r
	r.mu.Lock()
	gen := r.gen.Add(1)
	h.gen.Store(gen)
	old := r.cur.Swap(h)
	r.mu.Unlock()
	if old != nil {
		r.retire(old)
	}
	metrics.DatasetGeneration.Set(float64(gen))
	metrics.DatasetBuildTime.Set(float64(h.id.BuildTime.Unix()))
	logger.L().Info("dataset_published", "generation", gen, "checksum", h.id.Checksum, "type", h.id.DatabaseType)
	return gen, nil
}

// 文档注释：获取当前句柄租约
// 背景：先递增引用计数再复核指针；若期间发生替换则撤销递增并重试，保证返回的句柄在租约释放前不会被销毁。
func (r *Registry) Acquire() (*Lease, error) {
	for {
		h := r.cur.Load()
		if h == nil {
			return nil, ErrNoDataset
		}
		h.retain()
		if r.cur.Load() == h {
			return &Lease{h: h}, nil
		}
		h.release()
	}
}

// Release：释放租约，等价于 l.Release()
func (r *Registry) Release(l *Lease) { l.Release() }

// Current：读取当前句柄标识（不持有租约）
func (r *Registry) Current() (Identity, bool) {
	h := r.cur.Load()
	if h == nil {
		return Identity{}, false
	}
	return h.Identity(), true
}

// Generation：最近一次发布的代数，未发布时为 0
func (r *Registry) Generation() uint64 { return r.gen.Load() }

// Retiring：已退役但仍被进行中查询引用的句柄数
func (r *Registry) Retiring() int64 { return r.retiring.Load() }

// Close：撤下当前句柄（进程退出时调用）；之后的 Acquire 返回 ErrNoDataset
func (r *Registry) Close() {
	r.mu.Lock()
	old := r.cur.Swap(nil)
	r.mu.Unlock()
	if old != nil {
		r.retire(old)
	}
}

func (r *Registry) retire(h *Handle) {
	metrics.RetiringHandles.Set(float64(r.retiring.Add(1)))
	logger.L().Debug("dataset_retired", "generation", h.gen.Load(), "refs", h.refs.Load())
	_ = h.Close()
}

func (r *Registry) retiredDone() {
	metrics.RetiringHandles.Set(float64(r.retiring.Add(-1)))
}

// Lease：一次进行中查询对句柄的引用
type Lease struct {
	h    *Handle
	done atomic.Bool
}

// Handle：租约持有的句柄
func (l *Lease) Handle() *Handle { return l.h }

// Release：释放引用；重复调用无效果
func (l *Lease) Release() {
	if l == nil || l.done.Swap(true) {
		return
	}
	l.h.release()
}
