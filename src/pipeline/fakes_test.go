package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bililive-go/segcast/src/media"
)

var errInjected = errors.New("injected failure")

type memSource struct {
	name string
}

func (s memSource) Name() string { return s.name }

func (s memSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(nil)), nil
}

func testDecoderConfig() media.DecoderConfig {
	return media.DecoderConfig{Codec: "avc1.64001f", CodedWidth: 1280, CodedHeight: 720}
}

// chunksOfSizes 每个块的数据长度依次为 sizes，每 keyint 个块一个关键帧
func chunksOfSizes(keyint int, sizes ...int) []*media.CodedChunk {
	chunks := make([]*media.CodedChunk, len(sizes))
	for i, n := range sizes {
		typ := media.ChunkDelta
		if i%keyint == 0 {
			typ = media.ChunkKey
		}
		chunks[i] = &media.CodedChunk{
			Type:      typ,
			Timestamp: time.Duration(i) * 40 * time.Millisecond,
			Data:      bytes.Repeat([]byte{byte(i + 1)}, n),
		}
	}
	return chunks
}

// fakeDemuxer 先回调配置，再依次回调数据块
type fakeDemuxer struct {
	config media.DecoderConfig
	chunks []*media.CodedChunk
	// failAfter > 0 时在产出该数量的块后返回 err
	failAfter int
	err       error
	// block 为 true 时产出全部块后阻塞到 ctx 取消
	block bool
	// emitted 已被下游接收的块数
	emitted atomic.Int64
}

func (d *fakeDemuxer) Run(ctx context.Context, _ SourceFile, h DemuxHandlers) error {
	if err := h.OnConfig(ctx, d.config); err != nil {
		return err
	}
	for i, c := range d.chunks {
		if d.failAfter > 0 && i == d.failAfter {
			return d.err
		}
		if err := h.OnChunk(ctx, c); err != nil {
			return err
		}
		d.emitted.Add(1)
	}
	if d.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return nil
}

// framePool 统计帧的分配与释放
type framePool struct {
	allocated atomic.Int64
	released  atomic.Int64
}

func (p *framePool) newFrame(ts time.Duration, data []byte) *media.RawFrame {
	p.allocated.Add(1)
	return media.NewRawFrame(4, 4, ts, append([]byte(nil), data...), func([]byte) {
		p.released.Add(1)
	})
}

// fakeDecoder 每个块同步产出一帧，帧数据即块数据
type fakeDecoder struct {
	cb          CodecCallbacks[*media.RawFrame]
	pool        *framePool
	unsupported bool
	// failAt > 0 时第 failAt 次 Submit 返回错误
	failAt int
	// asyncFailAt > 0 时第 asyncFailAt 次 Submit 通过 Error 回调报告错误
	asyncFailAt int

	mu         sync.Mutex
	submitted  int
	configures []media.DecoderConfig
	closed     bool
}

func newFakeDecoderFactory(pool *framePool, setup func(*fakeDecoder)) (DecoderFactory, *[]*fakeDecoder) {
	var created []*fakeDecoder
	var mu sync.Mutex
	factory := func(cb CodecCallbacks[*media.RawFrame]) (Decoder, error) {
		d := &fakeDecoder{cb: cb, pool: pool}
		if setup != nil {
			setup(d)
		}
		mu.Lock()
		created = append(created, d)
		mu.Unlock()
		return d, nil
	}
	return factory, &created
}

func (d *fakeDecoder) IsConfigSupported(_ context.Context, _ media.DecoderConfig) (bool, error) {
	return !d.unsupported, nil
}

func (d *fakeDecoder) Configure(_ context.Context, cfg media.DecoderConfig) error {
	d.mu.Lock()
	d.configures = append(d.configures, cfg)
	d.mu.Unlock()
	return nil
}

func (d *fakeDecoder) Submit(_ context.Context, c *media.CodedChunk) error {
	d.mu.Lock()
	d.submitted++
	n := d.submitted
	d.mu.Unlock()
	if d.failAt > 0 && n == d.failAt {
		return errInjected
	}
	if d.asyncFailAt > 0 && n == d.asyncFailAt {
		d.cb.Error(errInjected)
		return nil
	}
	return d.cb.Output(d.pool.newFrame(c.Timestamp, c.Data))
}

func (d *fakeDecoder) Flush(context.Context) error { return nil }

func (d *fakeDecoder) Close() error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	return nil
}

// fakeEncoder 每帧同步产出一个块，第一个输出携带解码配置
type fakeEncoder struct {
	cb          CodecCallbacks[EncodedChunk]
	unsupported bool
	failAt      int
	// withoutConfig 为 true 时从不报告解码配置
	withoutConfig bool
	keyint        int

	submitted int
}

func newFakeEncoderFactory(setup func(*fakeEncoder)) EncoderFactory {
	return func(cb CodecCallbacks[EncodedChunk]) (Encoder, error) {
		e := &fakeEncoder{cb: cb, keyint: 2}
		if setup != nil {
			setup(e)
		}
		return e, nil
	}
}

func (e *fakeEncoder) IsConfigSupported(_ context.Context, cfg media.EncodeConfig) (bool, error) {
	return !e.unsupported && cfg.IsAVC(), nil
}

func (e *fakeEncoder) Configure(context.Context, media.EncodeConfig) error { return nil }

func (e *fakeEncoder) Submit(_ context.Context, f *media.RawFrame) error {
	e.submitted++
	if e.failAt > 0 && e.submitted == e.failAt {
		return errInjected
	}
	typ := media.ChunkDelta
	if (e.submitted-1)%e.keyint == 0 {
		typ = media.ChunkKey
	}
	out := EncodedChunk{Chunk: &media.CodedChunk{
		Type:      typ,
		Timestamp: f.Timestamp,
		Data:      append([]byte(nil), f.Data...),
	}}
	if e.submitted == 1 && !e.withoutConfig {
		out.Config = &media.DecoderConfig{Codec: "avc1.42001f", CodedWidth: 320, CodedHeight: 240}
	}
	return e.cb.Output(out)
}

func (e *fakeEncoder) Flush(context.Context) error { return nil }
func (e *fakeEncoder) Close() error                { return nil }

// fakeMuxer 每个块产出一个与块等长的分段
type fakeMuxer struct {
	configs []media.DecoderConfig
	pos     int64
	failAt  int
	added   int
}

func (m *fakeMuxer) Configure(cfg media.DecoderConfig) error {
	m.configs = append(m.configs, cfg)
	return nil
}

func (m *fakeMuxer) AddChunk(ctx context.Context, c *media.CodedChunk, emit SegmentEmitter) error {
	m.added++
	if m.failAt > 0 && m.added == m.failAt {
		return errInjected
	}
	seg := media.MuxedSegment{Data: append([]byte(nil), c.Data...), Position: m.pos}
	m.pos += int64(len(c.Data))
	return emit(ctx, seg)
}

func (m *fakeMuxer) Finalize(context.Context, SegmentEmitter) error { return nil }

// recordingUploader 记录所有上传请求
type recordingUploader struct {
	mu       sync.Mutex
	requests []media.UploadRequest
	err      error
}

func (u *recordingUploader) Upload(_ context.Context, req media.UploadRequest) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.err != nil {
		return u.err
	}
	u.requests = append(u.requests, req)
	return nil
}

func (u *recordingUploader) Requests() []media.UploadRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]media.UploadRequest(nil), u.requests...)
}

// gatedUploader 第一次上传阻塞到 gate 关闭
type gatedUploader struct {
	recordingUploader
	entered chan struct{}
	gate    chan struct{}
	once    sync.Once
}

func newGatedUploader() *gatedUploader {
	return &gatedUploader{entered: make(chan struct{}), gate: make(chan struct{})}
}

func (u *gatedUploader) Upload(ctx context.Context, req media.UploadRequest) error {
	first := false
	u.once.Do(func() {
		first = true
		close(u.entered)
	})
	if first {
		select {
		case <-u.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return u.recordingUploader.Upload(ctx, req)
}

type renderFunc func(*media.RawFrame) error

func (f renderFunc) Render(frame *media.RawFrame) error { return f(frame) }
