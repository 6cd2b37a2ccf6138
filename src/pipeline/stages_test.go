package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/bililive-go/segcast/src/media"
)

// runStage 把 packets 送入 stage，收集全部输出
func runStage[In, Out any](t *testing.T, st Stage[In, Out], inputs []In) ([]Out, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chain := NewChain(ctx, nil)
	in := make(chan In)
	go func() {
		defer close(in)
		for _, v := range inputs {
			select {
			case in <- v:
			case <-chain.Context().Done():
				return
			}
		}
	}()
	out := Pipe[In, Out](chain, in, st)

	var got []Out
	done := make(chan struct{})
	go func() {
		defer close(done)
		for v := range out {
			got = append(got, v)
		}
	}()
	err := chain.Wait()
	<-done
	return got, err
}

func packetsFor(cfg media.DecoderConfig, chunks []*media.CodedChunk) []media.Packet {
	packets := []media.Packet{&media.ConfigEvent{Config: cfg}}
	for _, c := range chunks {
		packets = append(packets, c)
	}
	return packets
}

func TestAdapterRejectsUnsupportedConfig(t *testing.T) {
	pool := &framePool{}
	factory, _ := newFakeDecoderFactory(pool, func(d *fakeDecoder) { d.unsupported = true })
	a := NewAdapter(StageNameDecode, factory, nil)
	defer a.Close()

	err := a.Configure(context.Background(), testDecoderConfig())
	require.Error(t, err)
	assert.Equal(t, media.KindUnsupportedConfiguration, media.KindOf(err))
	assert.ErrorIs(t, err, media.ErrUnsupportedConfiguration)
	assert.False(t, a.Configured())
}

func TestAdapterFeedBeforeConfigure(t *testing.T) {
	factory, _ := newFakeDecoderFactory(&framePool{}, nil)
	a := NewAdapter(StageNameDecode, factory, nil)
	defer a.Close()

	err := a.Feed(context.Background(), &media.CodedChunk{Type: media.ChunkKey})
	require.Error(t, err)
	assert.Equal(t, media.KindCodecFault, media.KindOf(err))
}

func TestDecodeStage(t *testing.T) {
	pool := &framePool{}
	factory, created := newFakeDecoderFactory(pool, nil)
	chunks := chunksOfSizes(2, 3, 4, 5)

	frames, err := runStage[media.Packet, *media.RawFrame](t, NewDecodeStage(factory, nil), packetsFor(testDecoderConfig(), chunks))
	require.NoError(t, err)
	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, chunks[i].Timestamp, f.Timestamp)
		assert.Equal(t, chunks[i].Data, f.Data)
		f.Release()
	}
	require.Len(t, *created, 1)
	assert.True(t, (*created)[0].closed)
	assert.Equal(t, []media.DecoderConfig{testDecoderConfig()}, (*created)[0].configures)
	assert.EqualValues(t, 3, pool.released.Load())
}

func TestDecodeStageChunkBeforeConfig(t *testing.T) {
	factory, _ := newFakeDecoderFactory(&framePool{}, nil)
	_, err := runStage[media.Packet, *media.RawFrame](t, NewDecodeStage(factory, nil),
		[]media.Packet{chunksOfSizes(1, 3)[0]})
	require.Error(t, err)
	assert.Equal(t, media.KindCodecFault, media.KindOf(err))
}

func TestDecodeStageAsyncFault(t *testing.T) {
	pool := &framePool{}
	factory, _ := newFakeDecoderFactory(pool, func(d *fakeDecoder) { d.asyncFailAt = 2 })
	frames, err := runStage[media.Packet, *media.RawFrame](t, NewDecodeStage(factory, nil),
		packetsFor(testDecoderConfig(), chunksOfSizes(2, 1, 1, 1, 1)))
	require.Error(t, err)
	assert.Equal(t, media.KindCodecFault, media.KindOf(err))
	assert.ErrorIs(t, err, errInjected)
	assert.LessOrEqual(t, len(frames), 1)
}

func TestEncodeStageEmitsConfigBeforeFirstChunk(t *testing.T) {
	pool := &framePool{}
	frames := []*media.RawFrame{
		pool.newFrame(0, []byte{1}),
		pool.newFrame(40*time.Millisecond, []byte{2}),
		pool.newFrame(80*time.Millisecond, []byte{3}),
	}
	st := NewEncodeStage(newFakeEncoderFactory(nil), media.DefaultEncodeConfig(), nil)

	packets, err := runStage[*media.RawFrame, media.Packet](t, st, frames)
	require.NoError(t, err)
	require.Len(t, packets, 4)

	ev, ok := packets[0].(*media.ConfigEvent)
	require.True(t, ok, "first packet must be a config event")
	assert.Equal(t, "avc1.42001f", ev.Config.Codec)
	for i, p := range packets[1:] {
		c, ok := p.(*media.CodedChunk)
		require.True(t, ok)
		assert.Equal(t, []byte{byte(i + 1)}, c.Data)
	}
	assert.True(t, packets[1].(*media.CodedChunk).IsKey())
	// 所有帧在提交后都被释放
	assert.EqualValues(t, 3, pool.released.Load())
	for _, f := range frames {
		assert.True(t, f.Released())
	}
}

func TestEncodeStageChunkWithoutConfigIsFault(t *testing.T) {
	pool := &framePool{}
	st := NewEncodeStage(newFakeEncoderFactory(func(e *fakeEncoder) { e.withoutConfig = true }), media.DefaultEncodeConfig(), nil)
	_, err := runStage[*media.RawFrame, media.Packet](t, st, []*media.RawFrame{pool.newFrame(0, []byte{1})})
	require.Error(t, err)
	assert.Equal(t, media.KindCodecFault, media.KindOf(err))
}

func TestEncodeStageUnsupportedConfig(t *testing.T) {
	pool := &framePool{}
	cfg := media.DefaultEncodeConfig()
	cfg.Codec = "vp09.00.10.08"
	st := NewEncodeStage(newFakeEncoderFactory(nil), cfg, nil)
	_, err := runStage[*media.RawFrame, media.Packet](t, st, []*media.RawFrame{pool.newFrame(0, []byte{1})})
	require.Error(t, err)
	assert.Equal(t, media.KindUnsupportedConfiguration, media.KindOf(err))
}

func TestTapDecodeStageForwardsUnchanged(t *testing.T) {
	pool := &framePool{}
	factory, _ := newFakeDecoderFactory(pool, nil)
	ctrl := gomock.NewController(t)
	renderer := NewMockRenderer(ctrl)
	renderer.EXPECT().Render(gomock.Any()).Return(errors.New("surface lost")).AnyTimes()

	input := packetsFor(testDecoderConfig(), chunksOfSizes(2, 5, 6, 7, 8))
	st := NewTapDecodeStage(factory, renderer, 64, nil)
	got, err := runStage[media.Packet, media.Packet](t, st, input)
	require.NoError(t, err)

	require.Len(t, got, len(input))
	for i := range input {
		assert.Same(t, input[i], got[i])
	}
	// 队列足够大，每个块都被预览解码，且每帧渲染都失败
	assert.Equal(t, 4, st.Failures())
	assert.Equal(t, 0, st.Rendered())
	assert.EqualValues(t, pool.allocated.Load(), pool.released.Load())
}

func TestTapDecodeStageWithoutRenderer(t *testing.T) {
	input := packetsFor(testDecoderConfig(), chunksOfSizes(1, 1, 2))
	st := NewTapDecodeStage(nil, nil, 0, nil)
	got, err := runStage[media.Packet, media.Packet](t, st, input)
	require.NoError(t, err)
	assert.Equal(t, input, got)
	assert.Equal(t, 0, st.Failures())
}

func TestTapDecodeStagePreviewDecoderFailureIsNotFatal(t *testing.T) {
	factory, _ := newFakeDecoderFactory(&framePool{}, func(d *fakeDecoder) { d.failAt = 1 })
	renderer := renderFunc(func(*media.RawFrame) error { return nil })

	input := packetsFor(testDecoderConfig(), chunksOfSizes(2, 1, 2, 3))
	st := NewTapDecodeStage(factory, renderer, 8, nil)
	got, err := runStage[media.Packet, media.Packet](t, st, input)
	require.NoError(t, err)
	assert.Len(t, got, len(input))
	assert.GreaterOrEqual(t, st.Failures(), 1)
}

func TestTapDecodeStageDoesNotWaitForBlockedRenderer(t *testing.T) {
	factory, _ := newFakeDecoderFactory(&framePool{}, nil)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	entered := make(chan struct{}, 1)
	renderer := renderFunc(func(*media.RawFrame) error {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return nil
	})

	input := packetsFor(testDecoderConfig(), chunksOfSizes(2, 1, 2, 3, 4))
	st := NewTapDecodeStage(factory, renderer, 8, nil)
	st.drainTimeout = 20 * time.Millisecond

	start := time.Now()
	got, err := runStage[media.Packet, media.Packet](t, st, input)
	require.NoError(t, err)
	assert.Len(t, got, len(input))
	assert.Less(t, time.Since(start), time.Second)

	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("renderer was never called")
	}
	assert.Equal(t, 0, st.Rendered())
}

func TestTapDecodeStageDropsUntilKeyWhenFull(t *testing.T) {
	st := NewTapDecodeStage(nil, nil, 2, nil)
	st.queue = make(chan media.Packet, 2)
	st.resync = true

	cfg := &media.ConfigEvent{Config: testDecoderConfig()}
	chunks := chunksOfSizes(3, 1, 1, 1, 1, 1, 1)

	st.offer(cfg)
	st.offer(chunks[0]) // 配置 + 关键帧入队，队列已满
	st.offer(chunks[1]) // 满，丢弃并进入重同步
	assert.Equal(t, 1, st.Dropped())

	<-st.queue
	<-st.queue
	st.offer(chunks[2]) // 非关键帧，继续丢弃
	assert.Equal(t, 2, st.Dropped())
	st.offer(chunks[3]) // 关键帧，恢复
	st.offer(chunks[4])
	assert.Equal(t, 2, st.Dropped())
	assert.Same(t, chunks[3], <-st.queue)
	assert.Same(t, chunks[4], <-st.queue)
}

func TestMuxStage(t *testing.T) {
	muxer := &fakeMuxer{}
	st := NewMuxStage(func() (Muxer, error) { return muxer, nil }, nil)
	segs, err := runStage[media.Packet, media.MuxedSegment](t, st, packetsFor(testDecoderConfig(), chunksOfSizes(2, 3, 0, 4)))
	require.NoError(t, err)
	// 空分段不向下游发送
	require.Len(t, segs, 2)
	assert.EqualValues(t, 0, segs[0].Position)
	assert.EqualValues(t, 3, segs[1].Position)
	assert.Len(t, muxer.configs, 1)
}

func TestMuxStageFaults(t *testing.T) {
	t.Run("chunk before config", func(t *testing.T) {
		st := NewMuxStage(func() (Muxer, error) { return &fakeMuxer{}, nil }, nil)
		_, err := runStage[media.Packet, media.MuxedSegment](t, st, []media.Packet{chunksOfSizes(1, 1)[0]})
		assert.Equal(t, media.KindMuxFault, media.KindOf(err))
	})
	t.Run("muxer error", func(t *testing.T) {
		st := NewMuxStage(func() (Muxer, error) { return &fakeMuxer{failAt: 2}, nil }, nil)
		_, err := runStage[media.Packet, media.MuxedSegment](t, st, packetsFor(testDecoderConfig(), chunksOfSizes(1, 1, 1, 1)))
		assert.Equal(t, media.KindMuxFault, media.KindOf(err))
		assert.ErrorIs(t, err, errInjected)
	})
	t.Run("factory error", func(t *testing.T) {
		st := NewMuxStage(func() (Muxer, error) { return nil, errInjected }, nil)
		_, err := runStage[media.Packet, media.MuxedSegment](t, st, nil)
		assert.Equal(t, media.KindMuxFault, media.KindOf(err))
	})
}
