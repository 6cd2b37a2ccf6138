package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/bililive-go/segcast/src/media"
)

type orchestratorFixture struct {
	pool     *framePool
	demuxer  *fakeDemuxer
	uploader *recordingUploader
	decoder  func(*fakeDecoder)
	encoder  func(*fakeEncoder)
	muxer    *fakeMuxer
	opts     Options
}

func newFixture(sizes ...int) *orchestratorFixture {
	return &orchestratorFixture{
		pool:     &framePool{},
		demuxer:  &fakeDemuxer{config: testDecoderConfig(), chunks: chunksOfSizes(2, sizes...)},
		uploader: &recordingUploader{},
		muxer:    &fakeMuxer{},
		opts:     Options{FlushThreshold: 100},
	}
}

func (f *orchestratorFixture) collaborators() Collaborators {
	decoder, _ := newFakeDecoderFactory(f.pool, f.decoder)
	preview, _ := newFakeDecoderFactory(f.pool, nil)
	return Collaborators{
		Demuxer:           f.demuxer,
		NewDecoder:        decoder,
		NewEncoder:        newFakeEncoderFactory(f.encoder),
		NewPreviewDecoder: preview,
		NewMuxer:          func() (Muxer, error) { return f.muxer, nil },
		Uploader:          f.uploader,
	}
}

func (f *orchestratorFixture) run(t *testing.T, renderer Renderer) (*Orchestrator, media.Result) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o := NewOrchestrator(f.collaborators(), f.opts)
	result, err := o.Run(ctx, Inputs{
		Source:       memSource{name: "holiday.mov"},
		EncodeConfig: media.DefaultEncodeConfig(),
		Renderer:     renderer,
	})
	require.NoError(t, err)
	return o, result
}

func TestOrchestratorUploadsAllBytesInOrder(t *testing.T) {
	f := newFixture(60, 60, 10, 30)
	o, result := f.run(t, nil)

	require.Equal(t, media.StatusDone, result.Status, result.ErrorMessage())
	assert.Equal(t, StateDone, o.State())
	assert.Equal(t, media.KindNone, result.Kind)
	assert.NoError(t, result.Err)
	assert.Equal(t, "holiday-144p.mp4", result.OutputFileName)
	assert.Equal(t, o.RunID(), result.RunID)

	reqs := f.uploader.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, "holiday-144p.1.mp4", reqs[0].Name)
	assert.Len(t, reqs[0].Data, 120)
	assert.Equal(t, "holiday-144p.2.mp4", reqs[1].Name)
	assert.Len(t, reqs[1].Data, 40)
	assert.EqualValues(t, 160, result.Bytes)
	require.Len(t, result.Uploaded, 2)
	assert.Equal(t, 2, result.Uploaded[1].Sequence)

	// 主链路上的每一帧都被编码阶段释放
	assert.EqualValues(t, f.pool.allocated.Load(), f.pool.released.Load())
	assert.Len(t, f.muxer.configs, 1)
	assert.Equal(t, "avc1.42001f", f.muxer.configs[0].Codec)
}

func TestOrchestratorWithGomockUploader(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := NewMockUploadService(ctrl)
	gomock.InOrder(
		svc.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req media.UploadRequest) error {
			assert.Equal(t, 1, req.Sequence)
			assert.Len(t, req.Data, 101)
			return nil
		}),
		svc.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req media.UploadRequest) error {
			assert.Equal(t, 2, req.Sequence)
			assert.Len(t, req.Data, 5)
			return nil
		}),
	)

	f := newFixture(100, 1, 5)
	collab := f.collaborators()
	collab.Uploader = svc
	result, err := NewOrchestrator(collab, f.opts).Run(context.Background(), Inputs{
		Source:       memSource{name: "a.mp4"},
		EncodeConfig: media.DefaultEncodeConfig(),
	})
	require.NoError(t, err)
	assert.Equal(t, media.StatusDone, result.Status)
}

func TestOrchestratorCodecFault(t *testing.T) {
	f := newFixture(10, 10, 10, 10, 10, 10)
	f.opts.FlushThreshold = 1000
	f.encoder = func(e *fakeEncoder) { e.failAt = 3 }
	o, result := f.run(t, nil)

	assert.Equal(t, media.StatusFailed, result.Status)
	assert.Equal(t, media.KindCodecFault, result.Kind)
	assert.ErrorIs(t, result.Err, errInjected)
	assert.Equal(t, StateFailed, o.State())
	// 阈值未达到，且失败后不会执行收尾上传
	assert.Empty(t, f.uploader.Requests())
	assert.Empty(t, result.Uploaded)
}

func TestOrchestratorNoSegmentsAfterFault(t *testing.T) {
	ctrl := gomock.NewController(t)
	svc := NewMockUploadService(ctrl)
	var mu sync.Mutex
	var seqs []int
	svc.EXPECT().Upload(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, req media.UploadRequest) error {
		mu.Lock()
		seqs = append(seqs, req.Sequence)
		mu.Unlock()
		return nil
	}).AnyTimes()

	f := newFixture(10, 10, 10, 10, 10, 10, 10, 10)
	f.opts.FlushThreshold = 5
	f.muxer.failAt = 4
	collab := f.collaborators()
	collab.Uploader = svc
	result, err := NewOrchestrator(collab, f.opts).Run(context.Background(), Inputs{
		Source:       memSource{name: "a.mp4"},
		EncodeConfig: media.DefaultEncodeConfig(),
	})
	require.NoError(t, err)
	assert.Equal(t, media.StatusFailed, result.Status)
	assert.Equal(t, media.KindMuxFault, result.Kind)

	mu.Lock()
	defer mu.Unlock()
	// 第 4 个块封装失败，之前最多 3 个分段被上传，且序号连续
	assert.LessOrEqual(t, len(seqs), 3)
	for i, s := range seqs {
		assert.Equal(t, i+1, s)
	}
	assert.Len(t, result.Uploaded, len(seqs))
}

func TestOrchestratorCodecFaultStopsUploads(t *testing.T) {
	f := newFixture(10, 10, 10, 10, 10, 10, 10, 10)
	f.opts.FlushThreshold = 5
	f.encoder = func(e *fakeEncoder) { e.failAt = 4 }
	_, result := f.run(t, nil)

	assert.Equal(t, media.StatusFailed, result.Status)
	assert.Equal(t, media.KindCodecFault, result.Kind)
	assert.ErrorIs(t, result.Err, errInjected)

	// 第 4 帧编码失败，每个分段都超过阈值，之前最多上传 3 个，且序号连续
	reqs := f.uploader.Requests()
	assert.LessOrEqual(t, len(reqs), 3)
	for i, req := range reqs {
		assert.Equal(t, i+1, req.Sequence)
		assert.Len(t, req.Data, 10)
	}
	assert.Len(t, result.Uploaded, len(reqs))
}

func TestOrchestratorSlowUploadStallsUpstream(t *testing.T) {
	const chunks, size = 1000, 10
	sizes := make([]int, chunks)
	for i := range sizes {
		sizes[i] = size
	}
	f := newFixture(sizes...)
	f.opts.FlushThreshold = 50
	uploader := newGatedUploader()
	collab := f.collaborators()
	collab.Uploader = uploader

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	o := NewOrchestrator(collab, f.opts)
	results, err := o.Start(ctx, Inputs{Source: memSource{name: "long.mov"}, EncodeConfig: media.DefaultEncodeConfig()})
	require.NoError(t, err)

	select {
	case <-uploader.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("first upload never started")
	}
	time.Sleep(200 * time.Millisecond)
	// 上传阻塞期间解封装只能领先有限的块
	stalled := f.demuxer.emitted.Load()
	assert.Less(t, stalled, int64(100))
	assert.Equal(t, StateRunning, o.State())

	close(uploader.gate)
	var result media.Result
	select {
	case result = <-results:
	case <-ctx.Done():
		t.Fatalf("pipeline did not finish after upload resumed; state=%s", o.State())
	}
	require.Equal(t, media.StatusDone, result.Status, result.ErrorMessage())
	assert.EqualValues(t, chunks, f.demuxer.emitted.Load())
	assert.EqualValues(t, chunks*size, result.Bytes)

	var total int
	for i, req := range uploader.Requests() {
		assert.Equal(t, i+1, req.Sequence)
		total += len(req.Data)
	}
	assert.Equal(t, chunks*size, total)
	assert.Len(t, result.Uploaded, len(uploader.Requests()))
}

func TestOrchestratorUploadFault(t *testing.T) {
	f := newFixture(200)
	f.uploader.err = errors.New("status 503")
	_, result := f.run(t, nil)

	assert.Equal(t, media.StatusFailed, result.Status)
	assert.Equal(t, media.KindUploadFault, result.Kind)
	assert.Contains(t, result.ErrorMessage(), "holiday-144p.1.mp4")
}

func TestOrchestratorDemuxFault(t *testing.T) {
	f := newFixture(1, 1, 1)
	f.demuxer.failAfter = 2
	f.demuxer.err = errors.New("truncated box")
	_, result := f.run(t, nil)

	assert.Equal(t, media.StatusFailed, result.Status)
	assert.Equal(t, media.KindDemuxFault, result.Kind)
	assert.Contains(t, result.ErrorMessage(), "truncated box")
}

func TestOrchestratorUnsupportedDecoderConfig(t *testing.T) {
	f := newFixture(1, 1)
	f.decoder = func(d *fakeDecoder) { d.unsupported = true }
	_, result := f.run(t, nil)

	assert.Equal(t, media.StatusFailed, result.Status)
	assert.Equal(t, media.KindUnsupportedConfiguration, result.Kind)
	assert.Empty(t, f.uploader.Requests())
}

func TestOrchestratorRenderFailuresDoNotChangeStatus(t *testing.T) {
	f := newFixture(10, 10, 10, 10)
	var calls int
	var mu sync.Mutex
	renderer := renderFunc(func(frame *media.RawFrame) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("display gone")
	})
	_, result := f.run(t, renderer)

	assert.Equal(t, media.StatusDone, result.Status)
	assert.EqualValues(t, 40, result.Bytes)
	mu.Lock()
	assert.Equal(t, calls, result.RenderFailures)
	mu.Unlock()
	assert.Positive(t, result.RenderFailures)
	assert.EqualValues(t, f.pool.allocated.Load(), f.pool.released.Load())
}

func TestOrchestratorFinishesWhileRendererIsBlocked(t *testing.T) {
	f := newFixture(10, 10, 10, 10)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	renderer := renderFunc(func(*media.RawFrame) error {
		<-release
		return nil
	})

	o := NewOrchestrator(f.collaborators(), f.opts)
	results, err := o.Start(context.Background(), Inputs{
		Source:       memSource{name: "holiday.mov"},
		EncodeConfig: media.DefaultEncodeConfig(),
		Renderer:     renderer,
	})
	require.NoError(t, err)

	select {
	case result := <-results:
		assert.Equal(t, media.StatusDone, result.Status, result.ErrorMessage())
		assert.EqualValues(t, 40, result.Bytes)
		// 阈值 100 未达到，剩余数据在流结束时上传
		reqs := f.uploader.Requests()
		require.Len(t, reqs, 1)
		assert.Len(t, reqs[0].Data, 40)
	case <-time.After(2 * time.Second):
		t.Fatalf("pipeline did not finish while renderer is blocked; state=%s uploads=%d", o.State(), len(f.uploader.Requests()))
	}
}

func TestOrchestratorIsNotReusable(t *testing.T) {
	f := newFixture(1)
	o, result := f.run(t, nil)
	require.Equal(t, media.StatusDone, result.Status)

	_, err := o.Start(context.Background(), Inputs{Source: memSource{name: "a.mp4"}})
	assert.ErrorIs(t, err, ErrNotReusable)
	assert.Equal(t, StateDone, o.State())
}

func TestOrchestratorMissingCollaborator(t *testing.T) {
	f := newFixture(1)
	collab := f.collaborators()
	collab.Uploader = nil
	o := NewOrchestrator(collab, f.opts)
	_, err := o.Start(context.Background(), Inputs{Source: memSource{name: "a.mp4"}})
	assert.ErrorIs(t, err, ErrMissingCollaborator)
	assert.Equal(t, StateInit, o.State())
}

func TestOrchestratorCancel(t *testing.T) {
	f := newFixture(10, 10)
	f.demuxer.block = true
	o := NewOrchestrator(f.collaborators(), f.opts)
	ctx, cancel := context.WithCancel(context.Background())

	var states []State
	var mu sync.Mutex
	results, err := o.Start(ctx, Inputs{
		Source:       memSource{name: "a.mp4"},
		EncodeConfig: media.DefaultEncodeConfig(),
		OnProgress: func(p Progress) {
			mu.Lock()
			states = append(states, p.State)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, o.State())
	cancel()

	select {
	case result := <-results:
		assert.Equal(t, media.StatusFailed, result.Status)
		assert.Equal(t, media.KindCanceled, result.Kind)
		assert.Empty(t, f.uploader.Requests())
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not stop after cancel")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, states)
	assert.Equal(t, StateRunning, states[0])
	assert.Equal(t, StateFailed, states[len(states)-1])
}
