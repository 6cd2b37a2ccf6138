package ffdemux

import (
	"bytes"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bililive-go/segcast/src/media"
	"github.com/bililive-go/segcast/src/pipeline"
)

const probeJSON = `{
  "streams": [{
    "index": 0,
    "codec_name": "h264",
    "profile": "High",
    "codec_type": "video",
    "width": 1280,
    "height": 720,
    "r_frame_rate": "30/1",
    "avg_frame_rate": "30000/1001"
  }],
  "format": {
    "format_name": "mov,mp4,m4a,3gp,3g2,mj2",
    "duration": "12.500000",
    "bit_rate": "2500000"
  }
}`

func TestParseProbe(t *testing.T) {
	info, err := parseProbe([]byte(probeJSON))
	require.NoError(t, err)
	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, "High", info.Profile)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
	assert.InDelta(t, 29.97, info.FrameRate, 0.01)
	assert.Equal(t, 12500*time.Millisecond, info.Duration)
	assert.EqualValues(t, 2500000, info.BitRate)
}

func TestParseProbeWithoutVideo(t *testing.T) {
	_, err := parseProbe([]byte(`{"streams": [], "format": {}}`))
	assert.ErrorIs(t, err, ErrNoVideoTrack)
	_, err = parseProbe([]byte(`{"streams": [{"codec_type": "audio"}]}`))
	assert.ErrorIs(t, err, ErrNoVideoTrack)
}

func TestParseRational(t *testing.T) {
	assert.Equal(t, 25.0, parseRational("25/1"))
	assert.Equal(t, 24.0, parseRational("24"))
	assert.Zero(t, parseRational("0/0"))
	assert.Zero(t, parseRational("abc/1"))
}

func TestParsePacketLine(t *testing.T) {
	p, ok := parsePacketLine("pts_time=0.100000|duration_time=0.033333|flags=K__")
	require.True(t, ok)
	assert.True(t, p.hasPTS)
	assert.True(t, p.key)
	assert.Equal(t, 100*time.Millisecond, p.pts)
	assert.Equal(t, 33333*time.Microsecond, p.dur)

	p, ok = parsePacketLine("pts_time=N/A|duration_time=N/A|flags=___")
	require.True(t, ok)
	assert.False(t, p.hasPTS)
	assert.False(t, p.key)

	_, ok = parsePacketLine("")
	assert.False(t, ok)
}

type memSource struct {
	name string
	data []byte
}

func (s memSource) Name() string { return s.name }

func (s memSource) Open() (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.data)), nil
}

func TestLocalPathBuffersRemoteSources(t *testing.T) {
	d := New(Options{TempDir: t.TempDir()})

	path, cleanup, err := d.localPath(pipeline.LocalFile{Path: "/videos/a.mp4"})
	require.NoError(t, err)
	assert.Equal(t, "/videos/a.mp4", path)
	cleanup()

	path, cleanup, err = d.localPath(memSource{name: "clip.mov", data: []byte("payload")})
	require.NoError(t, err)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
	cleanup()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestDemuxGeneratedClip(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg demux in short mode")
	}
	ffmpeg, err1 := exec.LookPath("ffmpeg")
	ffprobe, err2 := exec.LookPath("ffprobe")
	if err1 != nil || err2 != nil {
		t.Skip("ffmpeg/ffprobe not installed")
	}
	clip := filepath.Join(t.TempDir(), "clip.mp4")
	out, err := exec.Command(ffmpeg, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=size=160x120:rate=10",
		"-t", "1", "-c:v", "libx264", "-pix_fmt", "yuv420p", "-bf", "0", "-g", "5", clip).CombinedOutput()
	if err != nil {
		t.Skipf("cannot generate clip: %v %s", err, out)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var configs []media.DecoderConfig
	var chunks []*media.CodedChunk
	err = New(Options{FFmpegPath: ffmpeg, FFprobePath: ffprobe}).Run(ctx, pipeline.LocalFile{Path: clip}, pipeline.DemuxHandlers{
		OnConfig: func(_ context.Context, cfg media.DecoderConfig) error {
			configs = append(configs, cfg)
			return nil
		},
		OnChunk: func(_ context.Context, c *media.CodedChunk) error {
			chunks = append(chunks, c)
			return nil
		},
	})
	require.NoError(t, err)

	require.Len(t, configs, 1)
	assert.Equal(t, 160, configs[0].CodedWidth)
	assert.Equal(t, 120, configs[0].CodedHeight)
	require.Len(t, chunks, 10)
	assert.True(t, chunks[0].IsKey())
	assert.True(t, chunks[5].IsKey())
	assert.Zero(t, chunks[0].Timestamp)
	for i := 1; i < len(chunks); i++ {
		assert.Greater(t, chunks[i].Timestamp, chunks[i-1].Timestamp)
	}
}

func TestDemuxStopsWhenHandlerFails(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg demux in short mode")
	}
	ffmpeg, err1 := exec.LookPath("ffmpeg")
	ffprobe, err2 := exec.LookPath("ffprobe")
	if err1 != nil || err2 != nil {
		t.Skip("ffmpeg/ffprobe not installed")
	}
	clip := filepath.Join(t.TempDir(), "clip.mp4")
	if out, err := exec.Command(ffmpeg, "-hide_banner", "-loglevel", "error",
		"-f", "lavfi", "-i", "testsrc=size=160x120:rate=10",
		"-t", "2", "-c:v", "libx264", "-pix_fmt", "yuv420p", clip).CombinedOutput(); err != nil {
		t.Skipf("cannot generate clip: %v %s", err, out)
	}

	stop := assert.AnError
	n := 0
	err := New(Options{FFmpegPath: ffmpeg, FFprobePath: ffprobe}).Run(context.Background(), pipeline.LocalFile{Path: clip}, pipeline.DemuxHandlers{
		OnConfig: func(context.Context, media.DecoderConfig) error { return nil },
		OnChunk: func(context.Context, *media.CodedChunk) error {
			n++
			if n == 3 {
				return stop
			}
			return nil
		},
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 3, n)
}
