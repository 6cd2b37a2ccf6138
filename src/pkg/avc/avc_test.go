package avc

import (
	"bytes"
	"io"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bililive-go/segcast/src/media"
)

var (
	aud   = []byte{0x09, 0xf0}
	sps   = []byte{0x67, 0x42, 0x00, 0x1f, 0xab}
	pps   = []byte{0x68, 0xce, 0x3c, 0x80}
	idr   = []byte{0x65, 0x88, 0x84, 0x10}
	p1    = []byte{0x41, 0x9a, 0x01}
	p2    = []byte{0x41, 0x9a, 0x02}
	split = []byte{0x41, 0x1a, 0x03} // first_mb_in_slice != 0，属于同一访问单元
)

func testStream() []byte {
	var b bytes.Buffer
	for _, n := range [][]byte{aud, sps, pps, idr} {
		b.Write([]byte{0, 0, 0, 1})
		b.Write(n)
	}
	for _, n := range [][]byte{aud, p1, split} {
		b.Write([]byte{0, 0, 1})
		b.Write(n)
	}
	b.Write([]byte{0, 0, 0, 1})
	b.Write(p2)
	return b.Bytes()
}

func readAll(t *testing.T, r io.Reader) [][][]byte {
	t.Helper()
	reader := NewReader(r)
	var aus [][][]byte
	for {
		au, err := reader.Read()
		if err == io.EOF {
			return aus
		}
		require.NoError(t, err)
		aus = append(aus, au)
	}
}

func TestReaderSplitsAccessUnits(t *testing.T) {
	for name, r := range map[string]io.Reader{
		"whole":    bytes.NewReader(testStream()),
		"one_byte": iotest.OneByteReader(bytes.NewReader(testStream())),
	} {
		t.Run(name, func(t *testing.T) {
			aus := readAll(t, r)
			require.Len(t, aus, 3)
			assert.Equal(t, [][]byte{aud, sps, pps, idr}, aus[0])
			assert.Equal(t, [][]byte{aud, p1, split}, aus[1])
			assert.Equal(t, [][]byte{p2}, aus[2])
		})
	}
}

func TestReaderEmptyAndGarbage(t *testing.T) {
	assert.Empty(t, readAll(t, bytes.NewReader(nil)))
	assert.Empty(t, readAll(t, bytes.NewReader([]byte{1, 2, 3, 4})))
}

func TestKeyDetectionAndStrip(t *testing.T) {
	key := [][]byte{aud, sps, pps, idr}
	assert.True(t, IsKey(key))
	assert.Equal(t, media.ChunkKey, ChunkType(key))
	assert.Equal(t, media.ChunkDelta, ChunkType([][]byte{aud, p1}))

	s, p := ParameterSets(key)
	assert.Equal(t, sps, s)
	assert.Equal(t, pps, p)
	assert.Equal(t, [][]byte{idr}, StripParameterSets(key))
}

func TestAnnexBRoundTrip(t *testing.T) {
	au := [][]byte{sps, pps, idr}
	buf := MarshalAnnexB(au)
	assert.Equal(t, []byte{0, 0, 0, 1}, buf[:4])

	got, err := UnmarshalAnnexB(buf)
	require.NoError(t, err)
	assert.Equal(t, au, got)
}

func TestCodecString(t *testing.T) {
	assert.Equal(t, "avc1.42001f", CodecString(sps))
	assert.Equal(t, "avc1", CodecString([]byte{0x67}))
}

func TestDecoderConfigRequiresParameterSets(t *testing.T) {
	_, err := DecoderConfig(sps, nil)
	assert.ErrorIs(t, err, ErrNoParameterSets)

	_, err = DecoderConfig([]byte{0x67}, pps)
	assert.Error(t, err)
}

func TestPrependParameterSets(t *testing.T) {
	cfg := media.DecoderConfig{ParameterSets: [][]byte{sps, pps}}
	assert.Equal(t, [][]byte{sps, pps, idr}, PrependParameterSets([][]byte{idr}, cfg))
	assert.Equal(t, [][]byte{idr}, PrependParameterSets([][]byte{idr}, media.DecoderConfig{}))
}

// 1920x1080 baseline，VUI 中帧率 30
var realSPS = []byte{
	0x67, 0x42, 0xc0, 0x28, 0xd9, 0x00, 0x78, 0x02,
	0x27, 0xe5, 0x84, 0x00, 0x00, 0x03, 0x00, 0x04,
	0x00, 0x00, 0x03, 0x00, 0xf0, 0x3c, 0x60, 0xc9,
	0x20,
}

func TestDecoderConfigFromSPS(t *testing.T) {
	cfg, err := DecoderConfig(realSPS, pps)
	require.NoError(t, err)
	assert.Equal(t, "avc1.42c028", cfg.Codec)
	assert.Equal(t, 1920, cfg.CodedWidth)
	assert.Equal(t, 1080, cfg.CodedHeight)
	require.Len(t, cfg.ParameterSets, 2)
	assert.Equal(t, realSPS, cfg.ParameterSets[0])

	assert.InDelta(t, 30, FrameRate(realSPS), 0.01)
	assert.Zero(t, FrameRate([]byte{0x67}))
}
