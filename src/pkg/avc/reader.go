package avc

import (
	"bufio"
	"bytes"
	"io"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

const maxNALUSize = 16 * 1024 * 1024

var startCode = []byte{0x00, 0x00, 0x01}

// splitNALU bufio.SplitFunc，按 Annex-B 起始码切分 NALU
// 返回的 token 不含起始码及尾随的零字节
func splitNALU(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	i := bytes.Index(data, startCode)
	if i < 0 {
		if atEOF {
			// 没有起始码的尾部数据丢弃
			return len(data), nil, nil
		}
		return 0, nil, nil
	}
	begin := i + len(startCode)
	j := bytes.Index(data[begin:], startCode)
	if j < 0 {
		if !atEOF {
			return 0, nil, nil
		}
		return len(data), bytes.TrimRight(data[begin:], "\x00"), nil
	}
	end := begin + j
	return end, bytes.TrimRight(data[begin:end], "\x00"), nil
}

// Reader 从 Annex-B 字节流中逐个读取访问单元
type Reader struct {
	sc      *bufio.Scanner
	pending []byte
}

// NewReader 创建读取器
func NewReader(r io.Reader) *Reader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256*1024), maxNALUSize)
	sc.Split(splitNALU)
	return &Reader{sc: sc}
}

func (r *Reader) next() ([]byte, error) {
	if r.pending != nil {
		n := r.pending
		r.pending = nil
		return n, nil
	}
	for r.sc.Scan() {
		tok := r.sc.Bytes()
		if len(tok) == 0 {
			continue
		}
		n := make([]byte, len(tok))
		copy(n, tok)
		return n, nil
	}
	if err := r.sc.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Read 读取下一个访问单元，流结束时返回 io.EOF
func (r *Reader) Read() ([][]byte, error) {
	var au [][]byte
	hasVCL := false
	for {
		nalu, err := r.next()
		if err == io.EOF {
			if len(au) > 0 {
				return au, nil
			}
			return nil, io.EOF
		}
		if err != nil {
			return nil, err
		}
		if len(au) > 0 && startsAccessUnit(nalu, hasVCL) {
			r.pending = nalu
			return au, nil
		}
		au = append(au, nalu)
		if IsVCL(nalu) {
			hasVCL = true
		}
	}
}

// startsAccessUnit 判断 nalu 是否开始一个新的访问单元（H.264 7.4.1.2.3）
func startsAccessUnit(nalu []byte, hasVCL bool) bool {
	switch h264.NALUType(nalu[0] & 0x1F) {
	case h264.NALUTypeAccessUnitDelimiter:
		return true
	case h264.NALUTypeSPS, h264.NALUTypePPS, h264.NALUTypeSEI:
		return hasVCL
	case h264.NALUTypeNonIDR, h264.NALUTypeIDR:
		// first_mb_in_slice == 0 时 ue(v) 首位为 1
		return hasVCL && len(nalu) > 1 && nalu[1]&0x80 != 0
	}
	return false
}

// IsVCL 是否为图像切片
func IsVCL(nalu []byte) bool {
	if len(nalu) == 0 {
		return false
	}
	typ := h264.NALUType(nalu[0] & 0x1F)
	return typ == h264.NALUTypeNonIDR || typ == h264.NALUTypeIDR
}
