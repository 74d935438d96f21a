package proto

import (
	"bytes"
	"testing"

	"overlaynode/internal/testutil"
)

func FuzzDecodeFrame(f *testing.F) {
	f.Add([]byte{0, 0, 0, 1, '{'})
	f.Add([]byte{0, 0, 0, 5, '{', '"', 't', '"', '}'})
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			r := bytes.NewReader(data)
			_, _ = ReadFrameWithTypeCap(r, SoftMaxFrameSize, MaxSizeForType)
		})
	})
}

func FuzzDecodeApp(f *testing.F) {
	f.Add([]byte(`{"type":"app","from":"aa","to":"bb","nonce":"AAAA","sealed":"AAAA"}`))
	f.Fuzz(func(t *testing.T, data []byte) {
		data = testutil.CapBytes(data, testutil.DefaultMaxFuzzBytes)
		testutil.WithTimeout(t, testutil.DefaultFuzzTimeout, func() {
			if m, err := DecodeAppMsg(data); err == nil {
				_, _ = EncodeAppMsg(m)
			}
		})
	})
}
