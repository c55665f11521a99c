package kiro

import (
	"encoding/binary"
	"hash/crc32"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildFrame assembles a valid binary frame from a headers blob and payload,
// computing both CRCs per §3's wire layout.
func buildFrame(t *testing.T, headers, payload []byte) []byte {
	t.Helper()

	headersLen := uint32(len(headers))
	totalLen := uint32(preludeLen + crcFieldLen + len(headers) + len(payload) + crcFieldLen)

	buf := make([]byte, preludeLen)
	binary.BigEndian.PutUint32(buf[0:4], totalLen)
	binary.BigEndian.PutUint32(buf[4:8], headersLen)
	preludeCRC := crc32.ChecksumIEEE(buf[0:preludeLen])

	frame := make([]byte, 0, totalLen)
	frame = append(frame, buf...)
	frame = binary.BigEndian.AppendUint32(frame, preludeCRC)
	frame = append(frame, headers...)
	frame = append(frame, payload...)

	frameCRC := crc32.ChecksumIEEE(frame)
	frame = binary.BigEndian.AppendUint32(frame, frameCRC)

	require.Equal(t, int(totalLen), len(frame))
	return frame
}

// header builds one [name_len][name][type][value] entry.
func header(name string, typ HeaderValueType, value []byte) []byte {
	out := []byte{byte(len(name))}
	out = append(out, name...)
	out = append(out, byte(typ))
	out = append(out, value...)
	return out
}

func stringHeaderValue(s string) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, uint16(len(s)))
	return append(out, s...)
}

func TestDecoder_DecodesWholeFrameInOneFeed(t *testing.T) {
	headers := header(":event-type", HeaderString, stringHeaderValue("assistant-response-event"))
	frame := buildFrame(t, headers, []byte(`{"text":"pong"}`))

	d := NewDecoder()
	d.Feed(frame)

	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "assistant-response-event", f.Headers.String(":event-type"))
	assert.Equal(t, `{"text":"pong"}`, string(f.Payload))

	_, err = d.Next()
	assert.ErrorIs(t, err, ErrIncomplete)
}

// TestDecoder_SplitAcrossThreeChunks covers B2: a frame split across
// arbitrary byte-chunk boundaries decodes identically to one-shot delivery.
func TestDecoder_SplitAcrossThreeChunks(t *testing.T) {
	headers := header(":content-type", HeaderString, stringHeaderValue("text"))
	frame := buildFrame(t, headers, []byte(`{"delta":"hello world"}`))

	cut1 := 5
	cut2 := len(frame) - 7

	d := NewDecoder()
	d.Feed(frame[:cut1])
	_, err := d.Next()
	assert.ErrorIs(t, err, ErrIncomplete)

	d.Feed(frame[cut1:cut2])
	_, err = d.Next()
	assert.ErrorIs(t, err, ErrIncomplete)

	d.Feed(frame[cut2:])
	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "text", f.Headers.String(":content-type"))
	assert.Equal(t, `{"delta":"hello world"}`, string(f.Payload))
}

func TestDecoder_MultipleFramesInOneBuffer(t *testing.T) {
	h1 := header(":event-type", HeaderString, stringHeaderValue("a"))
	h2 := header(":event-type", HeaderString, stringHeaderValue("b"))
	f1 := buildFrame(t, h1, []byte("one"))
	f2 := buildFrame(t, h2, []byte("two"))

	d := NewDecoder()
	d.Feed(append(append([]byte{}, f1...), f2...))

	frame, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, "one", string(frame.Payload))

	frame, err = d.Next()
	require.NoError(t, err)
	assert.Equal(t, "two", string(frame.Payload))

	_, err = d.Next()
	assert.ErrorIs(t, err, ErrIncomplete)
}

// TestDecoder_BadPreludeCRC covers P6: a corrupted prelude never yields an
// event, only a fatal decode error.
func TestDecoder_BadPreludeCRC(t *testing.T) {
	headers := header(":event-type", HeaderString, stringHeaderValue("x"))
	frame := buildFrame(t, headers, []byte("payload"))
	frame[8] ^= 0xFF // corrupt one byte of the prelude CRC field

	d := NewDecoder()
	d.Feed(frame)

	_, err := d.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIncomplete)
}

// TestDecoder_BadFrameCRC covers P6 for the whole-frame CRC.
func TestDecoder_BadFrameCRC(t *testing.T) {
	headers := header(":event-type", HeaderString, stringHeaderValue("x"))
	frame := buildFrame(t, headers, []byte("payload"))
	frame[len(frame)-1] ^= 0xFF // corrupt the trailing frame CRC

	d := NewDecoder()
	d.Feed(frame)

	_, err := d.Next()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrIncomplete)
}

func TestDecoder_UnknownHeaderTypeCode(t *testing.T) {
	headers := header(":event-type", HeaderValueType(200), nil)
	frame := buildFrame(t, headers, []byte("payload"))

	d := NewDecoder()
	d.Feed(frame)

	_, err := d.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown header type code")
}

func TestDecoder_NonUTF8HeaderName(t *testing.T) {
	badName := []byte{0xff, 0xfe}
	headers := append([]byte{byte(len(badName))}, badName...)
	headers = append(headers, byte(HeaderBoolTrue))
	frame := buildFrame(t, headers, []byte("payload"))

	d := NewDecoder()
	d.Feed(frame)

	_, err := d.Next()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "non-UTF-8")
}

func TestDecoder_AllHeaderValueTypes(t *testing.T) {
	var headers []byte
	headers = append(headers, header("b", HeaderByte, []byte{0xfe})...)          // -2
	headers = append(headers, header("s", HeaderShort, []byte{0xff, 0xfe})...)   // -2
	headers = append(headers, header("i", HeaderInt, []byte{0, 0, 0, 42})...)
	headers = append(headers, header("l", HeaderLong, []byte{0, 0, 0, 0, 0, 0, 0, 7})...)
	ba := []byte{0, 3, 'a', 'b', 'c'}
	headers = append(headers, header("ba", HeaderByteArray, ba)...)
	headers = append(headers, header("str", HeaderString, stringHeaderValue("hi"))...)
	ts := make([]byte, 8)
	binary.BigEndian.PutUint64(ts, 1700000000000)
	headers = append(headers, header("ts", HeaderTimestamp, ts)...)
	uuid := make([]byte, 16)
	for i := range uuid {
		uuid[i] = byte(i)
	}
	headers = append(headers, header("u", HeaderUUID, uuid)...)
	headers = append(headers, header("t", HeaderBoolTrue, nil)...)
	headers = append(headers, header("f", HeaderBoolFalse, nil)...)

	frame := buildFrame(t, headers, []byte("ok"))
	d := NewDecoder()
	d.Feed(frame)

	f, err := d.Next()
	require.NoError(t, err)
	assert.Equal(t, int8(-2), f.Headers["b"].Byte)
	assert.Equal(t, int16(-2), f.Headers["s"].Short)
	assert.Equal(t, int32(42), f.Headers["i"].Int)
	assert.Equal(t, int64(7), f.Headers["l"].Long)
	assert.Equal(t, []byte("abc"), f.Headers["ba"].Bytes)
	assert.Equal(t, "hi", f.Headers.String("str"))
	assert.Equal(t, int64(1700000000000), f.Headers["ts"].Timestamp)
	uField := f.Headers["u"]
	assert.Equal(t, uuid, uField.UUID[:])
	assert.True(t, f.Headers["t"].Bool)
	assert.False(t, f.Headers["f"].Bool)
}
