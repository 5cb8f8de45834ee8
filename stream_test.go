package ioasync

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipeStreams(t *testing.T) (readEnd *os.File, writeEnd *os.File) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	t.Cleanup(func() { r.Close(); w.Close() })
	return r, w
}

// TestStreamLineConsumer exercises spec §8 scenario (a): a consumer that
// extracts newline-delimited lines, one at a time, from an accumulating
// receive buffer.
func TestStreamLineConsumer(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w := pipeStreams(t)

	var lines []string
	s := NewStream(int(r.Fd()), -1)
	s.SetOnRead(func(buf *RecvBuffer, eof bool) ConsumerResult {
		if idx := buf.IndexByte('\n'); idx >= 0 {
			lines = append(lines, string(buf.Take(idx+1)))
			return ConsumeAgain
		}
		if eof && buf.Len() > 0 {
			lines = append(lines, string(buf.Take(buf.Len())))
		}
		return ConsumeStop
	})
	require.NoError(t, l.Add(s))

	_, err = w.Write([]byte("first\nsecond\nthi"))
	require.NoError(t, err)
	require.NoError(t, l.LoopOnce(time.Second))
	require.Equal(t, []string{"first\n", "second\n"}, lines)

	_, err = w.Write([]byte("rd\n"))
	require.NoError(t, err)
	require.NoError(t, l.LoopOnce(time.Second))
	require.Equal(t, []string{"first\n", "second\n", "third\n"}, lines)
}

// TestStreamReplaceConsumerThenRestore exercises spec §8 scenario (b): a
// fixed-length (3-byte) sub-protocol spliced in mid-stream via
// ReplaceConsumer, then reverted with ConsumeRestore.
func TestStreamReplaceConsumerThenRestore(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w := pipeStreams(t)

	var events []string
	s := NewStream(int(r.Fd()), -1)

	byteConsumer := func(buf *RecvBuffer, eof bool) ConsumerResult {
		if buf.Len() == 0 {
			return ConsumeStop
		}
		b := buf.Take(1)
		if b[0] == 'X' {
			events = append(events, "switch")
			return ReplaceConsumer(func(buf *RecvBuffer, eof bool) ConsumerResult {
				if buf.Len() < 3 {
					return ConsumeStop
				}
				events = append(events, "blob:"+string(buf.Take(3)))
				return ConsumeRestore
			})
		}
		events = append(events, "byte:"+string(b))
		return ConsumeAgain
	}
	s.SetOnRead(byteConsumer)
	require.NoError(t, l.Add(s))

	_, err = w.Write([]byte("aXbcd"))
	require.NoError(t, err)
	require.NoError(t, l.LoopOnce(time.Second))

	require.Equal(t, []string{"byte:a", "switch", "blob:bcd"}, events)
}

func TestStreamWriteDrainsAndFiresOnOutgoingEmpty(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w := pipeStreams(t)

	s := NewStream(-1, int(w.Fd()))
	drained := false
	s.OnOutgoingEmpty = func() { drained = true }
	require.NoError(t, l.Add(s))

	s.Write([]byte("hello"))
	require.NoError(t, l.LoopOnce(time.Second))
	require.True(t, drained)

	out := make([]byte, 5)
	n, err := r.Read(out)
	require.NoError(t, err)
	require.Equal(t, "hello", string(out[:n]))
}

func TestStreamCloseWhenEmptyDefersUntilDrained(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	_, w := pipeStreams(t)

	s := NewStream(-1, int(w.Fd()))
	require.NoError(t, l.Add(s))

	s.Write([]byte("x"))
	s.CloseWhenEmpty()
	require.True(t, s.Attached(), "close is deferred while sendbuff is non-empty")

	require.NoError(t, l.LoopOnce(time.Second))
	require.False(t, s.Attached())
}

func TestStreamEOFRemovesFromLoop(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w := pipeStreams(t)

	s := NewStream(int(r.Fd()), -1)
	s.SetOnRead(func(buf *RecvBuffer, eof bool) ConsumerResult { return ConsumeStop })
	require.NoError(t, l.Add(s))

	require.NoError(t, w.Close())
	require.NoError(t, l.LoopOnce(time.Second))
	require.False(t, s.Attached())
}

// TestStreamConsumeAgainWithNoProgressWaitsForMoreBytes exercises spec
// §8's boundary property: a consumer returning ConsumeAgain without
// taking any bytes from a non-empty buffer must not be invoked again
// until new bytes arrive or EOF is observed, rather than spinning.
func TestStreamConsumeAgainWithNoProgressWaitsForMoreBytes(t *testing.T) {
	l, err := New()
	require.NoError(t, err)
	defer l.Close()

	r, w := pipeStreams(t)

	invocations := 0
	var lastLen int
	s := NewStream(int(r.Fd()), -1)
	s.SetOnRead(func(buf *RecvBuffer, eof bool) ConsumerResult {
		invocations++
		lastLen = buf.Len()
		return ConsumeAgain // never consumes; waiting for a full frame that never comes
	})
	require.NoError(t, l.Add(s))

	_, err = w.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, l.LoopOnce(time.Second))
	require.Equal(t, 1, invocations, "a no-progress consumer is invoked once per new-bytes turn, not spun")
	require.Equal(t, len("partial"), lastLen)

	_, err = w.Write([]byte("more"))
	require.NoError(t, err)
	require.NoError(t, l.LoopOnce(time.Second))
	require.Equal(t, 2, invocations, "arrival of new bytes re-invokes the consumer exactly once more")
	require.Equal(t, len("partialmore"), lastLen)
}
