package config

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/charmap"
)

func TestDefaults(t *testing.T) {
	c := New()
	assert.Equal(t, DefaultBufferSize, c.BufferSize())
	assert.Equal(t, "utf-8", c.EncodingName())
	assert.Equal(t, FramingNone, c.Framing())
	assert.Equal(t, DefaultTimeouts(), c.Timeouts())
	assert.Equal(t, DefaultPollInterval, c.PollInterval())
}

func TestSetBufferSizeBounds(t *testing.T) {
	c := New()

	for _, size := range []int{7, 65536, 0, -1} {
		err := c.SetBufferSize(size)
		if !errors.Is(err, ErrBufferSize) {
			t.Fatalf("size %d: expect ErrBufferSize, got %v", size, err)
		}
		if c.BufferSize() != DefaultBufferSize {
			t.Fatalf("size %d: previous size must be kept, got %d", size, c.BufferSize())
		}
	}

	require.NoError(t, c.SetBufferSize(8))
	assert.Equal(t, 8, c.BufferSize())

	require.NoError(t, c.SetBufferSize(65535))
	assert.Equal(t, 65535, c.BufferSize())

	require.Error(t, c.SetBufferSize(7))
	assert.Equal(t, 65535, c.BufferSize())
}

func TestSetEncoding(t *testing.T) {
	c := New()

	require.NoError(t, c.SetEncoding("latin1"))
	assert.Equal(t, "windows-1252", c.EncodingName())
	assert.Equal(t, charmap.Windows1252, c.Encoding())

	err := c.SetEncoding("klingon")
	assert.ErrorIs(t, err, ErrEncoding)
	assert.Equal(t, "windows-1252", c.EncodingName(), "failed set must keep the previous encoding")

	c.SetTextEncoding("ibm437", charmap.CodePage437)
	assert.Equal(t, "ibm437", c.EncodingName())
}

func TestFraming(t *testing.T) {
	f, err := ParseFraming("length")
	require.NoError(t, err)
	assert.Equal(t, FramingLength, f)

	_, err = ParseFraming("chunked")
	assert.ErrorIs(t, err, ErrFraming)

	c := New()
	require.NoError(t, c.SetFraming(FramingLength))
	assert.Equal(t, FramingLength, c.Framing())
	assert.ErrorIs(t, c.SetFraming(Framing(9)), ErrFraming)
	assert.Equal(t, FramingLength, c.Framing())
}

func TestPollInterval(t *testing.T) {
	c := New()
	assert.ErrorIs(t, c.SetPollInterval(0), ErrPollInterval)
	require.NoError(t, c.SetPollInterval(5*time.Millisecond))
	assert.Equal(t, 5*time.Millisecond, c.PollInterval())
}
