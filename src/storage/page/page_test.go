package page

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quillsql/quill/src/pkg/common"
	"github.com/quillsql/quill/src/storage"
)

const testPageSize = 4096

func TestSealVerifyRoundtrip(t *testing.T) {
	p := Page(make([]byte, testPageSize))
	copy(p.Payload(), []byte("hello, page"))
	p.SetLSN(42)
	p.Seal()

	require.NoError(t, p.Verify())
	assert.Equal(t, common.LSN(42), p.LSN())
	assert.Equal(t, []byte("hello, page"), p.Payload()[:11])
}

func TestVerifyDetectsCorruption(t *testing.T) {
	p := Page(make([]byte, testPageSize))
	copy(p.Payload(), []byte("content"))
	p.Seal()
	require.NoError(t, p.Verify())

	p.Payload()[3] ^= 0xFF

	err := p.Verify()
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrCorrupted)
}

func TestVerifyDetectsTornLSN(t *testing.T) {
	p := Page(make([]byte, testPageSize))
	p.SetLSN(7)
	p.Seal()

	p.SetLSN(8) // not resealed

	assert.ErrorIs(t, p.Verify(), storage.ErrCorrupted)
}

func TestResetProducesValidEmptyPage(t *testing.T) {
	p := Page(make([]byte, testPageSize))
	copy(p.Payload(), []byte("junk"))
	p.SetLSN(99)
	p.Seal()

	p.Reset()

	require.NoError(t, p.Verify())
	assert.Equal(t, common.NilLSN, p.LSN())
	for _, b := range p.Payload() {
		if b != 0 {
			t.Fatalf("payload not zeroed")
		}
	}
}

func TestPayloadSpansPageMinusHeader(t *testing.T) {
	p := Page(make([]byte, testPageSize))
	assert.Len(t, p.Payload(), testPageSize-HeaderSize)
}
