package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNilSentinels(t *testing.T) {
	assert.True(t, NilPageID.IsNil())
	assert.True(t, NilTxnID.IsNil())
	assert.True(t, NilLSN.IsNil())

	assert.False(t, PageID(1).IsNil())
	assert.False(t, TxnID(1).IsNil())
	assert.False(t, LSN(1).IsNil())
}
