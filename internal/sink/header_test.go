package sink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyHeaderGateFirstEncounterSendsHeadersWhenPresent(t *testing.T) {
	var headers streamHeaderSet
	headers.append(NewBuffer([]byte("caps"), true, false, 0, false))
	fp := NewCapsFingerprint([]byte("v1"))

	c := &clientState{resendStreamHeader: true}
	res := applyHeaderGate(c, &headers, fp)

	require.Len(t, res.toSend, 1)
	assert.True(t, c.hasCapsFingerprint)
	assert.True(t, c.hadStreamHeaders)
}

func TestApplyHeaderGateSameFingerprintSendsNothing(t *testing.T) {
	var headers streamHeaderSet
	headers.append(NewBuffer([]byte("caps"), true, false, 0, false))
	fp := NewCapsFingerprint([]byte("v1"))

	c := &clientState{resendStreamHeader: true}
	applyHeaderGate(c, &headers, fp) // first call establishes the fingerprint

	res := applyHeaderGate(c, &headers, fp)
	assert.Empty(t, res.toSend)
}

func TestApplyHeaderGateFingerprintChangeWithNoHeadersClearsState(t *testing.T) {
	var headers streamHeaderSet // no headers currently buffered
	fp1 := NewCapsFingerprint([]byte("v1"))
	fp2 := NewCapsFingerprint([]byte("v2"))

	c := &clientState{resendStreamHeader: true}
	applyHeaderGate(c, &headers, fp1)

	res := applyHeaderGate(c, &headers, fp2)
	assert.Empty(t, res.toSend)
	assert.False(t, c.hadStreamHeaders)
}

func TestApplyHeaderGateFingerprintChangeWithHeadersResends(t *testing.T) {
	var headers streamHeaderSet
	headers.append(NewBuffer([]byte("caps-v1"), true, false, 0, false))
	fp1 := NewCapsFingerprint([]byte("v1"))

	c := &clientState{resendStreamHeader: true}
	applyHeaderGate(c, &headers, fp1) // establishes caps-v1 as sent

	headers.clear()
	headers.append(NewBuffer([]byte("caps-v2"), true, false, 0, false))
	fp2 := NewCapsFingerprint([]byte("v2"))

	res := applyHeaderGate(c, &headers, fp2)
	require.Len(t, res.toSend, 1)
	assert.Equal(t, "caps-v2", string(res.toSend[0].Bytes()))
}

func TestApplyHeaderGateResendDisabledSkipsIdenticalHeaders(t *testing.T) {
	var headers streamHeaderSet
	headers.append(NewBuffer([]byte("caps"), true, false, 0, false))
	fp1 := NewCapsFingerprint([]byte("v1"))

	c := &clientState{resendStreamHeader: false}
	applyHeaderGate(c, &headers, fp1)

	fp2 := NewCapsFingerprint([]byte("v2"))
	res := applyHeaderGate(c, &headers, fp2)
	assert.Empty(t, res.toSend, "resend disabled and headers unchanged in content must not resend")
}
