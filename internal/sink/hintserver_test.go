package sink_test

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/octoreflex/octoreflex/internal/sink"
)

type fakeSetter struct {
	hints map[string]uint8
}

func (f *fakeSetter) SetSemanticHint(ip string, level uint8) error {
	f.hints[ip] = level
	return nil
}

func (f *fakeSetter) ClearSemanticHint(ip string) error {
	delete(f.hints, ip)
	return nil
}

func sign(secret, body []byte) string {
	h := hmac.New(sha256.New, secret)
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func TestHintReceiver_ValidSignedRequest(t *testing.T) {
	secret := []byte("downlink-secret")
	setter := &fakeSetter{hints: make(map[string]uint8)}
	hr := sink.NewHintReceiver(secret, setter, zap.NewNop())

	body, err := json.Marshal(map[string]interface{}{"ip": "203.0.113.7", "risk_level": 2, "ttl_seconds": 60})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/hint", bytes.NewReader(body))
	req.Header.Set("X-Signature", sign(secret, body))
	w := httptest.NewRecorder()

	hr.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, uint8(2), setter.hints["203.0.113.7"])
}

func TestHintReceiver_RejectsBadSignature(t *testing.T) {
	secret := []byte("downlink-secret")
	setter := &fakeSetter{hints: make(map[string]uint8)}
	hr := sink.NewHintReceiver(secret, setter, zap.NewNop())

	body, _ := json.Marshal(map[string]interface{}{"ip": "203.0.113.7", "risk_level": 2})
	req := httptest.NewRequest(http.MethodPost, "/hint", bytes.NewReader(body))
	req.Header.Set("X-Signature", "deadbeef")
	w := httptest.NewRecorder()

	hr.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, setter.hints)
}

func TestHintReceiver_RejectsOutOfRangeRiskLevel(t *testing.T) {
	secret := []byte("downlink-secret")
	setter := &fakeSetter{hints: make(map[string]uint8)}
	hr := sink.NewHintReceiver(secret, setter, zap.NewNop())

	body, _ := json.Marshal(map[string]interface{}{"ip": "203.0.113.7", "risk_level": 9})
	req := httptest.NewRequest(http.MethodPost, "/hint", bytes.NewReader(body))
	req.Header.Set("X-Signature", sign(secret, body))
	w := httptest.NewRecorder()

	hr.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
