package sink

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// SemanticHintSetter pushes a risk hint into the BPF semantic_hints map.
// Implemented by *bpf.Objects.
type SemanticHintSetter interface {
	SetSemanticHint(ip string, riskLevel uint8) error
	ClearSemanticHint(ip string) error
}

// hintRequest is the downlink POST body from T1 (spec.md §6).
type hintRequest struct {
	IP         string `json:"ip"`
	RiskLevel  uint8  `json:"risk_level"`
	TTLSeconds uint32 `json:"ttl_seconds"`
}

// HintReceiver serves the authenticated semantic-hint downlink and expires
// entries in userspace after their TTL.
type HintReceiver struct {
	secret []byte
	setter SemanticHintSetter
	log    *zap.Logger

	mu      sync.Mutex
	expires map[string]time.Time
}

// NewHintReceiver creates a HintReceiver. Requests must carry a valid
// X-Signature header: hex(HMAC-SHA256(secret, body)).
func NewHintReceiver(secret []byte, setter SemanticHintSetter, log *zap.Logger) *HintReceiver {
	return &HintReceiver{secret: secret, setter: setter, log: log, expires: make(map[string]time.Time)}
}

func (h *HintReceiver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, "read error", http.StatusBadRequest)
		return
	}

	if len(h.secret) > 0 {
		sig := r.Header.Get("X-Signature")
		given, err := hex.DecodeString(sig)
		mac := hmac.New(sha256.New, h.secret)
		mac.Write(body)
		expected := mac.Sum(nil)
		if err != nil || subtle.ConstantTimeCompare(expected, given) != 1 {
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			return
		}
	}

	var req hintRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if req.RiskLevel < 1 || req.RiskLevel > 3 {
		http.Error(w, fmt.Sprintf("risk_level must be in [1,3], got %d", req.RiskLevel), http.StatusBadRequest)
		return
	}
	if req.IP == "" {
		http.Error(w, "ip required", http.StatusBadRequest)
		return
	}

	if err := h.setter.SetSemanticHint(req.IP, req.RiskLevel); err != nil {
		h.log.Warn("sink: set semantic hint failed", zap.String("ip", req.IP), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	h.mu.Lock()
	h.expires[req.IP] = time.Now().Add(ttl)
	h.mu.Unlock()

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// ExpireLoop periodically clears hints whose TTL has elapsed. Runs until
// stop is closed.
func (h *HintReceiver) ExpireLoop(stop <-chan struct{}, period time.Duration) {
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			h.expireDue()
		}
	}
}

func (h *HintReceiver) expireDue() {
	now := time.Now()
	var due []string
	h.mu.Lock()
	for ip, exp := range h.expires {
		if now.After(exp) {
			due = append(due, ip)
			delete(h.expires, ip)
		}
	}
	h.mu.Unlock()

	for _, ip := range due {
		if err := h.setter.ClearSemanticHint(ip); err != nil {
			h.log.Warn("sink: clear expired semantic hint failed", zap.String("ip", ip), zap.Error(err))
		}
	}
}
