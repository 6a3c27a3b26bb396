package sync

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"github.com/opencode-mem/opencode-mem/store"
)

// withAuth implements spec.md §4.7's authorisation + signature
// verification + replay protection for every request, short-circuiting
// before it reaches the routed handler. A fresh device with no
// sync_peers rows yet is allowed through unauthenticated (first-contact
// bootstrap), matching "if any sync_peer row exists, require header...".
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Origin") != "" {
			http.Error(w, "cross-origin requests are not permitted", http.StatusForbidden)
			return
		}

		anyPeers, err := hasAnyPeer(r.Context(), s.st)
		if err != nil {
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		if !anyPeers {
			next.ServeHTTP(w, r)
			return
		}

		deviceID := r.Header.Get("X-Opencode-Device")
		timestampHeader := r.Header.Get("X-Opencode-Timestamp")
		nonce := r.Header.Get("X-Opencode-Nonce")
		signature := r.Header.Get("X-Opencode-Signature")
		if deviceID == "" || timestampHeader == "" || nonce == "" || signature == "" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		peer, err := LoadPeer(r.Context(), s.st, deviceID)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		pubKey, err := peer.PublicKey25519()
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		timestamp, err := parseTimestampHeader(timestampHeader)
		if err != nil || !WithinTimeWindow(store.NowUTC(), timestamp, s.timeWindow) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, s.maxBodyBytes+1))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if int64(len(body)) > s.maxBodyBytes {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		if !VerifySignature(pubKey, r.Method, r.URL.RequestURI(), timestamp, nonce, body, signature) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		if err := RecordNonce(r.Context(), s.st, nonce, deviceID, store.NowUTC()); err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

func hasAnyPeer(ctx context.Context, st *store.Store) (bool, error) {
	var n int
	if err := st.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_peers`).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}
