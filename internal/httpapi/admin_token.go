package httpapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/blake2b"
)

const adminTokenFile = ".admin-token"

// AdminTokenHolder guards the admin API with a single bearer token. Only a
// digest of the token is kept in memory. When a data directory is known the
// token is also written to <dir>/.admin-token (mode 0600) so taskhubctl can
// read it and it survives restarts.
type AdminTokenHolder struct {
	mu     sync.RWMutex
	digest [blake2b.Size256]byte
	dir    string
	logger *slog.Logger
}

// NewAdminTokenHolder picks the initial token: configToken when set, then a
// previously written token file, then a fresh random token.
func NewAdminTokenHolder(configToken, dir string, logger *slog.Logger) (*AdminTokenHolder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	h := &AdminTokenHolder{dir: dir, logger: logger}

	tok := configToken
	if tok == "" {
		tok = h.load()
	}
	if tok == "" {
		var err error
		if tok, err = randomToken(); err != nil {
			return nil, fmt.Errorf("generate admin token: %w", err)
		}
		logger.Warn("TASKHUB_ADMIN_TOKEN not set, generated one", slog.String("file", h.file()))
	}
	h.set(tok)
	return h, nil
}

// AdminTokenDir returns where the token file lives for a store DSN: the
// directory of a SQLite file, or "" for in-memory and network databases.
func AdminTokenDir(dsn string) string {
	if strings.Contains(dsn, "://") || strings.Contains(dsn, "host=") {
		return ""
	}
	dsn, _, _ = strings.Cut(strings.TrimPrefix(dsn, "file:"), "?")
	if dsn == "" || dsn == ":memory:" {
		return ""
	}
	return filepath.Dir(dsn)
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Matches reports whether tok is the current admin token.
func (h *AdminTokenHolder) Matches(tok string) bool {
	d := blake2b.Sum256([]byte(tok))
	h.mu.RLock()
	defer h.mu.RUnlock()
	return subtle.ConstantTimeCompare(d[:], h.digest[:]) == 1
}

// Rotate replaces the token and returns the new one. The old token stops
// working immediately.
func (h *AdminTokenHolder) Rotate() (string, error) {
	tok, err := randomToken()
	if err != nil {
		return "", fmt.Errorf("generate admin token: %w", err)
	}
	h.set(tok)
	return tok, nil
}

func (h *AdminTokenHolder) set(tok string) {
	h.mu.Lock()
	h.digest = blake2b.Sum256([]byte(tok))
	h.mu.Unlock()
	if err := h.save(tok); err != nil {
		h.logger.Warn("failed to write admin token file", slog.String("error", err.Error()))
	}
}

// Middleware requires the admin token as a bearer credential.
func (h *AdminTokenHolder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || tok == "" || !h.Matches(tok) {
			h.logger.Warn("admin auth failed", slog.String("path", r.URL.Path), slog.String("ip", r.RemoteAddr))
			jsonError(w, "admin token required", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *AdminTokenHolder) file() string {
	if h.dir == "" {
		return ""
	}
	return filepath.Join(h.dir, adminTokenFile)
}

func (h *AdminTokenHolder) load() string {
	p := h.file()
	if p == "" {
		return ""
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// save writes through a temp file so readers never see a partial token.
func (h *AdminTokenHolder) save(tok string) error {
	p := h.file()
	if p == "" {
		return nil
	}
	f, err := os.CreateTemp(h.dir, adminTokenFile+".*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	_, err = f.WriteString(tok + "\n")
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp, 0o600)
	}
	if err == nil {
		err = os.Rename(tmp, p)
	}
	if err != nil {
		_ = os.Remove(tmp)
	}
	return err
}
