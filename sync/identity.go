// Package sync implements the signed sync protocol and peer transport
// (spec.md §4.7, component C7): device identity bootstrap, Ed25519
// request signing and verification, replay protection, and the HTTP
// client/server that moves replication_ops between paired devices.
package sync

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"

	"github.com/opencode-mem/opencode-mem/errs"
	"github.com/opencode-mem/opencode-mem/store"
)

const privateKeyFile = "device.key"
const publicKeyFile = "device.key.pub"

// Identity is this device's Ed25519 keypair plus its registered fingerprint.
type Identity struct {
	DeviceID    string
	PublicKey   ed25519.PublicKey
	privateKey  ed25519.PrivateKey
	Fingerprint string
	// PublicKeyLine is the OpenSSH "ssh-ed25519 <base64> opencode-mem" line
	// carried in pairing payloads and sync_device.public_key.
	PublicKeyLine string
}

// Sign produces a detached Ed25519 signature over msg.
func (id *Identity) Sign(msg []byte) []byte {
	return ed25519.Sign(id.privateKey, msg)
}

// Fingerprint256 computes sha256(publicKeyLine) hex, per spec.md §6's
// "verify sha256(public_key) == fingerprint".
func Fingerprint256(publicKeyLine string) string {
	sum := sha256.Sum256([]byte(publicKeyLine))
	return hex.EncodeToString(sum[:])
}

// EnsureDeviceIdentity implements ensure_device_identity (spec.md §4.7):
// generates an Ed25519 keypair on first call, persists it under keysDir
// with 0600 permissions, and inserts/reconciles the sync_device row.
func EnsureDeviceIdentity(ctx context.Context, st *store.Store, deviceID, keysDir string) (*Identity, error) {
	const op = "ensure_device_identity"
	if keysDir == "" {
		return nil, errs.New(op, errs.ErrInvariantViolation, fmt.Errorf("keys_dir is required"))
	}
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}

	priv, pub, line, err := loadOrCreateKeypair(keysDir)
	if err != nil {
		return nil, errs.New(op, errs.ErrFatalStorage, err)
	}
	fingerprint := Fingerprint256(line)

	var existingDeviceID string
	row := st.DB().QueryRowContext(ctx, `SELECT device_id FROM sync_device LIMIT 1`)
	scanErr := row.Scan(&existingDeviceID)
	switch {
	case scanErr == sql.ErrNoRows:
		if deviceID == "" {
			deviceID = newDeviceID()
		}
		if _, err := st.DB().ExecContext(ctx,
			`INSERT INTO sync_device (device_id, public_key, fingerprint, created_at) VALUES (?, ?, ?, ?)`,
			deviceID, line, fingerprint, store.FormatTime(store.NowUTC())); err != nil {
			return nil, errs.New(op, errs.ErrFatalStorage, err)
		}
	case scanErr != nil:
		return nil, errs.New(op, errs.ErrFatalStorage, scanErr)
	default:
		deviceID = existingDeviceID
		if _, err := st.DB().ExecContext(ctx,
			`UPDATE sync_device SET public_key = ?, fingerprint = ? WHERE device_id = ?`,
			line, fingerprint, deviceID); err != nil {
			return nil, errs.New(op, errs.ErrFatalStorage, err)
		}
	}

	return &Identity{
		DeviceID: deviceID, PublicKey: pub, privateKey: priv,
		Fingerprint: fingerprint, PublicKeyLine: line,
	}, nil
}

func newDeviceID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	b[6] = (b[6] & 0x0f) | 0x40
	b[8] = (b[8] & 0x3f) | 0x80
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:16])
}

// loadOrCreateKeypair reads device.key/device.key.pub from keysDir,
// generating and persisting a fresh Ed25519 pair (chmod 0600 on the
// private key) the first time. The private key file holds the raw
// 32-byte Ed25519 seed; the public key file holds the OpenSSH
// authorized_keys-format line so it can travel in pairing payloads
// unchanged.
func loadOrCreateKeypair(keysDir string) (ed25519.PrivateKey, ed25519.PublicKey, string, error) {
	privPath := filepath.Join(keysDir, privateKeyFile)
	pubPath := filepath.Join(keysDir, publicKeyFile)

	if seed, err := os.ReadFile(privPath); err == nil {
		if len(seed) != ed25519.SeedSize {
			return nil, nil, "", fmt.Errorf("device private key has unexpected length %d", len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		pub := priv.Public().(ed25519.PublicKey)
		pubRaw, err := os.ReadFile(pubPath)
		if err != nil {
			return nil, nil, "", fmt.Errorf("read device public key: %w", err)
		}
		return priv, pub, trimNewline(pubRaw), nil
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, "", fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	if err := os.WriteFile(privPath, priv.Seed(), 0600); err != nil {
		return nil, nil, "", err
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, nil, "", err
	}
	line := trimNewline(ssh.MarshalAuthorizedKey(sshPub)) + " opencode-mem"
	if err := os.WriteFile(pubPath, []byte(line+"\n"), 0644); err != nil {
		return nil, nil, "", err
	}
	return priv, pub, line, nil
}

func trimNewline(b []byte) string {
	s := string(b)
	for len(s) > 0 && (s[len(s)-1] == '\n' || s[len(s)-1] == '\r') {
		s = s[:len(s)-1]
	}
	return s
}

// ParsePublicKeyLine parses an OpenSSH authorized_keys-format ed25519
// public key line (as carried in a pairing payload or sync_peers row)
// into a raw ed25519.PublicKey for signature verification.
func ParsePublicKeyLine(line string) (ed25519.PublicKey, error) {
	pk, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return nil, fmt.Errorf("parse public key line: %w", err)
	}
	cryptoPK, ok := pk.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("public key does not expose a crypto key")
	}
	edPub, ok := cryptoPK.CryptoPublicKey().(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ed25519")
	}
	return edPub, nil
}
