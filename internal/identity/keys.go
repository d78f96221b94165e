// Package identity handles the device's cryptographic identity.
// This is the most security-critical code in Ghost Coach.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/cloudflare/circl/kem/mlkem/mlkem768"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeyBundle contains the device's key material
type KeyBundle struct {
	// Classical signing, used for export signatures
	Ed25519Public  ed25519.PublicKey
	Ed25519Private ed25519.PrivateKey

	// Post-quantum key encapsulation (ML-KEM-768, FIPS 203),
	// used to derive companion pairing session keys
	MLKEMPublic  mlkem768.PublicKey
	MLKEMPrivate mlkem768.PrivateKey
}

// SerializedKeyBundle is the encrypted, storable form of keys
type SerializedKeyBundle struct {
	// Public keys (stored as base64, not encrypted)
	Ed25519Public string `json:"ed25519_public"`
	MLKEMPublic   string `json:"mlkem_public"`

	// Private keys (encrypted with passphrase)
	EncryptedPrivateKeys string `json:"encrypted_private_keys"`

	// Key derivation parameters
	Salt      string `json:"salt"`      // Base64 encoded
	Algorithm string `json:"algorithm"` // "argon2id"
}

// GenerateKeyBundle creates a complete set of device keys.
// This is called once when initializing an install.
func GenerateKeyBundle() (*KeyBundle, error) {
	bundle := &KeyBundle{}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate Ed25519 keys: %w", err)
	}
	bundle.Ed25519Public = pub
	bundle.Ed25519Private = priv

	mlkemPub, mlkemPriv, err := mlkem768.GenerateKeyPair(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate ML-KEM keys: %w", err)
	}
	bundle.MLKEMPublic = *mlkemPub
	bundle.MLKEMPrivate = *mlkemPriv

	return bundle, nil
}

// Serialize encrypts and serializes the key bundle for storage.
// The passphrase is used to derive an encryption key via Argon2id.
func (kb *KeyBundle) Serialize(passphrase string) (*SerializedKeyBundle, error) {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, 32)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	privateData := serializePrivateKeys(kb)

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	encrypted := aead.Seal(nonce, nonce, privateData, nil)

	mlkemPubBytes, _ := kb.MLKEMPublic.MarshalBinary()

	return &SerializedKeyBundle{
		Ed25519Public:        base64.StdEncoding.EncodeToString(kb.Ed25519Public),
		MLKEMPublic:          base64.StdEncoding.EncodeToString(mlkemPubBytes),
		EncryptedPrivateKeys: base64.StdEncoding.EncodeToString(encrypted),
		Salt:                 base64.StdEncoding.EncodeToString(salt),
		Algorithm:            "argon2id",
	}, nil
}

// Deserialize decrypts and reconstructs the key bundle.
func (skb *SerializedKeyBundle) Deserialize(passphrase string) (*KeyBundle, error) {
	salt, err := base64.StdEncoding.DecodeString(skb.Salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}

	key := argon2.IDKey([]byte(passphrase), salt, 3, 64*1024, 4, 32)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	encrypted, err := base64.StdEncoding.DecodeString(skb.EncryptedPrivateKeys)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encrypted keys: %w", err)
	}

	if len(encrypted) < aead.NonceSize() {
		return nil, errors.New("invalid encrypted data")
	}
	nonce := encrypted[:aead.NonceSize()]
	ciphertext := encrypted[aead.NonceSize():]

	privateData, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed (wrong passphrase?): %w", err)
	}

	bundle, err := deserializePrivateKeys(privateData)
	if err != nil {
		return nil, err
	}

	ed25519Pub, err := base64.StdEncoding.DecodeString(skb.Ed25519Public)
	if err != nil {
		return nil, fmt.Errorf("failed to decode Ed25519 public key: %w", err)
	}
	bundle.Ed25519Public = ed25519Pub

	mlkemPubBytes, err := base64.StdEncoding.DecodeString(skb.MLKEMPublic)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ML-KEM public key: %w", err)
	}
	mlkemPub := new(mlkem768.PublicKey)
	if err := mlkemPub.Unpack(mlkemPubBytes); err != nil {
		return nil, fmt.Errorf("failed to unpack ML-KEM public key: %w", err)
	}
	bundle.MLKEMPublic = *mlkemPub

	return bundle, nil
}

// serializePrivateKeys packs private keys into bytes
func serializePrivateKeys(kb *KeyBundle) []byte {
	// Format: [ed25519_len:4][ed25519][mlkem_len:4][mlkem]
	ed25519Bytes := []byte(kb.Ed25519Private)
	mlkemBytes, _ := kb.MLKEMPrivate.MarshalBinary()

	total := 8 + len(ed25519Bytes) + len(mlkemBytes)
	buf := make([]byte, total)

	offset := 0

	writeLen(buf[offset:], len(ed25519Bytes))
	offset += 4
	copy(buf[offset:], ed25519Bytes)
	offset += len(ed25519Bytes)

	writeLen(buf[offset:], len(mlkemBytes))
	offset += 4
	copy(buf[offset:], mlkemBytes)

	return buf
}

// deserializePrivateKeys unpacks private keys from bytes
func deserializePrivateKeys(data []byte) (*KeyBundle, error) {
	bundle := &KeyBundle{}
	offset := 0

	if offset+4 > len(data) {
		return nil, errors.New("invalid private key data: too short for Ed25519 length")
	}
	ed25519Len := readLen(data[offset:])
	offset += 4
	if ed25519Len < 0 || offset+ed25519Len > len(data) {
		return nil, errors.New("invalid private key data: too short for Ed25519 key")
	}
	bundle.Ed25519Private = make(ed25519.PrivateKey, ed25519Len)
	copy(bundle.Ed25519Private, data[offset:offset+ed25519Len])
	offset += ed25519Len

	if offset+4 > len(data) {
		return nil, errors.New("invalid private key data: too short for ML-KEM length")
	}
	mlkemLen := readLen(data[offset:])
	offset += 4
	if mlkemLen < 0 || offset+mlkemLen > len(data) {
		return nil, errors.New("invalid private key data: too short for ML-KEM key")
	}
	mlkemPriv := new(mlkem768.PrivateKey)
	if err := mlkemPriv.Unpack(data[offset : offset+mlkemLen]); err != nil {
		return nil, fmt.Errorf("failed to unpack ML-KEM key: %w", err)
	}
	bundle.MLKEMPrivate = *mlkemPriv

	return bundle, nil
}

func writeLen(buf []byte, length int) {
	buf[0] = byte(length >> 24)
	buf[1] = byte(length >> 16)
	buf[2] = byte(length >> 8)
	buf[3] = byte(length)
}

func readLen(buf []byte) int {
	return int(buf[0])<<24 | int(buf[1])<<16 | int(buf[2])<<8 | int(buf[3])
}

// -----------------------------------------------------------------------------
// Signing operations
// -----------------------------------------------------------------------------

// Sign signs data with the device's Ed25519 key. Weekly summary
// exports carry this signature.
func (kb *KeyBundle) Sign(data []byte) []byte {
	return ed25519.Sign(kb.Ed25519Private, data)
}

// Verify checks a signature against the device's own public key
func (kb *KeyBundle) Verify(data, sig []byte) bool {
	return ed25519.Verify(kb.Ed25519Public, data, sig)
}

// VerifyWithPublic checks a signature against a base64 public key, the
// form keys travel in tickets and serialized bundles.
func VerifyWithPublic(publicKey string, data, sig []byte) (bool, error) {
	pub, err := base64.StdEncoding.DecodeString(publicKey)
	if err != nil {
		return false, fmt.Errorf("failed to decode public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return false, errors.New("invalid public key size")
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, sig), nil
}

// -----------------------------------------------------------------------------
// Key encapsulation (for companion pairing)
// -----------------------------------------------------------------------------

// SharedSecretSize is the size of the shared secret in bytes
const SharedSecretSize = 32

// CiphertextSize is the size of the ML-KEM-768 ciphertext
const CiphertextSize = 1088

// Encapsulate creates a shared secret for the recipient's public key.
// Returns: ciphertext (to send), sharedSecret (to derive the session key)
func Encapsulate(recipientPublicKey *mlkem768.PublicKey) (ciphertext, sharedSecret []byte, err error) {
	ct := make([]byte, CiphertextSize)
	ss := make([]byte, SharedSecretSize)

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, nil, fmt.Errorf("failed to generate seed: %w", err)
	}

	recipientPublicKey.EncapsulateTo(ct, ss, seed)
	return ct, ss, nil
}

// Decapsulate recovers the shared secret from a pairing ciphertext.
// The ciphertext arrives off the network, so its length is checked
// before the KEM sees it.
func (kb *KeyBundle) Decapsulate(ciphertext []byte) (sharedSecret []byte, err error) {
	if len(ciphertext) != CiphertextSize {
		return nil, errors.New("invalid ciphertext size")
	}
	ss := make([]byte, SharedSecretSize)
	kb.MLKEMPrivate.DecapsulateTo(ss, ciphertext)
	return ss, nil
}

// DeriveSessionKey turns a KEM shared secret into a 32-byte symmetric
// key. Both sides of a pairing call this on the same secret.
func DeriveSessionKey(secret []byte) []byte {
	sum := sha256.Sum256(secret)
	return sum[:]
}

// -----------------------------------------------------------------------------
// At-rest encryption under the device key
// -----------------------------------------------------------------------------

// encryptWithKey seals small blobs under a key derived from the
// device's signing seed. Pairing records are stored this way.
func encryptWithKey(kb *KeyBundle, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(DeriveSessionKey(kb.Ed25519Private.Seed()))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return aead.Seal(nonce, nonce, data, nil), nil
}

// decryptWithKey reverses encryptWithKey
func decryptWithKey(kb *KeyBundle, data []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(DeriveSessionKey(kb.Ed25519Private.Seed()))
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	if len(data) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := data[:aead.NonceSize()]
	ciphertext := data[aead.NonceSize():]

	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plain, nil
}
