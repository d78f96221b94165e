package companion

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
)

// Session encrypts frames with AES-GCM under the key both sides
// derived from the pairing encapsulation.
type Session struct {
	aead cipher.AEAD
}

// NewSession builds a session from a 32-byte key
func NewSession(key []byte) (*Session, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Session{aead: aead}, nil
}

// Seal encrypts a frame payload
func (s *Session) Seal(plaintext []byte) (ciphertext, nonce []byte, err error) {
	nonce = make([]byte, s.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nil, nonce, plaintext, nil), nonce, nil
}

// Open decrypts a frame payload
func (s *Session) Open(ciphertext, nonce []byte) ([]byte, error) {
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// sealEnvelope marshals a payload and wraps it in an encrypted frame
func sealEnvelope(sess *Session, frameType string, payload interface{}) (*Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	ciphertext, nonce, err := sess.Seal(data)
	if err != nil {
		return nil, err
	}
	return &Envelope{Type: frameType, Payload: ciphertext, Nonce: nonce}, nil
}

// openEnvelope decrypts a frame and unmarshals its payload into v
func openEnvelope(sess *Session, env *Envelope, v interface{}) error {
	data, err := sess.Open(env.Payload, env.Nonce)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}
