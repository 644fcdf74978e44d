package protocol

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/syntor/agentmesh/pkg/models"
)

// Cipher is the injected symmetric encryption capability. Key management is
// the caller's concern.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

var ErrNoCipher = errors.New("sensitive message requires a cipher")

// AEADCipher encrypts with XChaCha20-Poly1305. The random nonce is prefixed to the ciphertext.
type AEADCipher struct {
	key []byte
}

// NewAEADCipher creates a cipher from a 32 byte key.
func NewAEADCipher(key []byte) (*AEADCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("cipher key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &AEADCipher{key: append([]byte(nil), key...)}, nil
}

func (c *AEADCipher) Encrypt(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *AEADCipher) Decrypt(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, body := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	return aead.Open(nil, nonce, body, nil)
}

// sealedPayload is what travels inside Message.Encrypted.
type sealedPayload struct {
	Params           map[string]interface{} `json:"params,omitempty"`
	Result           json.RawMessage        `json:"result,omitempty"`
	SensitiveContext map[string]string      `json:"sensitive_data_context,omitempty"`
}

// Seal moves the payload of a sensitive message into its encrypted field.
// Messages that do not require sensitive access are left untouched.
func Seal(msg *models.Message, c Cipher) error {
	if !msg.AuthLevel.RequiresSensitiveAccess() || len(msg.Encrypted) > 0 {
		return nil
	}
	if c == nil {
		return ErrNoCipher
	}

	plain, err := json.Marshal(sealedPayload{
		Params:           msg.Params,
		Result:           msg.Result,
		SensitiveContext: msg.SensitiveContext,
	})
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	sealed, err := c.Encrypt(plain)
	if err != nil {
		return fmt.Errorf("failed to encrypt payload: %w", err)
	}

	hadResult := len(msg.Result) > 0
	msg.Encrypted = sealed
	msg.Params = nil
	msg.SensitiveContext = nil
	msg.Result = nil
	if hadResult {
		// keeps the envelope a valid response while the real result is sealed
		msg.Result = json.RawMessage(`null`)
	}
	return nil
}

// Open restores the payload sealed by Seal.
func Open(msg *models.Message, c Cipher) error {
	if len(msg.Encrypted) == 0 {
		return nil
	}
	if c == nil {
		return ErrNoCipher
	}

	plain, err := c.Decrypt(msg.Encrypted)
	if err != nil {
		return fmt.Errorf("failed to decrypt payload: %w", err)
	}
	var payload sealedPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return fmt.Errorf("failed to decode payload: %w", err)
	}

	msg.Params = payload.Params
	msg.SensitiveContext = payload.SensitiveContext
	if len(payload.Result) > 0 {
		msg.Result = payload.Result
	}
	msg.Encrypted = nil
	return nil
}
