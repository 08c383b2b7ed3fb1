package storage

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

const sealVersion = 1

// Argon2id parameters for new envelopes. Stored per envelope so they can change.
const (
	argonTime    = 2
	argonMemory  = 19 * 1024
	argonThreads = 1
	saltBytes    = 16
)

// envelope is the on-disk JSON form of sealed credentials.
type envelope struct {
	V       int    `json:"v"`
	Salt    []byte `json:"salt"`
	Time    uint32 `json:"argon_t"`
	Memory  uint32 `json:"argon_m"`
	Threads uint8  `json:"argon_p"`
	Nonce   []byte `json:"nonce"`
	Cipher  []byte `json:"cipher"`
}

// Sealed wraps st so credential bytes are encrypted with a key derived from
// passphrase. Delivery log calls pass through.
func Sealed(st Store, passphrase string) Store {
	return &sealedStore{Store: st, passphrase: passphrase}
}

type sealedStore struct {
	Store
	passphrase string
}

func (s *sealedStore) Save(ctx context.Context, id string, data []byte) error {
	b, err := seal(s.passphrase, []byte(id), data)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}
	return s.Store.Save(ctx, id, b)
}

func (s *sealedStore) Load(ctx context.Context, id string) ([]byte, error) {
	b, err := s.Store.Load(ctx, id)
	if err != nil || b == nil {
		return b, err
	}
	return unseal(s.passphrase, []byte(id), b)
}

func deriveKey(passphrase string, salt []byte, t, m uint32, p uint8) []byte {
	return argon2.IDKey([]byte(passphrase), salt, t, m, p, chacha20poly1305.KeySize)
}

// seal binds the ciphertext to ad so a record cannot be moved to another id.
func seal(passphrase string, ad, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltBytes)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt, argonTime, argonMemory, argonThreads)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return json.Marshal(envelope{
		V:       sealVersion,
		Salt:    salt,
		Time:    argonTime,
		Memory:  argonMemory,
		Threads: argonThreads,
		Nonce:   nonce,
		Cipher:  aead.Seal(nil, nonce, plaintext, ad),
	})
}

func unseal(passphrase string, ad, b []byte) ([]byte, error) {
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil || env.V == 0 {
		return nil, fmt.Errorf("%w: not a sealed record", ErrSealed)
	}
	if env.V > sealVersion {
		return nil, fmt.Errorf("unsupported sealed record version %d", env.V)
	}
	key := deriveKey(passphrase, env.Salt, env.Time, env.Memory, env.Threads)
	defer clear(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	if len(env.Nonce) != aead.NonceSize() {
		return nil, ErrSealed
	}
	pt, err := aead.Open(nil, env.Nonce, env.Cipher, ad)
	if err != nil {
		return nil, ErrSealed
	}
	return pt, nil
}
