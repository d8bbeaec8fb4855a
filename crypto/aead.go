package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

const (
	// KeySize is the symmetric key width (AES-256).
	KeySize = 32
	// TagSize is the GCM authentication tag width (128 bits).
	TagSize = 16
)

var errEngineNotArmed = errors.New("engine used without Init")

// Engine performs one AES-256-GCM operation per Init. It holds no state
// that survives Reset, so instances can be pooled and handed to any
// session.
type Engine struct {
	aead  cipher.AEAD
	key   [KeySize]byte
	nonce Nonce
	armed bool
}

// NewEngine returns an unarmed engine.
func NewEngine() *Engine {
	return &Engine{}
}

// Init fully rekeys the engine and sets the nonce for the next operation.
func (e *Engine) Init(key *[KeySize]byte, nonce Nonce) error {
	if key == nil {
		return NewError(KindAuthFailure, "nil key", nil)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return NewError(KindAuthFailure, "create cipher", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, TagSize)
	if err != nil {
		return NewError(KindAuthFailure, "create GCM", err)
	}

	e.aead = gcm
	e.key = *key
	e.nonce = nonce
	e.armed = true
	return nil
}

// Seal encrypts plaintext and appends ciphertext||tag to dst. The engine
// must be re-armed with Init before the next call.
func (e *Engine) Seal(dst, plaintext []byte) ([]byte, error) {
	if !e.armed {
		debugAssert(false, "Seal on unarmed engine")
		return nil, NewError(KindAuthFailure, "seal", errEngineNotArmed)
	}
	defer e.disarm()

	start := len(dst)
	out := e.aead.Seal(dst, e.nonce[:], plaintext, nil)
	debugAssert(len(out)-start == len(plaintext)+TagSize,
		fmt.Sprintf("seal produced %d bytes for %d-byte input", len(out)-start, len(plaintext)))
	return out, nil
}

// Open verifies and decrypts ciphertext||tag, appending the plaintext to
// dst. Any failure is reported as KindAuthFailure and no plaintext is
// returned.
func (e *Engine) Open(dst, ciphertext []byte) ([]byte, error) {
	if !e.armed {
		debugAssert(false, "Open on unarmed engine")
		return nil, NewError(KindAuthFailure, "open", errEngineNotArmed)
	}
	defer e.disarm()

	if len(ciphertext) < TagSize {
		return nil, NewError(KindAuthFailure,
			fmt.Sprintf("ciphertext too short: %d bytes", len(ciphertext)), nil)
	}

	start := len(dst)
	out, err := e.aead.Open(dst, e.nonce[:], ciphertext, nil)
	if err != nil {
		return nil, NewError(KindAuthFailure, "tag verification failed", err)
	}
	debugAssert(len(out)-start == len(ciphertext)-TagSize,
		fmt.Sprintf("open produced %d bytes for %d-byte input", len(out)-start, len(ciphertext)))
	return out, nil
}

// Reset wipes the key and nonce and drops the cipher.
func (e *Engine) Reset() {
	ZeroKey(&e.key)
	e.nonce = Nonce{}
	e.aead = nil
	e.armed = false
}

func (e *Engine) disarm() {
	e.armed = false
	e.nonce = Nonce{}
}

// EnginePool is an explicitly owned pool of engines. Engines are Reset on
// Put, so the engine drawn by Get never carries key material from a
// previous user.
type EnginePool struct {
	pool    sync.Pool
	created atomic.Uint64
}

// NewEnginePool creates an empty pool.
func NewEnginePool() *EnginePool {
	p := &EnginePool{}
	p.pool.New = func() any {
		p.created.Add(1)
		return NewEngine()
	}
	return p
}

// Get returns an unarmed engine.
func (p *EnginePool) Get() *Engine {
	e := p.pool.Get().(*Engine)
	debugAssert(!e.armed && e.aead == nil, "pooled engine was not reset")
	return e
}

// Put resets e and returns it to the pool.
func (p *EnginePool) Put(e *Engine) {
	if e == nil {
		return
	}
	e.Reset()
	p.pool.Put(e)
}

// Created reports how many engines the pool has allocated.
func (p *EnginePool) Created() uint64 { return p.created.Load() }

// Seal draws an engine, encrypts, and returns the engine to the pool.
func (p *EnginePool) Seal(dst []byte, key *[KeySize]byte, nonce Nonce, plaintext []byte) ([]byte, error) {
	e := p.Get()
	defer p.Put(e)
	if err := e.Init(key, nonce); err != nil {
		return nil, err
	}
	return e.Seal(dst, plaintext)
}

// Open draws an engine, decrypts, and returns the engine to the pool.
func (p *EnginePool) Open(dst []byte, key *[KeySize]byte, nonce Nonce, ciphertext []byte) ([]byte, error) {
	e := p.Get()
	defer p.Put(e)
	if err := e.Init(key, nonce); err != nil {
		return nil, err
	}
	return e.Open(dst, ciphertext)
}

// Encrypt seals plaintext with a fresh engine. The caller guarantees the
// nonce is never reused under key.
func Encrypt(key *[KeySize]byte, nonce Nonce, plaintext []byte) ([]byte, error) {
	e := NewEngine()
	defer e.Reset()
	if err := e.Init(key, nonce); err != nil {
		return nil, err
	}
	return e.Seal(make([]byte, 0, len(plaintext)+TagSize), plaintext)
}

// Decrypt opens ciphertext||tag with a fresh engine.
func Decrypt(key *[KeySize]byte, nonce Nonce, ciphertext []byte) ([]byte, error) {
	e := NewEngine()
	defer e.Reset()
	if err := e.Init(key, nonce); err != nil {
		return nil, err
	}
	return e.Open(nil, ciphertext)
}
