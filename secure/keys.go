package secure

import (
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// Key schedule labels. Every derived secret has a distinct label so no two
// keys can collide across directions, purposes, or epochs.
const (
	labelTrafficInit  = "specto v1 traffic init"
	labelTrafficResp  = "specto v1 traffic resp"
	labelFinishedInit = "specto v1 finished init"
	labelFinishedResp = "specto v1 finished resp"
	labelEpochUpdate  = "specto v1 epoch update"
	labelRecordKey    = "specto v1 record key"
	labelRecordIV     = "specto v1 record iv"
)

const (
	keyLen    = chacha20poly1305.KeySize
	ivLen     = chacha20poly1305.NonceSize
	secretLen = sha256.Size
)

// expand derives length bytes from secret under label via HKDF-Expand.
func expand(secret []byte, label string, length int) []byte {
	out := make([]byte, length)
	r := hkdf.Expand(sha256.New, secret, []byte(label))
	if _, err := io.ReadFull(r, out); err != nil {
		// HKDF-Expand cannot fail for these lengths.
		panic(fmt.Sprintf("secure: hkdf expand: %v", err))
	}
	return out
}

// masterSecret extracts the session master secret from the ECDH shared
// secret, salted with both hello randoms.
func masterSecret(shared, initiatorRandom, responderRandom []byte) []byte {
	salt := make([]byte, 0, len(initiatorRandom)+len(responderRandom))
	salt = append(salt, initiatorRandom...)
	salt = append(salt, responderRandom...)
	return hkdf.Extract(sha256.New, shared, salt)
}

// directionState holds the keys for one traffic direction. The current
// epoch is always valid; on the receive side the previous epoch stays
// usable until prevExpiry so in-flight records survive a rotation.
type directionState struct {
	secret  []byte // per-epoch traffic secret, ratcheted forward on rotation
	aead    cipher.AEAD
	iv      []byte
	epoch   uint16
	counter uint64 // send: next counter; recv: last accepted counter

	prev       *epochKeys // receive side only
	prevExpiry time.Time
}

type epochKeys struct {
	aead    cipher.AEAD
	iv      []byte
	epoch   uint16
	counter uint64 // last accepted
}

// init installs epoch 0 keys from the traffic secret.
func (d *directionState) init(secret []byte) error {
	d.secret = secret
	d.epoch = 0
	d.counter = 0
	return d.derive()
}

// derive rebuilds the AEAD and IV from the current traffic secret.
func (d *directionState) derive() error {
	key := expand(d.secret, labelRecordKey, keyLen)
	defer zero(key)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("secure: init aead: %w", err)
	}
	d.aead = aead
	zero(d.iv)
	d.iv = expand(d.secret, labelRecordIV, ivLen)
	return nil
}

// ratchet advances to the next epoch. The old traffic secret is destroyed,
// so compromise of post-rotation state cannot reach pre-rotation records.
func (d *directionState) ratchet() error {
	next := expand(d.secret, labelEpochUpdate, secretLen)
	zero(d.secret)
	d.secret = next
	d.epoch++
	d.counter = 0
	return d.derive()
}

// nonce builds the record nonce: the epoch IV XORed with the counter in
// the trailing 8 bytes. Counters never repeat within an epoch, so nonces
// never repeat under one key.
func (d *directionState) nonce(counter uint64) []byte {
	n := make([]byte, ivLen)
	copy(n, d.iv)
	var c [8]byte
	binary.BigEndian.PutUint64(c[:], counter)
	for i := 0; i < 8; i++ {
		n[ivLen-8+i] ^= c[i]
	}
	return n
}

func nonceFor(iv []byte, counter uint64) []byte {
	n := make([]byte, len(iv))
	copy(n, iv)
	var c [8]byte
	binary.BigEndian.PutUint64(c[:], counter)
	for i := 0; i < 8; i++ {
		n[len(n)-8+i] ^= c[i]
	}
	return n
}

func (d *directionState) zeroize() {
	zero(d.secret)
	zero(d.iv)
	d.secret = nil
	d.iv = nil
	d.aead = nil
	if d.prev != nil {
		zero(d.prev.iv)
		d.prev = nil
	}
}

// zero overwrites a secret in place.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
