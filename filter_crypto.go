package ael

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const (
	cryptoSaltSize = 16
	// cryptoKeyIterations is the pbkdf2 round count for key expansion.
	cryptoKeyIterations = 4096
	// cryptoMaxRecord bounds a single ciphertext record; anything larger is
	// treated as stream corruption.
	cryptoMaxRecord = 1 << 24
)

// CryptoStreamBufferFilter is a TLS-shaped filter: it runs a handshake
// (Connect and Accept return Pending across readiness rounds until the
// peer's random salt arrives), derives one AEAD key per direction from a
// pre-shared secret, and moves length-framed chacha20-poly1305 records
// through the filter below. Shutdown sends an empty record as close-notify;
// an undecryptable record forces an unclean close.
//
// It demonstrates how a handshaking codec plugs into the chain; it is not a
// TLS implementation.
type CryptoStreamBufferFilter struct {
	FilterBase

	secret    []byte
	localSalt [cryptoSaltSize]byte
	peerSalt  []byte

	seal cipher.AEAD
	open cipher.AEAD

	sendCounter uint64
	recvCounter uint64

	// inbox accumulates ciphertext pulled from the filter below until a
	// full record is available.
	inbox []byte

	saltSent        bool
	closeNotifySent bool
	peerClosed      bool
}

// NewCryptoStreamBufferFilter creates a crypto filter keyed by the
// pre-shared secret. Both peers must use the same secret.
func NewCryptoStreamBufferFilter(secret string) (*CryptoStreamBufferFilter, error) {
	f := &CryptoStreamBufferFilter{secret: []byte(secret)}
	if _, err := rand.Read(f.localSalt[:]); err != nil {
		return nil, err
	}
	return f, nil
}

// handshake exchanges salts with the peer. Each side encrypts with the key
// expanded from its own salt and decrypts with the key expanded from the
// peer's.
func (f *CryptoStreamBufferFilter) handshake() ConnectResult {
	if !f.saltSent {
		salt := make([]byte, cryptoSaltSize)
		copy(salt, f.localSalt[:])
		if f.PrevOut(ownedDataView(salt)).ShouldCloseWrite() {
			return ConnectFailed
		}
		f.saltSent = true
	}

	for len(f.peerSalt) < cryptoSaltSize {
		res := f.PrevIn()

		if res.ShouldCloseRead() {
			logger().Debug().Uint64("filter", f.id).Log("peer closed during handshake")
			return ConnectFailed
		}

		if !res.HasData() {
			return ConnectPending
		}

		data := res.Data().Bytes()
		need := cryptoSaltSize - len(f.peerSalt)
		if need > len(data) {
			need = len(data)
		}
		f.peerSalt = append(f.peerSalt, data[:need]...)

		// Record bytes may ride in right behind the salt.
		if len(data) > need {
			f.inbox = append(f.inbox, data[need:]...)
		}
	}

	sendKey := pbkdf2.Key(f.secret, f.localSalt[:], cryptoKeyIterations, chacha20poly1305.KeySize, sha1.New)
	recvKey := pbkdf2.Key(f.secret, f.peerSalt, cryptoKeyIterations, chacha20poly1305.KeySize, sha1.New)

	var err error
	if f.seal, err = chacha20poly1305.New(sendKey); err != nil {
		return ConnectFailed
	}
	if f.open, err = chacha20poly1305.New(recvKey); err != nil {
		return ConnectFailed
	}

	logger().Debug().Uint64("filter", f.id).Log("crypto handshake complete")

	return ConnectSuccess
}

func (f *CryptoStreamBufferFilter) Connect() ConnectResult {
	return f.handshake()
}

func (f *CryptoStreamBufferFilter) Accept() ConnectResult {
	return f.handshake()
}

func (f *CryptoStreamBufferFilter) In() InResult {
	for {
		if f.peerClosed {
			return InResultShouldClose()
		}

		if plain, res, done := f.nextRecord(); done {
			if res.shouldClose {
				return InResultShouldClose()
			}
			return InResultData(ownedDataView(plain))
		}

		res := f.PrevIn()

		if res.ShouldCloseRead() {
			return InResultShouldClose()
		}

		if !res.HasData() {
			return InResultWouldBlock()
		}

		f.inbox = append(f.inbox, res.Data().Bytes()...)
	}
}

type cryptoRecordResult struct {
	shouldClose bool
}

// nextRecord parses and decrypts one record out of the inbox. done is false
// when more ciphertext is needed.
func (f *CryptoStreamBufferFilter) nextRecord() (plain []byte, res cryptoRecordResult, done bool) {
	if len(f.inbox) < 4 {
		return nil, cryptoRecordResult{}, false
	}

	length := binary.BigEndian.Uint32(f.inbox[:4])

	if length == 0 {
		// Close-notify.
		f.inbox = f.inbox[4:]
		f.peerClosed = true
		logger().Debug().Uint64("filter", f.id).Log("close notify received")
		return nil, cryptoRecordResult{shouldClose: true}, true
	}

	if length > cryptoMaxRecord {
		logger().Warning().Uint64("filter", f.id).Uint64("length", uint64(length)).Log("oversized crypto record, closing")
		return nil, cryptoRecordResult{shouldClose: true}, true
	}

	if len(f.inbox) < 4+int(length) {
		return nil, cryptoRecordResult{}, false
	}

	ciphertext := f.inbox[4 : 4+length]

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], f.recvCounter)

	plain, err := f.open.Open(nil, nonce[:], ciphertext, nil)
	if err != nil {
		// Engine failure forces an unclean close.
		logger().Warning().Uint64("filter", f.id).Err(err).Log("record decryption failed, closing")
		return nil, cryptoRecordResult{shouldClose: true}, true
	}

	f.recvCounter++
	f.inbox = f.inbox[4+length:]

	return plain, cryptoRecordResult{}, true
}

func (f *CryptoStreamBufferFilter) Out(dv *DataView) (*DataView, OutResult) {
	if f.seal == nil {
		// Flushed before the handshake derived keys; nothing can be sent.
		return nil, OutResultShouldClose()
	}

	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], f.sendCounter)
	f.sendCounter++

	record := make([]byte, 4, 4+dv.Len()+f.seal.Overhead())
	record = f.seal.Seal(record, nonce[:], dv.Bytes(), nil)
	binary.BigEndian.PutUint32(record[:4], uint32(len(record)-4))

	// The record is framed, so a partial send below never splits a cipher
	// state: the leaf re-sends the remainder verbatim.
	if f.PrevOut(ownedDataView(record)).ShouldCloseWrite() {
		return nil, OutResultShouldClose()
	}

	return nil, OutResult{}
}

func (f *CryptoStreamBufferFilter) Shutdown() ShutdownResult {
	if f.seal != nil && !f.closeNotifySent {
		f.closeNotifySent = true
		_ = f.PrevOut(ownedDataView([]byte{0, 0, 0, 0}))
		logger().Debug().Uint64("filter", f.id).Log("close notify sent")
	}
	return ShutdownComplete()
}
