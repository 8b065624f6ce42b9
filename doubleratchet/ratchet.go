// Package ratchet implements the Double Ratchet algorithm (Signal/Axolotl
// lineage) over curve25519, providing the forward-secret, self-healing
// per-connection encryption the agent core layers on top of X3DH-style
// key agreement. Adapted from a mixnet messenger's hybrid PQ/ECDH ratchet
// down to its classic curve25519 form: this protocol's connections are
// established through a confirmation envelope that already carries the
// initial shared secret, so no CSIDH/post-quantum hardening layer is
// needed here.
package ratchet

import (
	"bytes"
	"crypto/hmac"
	"encoding/binary"
	"errors"
	"hash"
	"io"
	"time"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"

	"github.com/smpagent/core/internal/zero"
)

var (
	ErrHandshakeAlreadyComplete              = errors.New("ratchet: handshake already complete")
	ErrCannotDecrypt                         = errors.New("ratchet: cannot decrypt")
	ErrSerialisedKeyLength                   = errors.New("ratchet: bad serialised key length")
	ErrCorruptMessage                        = errors.New("ratchet: corrupt message")
	ErrMessageExceedsReorderingLimit          = errors.New("ratchet: message exceeds reordering limit")
	ErrEchoedDHValues                         = errors.New("ratchet: peer echoed our own DH values back")
	ErrInvalidKeyExchange                     = errors.New("ratchet: peer's key exchange is invalid")
	ErrInconsistentState                      = errors.New("ratchet: the state is inconsistent")

	chainKeyLabel      = []byte("chain key")
	headerKeyLabel     = []byte("header key")
	nextHeaderKeyLabel = []byte("next header key")
	rootKeyLabel       = []byte("root key")
	rootKeyUpdateLabel = []byte("root key update")
	messageKeyLabel    = []byte("message key")
	chainKeyStepLabel  = []byte("chain key step")
)

const (
	keySize        = 32
	publicKeySize  = 32
	privateKeySize = 32
	sharedKeySize  = 32
	nonceSize      = 24

	// headerSize is the plaintext size of a ratchet header: counters,
	// message nonce, and the sender's next DH ratchet public key.
	headerSize = 4 + 4 + nonceSize + publicKeySize
	// sealedHeaderSize is the encrypted size of a header.
	sealedHeaderSize = nonceSize + headerSize + secretbox.Overhead
	nonceInHeaderOffset    = 4 + 4
	ratchetKeyHeaderOffset = 4 + 4 + nonceSize

	// MaxMissingMessages bounds how many skipped-message keys we retain
	// per header key before giving up on reordering tolerance.
	MaxMissingMessages = 1000

	// DoubleRatchetOverhead is the ciphertext overhead this ratchet adds:
	// one sealed header plus one sealed message box.
	DoubleRatchetOverhead = sealedHeaderSize + secretbox.Overhead
)

// keyExchange carries the two curve25519 public values exchanged to bootstrap
// the DH ratchet once the connection's first shared secret is established.
type keyExchange struct {
	Dh0 []byte
	Dh1 []byte
}

func (k *keyExchange) wipe() {
	zero.Bytes(k.Dh0)
	zero.Bytes(k.Dh1)
}

type messageKey struct {
	Num          uint32
	Key          *memguard.LockedBuffer
	CreationTime int64
}

type savedKeys struct {
	HeaderKey   *memguard.LockedBuffer
	MessageKeys []*messageKey
}

type cborMessageKey struct {
	Num          uint32
	Key          []byte
	CreationTime int64
}

type cborSavedKeys struct {
	HeaderKey   []byte
	MessageKeys []*cborMessageKey
}

func (s *savedKeys) MarshalBinary() ([]byte, error) {
	tmp := &cborSavedKeys{}
	if s.HeaderKey.IsAlive() {
		tmp.HeaderKey = s.HeaderKey.Bytes()
		for _, m := range s.MessageKeys {
			tmp.MessageKeys = append(tmp.MessageKeys, &cborMessageKey{Num: m.Num, Key: m.Key.Bytes(), CreationTime: m.CreationTime})
		}
	}
	return cbor.Marshal(tmp)
}

func (s *savedKeys) UnmarshalBinary(data []byte) error {
	tmp := &cborSavedKeys{}
	if err := cbor.Unmarshal(data, tmp); err != nil {
		return err
	}
	if len(tmp.HeaderKey) == keySize {
		s.HeaderKey = memguard.NewBufferFromBytes(tmp.HeaderKey)
		for _, m := range tmp.MessageKeys {
			if len(m.Key) == keySize {
				s.MessageKeys = append(s.MessageKeys, &messageKey{
					Num: m.Num, Key: memguard.NewBufferFromBytes(m.Key), CreationTime: m.CreationTime,
				})
			}
		}
	}
	return nil
}

// state is the full serializable ratchet state persisted by store (C1).
type state struct {
	SavedKeys          []*savedKeys
	RootKey            []byte
	SendHeaderKey      []byte
	RecvHeaderKey      []byte
	NextSendHeaderKey  []byte
	NextRecvHeaderKey  []byte
	SendChainKey       []byte
	RecvChainKey       []byte
	SendRatchetPrivate []byte
	RecvRatchetPublic  []byte
	SendCount          uint32
	RecvCount          uint32
	PrevSendCount      uint32
	Private0           []byte
	Private1           []byte
	Ratchet            bool
}

type savedKey struct {
	key       *memguard.LockedBuffer
	timestamp time.Time
}

// Ratchet holds the per-connection crypto state: root key, chain keys,
// header keys and the DH ratchet keypair, all in locked memory.
type Ratchet struct {
	Now func() time.Time

	rootKey                              *memguard.LockedBuffer
	sendHeaderKey, recvHeaderKey         *memguard.LockedBuffer
	nextSendHeaderKey, nextRecvHeaderKey *memguard.LockedBuffer
	sendChainKey, recvChainKey           *memguard.LockedBuffer

	sendCount, recvCount uint32
	prevSendCount        uint32

	sendRatchetPrivate, recvRatchetPublic *memguard.LockedBuffer

	ratchet bool

	saved map[*memguard.LockedBuffer]map[uint32]savedKey

	kxPrivate0, kxPrivate1 *memguard.LockedBuffer

	rand io.Reader
}

func (r *Ratchet) randBytes(buf []byte) {
	if _, err := io.ReadFull(r.rand, buf); err != nil {
		panic(err)
	}
}

func (r *Ratchet) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// InitRatchet initializes a fresh ratchet and generates the curve25519
// key-exchange keypairs used for the initial handshake.
func InitRatchet(rand io.Reader) (*Ratchet, error) {
	r := &Ratchet{
		rand:  rand,
		saved: make(map[*memguard.LockedBuffer]map[uint32]savedKey),
	}
	var err error
	if r.kxPrivate0, err = memguard.NewBufferFromReader(rand, privateKeySize); err != nil {
		return nil, err
	}
	if r.kxPrivate1, err = memguard.NewBufferFromReader(rand, privateKeySize); err != nil {
		return nil, err
	}
	r.sendHeaderKey = memguard.NewBuffer(keySize)
	r.recvHeaderKey = memguard.NewBuffer(keySize)
	r.nextSendHeaderKey = memguard.NewBuffer(keySize)
	r.nextRecvHeaderKey = memguard.NewBuffer(keySize)
	r.sendChainKey = memguard.NewBuffer(keySize)
	r.recvChainKey = memguard.NewBuffer(keySize)
	r.rootKey = memguard.NewBuffer(keySize)
	r.sendRatchetPrivate = memguard.NewBuffer(keySize)
	r.recvRatchetPublic = memguard.NewBuffer(keySize)
	return r, nil
}

// NewRatchetFromBytes takes ownership of data (a Save() blob) and restores
// a ratchet from it. data is wiped afterwards.
func NewRatchetFromBytes(rand io.Reader, data []byte) (*Ratchet, error) {
	defer zero.Bytes(data)
	s := state{}
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return newRatchetFromState(rand, &s)
}

func newRatchetFromState(rand io.Reader, s *state) (*Ratchet, error) {
	r := &Ratchet{
		rand:          rand,
		saved:         make(map[*memguard.LockedBuffer]map[uint32]savedKey),
		sendCount:     s.SendCount,
		recvCount:     s.RecvCount,
		prevSendCount: s.PrevSendCount,
		ratchet:       s.Ratchet,
	}
	assign := func(b []byte) *memguard.LockedBuffer {
		if b == nil {
			return memguard.NewBuffer(keySize)
		}
		return memguard.NewBufferFromBytes(b)
	}
	r.rootKey = assign(s.RootKey)
	r.sendHeaderKey = assign(s.SendHeaderKey)
	r.recvHeaderKey = assign(s.RecvHeaderKey)
	r.nextSendHeaderKey = assign(s.NextSendHeaderKey)
	r.nextRecvHeaderKey = assign(s.NextRecvHeaderKey)
	r.sendChainKey = assign(s.SendChainKey)
	r.recvChainKey = assign(s.RecvChainKey)
	r.sendRatchetPrivate = assign(s.SendRatchetPrivate)
	r.recvRatchetPublic = assign(s.RecvRatchetPublic)

	if len(s.Private0) > 0 {
		r.kxPrivate0 = memguard.NewBufferFromBytes(s.Private0)
	}
	if len(s.Private1) > 0 {
		r.kxPrivate1 = memguard.NewBufferFromBytes(s.Private1)
	}

	for _, saved := range s.SavedKeys {
		if saved.HeaderKey.Size() != keySize {
			return nil, ErrSerialisedKeyLength
		}
		messageKeys := make(map[uint32]savedKey)
		for _, mk := range saved.MessageKeys {
			if mk.Key.Size() != keySize {
				return nil, ErrSerialisedKeyLength
			}
			messageKeys[mk.Num] = savedKey{key: mk.Key, timestamp: time.Unix(0, mk.CreationTime)}
		}
		r.saved[saved.HeaderKey] = messageKeys
	}
	return r, nil
}

// CreateKeyExchange returns a blob to transmit over the already-secured
// confirmation channel; the peer feeds it to ProcessKeyExchange.
func (r *Ratchet) CreateKeyExchange() ([]byte, error) {
	if r.kxPrivate0 == nil || r.kxPrivate1 == nil {
		return nil, ErrHandshakeAlreadyComplete
	}
	if !r.kxPrivate0.IsAlive() || !r.kxPrivate1.IsAlive() {
		return nil, ErrHandshakeAlreadyComplete
	}
	var public0, public1 [publicKeySize]byte
	curve25519.ScalarBaseMult(&public0, r.kxPrivate0.ByteArray32())
	curve25519.ScalarBaseMult(&public1, r.kxPrivate1.ByteArray32())
	kx := &keyExchange{Dh0: public0[:], Dh1: public1[:]}
	return cbor.Marshal(kx)
}

func deriveKey(key *memguard.LockedBuffer, label []byte, h hash.Hash) {
	h.Reset()
	h.Write(label)
	if !key.IsMutable() {
		key.Melt()
		defer key.Freeze()
	}
	h.Sum(key.Bytes()[:0])
	if key.Size() != keySize {
		panic("ratchet: hash function wrong size")
	}
}

// ProcessKeyExchange completes the handshake using the peer's blob.
func (r *Ratchet) ProcessKeyExchange(exchangePayload []byte) error {
	kx := new(keyExchange)
	if err := cbor.Unmarshal(exchangePayload, kx); err != nil {
		return err
	}
	defer kx.wipe()
	return r.completeKeyExchange(kx)
}

func (r *Ratchet) completeKeyExchange(kx *keyExchange) error {
	if r.kxPrivate0 == nil || r.kxPrivate1 == nil {
		return ErrHandshakeAlreadyComplete
	}
	if !r.kxPrivate0.IsAlive() || !r.kxPrivate1.IsAlive() {
		return ErrHandshakeAlreadyComplete
	}
	if len(kx.Dh0) != publicKeySize || len(kx.Dh1) != publicKeySize {
		return ErrInvalidKeyExchange
	}

	public0 := memguard.NewBuffer(publicKeySize)
	curve25519.ScalarBaseMult(public0.ByteArray32(), r.kxPrivate0.ByteArray32())
	var amAlice bool
	switch bytes.Compare(public0.Bytes(), kx.Dh0) {
	case -1:
		amAlice = true
	case 1:
		amAlice = false
	default:
		return ErrEchoedDHValues
	}
	public0.Destroy()

	theirDH := memguard.NewBufferFromBytes(kx.Dh0)
	sharedKey := memguard.NewBuffer(sharedKeySize)
	curve25519.ScalarMult(sharedKey.ByteArray32(), r.kxPrivate0.ByteArray32(), theirDH.ByteArray32())
	theirDH.Destroy()

	h := hmac.New(sha3.New256, sharedKey.Bytes())
	deriveKey(r.rootKey, rootKeyLabel, h)
	sharedKey.Destroy()

	if amAlice {
		deriveKey(r.recvHeaderKey, headerKeyLabel, h)
		deriveKey(r.nextSendHeaderKey, nextHeaderKeyLabel, h)
		deriveKey(r.nextRecvHeaderKey, nextHeaderKeyLabel, h)
		deriveKey(r.recvChainKey, chainKeyLabel, h)
		r.recvRatchetPublic.Melt()
		r.recvRatchetPublic.Copy(kx.Dh1)
		r.recvRatchetPublic.Freeze()
	} else {
		deriveKey(r.sendHeaderKey, headerKeyLabel, h)
		deriveKey(r.nextRecvHeaderKey, nextHeaderKeyLabel, h)
		deriveKey(r.nextSendHeaderKey, nextHeaderKeyLabel, h)
		deriveKey(r.sendChainKey, chainKeyLabel, h)
		r.sendRatchetPrivate.Melt()
		r.sendRatchetPrivate.Copy(r.kxPrivate1.Bytes())
		r.sendRatchetPrivate.Freeze()
	}

	r.ratchet = amAlice

	r.kxPrivate0.Destroy()
	r.kxPrivate1.Destroy()
	r.kxPrivate0 = nil
	r.kxPrivate1 = nil
	return nil
}

// Encrypt appends an encrypted form of msg to out and returns the result.
func (r *Ratchet) Encrypt(out, msg []byte) ([]byte, error) {
	if r.ratchet {
		var err error
		r.sendRatchetPrivate, err = memguard.NewBufferFromReader(r.rand, keySize)
		if err != nil {
			return nil, err
		}
		r.sendHeaderKey.Melt()
		r.sendHeaderKey.Copy(r.nextSendHeaderKey.Bytes())
		r.sendHeaderKey.Freeze()

		sharedKey := memguard.NewBuffer(sharedKeySize)
		curve25519.ScalarMult(sharedKey.ByteArray32(), r.sendRatchetPrivate.ByteArray32(), r.recvRatchetPublic.ByteArray32())

		keyMaterial := memguard.NewBuffer(sharedKeySize)
		sha := sha3.New256()
		sha.Write(rootKeyUpdateLabel)
		sha.Write(r.rootKey.Bytes())
		sha.Write(sharedKey.Bytes())
		sha.Sum(keyMaterial.Bytes()[:0])
		sharedKey.Destroy()
		h := hmac.New(sha3.New256, keyMaterial.Bytes())

		deriveKey(r.rootKey, rootKeyLabel, h)
		deriveKey(r.nextSendHeaderKey, headerKeyLabel, h)
		deriveKey(r.sendChainKey, chainKeyLabel, h)
		r.prevSendCount, r.sendCount = r.sendCount, 0
		r.ratchet = false
	}

	h := hmac.New(sha3.New256, r.sendChainKey.Bytes())
	msgKey := memguard.NewBuffer(keySize)
	deriveKey(msgKey, messageKeyLabel, h)
	deriveKey(r.sendChainKey, chainKeyStepLabel, h)

	var sendRatchetPublic [publicKeySize]byte
	curve25519.ScalarBaseMult(&sendRatchetPublic, r.sendRatchetPrivate.ByteArray32())

	var header [headerSize]byte
	var headerNonce, messageNonce [nonceSize]byte
	r.randBytes(headerNonce[:])
	r.randBytes(messageNonce[:])

	binary.LittleEndian.PutUint32(header[0:4], r.sendCount)
	binary.LittleEndian.PutUint32(header[4:8], r.prevSendCount)
	copy(header[nonceInHeaderOffset:], messageNonce[:])
	copy(header[ratchetKeyHeaderOffset:], sendRatchetPublic[:])

	out = append(out, headerNonce[:]...)
	out = secretbox.Seal(out, header[:], &headerNonce, r.sendHeaderKey.ByteArray32())
	r.sendCount++

	return secretbox.Seal(out, msg, &messageNonce, msgKey.ByteArray32()), nil
}

func (r *Ratchet) trySavedKeys(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < sealedHeaderSize {
		return nil, ErrCorruptMessage
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext)
	sealedHeader := ciphertext[nonceSize:sealedHeaderSize]

	for headerKey, messageKeys := range r.saved {
		header, ok := secretbox.Open(nil, sealedHeader, &nonce, headerKey.ByteArray32())
		if !ok {
			continue
		}
		if len(header) != headerSize {
			continue
		}
		msgNum := binary.LittleEndian.Uint32(header[:4])
		mk, ok := messageKeys[msgNum]
		if !ok {
			continue
		}
		var msgNonce [nonceSize]byte
		copy(msgNonce[:], header[nonceInHeaderOffset:])
		msg, ok := secretbox.Open(nil, ciphertext[sealedHeaderSize:], &msgNonce, mk.key.ByteArray32())
		if !ok {
			return nil, ErrCorruptMessage
		}
		mk.key.Destroy()
		delete(messageKeys, msgNum)
		if len(messageKeys) == 0 {
			headerKey.Destroy()
			delete(r.saved, headerKey)
		}
		return msg, nil
	}
	return nil, nil
}

func (r *Ratchet) saveKeys(headerKey, recvChainKey *memguard.LockedBuffer, messageNum, receivedCount uint32) (provisionalChainKey, msgKey *memguard.LockedBuffer, saved map[*memguard.LockedBuffer]map[uint32]savedKey, err error) {
	if messageNum-receivedCount > MaxMissingMessages {
		return nil, nil, nil, ErrMessageExceedsReorderingLimit
	}
	provisionalChainKey = memguard.NewBuffer(keySize)
	provisionalChainKey.Copy(recvChainKey.Bytes())
	saved = make(map[*memguard.LockedBuffer]map[uint32]savedKey)
	for n := receivedCount; n < messageNum; n++ {
		h := hmac.New(sha3.New256, provisionalChainKey.Bytes())
		mk := memguard.NewBuffer(keySize)
		deriveKey(mk, messageKeyLabel, h)
		deriveKey(provisionalChainKey, chainKeyStepLabel, h)
		if saved[headerKey] == nil {
			saved[headerKey] = make(map[uint32]savedKey)
		}
		saved[headerKey][n] = savedKey{key: mk, timestamp: r.now()}
	}
	h := hmac.New(sha3.New256, provisionalChainKey.Bytes())
	msgKey = memguard.NewBuffer(keySize)
	deriveKey(msgKey, messageKeyLabel, h)
	deriveKey(provisionalChainKey, chainKeyStepLabel, h)
	return provisionalChainKey, msgKey, saved, nil
}

func (r *Ratchet) mergeSavedKeys(newKeys map[*memguard.LockedBuffer]map[uint32]savedKey) {
	for hk, mks := range newKeys {
		if r.saved[hk] == nil {
			r.saved[hk] = make(map[uint32]savedKey)
		}
		for n, mk := range mks {
			r.saved[hk][n] = mk
		}
	}
}

// Decrypt authenticates and decrypts a ciphertext produced by Encrypt,
// stepping the DH ratchet and buffering skipped-message keys as needed.
func (r *Ratchet) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < sealedHeaderSize {
		return nil, ErrCorruptMessage
	}

	if msg, err := r.trySavedKeys(ciphertext); err != nil {
		return nil, err
	} else if msg != nil {
		return msg, nil
	}

	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext)
	sealedHeader := ciphertext[nonceSize:sealedHeaderSize]
	body := ciphertext[sealedHeaderSize:]

	if header, ok := secretbox.Open(nil, sealedHeader, &nonce, r.recvHeaderKey.ByteArray32()); ok {
		if len(header) != headerSize {
			return nil, ErrCorruptMessage
		}
		msgNum := binary.LittleEndian.Uint32(header[:4])
		if msgNum < r.recvCount {
			return nil, ErrCannotDecrypt
		}
		provisional, msgKey, saved, err := r.saveKeys(r.recvHeaderKey, r.recvChainKey, msgNum, r.recvCount)
		if err != nil {
			return nil, err
		}
		var msgNonce [nonceSize]byte
		copy(msgNonce[:], header[nonceInHeaderOffset:])
		msg, ok := secretbox.Open(nil, body, &msgNonce, msgKey.ByteArray32())
		if !ok {
			return nil, ErrCannotDecrypt
		}
		r.recvChainKey.Melt()
		r.recvChainKey.Copy(provisional.Bytes())
		r.recvChainKey.Freeze()
		r.recvCount = msgNum + 1
		r.mergeSavedKeys(saved)
		return msg, nil
	}

	header, ok := secretbox.Open(nil, sealedHeader, &nonce, r.nextRecvHeaderKey.ByteArray32())
	if !ok {
		return nil, ErrCannotDecrypt
	}
	if len(header) != headerSize {
		return nil, ErrCorruptMessage
	}

	prevCount := binary.LittleEndian.Uint32(header[4:8])
	_, _, savedFromOldChain, err := r.saveKeys(r.recvHeaderKey, r.recvChainKey, prevCount, r.recvCount)
	if err != nil {
		return nil, err
	}

	var newRecvRatchetPublic [publicKeySize]byte
	copy(newRecvRatchetPublic[:], header[ratchetKeyHeaderOffset:])
	sharedKey := memguard.NewBuffer(sharedKeySize)
	curve25519.ScalarMult(sharedKey.ByteArray32(), r.sendRatchetPrivate.ByteArray32(), &newRecvRatchetPublic)

	keyMaterial := memguard.NewBuffer(sharedKeySize)
	sha := sha3.New256()
	sha.Write(rootKeyUpdateLabel)
	sha.Write(r.rootKey.Bytes())
	sha.Write(sharedKey.Bytes())
	sha.Sum(keyMaterial.Bytes()[:0])
	sharedKey.Destroy()
	hh := hmac.New(sha3.New256, keyMaterial.Bytes())

	deriveKey(r.rootKey, rootKeyLabel, hh)
	deriveKey(r.nextRecvHeaderKey, headerKeyLabel, hh)
	deriveKey(r.recvChainKey, chainKeyLabel, hh)

	r.recvHeaderKey.Melt()
	r.recvHeaderKey.Copy(r.nextRecvHeaderKey.Bytes())
	r.recvHeaderKey.Freeze()
	r.recvRatchetPublic.Melt()
	r.recvRatchetPublic.Copy(newRecvRatchetPublic[:])
	r.recvRatchetPublic.Freeze()

	msgNum := binary.LittleEndian.Uint32(header[:4])
	provisional, msgKey, savedFromNewChain, err := r.saveKeys(r.recvHeaderKey, r.recvChainKey, msgNum, 0)
	if err != nil {
		return nil, err
	}
	var msgNonce [nonceSize]byte
	copy(msgNonce[:], header[nonceInHeaderOffset:])
	msg, ok := secretbox.Open(nil, body, &msgNonce, msgKey.ByteArray32())
	if !ok {
		return nil, ErrCannotDecrypt
	}
	r.recvChainKey.Melt()
	r.recvChainKey.Copy(provisional.Bytes())
	r.recvChainKey.Freeze()
	r.recvCount = msgNum + 1
	r.ratchet = true
	r.mergeSavedKeys(savedFromOldChain)
	r.mergeSavedKeys(savedFromNewChain)
	return msg, nil
}

// Save serializes the ratchet's full state for persistence (C1).
func (r *Ratchet) Save() ([]byte, error) {
	s, err := r.marshal()
	if err != nil {
		return nil, err
	}
	return cbor.Marshal(s)
}

func bufBytes(b *memguard.LockedBuffer) []byte {
	if b == nil || !b.IsAlive() {
		return nil
	}
	return b.Bytes()
}

func (r *Ratchet) marshal() (*state, error) {
	s := &state{
		RootKey:            bufBytes(r.rootKey),
		SendHeaderKey:      bufBytes(r.sendHeaderKey),
		RecvHeaderKey:      bufBytes(r.recvHeaderKey),
		NextSendHeaderKey:  bufBytes(r.nextSendHeaderKey),
		NextRecvHeaderKey:  bufBytes(r.nextRecvHeaderKey),
		SendChainKey:       bufBytes(r.sendChainKey),
		RecvChainKey:       bufBytes(r.recvChainKey),
		SendRatchetPrivate: bufBytes(r.sendRatchetPrivate),
		RecvRatchetPublic:  bufBytes(r.recvRatchetPublic),
		SendCount:          r.sendCount,
		RecvCount:          r.recvCount,
		PrevSendCount:      r.prevSendCount,
		Private0:           bufBytes(r.kxPrivate0),
		Private1:           bufBytes(r.kxPrivate1),
		Ratchet:            r.ratchet,
	}
	for hk, mks := range r.saved {
		sk := &savedKeys{HeaderKey: hk}
		for n, mk := range mks {
			sk.MessageKeys = append(sk.MessageKeys, &messageKey{Num: n, Key: mk.key, CreationTime: mk.timestamp.UnixNano()})
		}
		s.SavedKeys = append(s.SavedKeys, sk)
	}
	return s, nil
}

// DestroyRatchet wipes all locked key material held by r.
func DestroyRatchet(r *Ratchet) {
	destroy := func(b *memguard.LockedBuffer) {
		if b != nil {
			b.Destroy()
		}
	}
	destroy(r.rootKey)
	destroy(r.sendHeaderKey)
	destroy(r.recvHeaderKey)
	destroy(r.nextSendHeaderKey)
	destroy(r.nextRecvHeaderKey)
	destroy(r.sendChainKey)
	destroy(r.recvChainKey)
	destroy(r.sendRatchetPrivate)
	destroy(r.recvRatchetPublic)
	destroy(r.kxPrivate0)
	destroy(r.kxPrivate1)
	for hk, mks := range r.saved {
		for _, mk := range mks {
			destroy(mk.key)
		}
		destroy(hk)
	}
}
