package transport

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"time"

	"github.com/plumeq/plume/tls13"
	"golang.org/x/crypto/chacha20"
)

// Initial salt for QUIC version 1.
// https://www.rfc-editor.org/rfc/rfc9001.html#initial-secrets
var initialSalt = []byte{
	0x38, 0x76, 0x2c, 0xf7, 0xf5, 0x59, 0x34, 0xb3, 0x4d, 0x17,
	0x9a, 0xe6, 0xa4, 0xc8, 0x0c, 0xad, 0xcc, 0xbb, 0x7f, 0x0a,
}

// newInitialSecrets derives the client and server Initial packet protection
// from the client's first destination CID.
func newInitialSecrets(cid []byte) (client, server packetProtection, err error) {
	suite := tls13.CipherSuiteByID(tls.TLS_AES_128_GCM_SHA256)
	initialSecret := suite.Extract(cid, initialSalt)
	clientSecret := suite.DeriveSecret(initialSecret, "client in")
	if err = client.init(suite, clientSecret); err != nil {
		return
	}
	serverSecret := suite.DeriveSecret(initialSecret, "server in")
	err = server.init(suite, serverSecret)
	return
}

// headerProtection computes the 5-byte header protection mask from a
// 16-byte ciphertext sample.
// https://www.rfc-editor.org/rfc/rfc9001.html#header-protect
type headerProtection interface {
	mask(sample []byte, mask *[5]byte)
}

const headerSampleLen = 16

type aesHeaderProtection struct {
	block cipher.Block
}

func (hp *aesHeaderProtection) mask(sample []byte, mask *[5]byte) {
	var out [16]byte
	hp.block.Encrypt(out[:], sample)
	copy(mask[:], out[:5])
}

type chachaHeaderProtection struct {
	key [32]byte
}

func (hp *chachaHeaderProtection) mask(sample []byte, mask *[5]byte) {
	// The first 4 bytes of the sample are the block counter,
	// the remaining 12 the nonce.
	c, err := chacha20.NewUnauthenticatedCipher(hp.key[:], sample[4:16])
	if err != nil {
		panic("chacha20 header protection: " + err.Error())
	}
	c.SetCounter(binary.LittleEndian.Uint32(sample[:4]))
	for i := range mask {
		mask[i] = 0
	}
	c.XORKeyStream(mask[:], mask[:])
}

func newHeaderProtection(suite tls13.CipherSuite, hpKey []byte) (headerProtection, error) {
	if suite.ID() == tls.TLS_CHACHA20_POLY1305_SHA256 {
		hp := &chachaHeaderProtection{}
		copy(hp.key[:], hpKey)
		return hp, nil
	}
	block, err := aes.NewCipher(hpKey)
	if err != nil {
		return nil, err
	}
	return &aesHeaderProtection{block: block}, nil
}

// packetProtection seals and opens packets of a single direction at a
// single encryption level.
// https://www.rfc-editor.org/rfc/rfc9001.html#packet-protection
type packetProtection struct {
	suite  tls13.CipherSuite
	secret []byte
	aead   cipher.AEAD
	hp     headerProtection
	nonce  [8]byte // packet number
}

func (pp *packetProtection) init(suite tls13.CipherSuite, secret []byte) error {
	key, iv, hpKey := suite.QUICTrafficKey(secret)
	hp, err := newHeaderProtection(suite, hpKey)
	if err != nil {
		return err
	}
	pp.suite = suite
	pp.secret = secret
	pp.aead = suite.AEAD(key, iv)
	pp.hp = hp
	return nil
}

// next derives the key-update successor of this protection. Header
// protection is not updated across key updates.
// https://www.rfc-editor.org/rfc/rfc9001.html#key-update
func (pp *packetProtection) next() (packetProtection, error) {
	suite := pp.suite
	secret := suite.NextTrafficSecret(pp.secret)
	key, iv, _ := suite.QUICTrafficKey(secret)
	return packetProtection{
		suite:  suite,
		secret: secret,
		aead:   suite.AEAD(key, iv),
		hp:     pp.hp,
	}, nil
}

// encryptPayload seals the payload in place. Length of b and payloadLen
// include the AEAD overhead.
func (pp *packetProtection) encryptPayload(b []byte, packetNumber uint64, payloadLen int) []byte {
	pp.makeNonce(packetNumber)
	offset := len(b) - payloadLen
	header := b[:offset]
	payload := b[offset : len(b)-pp.aead.Overhead()]
	return pp.aead.Seal(payload[:0], pp.nonce[:], payload, header)
}

func (pp *packetProtection) decryptPayload(b []byte, packetNumber uint64, payloadLen int) ([]byte, error) {
	pp.makeNonce(packetNumber)
	offset := len(b) - payloadLen
	header := b[:offset]
	payload := b[offset:]
	return pp.aead.Open(payload[:0], pp.nonce[:], payload, header)
}

// The 62 bits of the reconstructed packet number in network byte order are
// left-padded with zeros to the size of the IV. The AEAD applies the XOR
// with the IV itself.
func (pp *packetProtection) makeNonce(packetNumber uint64) {
	binary.BigEndian.PutUint64(pp.nonce[:], packetNumber)
}

// encryptHeader applies header protection. pnOffset is where the packet
// number starts; the sample is taken 4 bytes after it.
func (pp *packetProtection) encryptHeader(b []byte, pnOffset int) {
	sampleOffset := pnOffset + maxPacketNumberLength
	sample := b[sampleOffset : sampleOffset+headerSampleLen]
	var mask [5]byte
	pp.hp.mask(sample, &mask)
	pnLen := packetNumberLenFromHeader(b[0])
	if isLongHeader(b[0]) {
		b[0] ^= mask[0] & 0x0f
	} else {
		b[0] ^= mask[0] & 0x1f
	}
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
}

func (pp *packetProtection) decryptHeader(b []byte, pnOffset int) error {
	sampleOffset := pnOffset + maxPacketNumberLength
	if len(b) < sampleOffset+headerSampleLen {
		return errInvalidPacket
	}
	sample := b[sampleOffset : sampleOffset+headerSampleLen]
	var mask [5]byte
	pp.hp.mask(sample, &mask)
	if isLongHeader(b[0]) {
		b[0] ^= mask[0] & 0x0f
	} else {
		b[0] ^= mask[0] & 0x1f
	}
	pnLen := packetNumberLenFromHeader(b[0])
	for i := 0; i < pnLen; i++ {
		b[pnOffset+i] ^= mask[1+i]
	}
	return nil
}

// Retry Packet Integrity for QUIC version 1.
// https://www.rfc-editor.org/rfc/rfc9001.html#retry-integrity

const retryIntegrityTagLen = 16

var retryIntegrityNonce = []byte{
	0x46, 0x15, 0x99, 0xd3, 0x5d, 0x63, 0x2b, 0xf2,
	0x23, 0x98, 0x25, 0xbb,
}

var retryIntegrityAEAD cipher.AEAD

func newRetryIntegrityAEAD() cipher.AEAD {
	if retryIntegrityAEAD == nil {
		retryIntegrityKey := []byte{
			0xbe, 0x0c, 0x69, 0x0b, 0x9f, 0x66, 0x57, 0x5a,
			0x1d, 0x76, 0x6b, 0x54, 0xe3, 0x68, 0xc8, 0x4e,
		}
		blk, err := aes.NewCipher(retryIntegrityKey)
		if err != nil {
			panic("retry packet integrity AEAD: " + err.Error())
		}
		gcm, err := cipher.NewGCM(blk)
		if err != nil {
			panic("retry packet integrity AEAD: " + err.Error())
		}
		retryIntegrityAEAD = gcm
	}
	return retryIntegrityAEAD
}

// computeRetryIntegrity appends the integrity tag to the given pseudo retry
// packet, which is the retry packet prefixed with ODCID length and ODCID.
func computeRetryIntegrity(pseudo []byte) ([]byte, error) {
	aead := newRetryIntegrityAEAD()
	if cap(pseudo)-len(pseudo) < aead.Overhead() {
		// Avoid allocating
		return nil, errShortBuffer
	}
	return aead.Seal(pseudo, retryIntegrityNonce, nil, pseudo), nil
}

// verifyRetryIntegrity verifies the integrity tag at the end of the retry
// packet b given the original destination CID.
func verifyRetryIntegrity(b, odcid []byte) bool {
	if len(b) < retryIntegrityTagLen {
		return false
	}
	pseudo := make([]byte, 1+len(odcid)+len(b)-retryIntegrityTagLen, 1+len(odcid)+len(b))
	pseudo[0] = byte(len(odcid))
	copy(pseudo[1:], odcid)
	copy(pseudo[1+len(odcid):], b[:len(b)-retryIntegrityTagLen])

	out, err := computeRetryIntegrity(pseudo)
	if err != nil || len(out) < retryIntegrityTagLen {
		return false
	}
	inTag := b[len(b)-retryIntegrityTagLen:]
	outTag := out[len(out)-retryIntegrityTagLen:]
	return bytes.Equal(inTag, outTag)
}

// AddressValidator generates and validates retry tokens for client address
// validation. It encrypts the client's original CID using AES-GCM with a
// randomly generated key, binding the token to the client address.
type AddressValidator struct {
	aead   cipher.AEAD
	timeFn func() time.Time
}

// NewAddressValidator creates a new AddressValidator or returns an error
// when it failed to generate the secret or AEAD.
func NewAddressValidator() (*AddressValidator, error) {
	var key [16]byte
	_, err := rand.Read(key[:])
	if err != nil {
		return nil, err
	}
	blk, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, err
	}
	return &AddressValidator{
		aead:   aead,
		timeFn: time.Now,
	}, nil
}

// Generate encrypts odcid using the issue time as nonce and addr as
// additional data.
func (v *AddressValidator) Generate(addr, odcid []byte) []byte {
	now := v.timeFn().Unix()
	nonce := make([]byte, v.aead.NonceSize())
	binary.BigEndian.PutUint64(nonce, uint64(now))

	token := make([]byte, 8+len(odcid)+v.aead.Overhead())
	binary.BigEndian.PutUint64(token, uint64(now))
	v.aead.Seal(token[8:8], nonce, odcid, addr)
	return token
}

// Validate decrypts the token and returns the original destination CID,
// or nil when the token is invalid or expired.
func (v *AddressValidator) Validate(addr, token []byte) []byte {
	if len(token) < 8 {
		return nil
	}
	const validity = 10 * time.Second
	now := v.timeFn()
	issued := time.Unix(int64(binary.BigEndian.Uint64(token)), 0)
	if issued.Before(now.Add(-validity)) || issued.After(now) {
		return nil
	}
	nonce := make([]byte, v.aead.NonceSize())
	copy(nonce, token[:8])
	odcid, err := v.aead.Open(nil, nonce, token[8:], addr)
	if err != nil {
		return nil
	}
	return odcid
}
