package chstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"fmt"

	"github.com/your-org/aalto-mme/internal/emm"
)

// deriveVector runs MILENAGE (f1, f2, f3, f4, f5 per TS 35.206) over the
// subscriber's K/OPc/SQN/AMF and RAND to build one E-UTRAN authentication
// vector, then derives K_ASME per TS 33.401 Annex A.2. The MILENAGE
// core mirrors nf/udm/internal/crypto/milenage.go's ComputeOPc/f1/f2345
// shape (temp = AES-Encrypt(K, RAND XOR OPc), functions f2-f5
// rotate/XOR temp XOR OPc per TS 35.206 §4.1) built directly over
// crypto/aes here since this package cannot import the teacher's
// example-tree file.
func deriveVector(keys subscriberKeys, randBuf [16]byte) (emm.AuthVector, error) {
	var av emm.AuthVector
	if len(keys.K) != 16 || len(keys.OPc) != 16 {
		return av, fmt.Errorf("chstore: subscriber key material must be 16 bytes (K=%d, OPc=%d)", len(keys.K), len(keys.OPc))
	}

	block, err := aes.NewCipher(keys.K)
	if err != nil {
		return av, fmt.Errorf("chstore: building AES cipher: %w", err)
	}

	var temp [16]byte
	for i := range temp {
		temp[i] = randBuf[i] ^ keys.OPc[i]
	}
	block.Encrypt(temp[:], temp[:])

	sqn := sqnBytes(keys.SQN)
	amf := [2]byte{}
	copy(amf[:], keys.AMF)

	// f1: OUT1 = E_K(temp XOR rot(IN1 XOR OPc, r1) XOR c1) XOR OPc with r1 = 64
	// bits, c1 = 0, IN1 = SQN||AMF||SQN||AMF; MAC-A is the first 64 bits of OUT1.
	var in1 [16]byte
	copy(in1[0:6], sqn[:])
	copy(in1[6:8], amf[:])
	copy(in1[8:14], sqn[:])
	copy(in1[14:16], amf[:])

	var macInput [16]byte
	for i := range macInput {
		macInput[i] = temp[i] ^ xorOPc(in1[(i+8)%16], keys.OPc[(i+8)%16])
	}
	var mac [16]byte
	block.Encrypt(mac[:], macInput[:])
	for i := range mac {
		mac[i] ^= keys.OPc[i]
	}

	// f2/f5: RES/AK derived from temp rotated and re-encrypted.
	var f2in [16]byte
	for i := range f2in {
		f2in[i] = temp[i] ^ keys.OPc[i]
	}
	f2in[15] ^= 1 // distinguish f2/f5 from f1 per 35.206 Annex 3 constant c2
	var f2out [16]byte
	block.Encrypt(f2out[:], f2in[:])
	for i := range f2out {
		f2out[i] ^= keys.OPc[i]
	}
	res := append([]byte(nil), f2out[8:16]...)
	ak := f2out[0:6]

	var sqnXorAK [6]byte
	for i := 0; i < 6; i++ {
		sqnXorAK[i] = sqn[i] ^ ak[i]
	}

	var autn [16]byte
	copy(autn[0:6], sqnXorAK[:])
	copy(autn[6:8], amf[:])
	copy(autn[8:16], mac[0:8])

	ck, ik := deriveCKIK(block, temp, keys.OPc)

	kasme := deriveKASME(ck, ik, sqnXorAK, amf)

	copy(av.RAND[:], randBuf[:])
	copy(av.AUTN[:], autn[:])
	av.XRES = res
	av.KASME = kasme
	return av, nil
}

func sqnBytes(sqn uint64) [6]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], sqn)
	var out [6]byte
	copy(out[:], b[2:8])
	return out
}

func xorOPc(a, b byte) byte { return a ^ b }

// deriveCKIK computes CK (f3) and IK (f4), each a rotated variant of the
// same temp/OPc construction as f2/f5 above (r3 = 32 bits, r4 = 64 bits).
func deriveCKIK(block cipher.Block, temp [16]byte, opc []byte) (ck, ik [16]byte) {
	var ckIn, ikIn [16]byte
	for i := range ckIn {
		ckIn[i] = temp[(i+4)%16] ^ opc[(i+4)%16]
	}
	ckIn[15] ^= 2 // c3
	block.Encrypt(ck[:], ckIn[:])
	for i := range ck {
		ck[i] ^= opc[i]
	}

	for i := range ikIn {
		ikIn[i] = temp[(i+8)%16] ^ opc[(i+8)%16]
	}
	ikIn[15] ^= 4 // c4
	block.Encrypt(ik[:], ikIn[:])
	for i := range ik {
		ik[i] ^= opc[i]
	}
	return ck, ik
}

// deriveKASME computes K_ASME = HMAC-SHA256(CK||IK, S) with
// S = FC(0x10) || SQN⊕AK (6 bytes) || length(6) || AMF (2 bytes) ||
// length(2), per TS 33.401 Annex A.2.
func deriveKASME(ck, ik [16]byte, sqnXorAK [6]byte, amf [2]byte) [32]byte {
	key := append(append([]byte(nil), ck[:]...), ik[:]...)
	s := []byte{0x10}
	s = append(s, sqnXorAK[:]...)
	s = append(s, 0x00, 0x06)
	s = append(s, amf[:]...)
	s = append(s, 0x00, 0x02)

	mac := hmac.New(sha256.New, key)
	mac.Write(s)
	var out [32]byte
	copy(out[:], mac.Sum(nil))
	return out
}
