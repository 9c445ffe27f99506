package auth

import (
	"encoding/binary"
	"fmt"
)

// Wire encoding for the three AUTH_REQUEST/AUTH_RESPONSE envelope
// messages (spec §4.5 steps 1-3). Each field is length-prefixed
// (4-byte big-endian count) so the ephemeral EC public key (variable
// width across curves) and certificate bytes don't need a fixed layout.

type helloMsg struct {
	cert   []byte
	ephPub []byte
	nonce  []byte
}

type responseMsg struct {
	cert   []byte
	ephPub []byte
	nonce  []byte
	sig    []byte
}

func encodeHello(cert, ephPub, nonce []byte) []byte {
	return encodeFields(cert, ephPub, nonce)
}

func decodeHello(b []byte) (helloMsg, error) {
	fields, err := decodeFields(b, 3)
	if err != nil {
		return helloMsg{}, err
	}
	return helloMsg{cert: fields[0], ephPub: fields[1], nonce: fields[2]}, nil
}

func encodeResponse(cert, ephPub, nonce, sig []byte) []byte {
	return encodeFields(cert, ephPub, nonce, sig)
}

func decodeResponse(b []byte) (responseMsg, error) {
	fields, err := decodeFields(b, 4)
	if err != nil {
		return responseMsg{}, err
	}
	return responseMsg{cert: fields[0], ephPub: fields[1], nonce: fields[2], sig: fields[3]}, nil
}

func encodeFinish(sig []byte) []byte {
	return encodeFields(sig)
}

func decodeFinish(b []byte) ([]byte, error) {
	fields, err := decodeFields(b, 1)
	if err != nil {
		return nil, err
	}
	return fields[0], nil
}

func encodeFields(fields ...[]byte) []byte {
	var out []byte
	for _, f := range fields {
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(f)))
		out = append(out, lenBuf[:]...)
		out = append(out, f...)
	}
	return out
}

func decodeFields(b []byte, n int) ([][]byte, error) {
	fields := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		if len(b) < 4 {
			return nil, fmt.Errorf("auth: truncated field length at field %d", i)
		}
		l := binary.BigEndian.Uint32(b[:4])
		b = b[4:]
		if uint32(len(b)) < l {
			return nil, fmt.Errorf("auth: truncated field %d: need %d, have %d", i, l, len(b))
		}
		fields = append(fields, b[:l])
		b = b[l:]
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("auth: %d trailing bytes after %d fields", len(b), n)
	}
	return fields, nil
}
