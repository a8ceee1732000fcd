// Package handshake runs the key agreement that opens every connection.
//
// The initiator (client) writes one JSON line {pub, name?, kem?}; the
// responder (server) answers with one JSON line {pub, kem?}. Both derive
// the session secret as hex(HMAC-SHA256(preShared, ecdh ‖ kem?)). These two
// lines are the only unframed, unencrypted bytes on a connection.
package handshake

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"dev.c0redev.tcprouter/internal/crypto"
	"dev.c0redev.tcprouter/internal/proto"
)

// MaxLineSize bounds a handshake line (hybrid hellos carry a 2368-char KEM key).
const MaxLineSize = 16 * 1024

var (
	// ErrMalformed: handshake line missing, oversized or not parseable. Connection-fatal.
	ErrMalformed = errors.New("handshake: malformed message")
	// ErrPostQuantumRequired: responder requires hybrid mode, hello had no kem.
	ErrPostQuantumRequired = errors.New("handshake: post-quantum key exchange required")
)

// Options shared by both roles. Both peers must agree on Secret and hybrid mode.
type Options struct {
	// Secret is the pre-shared application secret (HMAC key).
	Secret string
	// Name is the initiator's declared name (ignored by the responder).
	Name string
	// PostQuantum: initiator offers ML-KEM-768; responder requires it.
	PostQuantum bool
}

// Result of a completed handshake.
type Result struct {
	// Secret is the hex session secret.
	Secret string
	// PeerName is the name the initiator declared (responder side only).
	PeerName string
	// Fingerprint identifies the session in logs (digest of both public keys).
	Fingerprint string
	// Hybrid is true if an ML-KEM secret was mixed in.
	Hybrid bool
}

// KeyMaterial returns the envelope key material for this session.
func (r Result) KeyMaterial(preShared string) string {
	return crypto.KeyMaterial(preShared, r.Secret)
}

// Initiate runs the initiator role: send hello, read reply.
func Initiate(r *bufio.Reader, w io.Writer, opts Options) (Result, error) {
	kp, err := crypto.GenerateECDH()
	if err != nil {
		return Result{}, err
	}
	hello := proto.Hello{Pub: kp.PublicHex(), Name: opts.Name}
	var kem *crypto.KEMKeyPair
	if opts.PostQuantum {
		if kem, err = crypto.GenerateKEM(); err != nil {
			return Result{}, err
		}
		hello.KEM = kem.EncapsulationHex()
	}
	if err := writeLine(w, hello); err != nil {
		return Result{}, err
	}

	var reply proto.HelloReply
	if err := readLine(r, &reply); err != nil {
		return Result{}, err
	}
	shared, err := kp.Shared(reply.Pub)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var extra [][]byte
	if kem != nil {
		if reply.KEM == "" {
			return Result{}, fmt.Errorf("%w: reply has no kem ciphertext", ErrMalformed)
		}
		pq, err := kem.Decapsulate(reply.KEM)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		extra = append(extra, pq)
	}
	return Result{
		Secret:      crypto.SessionSecret(opts.Secret, shared, extra...),
		Fingerprint: fingerprint(hello.Pub, reply.Pub),
		Hybrid:      kem != nil,
	}, nil
}

// Respond runs the responder role: read hello, send reply.
// A hello carrying kem is always honoured; opts.PostQuantum makes it mandatory.
func Respond(r *bufio.Reader, w io.Writer, opts Options) (Result, error) {
	var hello proto.Hello
	if err := readLine(r, &hello); err != nil {
		return Result{}, err
	}
	if opts.PostQuantum && hello.KEM == "" {
		return Result{}, ErrPostQuantumRequired
	}
	kp, err := crypto.GenerateECDH()
	if err != nil {
		return Result{}, err
	}
	shared, err := kp.Shared(hello.Pub)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	reply := proto.HelloReply{Pub: kp.PublicHex()}
	var extra [][]byte
	if hello.KEM != "" {
		pq, ct, err := crypto.Encapsulate(hello.KEM)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		reply.KEM = ct
		extra = append(extra, pq)
	}
	if err := writeLine(w, reply); err != nil {
		return Result{}, err
	}
	return Result{
		Secret:      crypto.SessionSecret(opts.Secret, shared, extra...),
		PeerName:    hello.Name,
		Fingerprint: fingerprint(hello.Pub, reply.Pub),
		Hybrid:      len(extra) > 0,
	}, nil
}

func writeLine(w io.Writer, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

// readLine reads up to '\n' (or EOF after data) and parses JSON.
func readLine(r *bufio.Reader, v any) error {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxLineSize {
			return fmt.Errorf("%w: line exceeds %d bytes", ErrMalformed, MaxLineSize)
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0 {
			break
		}
		return err
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 || json.Unmarshal(line, v) != nil {
		return ErrMalformed
	}
	return nil
}

func fingerprint(initiatorPub, responderPub string) string {
	d, err := crypto.Digest([2]string{initiatorPub, responderPub})
	if err != nil {
		return ""
	}
	return d[:16]
}
