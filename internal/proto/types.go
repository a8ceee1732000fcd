package proto

import "encoding/json"

// Hello: initiator -> responder, first line on the stream (unframed, unencrypted).
type Hello struct {
	Pub  string `json:"pub"`
	Name string `json:"name,omitempty"`
	// KEM is the hex ML-KEM-768 encapsulation key (hybrid mode only).
	KEM string `json:"kem,omitempty"`
}

// HelloReply: responder -> initiator.
type HelloReply struct {
	Pub string `json:"pub"`
	// KEM is the hex ML-KEM-768 ciphertext (hybrid mode only).
	KEM string `json:"kem,omitempty"`
}

// Request: client -> server, inside an envelope.
type Request struct {
	UUID  string          `json:"uuid"`
	Route string          `json:"rout"`
	Body  json.RawMessage `json:"body"`
}

// Response: server -> client; exactly one of Body / Error is meaningful.
type Response struct {
	UUID  string          `json:"uuid"`
	Body  json.RawMessage `json:"body,omitempty"`
	Error string          `json:"error,omitempty"`
}
