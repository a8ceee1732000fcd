package handshake

import (
	"bufio"
	"bytes"
	"io"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

type outcome struct {
	res Result
	err error
}

func run(t *testing.T, initiator, responder Options) (Result, error, Result, error) {
	t.Helper()
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	done := make(chan outcome, 1)
	go func() {
		res, err := Respond(bufio.NewReader(b), b, responder)
		if err != nil {
			b.Close()
		}
		done <- outcome{res, err}
	}()
	ires, ierr := Initiate(bufio.NewReader(a), a, initiator)
	if ierr != nil {
		a.Close()
	}
	r := <-done
	return ires, ierr, r.res, r.err
}

func TestHandshakeAgreement(t *testing.T) {
	ires, ierr, rres, rerr := run(t,
		Options{Secret: "s3cret", Name: "probe-1"},
		Options{Secret: "s3cret"})
	require.NoError(t, ierr)
	require.NoError(t, rerr)
	require.Len(t, ires.Secret, 64)
	require.Equal(t, ires.Secret, rres.Secret)
	require.Equal(t, "probe-1", rres.PeerName)
	require.Empty(t, ires.PeerName)
	require.Equal(t, ires.Fingerprint, rres.Fingerprint)
	require.False(t, ires.Hybrid)
	require.Equal(t, ires.KeyMaterial("s3cret"), rres.KeyMaterial("s3cret"))
}

func TestHandshakeSecretMismatch(t *testing.T) {
	ires, ierr, rres, rerr := run(t, Options{Secret: "a"}, Options{Secret: "b"})
	require.NoError(t, ierr)
	require.NoError(t, rerr)
	require.NotEqual(t, ires.Secret, rres.Secret)
}

func TestHandshakeFreshSecrets(t *testing.T) {
	first, err, _, _ := run(t, Options{Secret: "x"}, Options{Secret: "x"})
	require.NoError(t, err)
	second, err, _, _ := run(t, Options{Secret: "x"}, Options{Secret: "x"})
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)
}

func TestHandshakeHybrid(t *testing.T) {
	ires, ierr, rres, rerr := run(t,
		Options{Secret: "pq", PostQuantum: true},
		Options{Secret: "pq", PostQuantum: true})
	require.NoError(t, ierr)
	require.NoError(t, rerr)
	require.True(t, ires.Hybrid)
	require.True(t, rres.Hybrid)
	require.Equal(t, ires.Secret, rres.Secret)
}

func TestHandshakeHybridOptionalOnResponder(t *testing.T) {
	ires, ierr, rres, rerr := run(t,
		Options{Secret: "pq", PostQuantum: true},
		Options{Secret: "pq"})
	require.NoError(t, ierr)
	require.NoError(t, rerr)
	require.True(t, rres.Hybrid)
	require.Equal(t, ires.Secret, rres.Secret)
}

func TestHandshakeHybridRequired(t *testing.T) {
	_, ierr, _, rerr := run(t,
		Options{Secret: "pq"},
		Options{Secret: "pq", PostQuantum: true})
	require.ErrorIs(t, rerr, ErrPostQuantumRequired)
	require.Error(t, ierr)
}

func TestRespondMalformed(t *testing.T) {
	cases := map[string]string{
		"not json":  "hello there\n",
		"bad point": `{"pub":"04abcd"}` + "\n",
		"not hex":   `{"pub":"zz"}` + "\n",
		"empty":     "\n",
	}
	for name, line := range cases {
		t.Run(name, func(t *testing.T) {
			var out bytes.Buffer
			_, err := Respond(bufio.NewReader(strings.NewReader(line)), &out, Options{Secret: "s"})
			require.ErrorIs(t, err, ErrMalformed)
			require.Zero(t, out.Len())
		})
	}
}

func TestRespondOversizedLine(t *testing.T) {
	line := `{"pub":"` + strings.Repeat("a", MaxLineSize) + `"}` + "\n"
	_, err := Respond(bufio.NewReader(strings.NewReader(line)), &bytes.Buffer{}, Options{})
	require.ErrorIs(t, err, ErrMalformed)
}

func TestInitiateLeavesFramesBuffered(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		br := bufio.NewReader(b)
		if _, err := Respond(br, b, Options{Secret: "s"}); err != nil {
			return
		}
		b.Write([]byte{0, 0, 0, 2, 'o', 'k'})
	}()
	br := bufio.NewReader(a)
	_, err := Initiate(br, a, Options{Secret: "s"})
	require.NoError(t, err)
	tail := make([]byte, 6)
	_, err = io.ReadFull(br, tail)
	require.NoError(t, err)
	require.Equal(t, []byte{0, 0, 0, 2, 'o', 'k'}, tail)
}
