package main

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yzzyx/supplicant/eap"
	"github.com/yzzyx/supplicant/internal/config"
	"github.com/yzzyx/supplicant/pmksa"
	"github.com/yzzyx/supplicant/trace"
)

func TestNewLogger(t *testing.T) {
	var out bytes.Buffer
	log, err := newLogger(config.LogConfig{Level: "warn", Format: "json"}, &out)
	require.NoError(t, err)
	log.Info().Msg("hidden")
	log.Warn().Str("component", "test").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "shown", line["message"])
	assert.Contains(t, line, "time")

	logLevel = "debug"
	t.Cleanup(func() { logLevel = "" })
	out.Reset()
	log, err = newLogger(config.LogConfig{Level: "warn"}, &out)
	require.NoError(t, err)
	log.Debug().Msg("console")
	assert.Contains(t, out.String(), "console")

	_, err = newLogger(config.LogConfig{Format: "xml"}, &out)
	assert.Error(t, err)
}

func TestOpenKeylog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.log")
	w, err := openKeylog(path)
	require.NoError(t, err)
	_, err = w.Write([]byte("CLIENT_RANDOM 00 11\n"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, keylogHeader+"CLIENT_RANDOM 00 11\n", string(b))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestNewRegistry(t *testing.T) {
	reg, err := newRegistry()
	require.NoError(t, err)
	var names []string
	for _, d := range reg.Descriptors() {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{"TTLS", "TLS", "MSCHAPV2"}, names)
}

func TestTunnelTLS(t *testing.T) {
	var keylog bytes.Buffer
	conf, err := tunnelTLS(config.TLSConfig{MinVersion: "1.2", ServerName: "radius.example.com"}, &keylog)
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS12), conf.MinVersion)
	assert.Zero(t, conf.MaxVersion)
	assert.Equal(t, "radius.example.com", conf.ServerName)
	assert.Same(t, &keylog, conf.KeyLogWriter)

	_, err = tunnelTLS(config.TLSConfig{MaxVersion: "2.0"}, nil)
	assert.Error(t, err)
}

func TestGatewayTLS(t *testing.T) {
	conf, err := gatewayTLS(config.IFTConfig{ServerName: "vpn.example.com", Insecure: true}, &tls.Config{})
	require.NoError(t, err)
	assert.True(t, conf.InsecureSkipVerify)
	assert.Nil(t, conf.RootCAs)

	_, err = gatewayTLS(config.IFTConfig{CAFile: filepath.Join(t.TempDir(), "missing.pem")}, &tls.Config{})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

type recorded struct{ events []trace.Event }

func (r *recorded) Record(ev trace.Event) { r.events = append(r.events, ev) }

func TestDumpRecorder(t *testing.T) {
	var out bytes.Buffer
	next := &recorded{}
	d := dumpRecorder{next: next, out: &out}
	d.Record(trace.Event{Kind: trace.KindFrame, Direction: trace.DirectionOut, Frame: []byte{2, 1, 0, 4}})
	d.Record(trace.Event{Kind: trace.KindSuccess})

	assert.True(t, strings.HasPrefix(out.String(), "Packet OUT:\n00000000  02 01 00 04"))
	assert.Len(t, next.events, 2)
}

func TestPortEventsCachePMKSA(t *testing.T) {
	file := filepath.Join(t.TempDir(), "pmksa.cbor")
	cache := pmksa.New(time.Hour, zerolog.Nop())
	t.Cleanup(func() { cache.Close() })
	ev := &portEvents{env: &environment{log: zerolog.Nop()}, cache: cache, file: file, log: zerolog.Nop()}

	aa := net.HardwareAddr{0, 1, 2, 3, 4, 5}
	spa := net.HardwareAddr{0, 1, 2, 3, 4, 6}
	ev.Authenticated(aa, spa, bytes.Repeat([]byte{7}, 64), []byte{13})
	ev.Authenticated(aa, net.HardwareAddr{0, 1, 2, 3, 4, 7}, []byte{1, 2, 3}, nil)
	ev.Failed(eap.ReasonCredentialRejected, eap.ErrCredentialRejected)

	require.Equal(t, 1, cache.Len())
	loaded := pmksa.New(time.Hour, zerolog.Nop())
	t.Cleanup(func() { loaded.Close() })
	n, err := loaded.LoadFile(file)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var out bytes.Buffer
	require.NoError(t, listPMKSA(&out, loaded, time.Now()))
	assert.Contains(t, out.String(), "aa=00:01:02:03:04:05 spa=00:01:02:03:04:06")
}

func TestPrintTrace(t *testing.T) {
	var buf bytes.Buffer
	w := trace.NewWriter(&buf)
	w.Record(trace.Event{Kind: trace.KindFrame, Direction: trace.DirectionIn, Frame: []byte{1, 1, 0, 5, 1}})
	second := w.NewAttempt()
	w.Record(trace.Event{Kind: trace.KindFailure, Reason: "CredentialRejected"})
	require.NoError(t, w.Err())

	var out bytes.Buffer
	require.NoError(t, printTrace(&out, bytes.NewReader(buf.Bytes()), ""))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "IN 5 bytes")

	out.Reset()
	require.NoError(t, printTrace(&out, bytes.NewReader(buf.Bytes()), second.String()))
	lines = strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "reason=CredentialRejected")

	assert.Error(t, printTrace(&out, bytes.NewReader(buf.Bytes()), "not-a-uuid"))
	require.NoError(t, printTrace(&out, bytes.NewReader(buf.Bytes()), uuid.NewString()))
}
